// Package bolt drives the bolt state machine: load-on-startup,
// Clock-aligned snapshotting, and the BoltRunning/BoltLoaded/BoltSaved
// announcements the Negotiator relies on. The user-supplied tuple
// transformation is a collaborator; Bolt is the narrow interface that
// boundary leaves behind.
package bolt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"weir/internal/corestate"
	"weir/internal/master"
	"weir/internal/registry"
	"weir/internal/shuffle"
	"weir/internal/snapshotstore"
	"weir/internal/store"
	"weir/internal/topology"
)

// Bolt is the contract every stateful operator implements. It is
// intentionally narrow: Process may mutate the bolt's own in-memory
// state and returns the payloads to emit downstream; Snapshot and Load
// move that state to and from durable bytes.
type Bolt interface {
	// Load restores state from a previously saved snapshot. snapshot is
	// nil when no prior snapshot exists.
	Load(snapshot []byte) error
	// Process consumes one payload and returns zero or more payloads to
	// route downstream.
	Process(ctx context.Context, payload corestate.Payload) ([]corestate.Payload, error)
	// Snapshot serializes the bolt's current state for durable storage.
	Snapshot() ([]byte, error)
}

// pollInterval is how often the processing loop re-observes MasterState
// when no frame arrives to prompt it.
const pollInterval = 100 * time.Millisecond

// Runner drives a Bolt implementation: it owns the registration,
// snapshot alignment, and downstream routing.
type Runner struct {
	id         corestate.ProcessorID
	upstream   string // the topology name this bolt's outbound payloads route under
	bolt       Bolt
	snapshots  *snapshotstore.Store
	topo       *topology.Topology
	downstream *shuffle.Pool
	expected   []corestate.ProcessorID // upstream instances whose drain markers complete a cut
}

// NewRunner builds a Runner for bolt instance id.
func NewRunner(id corestate.ProcessorID, bolt Bolt, snapshots *snapshotstore.Store, topo *topology.Topology, downstream *shuffle.Pool) *Runner {
	return &Runner{
		id:         id,
		upstream:   id.Name,
		bolt:       bolt,
		snapshots:  snapshots,
		topo:       topo,
		downstream: downstream,
		expected:   topo.UpstreamIds(id.Name),
	}
}

// Run loads the bolt's latest snapshot, registers it as BoltLoaded, and
// processes incoming frames from in until ctx is cancelled or a fatal
// error occurs. in is fed by a weir/internal/shuffle.Server listening on
// this instance's address.
func (r *Runner) Run(ctx context.Context, opts store.Options, mirror *master.Mirror, in <-chan shuffle.Frame) error {
	clock, err := r.reload()
	if err != nil {
		return err
	}
	return registry.Register(ctx, opts, r.id, corestate.BoltLoadedState(clock), func(ctx context.Context, session *store.Session) error {
		return r.loop(ctx, session, mirror, in)
	})
}

// reload restores the bolt from its latest durable snapshot (or to the
// empty state when none exists) and returns the snapshot's clock.
func (r *Runner) reload() (corestate.Clock, error) {
	clock, state, found, err := r.snapshots.Latest(r.id)
	if err != nil {
		return nil, fmt.Errorf("bolt %s: read latest snapshot: %w", r.id, err)
	}
	if !found {
		clock = corestate.NewClock(nil)
		state = nil
	}
	if err := r.bolt.Load(state); err != nil {
		return nil, fmt.Errorf("bolt %s: apply snapshot: %w", r.id, err)
	}
	return clock, nil
}

// loop is the bolt's announcement state machine. The announced
// ProcessorState holds BoltLoaded until the cluster starts flowing,
// moves to BoltRunning, and flips to BoltSaved each time a pending
// snapshot is flushed; a return to Initialization (the Negotiator
// restarted its driver after a membership change) rolls the bolt back
// to its last durable snapshot and re-announces BoltLoaded, so that
// replayed records land on the state they originally extended.
//
// Alignment is driven by drain markers, not by clocks alone: a pending
// snapshot is flushed only once a marker covering the cut has arrived
// from every upstream instance. Delivery is FIFO per connection and an
// upstream emits its marker only after its last pre-cut payload, so a
// covering marker from every sender proves every payload at or before
// the cut has been processed, however late the network delivers it.
func (r *Runner) loop(ctx context.Context, session *store.Session, mirror *master.Mirror, in <-chan shuffle.Frame) error {
	announced := corestate.BoltLoaded
	markers := make(map[corestate.ProcessorID]corestate.Clock)

	var pendingTarget corestate.Clock
	pendingActive := false

	announce := func(state corestate.ProcessorState) error {
		if err := registry.SetProcessorState(ctx, session, r.id, state); err != nil {
			return err
		}
		announced = state.Kind
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			if frame.Marker {
				markers[frame.Sender] = markers[frame.Sender].Join(frame.Clock)
				break
			}
			out, err := r.bolt.Process(ctx, frame.Payload)
			if err != nil {
				return fmt.Errorf("bolt %s: process: %w", r.id, err)
			}
			if err := r.route(out); err != nil {
				return err
			}
		case <-ticker.C:
		}

		state := mirror.Get()
		switch state.Kind {
		case corestate.Initialization:
			if announced == corestate.BoltLoaded {
				break
			}
			clock, err := r.reload()
			if err != nil {
				return err
			}
			pendingActive = false
			markers = make(map[corestate.ProcessorID]corestate.Clock)
			if err := announce(corestate.BoltLoadedState(clock)); err != nil {
				return err
			}

		case corestate.Flowing:
			if state.NextSnapshot {
				if !pendingActive && announced != corestate.BoltSaved {
					pendingTarget = state.Clock
					pendingActive = true
				}
				if pendingActive && r.inputsDrained(markers, pendingTarget) {
					if err := r.save(ctx, session, pendingTarget, announce); err != nil {
						return err
					}
					pendingActive = false
				}
			} else if announced != corestate.BoltRunning {
				if err := announce(corestate.BoltRunningState()); err != nil {
					return err
				}
			}
		}
	}
}

// inputsDrained reports whether a marker covering cut has arrived from
// every upstream instance.
func (r *Runner) inputsDrained(markers map[corestate.ProcessorID]corestate.Clock, cut corestate.Clock) bool {
	for _, id := range r.expected {
		m, ok := markers[id]
		if !ok || !covers(m, cut) {
			return false
		}
	}
	return true
}

// covers reports whether marker clock m is at or past cut for every
// partition m speaks for. A spout's marker carries only its own
// partition; a forwarded bolt marker carries the whole cut.
func covers(m, cut corestate.Clock) bool {
	for p, o := range m {
		if want, ok := cut.Get(p); ok && o < want {
			return false
		}
	}
	return true
}

// save flushes the bolt's state for the cut, announces BoltSaved, and
// forwards a drain marker downstream: everything this bolt will ever
// emit for payloads at or before the cut has been routed by now.
func (r *Runner) save(ctx context.Context, session *store.Session, target corestate.Clock, announce func(corestate.ProcessorState) error) error {
	snapshot, err := r.bolt.Snapshot()
	if err != nil {
		return fmt.Errorf("bolt %s: snapshot: %w", r.id, err)
	}
	if err := r.snapshots.Save(r.id, target, snapshot); err != nil {
		return fmt.Errorf("bolt %s: save snapshot: %w", r.id, err)
	}
	slog.Info("bolt saved snapshot", "processor", r.id, "clock", target)
	if err := r.forwardMarker(target); err != nil {
		return err
	}
	return announce(corestate.BoltSavedState(target))
}

func (r *Runner) forwardMarker(cut corestate.Clock) error {
	addrs, err := r.topo.DownstreamBroadcastAddresses(r.upstream)
	if err != nil {
		return fmt.Errorf("bolt %s: marker route: %w", r.id, err)
	}
	for _, addr := range addrs {
		if err := r.downstream.SendMarker(addr.String(), r.id, cut); err != nil {
			return fmt.Errorf("bolt %s: marker to %s: %w", r.id, addr, err)
		}
	}
	return nil
}

func (r *Runner) route(payloads []corestate.Payload) error {
	for _, p := range payloads {
		addrs, err := r.topo.DownstreamAddresses(r.upstream, p)
		if err != nil {
			return fmt.Errorf("bolt %s: route: %w", r.id, err)
		}
		for _, addr := range addrs {
			if err := r.downstream.Send(addr.String(), p); err != nil {
				return fmt.Errorf("bolt %s: send to %s: %w", r.id, addr, err)
			}
		}
	}
	return nil
}
