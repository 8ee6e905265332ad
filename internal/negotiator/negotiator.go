// Package negotiator implements the Negotiator: the sole writer of
// MasterState, serializing two concerns — cluster membership and the
// snapshot-cut protocol.
package negotiator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"weir/internal/coreerr"
	"weir/internal/corestate"
	"weir/internal/master"
	"weir/internal/registry"
	"weir/internal/store"
	"weir/internal/topology"
)

// ID is the well-known ProcessorId every cluster has exactly one of.
var ID = corestate.ProcessorID{Name: "negotiator", Instance: 0}

const (
	// defaultFlowThrottle is the pause between snapshot cuts.
	defaultFlowThrottle = 10 * time.Second
	// defaultZKThrottle paces the processor-state polling loops.
	defaultZKThrottle = 200 * time.Millisecond
)

// Negotiator drives the MasterState FSM for one cluster.
type Negotiator struct {
	topo         *topology.Topology
	flowThrottle time.Duration
	zkThrottle   time.Duration

	mu         sync.Mutex
	driverStop context.CancelFunc // handle of the running snapshot-driver; touched only inside onMembershipChange, under mu
}

// New builds a Negotiator over topo with the default throttles.
func New(topo *topology.Topology) *Negotiator {
	return &Negotiator{topo: topo, flowThrottle: defaultFlowThrottle, zkThrottle: defaultZKThrottle}
}

// NewWithThrottles builds a Negotiator with explicit throttle durations,
// for tests that cannot afford the nominal 10s flow throttle.
func NewWithThrottles(topo *topology.Topology, flowThrottle, zkThrottle time.Duration) *Negotiator {
	return &Negotiator{topo: topo, flowThrottle: flowThrottle, zkThrottle: zkThrottle}
}

// Run registers the Negotiator's own ephemeral node and drives the
// membership supervisor until ctx is cancelled or a fatal error occurs.
// A fatal error is terminal for the whole process: callers should exit
// non-zero so the ephemeral vanishes and the cluster goes Unavailable.
func (n *Negotiator) Run(ctx context.Context, opts store.Options) error {
	return registry.Register(ctx, opts, ID, corestate.UnspecifiedState(), func(ctx context.Context, session *store.Session) error {
		return n.supervise(ctx, session, opts)
	})
}

func (n *Negotiator) supervise(ctx context.Context, session *store.Session, opts store.Options) error {
	if err := master.EnsureCreated(ctx, session, corestate.UnavailableState()); err != nil {
		return err
	}

	fatal := make(chan error, 1)

	// Serializes the initial evaluation against watch fires so two
	// evaluations can never race a driver start.
	var evalMu sync.Mutex
	onMembershipChange := func() {
		evalMu.Lock()
		defer evalMu.Unlock()

		n.mu.Lock()
		if n.driverStop != nil {
			n.driverStop()
			n.driverStop = nil
		}
		n.mu.Unlock()

		children, err := session.Children(ctx, "/living_processors")
		if err != nil {
			select {
			case fatal <- err:
			default:
			}
			return
		}

		required := n.topo.NumProcessors() + 1 // +1 for the negotiator itself
		if len(children) < required {
			slog.Info("negotiator: membership below quorum", "have", len(children), "want", required)
			if err := master.Write(ctx, session, corestate.UnavailableState()); err != nil {
				select {
				case fatal <- err:
				default:
				}
			}
			return
		}

		driverCtx, cancel := context.WithCancel(ctx)
		n.mu.Lock()
		n.driverStop = cancel
		n.mu.Unlock()

		go func() {
			if err := n.runDriver(driverCtx, opts, session); err != nil && driverCtx.Err() == nil {
				// A cancelled driver context means the membership
				// supervisor killed it deliberately; that is not
				// fatal. Anything else terminates the supervisor too.
				select {
				case fatal <- err:
				default:
				}
			}
		}()
	}

	if err := session.WatchChildren(ctx, "/living_processors", onMembershipChange); err != nil {
		return err
	}
	onMembershipChange()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

// runDriver runs the snapshot-driver sequence: initialization, rewind,
// then the flow loop. A fresh instance is started by the membership
// supervisor on every quorum regain and killed on every membership
// change, so it holds no resource beyond the shared session.
func (n *Negotiator) runDriver(ctx context.Context, opts store.Options, session *store.Session) error {
	if err := master.Write(ctx, session, corestate.InitializationState()); err != nil {
		return err
	}

	loaded, err := n.untilBoltsLoaded(ctx, session)
	if err != nil {
		return err
	}
	c0, err := commonClock(loaded)
	if err != nil {
		return &coreerr.BadStartupError{Clocks: clockStrings(loaded)}
	}

	if err := master.Write(ctx, session, corestate.SpoutsRewindState(c0)); err != nil {
		return err
	}
	if err := n.untilSpoutsPausedAt(ctx, session, c0); err != nil {
		return err
	}

	prevCut := corestate.NewClock(nil)
	for {
		if err := master.Write(ctx, session, corestate.FlowingState()); err != nil {
			return err
		}
		if err := sleepCtx(ctx, n.flowThrottle); err != nil {
			return err
		}

		if err := master.Write(ctx, session, corestate.SpoutsPausedState()); err != nil {
			return err
		}
		cut, err := n.untilSpoutsPaused(ctx, session)
		if err != nil {
			return err
		}

		if err := master.Write(ctx, session, corestate.FlowingWithSnapshot(cut)); err != nil {
			return err
		}
		saved, err := n.untilBoltsSaved(ctx, session, cut, prevCut)
		if err != nil {
			return err
		}
		common, err := commonClock(saved)
		if err != nil || !common.Equal(cut) {
			return &coreerr.BadClusterStateError{Clocks: clockStrings(saved)}
		}
		prevCut = cut
	}
}

// untilBoltsLoaded polls every bolt's ProcessorState until each reports
// BoltLoaded, then returns the reported clocks keyed by ProcessorId.
func (n *Negotiator) untilBoltsLoaded(ctx context.Context, session *store.Session) (map[corestate.ProcessorID]corestate.Clock, error) {
	boltIds := n.topo.BoltIds()
	result := make(map[corestate.ProcessorID]corestate.Clock, len(boltIds))
	err := pollUntil(ctx, n.zkThrottle, func() (bool, error) {
		states, err := registry.GetAllProcessorStates(ctx, session)
		if err != nil {
			return false, err
		}
		for _, id := range boltIds {
			s, ok := states[id]
			if !ok || s.Kind != corestate.BoltLoaded {
				return false, nil
			}
			result[id] = s.Clock
		}
		return true, nil
	})
	return result, err
}

// untilBoltsSaved polls every bolt's ProcessorState until each reports
// BoltSaved for the current cut, then returns the reported clocks. A
// BoltSaved still carrying prevCut's clock is the previous round's
// announcement the bolt has not yet replaced, not an answer to this
// cut, so it keeps the poll waiting rather than tripping the divergence
// check.
func (n *Negotiator) untilBoltsSaved(ctx context.Context, session *store.Session, cut, prevCut corestate.Clock) (map[corestate.ProcessorID]corestate.Clock, error) {
	boltIds := n.topo.BoltIds()
	result := make(map[corestate.ProcessorID]corestate.Clock, len(boltIds))
	err := pollUntil(ctx, n.zkThrottle, func() (bool, error) {
		states, err := registry.GetAllProcessorStates(ctx, session)
		if err != nil {
			return false, err
		}
		for _, id := range boltIds {
			s, ok := states[id]
			if !ok || s.Kind != corestate.BoltSaved {
				return false, nil
			}
			if s.Clock.Equal(prevCut) && !prevCut.Equal(cut) {
				return false, nil
			}
			result[id] = s.Clock
		}
		return true, nil
	})
	return result, err
}

// untilSpoutsPausedAt polls until every spout reports SpoutPaused at
// exactly target's offset for its own partition.
func (n *Negotiator) untilSpoutsPausedAt(ctx context.Context, session *store.Session, target corestate.Clock) error {
	spoutIds := n.topo.SpoutIds()
	return pollUntil(ctx, n.zkThrottle, func() (bool, error) {
		states, err := registry.GetAllProcessorStates(ctx, session)
		if err != nil {
			return false, err
		}
		for _, id := range spoutIds {
			s, ok := states[id]
			if !ok || s.Kind != corestate.SpoutPaused {
				return false, nil
			}
			// A partition absent from target (a fresh cluster with no
			// prior snapshot) means "start of stream": the spout's own
			// rewind fallback pauses at offset -1 in that case.
			want, ok := target.Get(s.Partition)
			if !ok {
				want = -1
			}
			if s.Offset != want {
				return false, nil
			}
		}
		return true, nil
	})
}

// untilSpoutsPaused polls until every spout reports SpoutPaused and
// returns the Clock these (partition, offset) pairs form — the cut,
// carrying exactly one offset per spout partition.
func (n *Negotiator) untilSpoutsPaused(ctx context.Context, session *store.Session) (corestate.Clock, error) {
	spoutIds := n.topo.SpoutIds()
	cut := corestate.NewClock(nil)
	err := pollUntil(ctx, n.zkThrottle, func() (bool, error) {
		states, err := registry.GetAllProcessorStates(ctx, session)
		if err != nil {
			return false, err
		}
		next := corestate.NewClock(nil)
		for _, id := range spoutIds {
			s, ok := states[id]
			if !ok || s.Kind != corestate.SpoutPaused {
				return false, nil
			}
			next[s.Partition] = s.Offset
		}
		cut = next
		return true, nil
	})
	return cut, err
}

func pollUntil(ctx context.Context, throttle time.Duration, check func() (bool, error)) error {
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := sleepCtx(ctx, throttle); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// commonClock returns the single clock shared by every entry in clocks,
// or an error if its values are not all equal. An empty map yields the
// empty Clock.
func commonClock(clocks map[corestate.ProcessorID]corestate.Clock) (corestate.Clock, error) {
	var common corestate.Clock
	first := true
	for _, c := range clocks {
		if first {
			common = c
			first = false
			continue
		}
		if !c.Equal(common) {
			return nil, fmt.Errorf("divergent clocks")
		}
	}
	if first {
		return corestate.NewClock(nil), nil
	}
	return common, nil
}

func clockStrings(clocks map[corestate.ProcessorID]corestate.Clock) map[string]string {
	out := make(map[string]string, len(clocks))
	for id, c := range clocks {
		out[id.String()] = c.String()
	}
	return out
}
