// Package spout implements the spout state machine: a per-partition
// loop, driven by a pluggable producer, gated by the current
// MasterState.
package spout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"weir/internal/corestate"
	"weir/internal/master"
	"weir/internal/registry"
	"weir/internal/shuffle"
	"weir/internal/store"
	"weir/internal/topology"
)

// Record is one input-stream record, shaped identically to
// weir/internal/inputsource/file.Record and
// weir/internal/inputsource/kafka.Record; Source implementations convert
// their own record type at the call site.
type Record struct {
	Offset corestate.Offset
	Tuple  []byte
}

// Source is the pluggable producer a spout owns. weir/internal/inputsource
// holds the concrete implementations (file, kafka); both are wrapped by
// the FileSource and KafkaSource adapters to satisfy this interface. Seek(off) positions the source so that the next
// record returned by Next has an offset strictly greater than off.
type Source interface {
	Partition() corestate.Partition
	Next() (Record, error)
	Seek(off corestate.Offset) error
}

// pollInterval is how often the spout re-observes MasterState while
// gated (paused, initializing, or between flow loop ticks).
const pollInterval = 100 * time.Millisecond

// Runner drives one spout instance.
type Runner struct {
	id         corestate.ProcessorID
	source     Source
	topo       *topology.Topology
	downstream *shuffle.Pool
}

// NewRunner builds a Runner for spout instance id, reading from source
// and routing emitted payloads via downstream according to topo.
func NewRunner(id corestate.ProcessorID, source Source, topo *topology.Topology, downstream *shuffle.Pool) *Runner {
	return &Runner{id: id, source: source, topo: topo, downstream: downstream}
}

// Run registers the spout and drives its main loop until ctx is
// cancelled or a fatal error occurs. On a fatal error the registration's
// ephemeral node vanishes and the Negotiator's children-watch observes
// the loss.
func (r *Runner) Run(ctx context.Context, opts store.Options, mirror *master.Mirror) error {
	return registry.Register(ctx, opts, r.id, corestate.SpoutRunningState(), func(ctx context.Context, session *store.Session) error {
		return r.loop(ctx, session, mirror)
	})
}

// loop re-observes the master-state mirror on every iteration and acts
// on whatever it holds, never blocking on a single awaited value — a
// membership drop can yank the state to Unavailable at any point,
// including mid-cut, and the spout must follow it into the next
// rewind rather than keep waiting for a resume that cannot come.
func (r *Runner) loop(ctx context.Context, session *store.Session, mirror *master.Mirror) error {
	paused := false
	announceRunning := func() error {
		if paused {
			if err := registry.SetProcessorState(ctx, session, r.id, corestate.SpoutRunningState()); err != nil {
				return err
			}
			paused = false
		}
		return nil
	}
	announcePaused := func(offset corestate.Offset) error {
		paused = true
		return registry.SetProcessorState(ctx, session, r.id, corestate.SpoutPausedState(r.source.Partition(), offset))
	}

	// The offset of the last record emitted; -1 means nothing emitted
	// since startup. Never advanced while paused, so the value announced
	// in SpoutPaused is the exact re-entry point for replay.
	var lastOffset corestate.Offset = -1

	// The offset the last drain marker was broadcast for. Tracked
	// separately from the pause announcement: a marker promises that no
	// payload at or before it will follow, so one is owed whenever a
	// cut finds the spout at an offset it has not marked yet — even if
	// the matching SpoutPaused announcement is already in place — and
	// the promise is void after a rewind, which replays marked offsets.
	const markerNone = corestate.Offset(-2)
	markerSentAt := markerNone

	// pauseForCut announces the pause and broadcasts the drain marker,
	// each only if not already done for the current offset.
	pauseForCut := func() error {
		if !paused {
			if err := announcePaused(lastOffset); err != nil {
				return err
			}
		}
		if markerSentAt != lastOffset {
			if err := r.broadcastMarker(lastOffset); err != nil {
				return err
			}
			markerSentAt = lastOffset
		}
		return nil
	}

	// Tracks the rewind already performed, so a persisting SpoutsRewind
	// state does not seek again every poll. Leaving SpoutsRewind resets
	// it: a later driver may legitimately rewind to the same clock.
	rewound := false
	var rewoundTo corestate.Clock

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		state := mirror.Get()
		if state.Kind != corestate.SpoutsRewind {
			rewound = false
		}

		switch state.Kind {
		case corestate.Flowing:
			if state.NextSnapshot {
				target, ok := state.Clock.Get(r.source.Partition())
				if ok && lastOffset >= target {
					if err := pauseForCut(); err != nil {
						return err
					}
					r.sleep(ctx)
					continue
				}
			}
			if err := announceRunning(); err != nil {
				return err
			}
			if err := r.emitNext(ctx, &lastOffset); err != nil {
				return err
			}

		case corestate.SpoutsPaused:
			if err := pauseForCut(); err != nil {
				return err
			}
			r.sleep(ctx)

		case corestate.SpoutsRewind:
			if rewound && state.Clock.Equal(rewoundTo) {
				r.sleep(ctx)
				continue
			}
			// A partition absent from the rewind clock means no prior
			// snapshot exists for it: replay from the start of the
			// stream (-1, so the next record's offset > target holds
			// for the very first record).
			target, ok := state.Clock.Get(r.source.Partition())
			if !ok {
				target = -1
			}
			if err := r.source.Seek(target); err != nil {
				return fmt.Errorf("spout %s: seek to %d: %w", r.id, target, err)
			}
			lastOffset = target
			markerSentAt = markerNone
			if err := announcePaused(target); err != nil {
				return err
			}
			rewound, rewoundTo = true, state.Clock

		default: // Initialization, Unavailable, or anything else
			r.sleep(ctx)
		}
	}
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(pollInterval):
	}
}

func (r *Runner) emitNext(ctx context.Context, lastOffset *corestate.Offset) error {
	rec, err := r.source.Next()
	if err != nil {
		// Exhausted for now; the producer may append more later.
		if errors.Is(err, io.EOF) {
			r.sleep(ctx)
			return nil
		}
		return fmt.Errorf("spout %s: read: %w", r.id, err)
	}
	payload := corestate.Payload{Tuple: rec.Tuple, Clock: corestate.NewClock(map[corestate.Partition]corestate.Offset{
		r.source.Partition(): rec.Offset,
	})}
	addrs, err := r.topo.DownstreamAddresses(r.id.Name, payload)
	if err != nil {
		return fmt.Errorf("spout %s: route: %w", r.id, err)
	}
	for _, addr := range addrs {
		if err := r.downstream.Send(addr.String(), payload); err != nil {
			return fmt.Errorf("spout %s: send to %s: %w", r.id, addr, err)
		}
	}
	*lastOffset = rec.Offset
	slog.Debug("spout emitted record", "processor", r.id, "offset", rec.Offset)
	return nil
}

// broadcastMarker sends a drain marker carrying this partition's paused
// offset to every downstream instance — all of them, since the keyed
// shuffle may have routed payloads to any of them.
func (r *Runner) broadcastMarker(offset corestate.Offset) error {
	addrs, err := r.topo.DownstreamBroadcastAddresses(r.id.Name)
	if err != nil {
		return fmt.Errorf("spout %s: marker route: %w", r.id, err)
	}
	clock := corestate.NewClock(map[corestate.Partition]corestate.Offset{
		r.source.Partition(): offset,
	})
	for _, addr := range addrs {
		if err := r.downstream.SendMarker(addr.String(), r.id, clock); err != nil {
			return fmt.Errorf("spout %s: marker to %s: %w", r.id, addr, err)
		}
	}
	return nil
}
