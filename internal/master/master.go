// Package master implements the master-state channel: a single
// persistent node carrying the authoritative MasterState, one writer
// (the Negotiator), and a watch-fed mirror for every reader.
package master

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"weir/internal/coreerr"
	"weir/internal/corestate"
	"weir/internal/store"
	"weir/internal/wire"
)

// Path is the well-known node holding the serialized MasterState.
const Path = "/master_state"

// createPollInterval paces the wait in Inject for the node to appear
// when a processor starts before the Negotiator has created it.
const createPollInterval = 200 * time.Millisecond

// EnsureCreated creates Path with the given initial value if it does not
// already exist; an existing value is left untouched so that a restarted
// Negotiator recovers the last known state.
func EnsureCreated(ctx context.Context, session *store.Session, initial corestate.MasterState) error {
	return session.CreatePersistent(ctx, Path, wire.EncodeMasterState(initial), true)
}

// Write overwrites MasterState. Only the Negotiator calls this.
func Write(ctx context.Context, session *store.Session, state corestate.MasterState) error {
	return session.Set(ctx, Path, wire.EncodeMasterState(state))
}

// Read returns the current MasterState with no mirroring.
func Read(ctx context.Context, session *store.Session) (corestate.MasterState, error) {
	payload, err := session.Get(ctx, Path)
	if err != nil {
		return corestate.MasterState{}, err
	}
	state, err := wire.DecodeMasterState(payload)
	if err != nil {
		return corestate.MasterState{}, &coreerr.UnexpectedStoreError{Op: "decode master state", Cause: err}
	}
	return state, nil
}

// Mirror is a single-slot mailbox: one writer (the data-watch callback),
// many readers, latest value wins.
type Mirror struct {
	mu    sync.Mutex
	value corestate.MasterState
	gen   atomic.Uint64
}

// Get returns the mirror's current value.
func (m *Mirror) Get() corestate.MasterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Generation returns a counter that increments on every observed update,
// so a poller can detect "has this changed since I last looked" cheaply.
func (m *Mirror) Generation() uint64 {
	return m.gen.Load()
}

func (m *Mirror) set(v corestate.MasterState) {
	m.mu.Lock()
	m.value = v
	m.mu.Unlock()
	m.gen.Add(1)
}

// Inject starts a MasterState watcher and calls body with the resulting
// Mirror; body is expected to poll the mirror rather than act inside the
// watch callback. If the node does not exist yet — the processor came up
// before the Negotiator created it — Inject waits for it to appear.
// Inject blocks until body returns or ctx is cancelled.
func Inject(ctx context.Context, session *store.Session, body func(ctx context.Context, mirror *Mirror) error) error {
	mirror := &Mirror{}

	var initial corestate.MasterState
	for {
		var err error
		initial, err = Read(ctx, session)
		if err == nil {
			break
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createPollInterval):
		}
	}
	mirror.set(initial)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	refresh := func() {
		state, err := Read(watchCtx, session)
		if err != nil {
			return
		}
		mirror.set(state)
	}
	if err := session.WatchData(watchCtx, Path, refresh); err != nil {
		return err
	}

	return body(ctx, mirror)
}
