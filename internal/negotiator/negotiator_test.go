package negotiator_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"weir/internal/corestate"
	"weir/internal/master"
	"weir/internal/negotiator"
	"weir/internal/registry"
	"weir/internal/store"
	"weir/internal/store/service"
	"weir/internal/topology"
)

func startTestStore(t *testing.T) string {
	t.Helper()
	svc, err := service.Open("")
	if err != nil {
		t.Fatalf("service.Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	srv := httptest.NewServer(service.NewHandler(svc))
	t.Cleanup(srv.Close)
	return srv.URL
}

func poll(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestMembershipGatesInitialization checks that MasterState stays
// Unavailable until every declared processor has registered, then moves
// to Initialization and no further.
func TestMembershipGatesInitialization(t *testing.T) {
	addr := startTestStore(t)
	opts := store.Options{Addr: addr}

	topo, err := topology.New(map[string]topology.OperatorSpec{
		"src": {Kind: topology.KindSpout, Parallelism: 1},
		"agg": {Kind: topology.KindBolt, Parallelism: 1},
	}, nil)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}

	n := negotiator.New(topo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	negErr := make(chan error, 1)
	go func() { negErr <- n.Run(ctx, opts) }()

	control, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer control.Close()

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.Unavailable
	})

	spoutID := corestate.ProcessorID{Name: "src", Instance: 0}
	spoutSession, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer spoutSession.Close()
	if err := spoutSession.RegisterEphemeral(ctx, registry.Path(spoutID), nil); err != nil {
		t.Fatalf("RegisterEphemeral: %v", err)
	}
	if err := registry.SetProcessorState(ctx, spoutSession, spoutID, corestate.SpoutRunningState()); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	// Still below quorum (only the spout and the negotiator registered).
	time.Sleep(200 * time.Millisecond)
	state, err := master.Read(ctx, control)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if state.Kind != corestate.Unavailable {
		t.Fatalf("MasterState = %s before quorum, want Unavailable", state)
	}

	boltID := corestate.ProcessorID{Name: "agg", Instance: 0}
	boltSession, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer boltSession.Close()
	if err := boltSession.RegisterEphemeral(ctx, registry.Path(boltID), nil); err != nil {
		t.Fatalf("RegisterEphemeral: %v", err)
	}
	if err := registry.SetProcessorState(ctx, boltSession, boltID, corestate.BoltRunningState()); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.Initialization
	})

	cancel()
	select {
	case <-negErr:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiator did not exit after cancel")
	}
}

// TestFullCutCycle drives a single spout/bolt pair through
// Initialization -> SpoutsRewind -> Flowing -> SpoutsPaused ->
// Flowing(Just c), simulating the processors' announcements the way a
// real spout.Runner/bolt.Runner would make them.
func TestFullCutCycle(t *testing.T) {
	addr := startTestStore(t)
	opts := store.Options{Addr: addr}

	topo, err := topology.New(map[string]topology.OperatorSpec{
		"src": {Kind: topology.KindSpout, Parallelism: 1},
		"agg": {Kind: topology.KindBolt, Parallelism: 1},
	}, nil)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}

	// The flow throttle leaves room for this test to announce
	// SpoutRunning after each resume before the next cut begins.
	n := negotiator.NewWithThrottles(topo, 300*time.Millisecond, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	negErr := make(chan error, 1)
	go func() { negErr <- n.Run(ctx, opts) }()

	control, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer control.Close()

	spoutID := corestate.ProcessorID{Name: "src", Instance: 0}
	boltID := corestate.ProcessorID{Name: "agg", Instance: 0}

	spoutSession, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer spoutSession.Close()
	if err := spoutSession.RegisterEphemeral(ctx, registry.Path(spoutID), nil); err != nil {
		t.Fatalf("RegisterEphemeral: %v", err)
	}

	boltSession, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer boltSession.Close()
	if err := boltSession.RegisterEphemeral(ctx, registry.Path(boltID), nil); err != nil {
		t.Fatalf("RegisterEphemeral: %v", err)
	}
	emptyClock := corestate.NewClock(nil)
	if err := registry.SetProcessorState(ctx, boltSession, boltID, corestate.BoltLoadedState(emptyClock)); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.SpoutsRewind
	})

	// The spout announces it paused at the rewind clock's (absent)
	// partition offset, which falls back to -1 (start of stream).
	if err := registry.SetProcessorState(ctx, spoutSession, spoutID, corestate.SpoutPausedState("p0", -1)); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.Flowing && !state.NextSnapshot
	})

	// Resume, as a real spout would, so the stale rewind pause is not
	// mistaken for the next cut's answer.
	if err := registry.SetProcessorState(ctx, spoutSession, spoutID, corestate.SpoutRunningState()); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.SpoutsPaused
	})

	if err := registry.SetProcessorState(ctx, spoutSession, spoutID, corestate.SpoutPausedState("p0", 73)); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		if err != nil || state.Kind != corestate.Flowing || !state.NextSnapshot {
			return false
		}
		want := corestate.NewClock(map[corestate.Partition]corestate.Offset{"p0": 73})
		return state.Clock.Equal(want)
	})

	cut := corestate.NewClock(map[corestate.Partition]corestate.Offset{"p0": 73})
	if err := registry.SetProcessorState(ctx, boltSession, boltID, corestate.BoltSavedState(cut)); err != nil {
		t.Fatalf("SetProcessorState: %v", err)
	}

	poll(t, 2*time.Second, func() bool {
		state, err := master.Read(ctx, control)
		return err == nil && state.Kind == corestate.Flowing && !state.NextSnapshot
	})

	cancel()
	select {
	case <-negErr:
	case <-time.After(2 * time.Second):
		t.Fatal("negotiator did not exit after cancel")
	}
}
