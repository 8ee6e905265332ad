package negotiator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"weir/internal/bolt"
	"weir/internal/bolt/wordcount"
	"weir/internal/corestate"
	"weir/internal/inputsource/file"
	"weir/internal/master"
	"weir/internal/negotiator"
	"weir/internal/shuffle"
	"weir/internal/snapshotstore"
	"weir/internal/spout"
	"weir/internal/store"
	"weir/internal/topology"
)

// pollFast is poll with a tighter interval, for transient master states
// (SpoutsRewind persists only until the spout answers it).
func pollFast(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// slowSource throttles a file source so cuts land mid-stream instead of
// after the whole input has been consumed.
type slowSource struct {
	*file.Source
	delay time.Duration
}

func (s slowSource) Next() (spout.Record, error) {
	time.Sleep(s.delay)
	rec, err := s.Source.Next()
	return spout.Record{Offset: rec.Offset, Tuple: rec.Tuple}, err
}

// TestMidCutBoltCrashRecovery wires a real spout, bolt, and Negotiator
// together and kills the bolt while a cut is pending — after
// Flowing(Just c) is published, before the bolt saves. The cluster must
// fall to Unavailable, rewind to the last completed cut once the bolt
// returns, replay, and end up with snapshot state identical to
// processing the input exactly once.
func TestMidCutBoltCrashRecovery(t *testing.T) {
	opts := store.Options{Addr: startTestStore(t)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each record is one unique 4-byte line ("wNN\n"), so exactly-once
	// bolt state means every counted word has count 1 and the number of
	// counted words is the snapshot clock's offset divided by 4.
	const records = 80
	inputPath := filepath.Join(t.TempDir(), "records")
	var input []byte
	for i := 0; i < records; i++ {
		input = append(input, []byte(fmt.Sprintf("w%02d\n", i))...)
	}
	if err := os.WriteFile(inputPath, input, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// The bolt's shuffle server stands in for the process boundary; a
	// dropMarkers switch withholds drain markers so a cut can be left
	// pending for as long as the test needs.
	in := make(chan shuffle.Frame, 256)
	var dropMarkers atomic.Bool
	srv, err := shuffle.Listen("127.0.0.1:0", func(f shuffle.Frame) {
		if f.Marker && dropMarkers.Load() {
			return
		}
		select {
		case in <- f:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	topo, err := topology.New(map[string]topology.OperatorSpec{
		"src": {Kind: topology.KindSpout, Parallelism: 1, Downstreams: []string{"agg"}},
		"agg": {Kind: topology.KindBolt, Parallelism: 1},
	}, map[string]topology.Address{
		"agg-0": {Host: "127.0.0.1", Port: srv.Addr().(*net.TCPAddr).Port},
	})
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}

	snapshots, err := snapshotstore.Open("")
	if err != nil {
		t.Fatalf("snapshotstore.Open: %v", err)
	}
	defer snapshots.Close()

	srcID := corestate.ProcessorID{Name: "src", Instance: 0}
	aggID := corestate.ProcessorID{Name: "agg", Instance: 0}

	n := negotiator.NewWithThrottles(topo, 250*time.Millisecond, 20*time.Millisecond)
	go func() { _ = n.Run(ctx, opts) }()

	source, err := file.Open(inputPath, "p0")
	if err != nil {
		t.Fatalf("file.Open: %v", err)
	}
	defer source.Close()
	spoutRunner := spout.NewRunner(srcID, slowSource{Source: source, delay: 20 * time.Millisecond}, topo, shuffle.NewPool())
	go func() {
		session, err := store.Connect(ctx, opts)
		if err != nil {
			return
		}
		defer session.Close()
		_ = master.Inject(ctx, session, func(ctx context.Context, mirror *master.Mirror) error {
			return spoutRunner.Run(ctx, opts, mirror)
		})
	}()

	startBolt := func(boltCtx context.Context) chan error {
		errc := make(chan error, 1)
		go func() {
			session, err := store.Connect(boltCtx, opts)
			if err != nil {
				errc <- err
				return
			}
			defer session.Close()
			runner := bolt.NewRunner(aggID, wordcount.New(), snapshots, topo, shuffle.NewPool())
			errc <- master.Inject(boltCtx, session, func(ctx context.Context, mirror *master.Mirror) error {
				return runner.Run(ctx, opts, mirror, in)
			})
		}()
		return errc
	}
	boltCtx, killBolt := context.WithCancel(ctx)
	boltErr := startBolt(boltCtx)

	control, err := store.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer control.Close()

	// Phase 1: let at least one cut complete end to end.
	poll(t, 10*time.Second, func() bool {
		_, _, found, err := snapshots.Latest(aggID)
		return err == nil && found
	})

	// Phase 2: withhold markers so the next cut sticks at
	// Flowing(Just c): the marker was published but the bolt cannot
	// finish aligning. A cut that survives a re-read unchanged is
	// genuinely stuck, not one caught mid-save.
	dropMarkers.Store(true)
	var stuck corestate.MasterState
	pollFast(t, 10*time.Second, func() bool {
		s, err := master.Read(ctx, control)
		if err != nil || s.Kind != corestate.Flowing || !s.NextSnapshot {
			return false
		}
		time.Sleep(300 * time.Millisecond)
		again, err := master.Read(ctx, control)
		if err != nil || again.Kind != corestate.Flowing || !again.NextSnapshot || !again.Clock.Equal(s.Clock) {
			return false
		}
		stuck = again
		return true
	})

	lastSaved, _, found, err := snapshots.Latest(aggID)
	if err != nil || !found {
		t.Fatalf("Latest before crash: found=%v err=%v", found, err)
	}
	if lastSaved.Equal(stuck.Clock) {
		t.Fatalf("stuck cut %s already saved; cannot exercise the mid-cut crash", stuck.Clock)
	}

	// Phase 3: kill the bolt mid-cut. Membership drops below quorum,
	// the driver is cancelled, and the cluster goes Unavailable.
	killBolt()
	select {
	case <-boltErr:
	case <-time.After(3 * time.Second):
		t.Fatal("killed bolt did not exit")
	}
	pollFast(t, 10*time.Second, func() bool {
		s, err := master.Read(ctx, control)
		return err == nil && s.Kind == corestate.Unavailable
	})

	// The spout paused for the aborted cut before the crash, so nothing
	// is in flight; drop whatever the dead bolt left unread, the way its
	// process death would have.
	for {
		select {
		case <-in:
			continue
		default:
		}
		break
	}

	// Phase 4: restart the bolt. The cluster must rewind to the last
	// completed cut — not the aborted one — and resume flowing.
	dropMarkers.Store(false)
	boltErr = startBolt(ctx)

	sawRewind := false
	pollFast(t, 10*time.Second, func() bool {
		s, err := master.Read(ctx, control)
		if err != nil {
			return false
		}
		if s.Kind == corestate.SpoutsRewind {
			if !s.Clock.Equal(lastSaved) {
				t.Fatalf("SpoutsRewind(%s), want rewind to last completed cut %s", s.Clock, lastSaved)
			}
			sawRewind = true
		}
		return sawRewind && s.Kind == corestate.Flowing && !s.NextSnapshot
	})

	// Phase 5: a post-recovery cut lands, and its snapshot holds each
	// replayed record's effect exactly once.
	var finalClock corestate.Clock
	var finalState []byte
	poll(t, 10*time.Second, func() bool {
		c, state, found, err := snapshots.Latest(aggID)
		if err != nil || !found {
			return false
		}
		prev, _ := lastSaved.Get("p0")
		if off, ok := c.Get("p0"); !ok || off <= prev {
			return false
		}
		finalClock, finalState = c, state
		return true
	})

	var counts map[string]int64
	if err := json.Unmarshal(finalState, &counts); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	finalOff, _ := finalClock.Get("p0")
	if want := int(finalOff / 4); len(counts) != want {
		t.Errorf("snapshot at %s holds %d words, want %d (one per record up to the cut)", finalClock, len(counts), want)
	}
	for word, count := range counts {
		if count != 1 {
			t.Errorf("count[%s] = %d after replay, want exactly 1", word, count)
		}
	}
}
