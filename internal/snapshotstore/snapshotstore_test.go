package snapshotstore

import (
	"testing"

	"weir/internal/corestate"
)

func TestLatestWithNoSnapshotIsEmptyClock(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	id := corestate.ProcessorID{Name: "agg", Instance: 0}
	clock, _, found, err := store.Latest(id)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if found {
		t.Fatal("expected no snapshot to be found")
	}
	if len(clock) != 0 {
		t.Errorf("expected empty clock, got %s", clock)
	}
}

func TestSaveAndGet(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	id := corestate.ProcessorID{Name: "agg", Instance: 0}
	c := corestate.NewClock(map[corestate.Partition]corestate.Offset{"p0": 73})
	if err := store.Save(id, c, []byte("state-73")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	state, found, err := store.Get(id, c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(state) != "state-73" {
		t.Errorf("Get() = (%q, %v), want (state-73, true)", state, found)
	}

	latestClock, latestState, found, err := store.Latest(id)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !found || !latestClock.Equal(c) || string(latestState) != "state-73" {
		t.Errorf("Latest() = (%s, %q, %v)", latestClock, latestState, found)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	store, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	id := corestate.ProcessorID{Name: "agg", Instance: 0}
	c := corestate.NewClock(map[corestate.Partition]corestate.Offset{"p0": 73})
	if err := store.Save(id, c, []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(id, c, []byte("second")); err != nil {
		t.Fatalf("Save (repeat): %v", err)
	}
	state, _, err := store.Get(id, c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(state) != "first" {
		t.Errorf("Get() = %q, want the first save to stick", state)
	}
}
