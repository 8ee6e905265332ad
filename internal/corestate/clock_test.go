package corestate

import "testing"

func TestClockJoinIsPointwiseMax(t *testing.T) {
	a := NewClock(map[Partition]Offset{"p0": 10, "p1": 5})
	b := NewClock(map[Partition]Offset{"p0": 3, "p2": 7})

	got := a.Join(b)
	want := NewClock(map[Partition]Offset{"p0": 10, "p1": 5, "p2": 7})
	if !got.Equal(want) {
		t.Errorf("Join = %s, want %s", got, want)
	}
	if !a.Join(b).Equal(b.Join(a)) {
		t.Error("Join is not commutative")
	}
	if !a.Join(a).Equal(a) {
		t.Error("Join is not idempotent")
	}
}

func TestClockWithDoesNotMutate(t *testing.T) {
	a := NewClock(map[Partition]Offset{"p0": 1})
	b := a.With("p0", 2)
	if a["p0"] != 1 {
		t.Errorf("With mutated the receiver: %s", a)
	}
	if b["p0"] != 2 {
		t.Errorf("With = %s, want p0:2", b)
	}
}

func TestClockEqual(t *testing.T) {
	cases := []struct {
		a, b Clock
		want bool
	}{
		{NewClock(nil), NewClock(nil), true},
		{NewClock(map[Partition]Offset{"p0": 1}), NewClock(map[Partition]Offset{"p0": 1}), true},
		{NewClock(map[Partition]Offset{"p0": 1}), NewClock(map[Partition]Offset{"p0": 2}), false},
		{NewClock(map[Partition]Offset{"p0": 1}), NewClock(map[Partition]Offset{"p1": 1}), false},
		{NewClock(map[Partition]Offset{"p0": 1}), NewClock(nil), false},
	}
	for _, c := range cases {
		if got := c.a.Equal(c.b); got != c.want {
			t.Errorf("Equal(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestClockComplete(t *testing.T) {
	c := NewClock(map[Partition]Offset{"p0": 1, "p1": 2})
	if !c.Complete([]Partition{"p0", "p1"}) {
		t.Error("expected complete over its own partitions")
	}
	if c.Complete([]Partition{"p0"}) {
		t.Error("extra partition should fail completeness")
	}
	if c.Complete([]Partition{"p0", "p1", "p2"}) {
		t.Error("missing partition should fail completeness")
	}
}

func TestMasterStateTransitions(t *testing.T) {
	c := NewClock(map[Partition]Offset{"p0": 73})
	allowed := []struct {
		from, to MasterState
	}{
		{UnavailableState(), InitializationState()},
		{InitializationState(), SpoutsRewindState(c)},
		{InitializationState(), UnavailableState()},
		{SpoutsRewindState(c), FlowingState()},
		{SpoutsRewindState(c), UnavailableState()},
		{FlowingState(), SpoutsPausedState()},
		{FlowingState(), UnavailableState()},
		{SpoutsPausedState(), FlowingWithSnapshot(c)},
		{SpoutsPausedState(), UnavailableState()},
		{FlowingWithSnapshot(c), FlowingState()},
		{FlowingWithSnapshot(c), UnavailableState()},
	}
	for _, e := range allowed {
		if !e.from.CanTransition(e.to) {
			t.Errorf("CanTransition(%s -> %s) = false, want true", e.from, e.to)
		}
	}

	denied := []struct {
		from, to MasterState
	}{
		{UnavailableState(), FlowingState()},
		{UnavailableState(), SpoutsPausedState()},
		{InitializationState(), FlowingState()},
		{SpoutsRewindState(c), FlowingWithSnapshot(c)},
		{FlowingState(), FlowingWithSnapshot(c)},
		{FlowingWithSnapshot(c), SpoutsPausedState()},
		{SpoutsPausedState(), FlowingState()},
	}
	for _, e := range denied {
		if e.from.CanTransition(e.to) {
			t.Errorf("CanTransition(%s -> %s) = true, want false", e.from, e.to)
		}
	}
}
