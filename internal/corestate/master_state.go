package corestate

import (
	"fmt"

	"weir/internal/check"
)

// MasterStateKind tags the variant carried by a MasterState.
type MasterStateKind uint8

const (
	Unavailable MasterStateKind = iota + 1
	Initialization
	SpoutsRewind
	SpoutsPaused
	Flowing
)

func (k MasterStateKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Initialization:
		return "initialization"
	case SpoutsRewind:
		return "spouts-rewind"
	case SpoutsPaused:
		return "spouts-paused"
	case Flowing:
		return "flowing"
	default:
		return "unknown"
	}
}

// MasterState is the authoritative global mode. Only the field
// relevant to Kind is meaningful:
//
//	SpoutsRewind -> Clock (the cut to rewind to)
//	Flowing      -> Clock, NextSnapshot (NextSnapshot true when a snapshot
//	                at Clock is currently being saved by bolts)
type MasterState struct {
	Kind         MasterStateKind
	Clock        Clock
	NextSnapshot bool
}

func UnavailableState() MasterState {
	return MasterState{Kind: Unavailable}
}

func InitializationState() MasterState {
	return MasterState{Kind: Initialization}
}

func SpoutsRewindState(c Clock) MasterState {
	return MasterState{Kind: SpoutsRewind, Clock: c}
}

func SpoutsPausedState() MasterState {
	return MasterState{Kind: SpoutsPaused}
}

// FlowingState with no pending snapshot.
func FlowingState() MasterState {
	return MasterState{Kind: Flowing}
}

// FlowingWithSnapshot reports normal operation while bolts save the
// snapshot taken at c.
func FlowingWithSnapshot(c Clock) MasterState {
	return MasterState{Kind: Flowing, Clock: c, NextSnapshot: true}
}

func (s MasterState) String() string {
	switch {
	case s.Kind == SpoutsRewind:
		return fmt.Sprintf("SpoutsRewind(%s)", s.Clock)
	case s.Kind == Flowing && s.NextSnapshot:
		return fmt.Sprintf("Flowing(Just %s)", s.Clock)
	case s.Kind == Flowing:
		return "Flowing(Nothing)"
	default:
		return s.Kind.String()
	}
}

// Transition validates an edge of the MasterState machine and returns
// the next state. Only Unavailable has two distinct entry
// triggers (startup and membership loss); every other edge is linear
// within a flow session. An invalid edge is a bug in the Negotiator, not
// an expected runtime condition, so it is reported with check.Assert
// rather than a returned error — callers that need graceful handling
// should validate with CanTransition first.
func (s MasterState) Transition(to MasterState) MasterState {
	check.Assertf(s.CanTransition(to), "master state transition: %s -> %s", s, to)
	return to
}

// CanTransition reports whether s -> to is a legal edge of the
// MasterState machine.
func (s MasterState) CanTransition(to MasterState) bool {
	switch s.Kind {
	case Unavailable:
		return to.Kind == Initialization
	case Initialization:
		return to.Kind == SpoutsRewind || to.Kind == Unavailable
	case SpoutsRewind:
		return to.Kind == Flowing && !to.NextSnapshot || to.Kind == Unavailable
	case SpoutsPaused:
		return to.Kind == Flowing && to.NextSnapshot || to.Kind == Unavailable
	case Flowing:
		if s.NextSnapshot {
			// bolts saved -> back to Flowing(Nothing), or membership drop
			return (to.Kind == Flowing && !to.NextSnapshot) || to.Kind == Unavailable
		}
		// Flowing(Nothing) -> begin cut, or membership drop
		return to.Kind == SpoutsPaused || to.Kind == Unavailable
	default:
		return false
	}
}
