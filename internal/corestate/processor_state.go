package corestate

import "fmt"

// ProcessorStateKind tags the variant carried by a ProcessorState.
type ProcessorStateKind uint8

const (
	// Unspecified is the pre-registration sentinel value.
	Unspecified ProcessorStateKind = iota + 1
	SpoutRunning
	SpoutPaused
	BoltRunning
	BoltLoaded
	BoltSaved
	SinkRunning
)

func (k ProcessorStateKind) String() string {
	switch k {
	case Unspecified:
		return "unspecified"
	case SpoutRunning:
		return "spout-running"
	case SpoutPaused:
		return "spout-paused"
	case BoltRunning:
		return "bolt-running"
	case BoltLoaded:
		return "bolt-loaded"
	case BoltSaved:
		return "bolt-saved"
	case SinkRunning:
		return "sink-running"
	default:
		return "unknown"
	}
}

// ProcessorState is the tagged value a processor publishes about
// itself. Only the fields relevant to Kind are meaningful:
//
//	SpoutPaused           -> Partition, Offset
//	BoltLoaded, BoltSaved -> Clock
type ProcessorState struct {
	Kind      ProcessorStateKind
	Partition Partition
	Offset    Offset
	Clock     Clock
}

func UnspecifiedState() ProcessorState {
	return ProcessorState{Kind: Unspecified}
}

func SpoutRunningState() ProcessorState {
	return ProcessorState{Kind: SpoutRunning}
}

// SpoutPausedState reports the spout stopped at (partition, offset); the
// next record it emits has an offset strictly greater than offset.
func SpoutPausedState(partition Partition, offset Offset) ProcessorState {
	return ProcessorState{Kind: SpoutPaused, Partition: partition, Offset: offset}
}

func BoltRunningState() ProcessorState {
	return ProcessorState{Kind: BoltRunning}
}

// BoltLoadedState reports the bolt finished loading from a prior snapshot
// taken at clock (the empty Clock if none existed).
func BoltLoadedState(clock Clock) ProcessorState {
	return ProcessorState{Kind: BoltLoaded, Clock: clock}
}

// BoltSavedState reports the bolt durably wrote the snapshot for clock.
func BoltSavedState(clock Clock) ProcessorState {
	return ProcessorState{Kind: BoltSaved, Clock: clock}
}

func SinkRunningState() ProcessorState {
	return ProcessorState{Kind: SinkRunning}
}

func (s ProcessorState) String() string {
	switch s.Kind {
	case SpoutPaused:
		return fmt.Sprintf("SpoutPaused(%s,%d)", s.Partition, s.Offset)
	case BoltLoaded:
		return fmt.Sprintf("BoltLoaded(%s)", s.Clock)
	case BoltSaved:
		return fmt.Sprintf("BoltSaved(%s)", s.Clock)
	default:
		return s.Kind.String()
	}
}
