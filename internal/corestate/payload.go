package corestate

import (
	"fmt"
	"strconv"
	"strings"
)

// Payload is an opaque user tuple paired with the Clock of the input
// record(s) it derives from. Every record flowing between operators
// carries this Clock so that downstream bolts can align on snapshot
// markers.
type Payload struct {
	Tuple []byte
	Clock Clock
}

// ProcessorID is a (name, instance-index) pair, 0 <= Instance <
// parallelism(name).
type ProcessorID struct {
	Name     string
	Instance int
}

func (id ProcessorID) String() string {
	return id.Name + "-" + strconv.Itoa(id.Instance)
}

// ParseProcessorID parses the "{name}-{instance}" form produced by
// ProcessorID.String. Names may themselves contain dashes; the instance
// is everything after the last one.
func ParseProcessorID(s string) (ProcessorID, error) {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return ProcessorID{}, fmt.Errorf("expected name-instance, got %q", s)
	}
	instance, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return ProcessorID{}, fmt.Errorf("bad instance in %q: %w", s, err)
	}
	return ProcessorID{Name: s[:i], Instance: instance}, nil
}
