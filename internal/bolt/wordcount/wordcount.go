// Package wordcount is a reference Bolt implementation: it counts word
// occurrences in incoming tuples and emits running totals, giving the
// load -> align -> save -> ack sequence something concrete to exercise
// in tests.
package wordcount

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"weir/internal/corestate"
)

// Bolt counts word frequency across every tuple it has processed since
// its last (or initial) load.
type Bolt struct {
	counts map[string]int64
}

// New returns an empty word-count bolt; Load (called by
// weir/internal/bolt.Runner before the processing loop starts) replaces
// counts with a prior snapshot's contents when one exists.
func New() *Bolt {
	return &Bolt{counts: make(map[string]int64)}
}

// Load restores counts from a previously saved snapshot. A nil or empty
// snapshot resets the bolt to its zero (empty) state.
func (b *Bolt) Load(snapshot []byte) error {
	if len(snapshot) == 0 {
		b.counts = make(map[string]int64)
		return nil
	}
	var counts map[string]int64
	if err := json.Unmarshal(snapshot, &counts); err != nil {
		return fmt.Errorf("wordcount: decode snapshot: %w", err)
	}
	b.counts = counts
	return nil
}

// Process tokenizes the tuple as whitespace-separated words, updates the
// running counts, and emits one payload per word carrying its new total
// — "emit the count so the sink can publish deltas," the minimal useful
// behavior for a reference bolt.
func (b *Bolt) Process(_ context.Context, payload corestate.Payload) ([]corestate.Payload, error) {
	words := strings.Fields(string(payload.Tuple))
	out := make([]corestate.Payload, 0, len(words))
	for _, w := range words {
		b.counts[w]++
		tuple, err := json.Marshal(wordCount{Word: w, Count: b.counts[w]})
		if err != nil {
			return nil, fmt.Errorf("wordcount: encode output tuple: %w", err)
		}
		out = append(out, corestate.Payload{Tuple: tuple, Clock: payload.Clock})
	}
	return out, nil
}

// Snapshot serializes the current counts.
func (b *Bolt) Snapshot() ([]byte, error) {
	data, err := json.Marshal(b.counts)
	if err != nil {
		return nil, fmt.Errorf("wordcount: encode snapshot: %w", err)
	}
	return data, nil
}

// Count returns the current tally for word, for tests that inspect bolt
// state directly without round-tripping through a snapshot.
func (b *Bolt) Count(word string) int64 {
	return b.counts[word]
}

type wordCount struct {
	Word  string `json:"word"`
	Count int64  `json:"count"`
}
