// Package file implements a file-backed input source: a pluggable
// producer over a newline-delimited record file, with byte positions
// standing in for partition offsets. It is the concrete producer the
// spout state machine is exercised against when no broker is available;
// weir/internal/inputsource/kafka is the other.
package file

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"weir/internal/corestate"
)

// Record is one input-stream record. Offset is the byte position
// immediately after the record's trailing newline, so offsets are
// strictly increasing and Seek(r.Offset) resumes with the record that
// follows r — never a replay of r itself.
type Record struct {
	Offset corestate.Offset
	Tuple  []byte
}

// Source reads records from a single partition's backing file. It is not
// safe for concurrent use; a spout owns exactly one partition.
type Source struct {
	partition corestate.Partition
	f         *os.File
	r         *bufio.Reader
	pos       int64
}

// Open opens path as the producer for partition. Reading starts at the
// beginning of the file; call Seek to resume from a prior cut.
func Open(path string, partition corestate.Partition) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inputsource/file: open %q: %w", path, err)
	}
	return &Source{partition: partition, f: f, r: bufio.NewReader(f)}, nil
}

// Partition returns the partition this source produces for.
func (s *Source) Partition() corestate.Partition {
	return s.partition
}

// Seek repositions reading so the next record returned has an offset
// strictly greater than off. Negative offsets mean the start of the
// stream.
func (s *Source) Seek(off corestate.Offset) error {
	pos := int64(off)
	if pos < 0 {
		pos = 0
	}
	if _, err := s.f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("inputsource/file: seek to %d: %w", pos, err)
	}
	s.r = bufio.NewReader(s.f)
	s.pos = pos
	return nil
}

// Next reads the next record. It returns io.EOF when the file is
// exhausted; callers (the spout loop) are expected to poll again later,
// since the file may still be appended to by a separate producer.
func (s *Source) Next() (Record, error) {
	start := s.pos
	line, err := s.r.ReadBytes('\n')
	if len(line) == 0 {
		if err != nil {
			return Record{}, err
		}
	}
	if err != nil && err != io.EOF {
		return Record{}, fmt.Errorf("inputsource/file: read: %w", err)
	}
	trimmed := line
	if n := len(trimmed); n > 0 && trimmed[n-1] == '\n' {
		trimmed = trimmed[:n-1]
	} else if err == io.EOF {
		// Partial line at EOF with no trailing newline yet: wait for more.
		if seekErr := s.Seek(corestate.Offset(start)); seekErr != nil {
			return Record{}, seekErr
		}
		return Record{}, io.EOF
	}
	s.pos = start + int64(len(line))
	return Record{Offset: corestate.Offset(s.pos), Tuple: trimmed}, nil
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	return s.f.Close()
}
