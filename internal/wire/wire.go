// Package wire implements the explicit tag-byte-plus-payload encoding
// for the coordination values, so the wire format can gain variants
// without breaking a stored or in-flight value. The ProcessorState and
// MasterState encodings start with a tag byte that their decoders check
// before touching the payload; the Clock and Payload encodings carry no
// tag.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"weir/internal/corestate"
)

// Clock encoding: uvarint count, then per entry: uvarint name length,
// name bytes, varint offset.

// EncodeClock serializes a Clock.
func EncodeClock(c corestate.Clock) []byte {
	var buf bytes.Buffer
	parts := c.Partitions()
	writeUvarint(&buf, uint64(len(parts)))
	for _, p := range parts {
		writeString(&buf, string(p))
		writeVarint(&buf, int64(c[p]))
	}
	return buf.Bytes()
}

// DecodeClock parses the output of EncodeClock.
func DecodeClock(data []byte) (corestate.Clock, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: decode clock length: %w", err)
	}
	c := make(corestate.Clock, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decode clock partition %d: %w", i, err)
		}
		off, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decode clock offset %d: %w", i, err)
		}
		c[corestate.Partition(name)] = corestate.Offset(off)
	}
	return c, nil
}

// Payload encoding: uvarint tuple length, tuple bytes, clock encoding.

// EncodePayload serializes a Payload.
func EncodePayload(p corestate.Payload) []byte {
	var buf bytes.Buffer
	writeBytes(&buf, p.Tuple)
	buf.Write(EncodeClock(p.Clock))
	return buf.Bytes()
}

// DecodePayload parses the output of EncodePayload.
func DecodePayload(data []byte) (corestate.Payload, error) {
	r := bytes.NewReader(data)
	tuple, err := readBytes(r)
	if err != nil {
		return corestate.Payload{}, fmt.Errorf("wire: decode payload tuple: %w", err)
	}
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return corestate.Payload{}, fmt.Errorf("wire: decode payload clock: %w", err)
	}
	clock, err := DecodeClock(rest)
	if err != nil {
		return corestate.Payload{}, err
	}
	return corestate.Payload{Tuple: tuple, Clock: clock}, nil
}

// ProcessorState tags, one byte each.
const (
	tagUnspecified byte = iota + 1
	tagSpoutRunning
	tagSpoutPaused
	tagBoltRunning
	tagBoltLoaded
	tagBoltSaved
	tagSinkRunning
)

// EncodeProcessorState serializes a ProcessorState.
func EncodeProcessorState(s corestate.ProcessorState) []byte {
	var buf bytes.Buffer
	switch s.Kind {
	case corestate.Unspecified:
		buf.WriteByte(tagUnspecified)
	case corestate.SpoutRunning:
		buf.WriteByte(tagSpoutRunning)
	case corestate.SpoutPaused:
		buf.WriteByte(tagSpoutPaused)
		writeString(&buf, string(s.Partition))
		writeVarint(&buf, int64(s.Offset))
	case corestate.BoltRunning:
		buf.WriteByte(tagBoltRunning)
	case corestate.BoltLoaded:
		buf.WriteByte(tagBoltLoaded)
		buf.Write(EncodeClock(s.Clock))
	case corestate.BoltSaved:
		buf.WriteByte(tagBoltSaved)
		buf.Write(EncodeClock(s.Clock))
	case corestate.SinkRunning:
		buf.WriteByte(tagSinkRunning)
	default:
		buf.WriteByte(tagUnspecified)
	}
	return buf.Bytes()
}

// DecodeProcessorState parses the output of EncodeProcessorState.
func DecodeProcessorState(data []byte) (corestate.ProcessorState, error) {
	if len(data) == 0 {
		return corestate.UnspecifiedState(), nil
	}
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return corestate.ProcessorState{}, err
	}
	switch tag {
	case tagUnspecified:
		return corestate.UnspecifiedState(), nil
	case tagSpoutRunning:
		return corestate.SpoutRunningState(), nil
	case tagSpoutPaused:
		name, err := readString(r)
		if err != nil {
			return corestate.ProcessorState{}, fmt.Errorf("wire: decode spout-paused partition: %w", err)
		}
		off, err := binary.ReadVarint(r)
		if err != nil {
			return corestate.ProcessorState{}, fmt.Errorf("wire: decode spout-paused offset: %w", err)
		}
		return corestate.SpoutPausedState(corestate.Partition(name), corestate.Offset(off)), nil
	case tagBoltRunning:
		return corestate.BoltRunningState(), nil
	case tagBoltLoaded:
		c, err := decodeRemainingClock(r)
		if err != nil {
			return corestate.ProcessorState{}, err
		}
		return corestate.BoltLoadedState(c), nil
	case tagBoltSaved:
		c, err := decodeRemainingClock(r)
		if err != nil {
			return corestate.ProcessorState{}, err
		}
		return corestate.BoltSavedState(c), nil
	case tagSinkRunning:
		return corestate.SinkRunningState(), nil
	default:
		return corestate.ProcessorState{}, fmt.Errorf("wire: unknown processor state tag %d", tag)
	}
}

// MasterState tags.
const (
	tagUnavailable byte = iota + 1
	tagInitialization
	tagSpoutsRewind
	tagSpoutsPaused
	tagFlowing
)

// EncodeMasterState serializes a MasterState.
func EncodeMasterState(s corestate.MasterState) []byte {
	var buf bytes.Buffer
	switch s.Kind {
	case corestate.Unavailable:
		buf.WriteByte(tagUnavailable)
	case corestate.Initialization:
		buf.WriteByte(tagInitialization)
	case corestate.SpoutsRewind:
		buf.WriteByte(tagSpoutsRewind)
		buf.Write(EncodeClock(s.Clock))
	case corestate.SpoutsPaused:
		buf.WriteByte(tagSpoutsPaused)
	case corestate.Flowing:
		buf.WriteByte(tagFlowing)
		if s.NextSnapshot {
			buf.WriteByte(1)
			buf.Write(EncodeClock(s.Clock))
		} else {
			buf.WriteByte(0)
		}
	default:
		buf.WriteByte(tagUnavailable)
	}
	return buf.Bytes()
}

// DecodeMasterState parses the output of EncodeMasterState.
func DecodeMasterState(data []byte) (corestate.MasterState, error) {
	if len(data) == 0 {
		return corestate.UnavailableState(), nil
	}
	r := bytes.NewReader(data)
	tag, err := r.ReadByte()
	if err != nil {
		return corestate.MasterState{}, err
	}
	switch tag {
	case tagUnavailable:
		return corestate.UnavailableState(), nil
	case tagInitialization:
		return corestate.InitializationState(), nil
	case tagSpoutsRewind:
		c, err := decodeRemainingClock(r)
		if err != nil {
			return corestate.MasterState{}, err
		}
		return corestate.SpoutsRewindState(c), nil
	case tagSpoutsPaused:
		return corestate.SpoutsPausedState(), nil
	case tagFlowing:
		hasSnapshot, err := r.ReadByte()
		if err != nil {
			return corestate.MasterState{}, fmt.Errorf("wire: decode flowing marker: %w", err)
		}
		if hasSnapshot == 0 {
			return corestate.FlowingState(), nil
		}
		c, err := decodeRemainingClock(r)
		if err != nil {
			return corestate.MasterState{}, err
		}
		return corestate.FlowingWithSnapshot(c), nil
	default:
		return corestate.MasterState{}, fmt.Errorf("wire: unknown master state tag %d", tag)
	}
}

func decodeRemainingClock(r *bytes.Reader) (corestate.Clock, error) {
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil {
		return nil, fmt.Errorf("wire: decode clock: %w", err)
	}
	return DecodeClock(rest)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
