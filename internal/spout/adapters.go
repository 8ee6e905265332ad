package spout

import (
	"weir/internal/inputsource/file"
	"weir/internal/inputsource/kafka"
)

// FileSource adapts a weir/internal/inputsource/file.Source to Source.
type FileSource struct {
	*file.Source
}

func (f FileSource) Next() (Record, error) {
	rec, err := f.Source.Next()
	return Record{Offset: rec.Offset, Tuple: rec.Tuple}, err
}

// KafkaSource adapts a weir/internal/inputsource/kafka.Source to Source.
type KafkaSource struct {
	*kafka.Source
}

func (k KafkaSource) Next() (Record, error) {
	rec, err := k.Source.Next()
	return Record{Offset: rec.Offset, Tuple: rec.Tuple}, err
}

var (
	_ Source = FileSource{}
	_ Source = KafkaSource{}
)
