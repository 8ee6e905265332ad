// Package kafka implements the Kafka-backed input source behind the
// CLI's --use-kafka, --broker, and --topic flags: a partition consumer
// offering the same Next/Seek shape as weir/internal/inputsource/file,
// with Kafka's own partition offsets standing in for the byte-offset
// algebra a file source uses.
package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"weir/internal/corestate"
)

// Record mirrors weir/internal/inputsource/file.Record.
type Record struct {
	Offset corestate.Offset
	Tuple  []byte
}

// Source consumes one Kafka topic-partition.
type Source struct {
	partition corestate.Partition
	consumer  sarama.Consumer
	pc        sarama.PartitionConsumer
	cfg       Config
}

// Config names the broker and topic to consume from. Partition maps the
// topology's logical Partition name onto a concrete Kafka partition
// number.
type Config struct {
	Brokers        []string
	Topic          string
	KafkaPartition int32
	Partition      corestate.Partition
	// DialTimeout bounds the initial broker connection and metadata
	// fetch (the CLI's --kafka-timeout). Zero keeps sarama's default.
	DialTimeout time.Duration
}

// Open connects to Kafka and starts consuming cfg.Topic/cfg.KafkaPartition
// with the first delivered message's offset strictly greater than off;
// a negative off starts from the oldest retained message.
func Open(cfg Config, off corestate.Offset) (*Source, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	if cfg.DialTimeout > 0 {
		saramaCfg.Net.DialTimeout = cfg.DialTimeout
		saramaCfg.Metadata.Timeout = cfg.DialTimeout
	}
	consumer, err := sarama.NewConsumer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("inputsource/kafka: connect to %v: %w", cfg.Brokers, err)
	}
	startOffset := int64(off) + 1
	if int64(off) < 0 {
		startOffset = sarama.OffsetOldest
	}
	pc, err := consumer.ConsumePartition(cfg.Topic, cfg.KafkaPartition, startOffset)
	if err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("inputsource/kafka: consume %s/%d: %w", cfg.Topic, cfg.KafkaPartition, err)
	}
	return &Source{
		partition: cfg.Partition,
		consumer:  consumer,
		pc:        pc,
		cfg:       cfg,
	}, nil
}

// Partition returns the logical Partition this source produces for.
func (s *Source) Partition() corestate.Partition {
	return s.partition
}

// Next blocks until the next message is available, or returns an error if
// the partition consumer fails.
func (s *Source) Next() (Record, error) {
	select {
	case msg, ok := <-s.pc.Messages():
		if !ok {
			return Record{}, fmt.Errorf("inputsource/kafka: %s/%d consumer closed", s.cfg.Topic, s.cfg.KafkaPartition)
		}
		return Record{Offset: corestate.Offset(msg.Offset), Tuple: msg.Value}, nil
	case err, ok := <-s.pc.Errors():
		if !ok {
			return Record{}, fmt.Errorf("inputsource/kafka: %s/%d consumer closed", s.cfg.Topic, s.cfg.KafkaPartition)
		}
		return Record{}, fmt.Errorf("inputsource/kafka: %s/%d: %w", s.cfg.Topic, s.cfg.KafkaPartition, err)
	}
}

// Seek repositions consumption so the next delivered message's offset is
// strictly greater than off (negative: oldest retained). Kafka partition
// consumers are not repositionable in place, so rewind closes the old
// one and starts a fresh one, the same cost a TCP reconnect would have.
func (s *Source) Seek(off corestate.Offset) error {
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("inputsource/kafka: close prior consumer: %w", err)
	}
	startOffset := int64(off) + 1
	if int64(off) < 0 {
		startOffset = sarama.OffsetOldest
	}
	pc, err := s.consumer.ConsumePartition(s.cfg.Topic, s.cfg.KafkaPartition, startOffset)
	if err != nil {
		return fmt.Errorf("inputsource/kafka: reconsume from %d: %w", off, err)
	}
	s.pc = pc
	return nil
}

// Close releases the partition consumer and the underlying client.
func (s *Source) Close() error {
	_ = s.pc.Close()
	return s.consumer.Close()
}
