package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"

	"weir/cmd/weirctl/ui"
)

// emitterWords mirrors sampleWords in run_sample.go: a small fixed
// vocabulary, repeated, so a Kafka-backed topology has the same kind of
// traffic the file-backed run_sample demo generates.
var emitterWords = []string{
	"the barrier holds back the stream",
	"a clock is a map from partition to offset",
	"the negotiator writes the only master state",
	"bolts snapshot at the barrier",
	"spouts pause at the barrier",
	"the stream flows again after the cut",
}

// runSampleEmitterCmd publishes generated traffic to a Kafka topic for
// the Kafka-backed input source. It is the producer-side companion to
// weir/internal/inputsource/kafka, using sarama's synchronous producer
// so each record's partition and offset can be echoed back.
func runSampleEmitterCmd() *cobra.Command {
	var broker, topic string
	var count int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run_sample_emitter",
		Short: "Generate traffic for a Kafka-backed input source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic is required")
			}

			cfg := sarama.NewConfig()
			cfg.Producer.Return.Successes = true
			cfg.Producer.RequiredAcks = sarama.WaitForLocal

			producer, err := sarama.NewSyncProducer(strings.Split(broker, ","), cfg)
			if err != nil {
				return fmt.Errorf("run_sample_emitter: connect to %s: %w", broker, err)
			}
			defer producer.Close()

			for i := 0; i < count; i++ {
				msg := &sarama.ProducerMessage{
					Topic: topic,
					Value: sarama.StringEncoder(emitterWords[i%len(emitterWords)]),
				}
				partition, offset, err := producer.SendMessage(msg)
				if err != nil {
					return fmt.Errorf("run_sample_emitter: send message %d: %w", i, err)
				}
				fmt.Println(ui.Muted(fmt.Sprintf("sent record %d -> partition=%d offset=%d", i, partition, offset)))
				if interval > 0 && i < count-1 {
					time.Sleep(interval)
				}
			}

			fmt.Println(ui.SuccessMsg("emitted %d records to %s/%s", count, broker, topic))
			return nil
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "127.0.0.1:9092", "Comma-separated Kafka broker list")
	cmd.Flags().StringVar(&topic, "topic", "", "Kafka topic to publish to")
	cmd.Flags().IntVar(&count, "count", 100, "Number of records to emit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between records (0: as fast as possible)")
	return cmd
}
