// Command weirproc runs one processor instance — a spout, bolt, or
// sink — against a shared topology descriptor and coordination store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"weir/internal/bolt"
	"weir/internal/bolt/wordcount"
	"weir/internal/buildinfo"
	"weir/internal/corestate"
	"weir/internal/inputsource/file"
	"weir/internal/inputsource/kafka"
	"weir/internal/logging"
	"weir/internal/master"
	"weir/internal/shuffle"
	"weir/internal/sink"
	"weir/internal/snapshotstore"
	"weir/internal/spout"
	"weir/internal/store"
	"weir/internal/topology"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every processor subcommand.
type commonFlags struct {
	storeAddr string
	topoPath  string
	name      string
	instance  int
	debug     bool
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.storeAddr, "connect", "http://127.0.0.1:7070", "Coordination service address")
	cmd.Flags().StringVar(&f.topoPath, "topology", "topology.yaml", "Topology descriptor path")
	cmd.Flags().StringVar(&f.name, "name", "", "Processor name, as declared in the topology")
	cmd.Flags().IntVar(&f.instance, "instance", 0, "Instance index")
}

func (f *commonFlags) load() (*topology.Topology, corestate.ProcessorID, store.Options, error) {
	topo, err := topology.Load(f.topoPath)
	if err != nil {
		return nil, corestate.ProcessorID{}, store.Options{}, err
	}
	if f.name == "" {
		return nil, corestate.ProcessorID{}, store.Options{}, fmt.Errorf("--name is required")
	}
	id := corestate.ProcessorID{Name: f.name, Instance: f.instance}
	return topo, id, store.Options{Addr: f.storeAddr}, nil
}

func rootCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:     "run_processors",
		Short:   "Start named processor instances (spout, bolt, sink) for a topology",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(runSpoutCmd(), runBoltCmd(), runSinkCmd())
	return cmd
}

func runSpoutCmd() *cobra.Command {
	f := &commonFlags{}
	var filePath string
	var useKafka bool
	var broker, topic string
	var kafkaTimeout time.Duration
	var kafkaPartition int32
	var partition string

	cmd := &cobra.Command{
		Use:   "spout",
		Short: "Run one spout instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topo, id, opts, err := f.load()
			if err != nil {
				return err
			}
			addr, ok := topo.AddressFor(id.Name, id.Instance)
			if !ok {
				return fmt.Errorf("no address declared for %s-%d", id.Name, id.Instance)
			}

			var source spout.Source
			if useKafka {
				src, err := kafka.Open(kafka.Config{
					Brokers:        strings.Split(broker, ","),
					Topic:          topic,
					KafkaPartition: kafkaPartition,
					Partition:      corestate.Partition(partition),
					DialTimeout:    kafkaTimeout,
				}, -1)
				if err != nil {
					return err
				}
				source = spout.KafkaSource{Source: src}
			} else {
				if filePath == "" {
					return fmt.Errorf("--file is required unless --use-kafka is set")
				}
				src, err := file.Open(filePath, corestate.Partition(partition))
				if err != nil {
					return err
				}
				source = spout.FileSource{Source: src}
			}

			downstream := shuffle.NewPool()
			defer downstream.Close()
			runner := spout.NewRunner(id, source, topo, downstream)

			session, err := store.Connect(ctx, opts)
			if err != nil {
				return err
			}
			defer session.Close()

			slog.Info("spout starting", "processor", id, "addr", addr, "use_kafka", useKafka)
			return master.Inject(ctx, session, func(ctx context.Context, mirror *master.Mirror) error {
				return runner.Run(ctx, opts, mirror)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&filePath, "file", "", "Path to the newline-delimited record file")
	cmd.Flags().StringVar(&partition, "partition", "p0", "Partition name this instance reads")
	cmd.Flags().BoolVar(&useKafka, "use-kafka", false, "Read from Kafka instead of --file")
	cmd.Flags().StringVar(&broker, "broker", "", "Comma-separated Kafka broker list (--use-kafka)")
	cmd.Flags().StringVar(&topic, "topic", "", "Kafka topic (--use-kafka)")
	cmd.Flags().Int32Var(&kafkaPartition, "kafka-partition", 0, "Kafka partition number (--use-kafka)")
	cmd.Flags().DurationVar(&kafkaTimeout, "kafka-timeout", 10*time.Second, "Kafka dial and metadata timeout (--use-kafka)")
	return cmd
}

// boltConstructors maps a user-facing bolt name to its constructor. The
// core ships one example operator; deployments wire in their own by
// extending this table.
var boltConstructors = map[string]func() bolt.Bolt{
	"wordcount": func() bolt.Bolt { return wordcount.New() },
}

func runBoltCmd() *cobra.Command {
	f := &commonFlags{}
	var boltKind, snapshotDB string

	cmd := &cobra.Command{
		Use:   "bolt",
		Short: "Run one bolt instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topo, id, opts, err := f.load()
			if err != nil {
				return err
			}
			addr, ok := topo.AddressFor(id.Name, id.Instance)
			if !ok {
				return fmt.Errorf("no address declared for %s-%d", id.Name, id.Instance)
			}

			ctor, ok := boltConstructors[boltKind]
			if !ok {
				return fmt.Errorf("unknown --bolt %q", boltKind)
			}

			snapshots, err := snapshotstore.Open(snapshotDB)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			downstream := shuffle.NewPool()
			defer downstream.Close()

			in := make(chan shuffle.Frame, 256)
			srv, err := shuffle.Listen(addr.String(), func(f shuffle.Frame) {
				select {
				case in <- f:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			go func() {
				if err := srv.Serve(); err != nil && ctx.Err() == nil {
					slog.Error("bolt shuffle server stopped", "processor", id, "err", err)
				}
			}()

			runner := bolt.NewRunner(id, ctor(), snapshots, topo, downstream)

			session, err := store.Connect(ctx, opts)
			if err != nil {
				return err
			}
			defer session.Close()

			slog.Info("bolt starting", "processor", id, "addr", addr, "bolt", boltKind)
			return master.Inject(ctx, session, func(ctx context.Context, mirror *master.Mirror) error {
				return runner.Run(ctx, opts, mirror, in)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&boltKind, "bolt", "wordcount", "Bolt implementation to run")
	cmd.Flags().StringVar(&snapshotDB, "store", "", "Snapshot store SQLite path (empty: in-memory)")
	return cmd
}

func runSinkCmd() *cobra.Command {
	f := &commonFlags{}
	var outPath string

	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Run one sink instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topo, id, opts, err := f.load()
			if err != nil {
				return err
			}
			addr, ok := topo.AddressFor(id.Name, id.Instance)
			if !ok {
				return fmt.Errorf("no address declared for %s-%d", id.Name, id.Instance)
			}

			out := os.Stdout
			if outPath != "" {
				fh, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer fh.Close()
				out = fh
			}

			runner := sink.NewRunner(id, addr.String(), func(p corestate.Payload) {
				fmt.Fprintf(out, "%s %s\n", p.Clock, p.Tuple)
			})

			slog.Info("sink starting", "processor", id, "addr", addr)
			return runner.Run(ctx, opts)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (empty: stdout)")
	return cmd
}
