// Command weircoord runs the Negotiator (C6): the sole writer of
// MasterState for one topology.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"weir/internal/buildinfo"
	"weir/internal/logging"
	"weir/internal/negotiator"
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

func rootCmd() *cobra.Command {
	var storeAddr string
	var topoPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "weircoord",
		Short:   "weir cluster negotiator",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topo, err := topology.Load(topoPath)
			if err != nil {
				return err
			}

			n := negotiator.New(topo)
			slog.Info("negotiator starting", "topology", topoPath, "store", storeAddr)
			return n.Run(ctx, store.Options{Addr: storeAddr})
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&storeAddr, "connect", "http://127.0.0.1:7070", "Coordination service address")
	cmd.Flags().StringVar(&topoPath, "topology", "topology.yaml", "Topology descriptor path")
	return cmd
}
