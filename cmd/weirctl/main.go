// Command weirctl is the operator-facing CLI: bootstrap the
// coordination store's persistent roots, inspect cluster state, and run
// small local-mode demonstrations of the whole topology.
package main

import (
	"context"
	"log/slog"
	"os"

	"weir/internal/buildinfo"
	"weir/internal/logging"

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
	var debug bool
	cmd := &cobra.Command{
		Use:     "weirctl",
		Short:   "weir cluster control CLI",
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
	cmd.AddCommand(
		serveStoreCmd(),
		zkInitCmd(),
		zkShowCmd(),
		runSampleCmd(),
		runSampleEmitterCmd(),
	)
	return cmd
}
