package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"weir/cmd/weirctl/ui"
	"weir/internal/store/service"
)

const (
	// sessionTTL must exceed the client heartbeat interval with room
	// for a missed beat or two; matches the client's expectations.
	sessionTTL    = 6 * time.Second
	sweepInterval = 2 * time.Second
)

// serveStoreCmd runs the coordination service as a standalone daemon for
// multi-process deployments. Processors point their --connect flag here.
func serveStoreCmd() *cobra.Command {
	var listen, dbPath string

	cmd := &cobra.Command{
		Use:   "serve_store",
		Short: "Run the coordination service daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.Open(dbPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			go svc.RunSweeper(ctx, sessionTTL, sweepInterval)

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("serve_store: listen on %s: %w", listen, err)
			}
			srv := &http.Server{Handler: service.NewHandler(svc)}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			fmt.Println(ui.SuccessMsg("coordination service listening on %s", ln.Addr()))
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "Address to serve the coordination API on")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path backing the store (empty: in-memory)")
	return cmd
}
