package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"weir/cmd/weirctl/ui"
	"weir/internal/corestate"
	"weir/internal/master"
	"weir/internal/store"

	"github.com/spf13/cobra"
)

// zkInitCmd creates the coordination store's persistent roots:
// /master_state (Unavailable) and /living_processors (an empty
// persistent container). Both operations are idempotent, so repeated
// zk_init runs are harmless.
func zkInitCmd() *cobra.Command {
	var storeAddr string

	cmd := &cobra.Command{
		Use:   "zk_init",
		Short: "Create the coordination store's persistent roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, err := store.Connect(ctx, store.Options{Addr: storeAddr})
			if err != nil {
				return err
			}
			defer session.Close()

			if err := master.EnsureCreated(ctx, session, corestate.UnavailableState()); err != nil {
				return err
			}
			if err := session.CreatePersistent(ctx, "/living_processors", nil, true); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("persistent roots ready at %s", storeAddr))
			return nil
		},
	}
	cmd.Flags().StringVar(&storeAddr, "connect", "http://127.0.0.1:7070", "Coordination service address")
	return cmd
}
