package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"weir/cmd/weirctl/ui"
	"weir/internal/master"
	"weir/internal/registry"
	"weir/internal/store"

	"github.com/spf13/cobra"
)

// zkShowCmd dumps the coordination state: the current MasterState and
// every live processor's ProcessorState.
func zkShowCmd() *cobra.Command {
	var storeAddr string

	cmd := &cobra.Command{
		Use:   "zk_show",
		Short: "Dump coordination state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, err := store.Connect(ctx, store.Options{Addr: storeAddr})
			if err != nil {
				return err
			}
			defer session.Close()

			state, err := master.Read(ctx, session)
			if err != nil {
				return fmt.Errorf("read master state: %w", err)
			}
			fmt.Println(ui.KeyValues("", ui.KV("MasterState", ui.Accent(state.String()))))

			states, err := registry.GetAllProcessorStates(ctx, session)
			if err != nil {
				return fmt.Errorf("list processor states: %w", err)
			}

			ids := make([]string, 0, len(states))
			byID := make(map[string]string, len(states))
			for id, s := range states {
				key := id.String()
				ids = append(ids, key)
				byID[key] = s.String()
			}
			sort.Strings(ids)

			rows := make([][]string, len(ids))
			for i, key := range ids {
				rows[i] = []string{key, byID[key]}
			}
			fmt.Println(ui.Table([]string{"Processor", "State"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&storeAddr, "connect", "http://127.0.0.1:7070", "Coordination service address")
	return cmd
}
