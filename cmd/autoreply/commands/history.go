package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoreply/pkg/autoreply/history"
)

// newHistoryCmd creates the `autoreply history` command group. It works
// on the history file directly; stop the service before clearing.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the conversation history file",
	}
	cmd.AddCommand(
		newHistoryStatsCmd(),
		newHistoryExportCmd(),
		newHistoryClearCmd(),
	)
	return cmd
}

func openHistory(cmd *cobra.Command) (*history.Store, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store := history.New(cfg.History, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store.Load()
	return store, nil
}

func newHistoryStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show contact and message counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			st := store.Stats()
			printf("file:     %s\ncontacts: %d\nmessages: %d\n", store.Path(), st.Contacts, st.Messages)
			return nil
		},
	}
}

func newHistoryExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the history as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}

			out := io.Writer(os.Stdout)
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("creating export file: %w", err)
				}
				defer f.Close()
				out = f
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(store.Snapshot())
		},
	}
	cmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all conversation history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			printf("All chat history cleared\n")
			return nil
		},
	}
}
