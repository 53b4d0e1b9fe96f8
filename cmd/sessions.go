package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
)

// withStore runs fn against the configured session store
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store session.Store) error) error {
	a, err := loadApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Printf("Sessions: Error closing store: %v", err)
		}
	}()
	return fn(cmd.Context(), store)
}

func newSessionsCmd() *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "Recorded training sessions"}

	sessions.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store session.Store) error {
				previews, err := store.List(ctx)
				if err != nil {
					return err
				}
				if len(previews) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				for _, p := range previews {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%d bpm\t%s\n",
						p.ID, p.StartTime.Local().Format("2006-01-02 15:04"), p.PlanName,
						formatSeconds(p.DurationSecs), p.AvgHR, p.Status)
				}
				return nil
			})
		},
	})

	var asJSON bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := session.FormatSummary
			if asJSON {
				format = session.FormatJSON
			}
			return withStore(cmd, func(ctx context.Context, store session.Store) error {
				data, err := store.Export(ctx, args[0], format)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	get.Flags().BoolVar(&asJSON, "json", false, "print the full record as JSON")
	sessions.AddCommand(get)

	sessions.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store session.Store) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	})

	var formatCode, output string
	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a recorded session as csv, json or summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := session.ParseFormat(formatCode)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store session.Store) error {
				data, err := store.Export(ctx, args[0], format)
				if err != nil {
					return err
				}
				if output == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0644); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", args[0], output)
				return nil
			})
		},
	}
	export.Flags().StringVar(&formatCode, "format", string(session.FormatCSV), "export format: csv|json|summary")
	export.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	sessions.AddCommand(export)
	return sessions
}

func formatSeconds(secs uint32) string {
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
