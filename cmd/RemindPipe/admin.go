package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/spf13/cobra"
)

// withStore opens the configured store for the duration of fn.
func withStore(config *Config, fn func(st store.Store) error) error {
	st, err := openStore(*config)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}()
	return fn(st)
}

func newDeadLettersCmd(config *Config) *cobra.Command {
	dlCmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect reminders that could not be delivered",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(config, func(st store.Store) error {
				records, err := st.ListDeadLetters(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("failed to list dead letters: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No dead letters.")
					return nil
				}
				return printDeadLetters(cmd, records)
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show (0 for all)")

	dlCmd.AddCommand(listCmd)
	return dlCmd
}

func printDeadLetters(cmd *cobra.Command, records []models.DeadLetterRecord) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tITEM\tCHAT\tOWNER\tSTEP\tREASON")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.ItemID, r.ChatID, r.OwnerID, r.Step, r.Reason)
	}
	return w.Flush()
}

func newRemindersCmd(config *Config) *cobra.Command {
	remCmd := &cobra.Command{
		Use:   "reminders",
		Short: "Operate on scheduled reminders",
	}

	restartCmd := &cobra.Command{
		Use:   "restart <item-id> <chat-id>",
		Short: "Restart an item's schedule for a chat from the first interval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || itemID <= 0 {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			chatID := args[1]
			return withStore(config, func(st store.Store) error {
				// Nothing is delivered here; the running server picks the job up.
				sched := scheduler.New(st, messaging.LogTransport{})
				job, err := sched.ScheduleReminder(cmd.Context(), itemID, chatID)
				if err != nil {
					return fmt.Errorf("failed to restart reminder: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restarted item %d for chat %s, next reminder at %s\n",
					itemID, chatID, job.FireAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}

	remCmd.AddCommand(restartCmd)
	return remCmd
}
