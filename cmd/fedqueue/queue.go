package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/fedqueue/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the delivery queue",
}

type queueOperations struct {
	manager *queue.Manager
}

// withQueue opens the configured store for the duration of one command.
func withQueue(fn func(qo *queueOperations, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		m, store, err := openQueue(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(&queueOperations{manager: m}, cmd, args)
	}
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued entries",
		Args:  cobra.NoArgs,
		RunE:  withQueue((*queueOperations).listQueue),
	}
	listCmd.Flags().Bool("due", false, "only list entries that are due now")

	addCmd := &cobra.Command{
		Use:   "add <contact-id> [payload-file]",
		Short: "Queue a payload for a contact (reads stdin without a file)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withQueue((*queueOperations).addEntry),
	}
	addCmd.Flags().Bool("batch", false, "deliver to the contact's shared inbox")

	queueCmd.AddCommand(listCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one entry including its payload",
		Args:  cobra.ExactArgs(1),
		RunE:  withQueue((*queueOperations).showEntry),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Remove an entry from the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  withQueue((*queueOperations).deleteEntry),
	})
	queueCmd.AddCommand(addCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE:  withQueue((*queueOperations).showStats),
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func (qo *queueOperations) listQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		entries []queue.Entry
		err     error
	)
	if due, _ := cmd.Flags().GetBool("due"); due {
		entries, err = qo.manager.Due(ctx)
	} else {
		entries, err = qo.manager.List(ctx)
	}
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No entries in queue")
		return nil
	}

	now := qo.manager.Now()
	cut := qo.manager.Policy().Cutoffs(now)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tContact\tBatch\tAge\tLast Attempt\tNext Attempt\tState")
	fmt.Fprintln(w, "--\t-------\t-----\t---\t------------\t------------\t-----")
	for _, e := range entries {
		state := "waiting"
		switch {
		case cut.Expired(e):
			state = "expired"
		case cut.Due(e):
			state = "due"
		}
		fmt.Fprintf(w, "%d\t%d\t%t\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.ContactID,
			e.IsBatch,
			e.Age(now).Round(time.Minute),
			formatTime(e.LastAttemptAt),
			formatTime(qo.manager.NextAttempt(e)),
			state,
		)
	}
	return w.Flush()
}

func (qo *queueOperations) showEntry(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	e, err := qo.manager.Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	view := struct {
		queue.Entry
		Payload       string    `json:"payload"`
		NextAttemptAt time.Time `json:"next_attempt_at"`
	}{e, string(e.Payload), qo.manager.NextAttempt(e)}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return nil
}

func (qo *queueOperations) deleteEntry(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	if err := qo.manager.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Entry %d deleted from queue\n", id)
	return nil
}

func (qo *queueOperations) addEntry(cmd *cobra.Command, args []string) error {
	contactID, err := parseEntryID(args[0])
	if err != nil {
		return fmt.Errorf("invalid contact id %q", args[0])
	}

	var payload []byte
	if len(args) == 2 {
		payload, err = os.ReadFile(args[1])
	} else {
		payload, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	batch, _ := cmd.Flags().GetBool("batch")
	e, err := qo.manager.Enqueue(cmd.Context(), contactID, payload, batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued entry %d for contact %d\n", e.ID, contactID)
	return nil
}

func (qo *queueOperations) showStats(cmd *cobra.Command, args []string) error {
	stats, err := qo.manager.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total\t%d\n", stats.Total)
	fmt.Fprintf(w, "Due\t%d\n", stats.Due)
	fmt.Fprintf(w, "Expired\t%d\n", stats.Expired)
	fmt.Fprintf(w, "Batch\t%d\n", stats.Batch)
	fmt.Fprintf(w, "Contacts\t%d\n", stats.Contacts)
	fmt.Fprintf(w, "Payload bytes\t%d\n", stats.PayloadSize)
	fmt.Fprintf(w, "Oldest entry\t%s\n", formatTime(stats.OldestEntry))
	return w.Flush()
}

