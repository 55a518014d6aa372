package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newJournalCommand(a *app) *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the processed-file journal",
		Long: `Inspect and prune the journal in which polling jobs record every file
they handled.`,
	}

	cmd.PersistentFlags().StringVar(&journalPath, "journal", filepath.Join(dataDir(), "journal.db"), "journal database")

	cmd.AddCommand(newJournalListCommand(&journalPath))
	cmd.AddCommand(newJournalPurgeCommand(&journalPath))

	return cmd
}

func newJournalListCommand(journalPath *string) *cobra.Command {
	var (
		job    string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List journal entries, newest first",
		Example: `  sshlink journal list --job inbox --limit 20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd.Context(), *journalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), job, limit, offset)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				result := "ok"
				if e.Error != nil {
					result = *e.Error
				}
				rows = append(rows, []string{
					e.ProcessedAt.Local().Format(time.DateTime),
					e.Job,
					e.Path,
					strconv.FormatInt(e.Size, 10),
					e.Action,
					result,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Processed", "Job", "Path", "Size", "Action", "Result"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "only entries of this job")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}

func newJournalPurgeCommand(journalPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old journal entries",
		Long: `Delete entries processed longer ago than --older-than. Files whose entries
are purged and that are still on the server will be fetched again.`,
		Example: `  sshlink journal purge --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			store, err := openJournal(cmd.Context(), *journalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the entries to delete")

	return cmd
}
