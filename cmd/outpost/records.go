package main

import (
	"context"
	"fmt"

	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List live records of a kind",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind := record.Kind(args[0])
		if !kind.Valid() {
			exitf("unknown kind %q (one of: %v)", args[0], record.Kinds())
		}

		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		parentID, _ := cmd.Flags().GetString("parent")
		envelopes, err := s.List(context.Background(), kind, parentID)
		if err != nil {
			exitf("listing records: %v", err)
		}

		for _, env := range envelopes {
			fmt.Printf("%s  %s  modified %s\n",
				env.ID, env.Kind, env.ModifiedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d records\n", len(envelopes))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Long: `Delete a record by id.

The record is tombstoned, not erased: the deletion syncs to other
devices and wins against concurrent stale edits.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		if err := s.MarkDeleted(context.Background(), args[0]); err != nil {
			exitf("deleting record: %v", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export all records to a batch file",
	Long: `Write every live record (all kinds) to a JSONL batch file.

The file can be imported into another store with 'outpost import', or
dropped into a daemon's spool directory.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		ctx := context.Background()
		var all []*record.Envelope
		for _, kind := range record.Kinds() {
			envelopes, err := s.List(ctx, kind, "")
			if err != nil {
				exitf("listing %s records: %v", kind, err)
			}
			all = append(all, envelopes...)
		}

		if err := record.WriteBatchFile(args[0], all); err != nil {
			exitf("writing batch file: %v", err)
		}
		fmt.Printf("Exported %d records to %s\n", len(all), args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import records from a batch file",
	Long: `Merge a JSONL batch file into the store.

Records merge with the same last-write-wins rule as sync: newer wins,
ties and stale entries are skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		envelopes, err := record.ReadBatchFile(args[0])
		if err != nil {
			exitf("reading batch file: %v", err)
		}

		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		applied, err := s.Apply(context.Background(), envelopes)
		if err != nil {
			exitf("applying batch: %v", err)
		}

		fmt.Printf("Imported %d records: %d inserted, %d updated, %d deleted, %d skipped\n",
			len(envelopes),
			len(applied.Inserted), len(applied.Updated),
			len(applied.Deleted), len(applied.Skipped))
	},
}

func init() {
	listCmd.Flags().String("parent", "", "filter hierarchical kinds by parent id")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
