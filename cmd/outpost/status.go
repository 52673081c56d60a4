package main

import (
	"context"
	"fmt"
	"os"

	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long: `Display the current state of the local store.

Shows:
  - Store file location and size
  - Record counts per kind
  - Pending outbox entries
  - Sync cursor position`,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.StorePath)
		if os.IsNotExist(err) {
			fmt.Printf("Store not initialized at %s\n", cfg.StorePath)
			fmt.Printf("Run 'outpost serve' or apply records to create it\n")
			return
		}
		if err != nil {
			exitf("checking store: %v", err)
		}

		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		ctx := context.Background()

		fmt.Printf("\nOutpost Store Status\n\n")
		fmt.Printf("Location: %s\n", cfg.StorePath)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Printf("Device: %s\n", s.DeviceID())
		fmt.Printf("Schema: v%d\n\n", store.SchemaVersion)

		total := 0
		for _, kind := range record.Kinds() {
			count, err := s.Count(ctx, kind)
			if err != nil {
				exitf("counting %s records: %v", kind, err)
			}
			if count > 0 {
				fmt.Printf("%-15s %d\n", kind, count)
			}
			total += count
		}
		fmt.Printf("%-15s %d\n\n", "total", total)

		pending, err := s.PendingCount(ctx)
		if err != nil {
			exitf("counting outbox: %v", err)
		}
		fmt.Printf("Outbox: %d pending\n", pending)

		cursor, err := s.Cursor(ctx)
		if err != nil {
			exitf("reading cursor: %v", err)
		}
		if cursor == "" {
			fmt.Printf("Cursor: (never pulled)\n")
		} else {
			fmt.Printf("Cursor: %s\n", cursor)
		}
		fmt.Println()
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
