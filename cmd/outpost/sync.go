package main

import (
	"context"
	"fmt"
	"time"

	"github.com/localfirst/outpost/internal/remote"
	"github.com/localfirst/outpost/internal/store"
	"github.com/localfirst/outpost/internal/syncengine"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the backend",
	Long: `Push pending local changes to the sync backend and pull remote
changes into the local store, then exit.

Requires remote_url to be configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.RemoteURL == "" {
			exitf("no remote_url configured")
		}

		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		client := remote.NewClient(cfg.RemoteURL, s.DeviceID(), remote.Options{
			Token:  cfg.RemoteToken,
			Logger: logger,
		})
		engine := syncengine.New(s, client, syncengine.Options{
			Logger:    logger,
			BatchSize: cfg.BatchSize,
		})

		ctx := context.Background()
		start := time.Now()

		fmt.Printf("Syncing with %s...\n", cfg.RemoteURL)
		if err := engine.Sync(ctx); err != nil {
			exitf("sync failed: %v", err)
		}

		pending, _ := s.PendingCount(ctx)
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Outbox: %d pending\n", pending)
		if flagged := engine.Flagged(); flagged > 0 {
			fmt.Printf("   Warning: %d batches were rejected by the backend\n", flagged)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
