package main

import (
	"fmt"

	"github.com/localfirst/outpost/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	Long: `Open the store and run any pending schema migrations, then exit.

Migrations also run automatically whenever the store is opened; this
command exists to upgrade explicitly (e.g. after installing a new
version) without starting the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger})
		if err != nil {
			exitf("migration failed: %v", err)
		}
		defer s.Close()

		fmt.Printf("Store at %s is at schema v%d\n", cfg.StorePath, store.SchemaVersion)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
