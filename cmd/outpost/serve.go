package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/localfirst/outpost/internal/daemon"
	"github.com/localfirst/outpost/internal/dashboard"
	"github.com/localfirst/outpost/internal/notify"
	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/remote"
	"github.com/localfirst/outpost/internal/store"
	"github.com/localfirst/outpost/internal/syncengine"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the outpost daemon in the foreground.

The daemon:
  1. Syncs with the backend on an interval and on remote change events
  2. Watches the spool directory for record batch files (if configured)
  3. Serves the realtime dashboard (if listen_addr is configured)

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		hub := notify.NewHub()

		s, err := store.Open(cfg.StorePath, store.Options{Logger: logger, Hub: hub})
		if err != nil {
			exitf("opening store: %v", err)
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var transport syncengine.Transport
		if cfg.RemoteURL != "" {
			client := remote.NewClient(cfg.RemoteURL, s.DeviceID(), remote.Options{
				Token:  cfg.RemoteToken,
				Logger: logger,
			})
			transport = client

			engine := syncengine.New(s, transport, syncengine.Options{
				Logger:    logger,
				Interval:  cfg.SyncInterval,
				BatchSize: cfg.BatchSize,
			})

			go func() {
				if err := client.Watch(ctx, engine.Trigger); err != nil && ctx.Err() == nil {
					logger.Warn("change feed stopped", "err", err)
				}
			}()

			runServe(ctx, s, engine, hub)
			return
		}

		// Without a backend the daemon still serves the spool and dashboard.
		engine := syncengine.New(s, noopTransport{}, syncengine.Options{
			Logger:   logger,
			Interval: cfg.SyncInterval,
		})
		runServe(ctx, s, engine, hub)
	},
}

func runServe(ctx context.Context, s *store.Store, engine *syncengine.Engine, hub *notify.Hub) {
	if cfg.ListenAddr != "" {
		dash := dashboard.NewServer(dashboard.Config{
			Addr:   cfg.ListenAddr,
			Hub:    hub,
			Logger: logger,
		})
		if err := dash.Start(); err != nil {
			exitf("starting dashboard: %v", err)
		}
		defer dash.Stop()
		fmt.Printf("Dashboard: ws://%s/ws\n", dash.GetAddr())
	}

	d, err := daemon.New(s, engine, &daemon.Config{
		SpoolDir: cfg.SpoolDir,
		Logger:   logger,
	})
	if err != nil {
		exitf("creating daemon: %v", err)
	}

	fmt.Printf("Outpost daemon running (device %s)\n", s.DeviceID())
	fmt.Printf("Press Ctrl+C to stop\n\n")

	if err := d.Start(ctx); err != nil {
		exitf("daemon stopped: %v", err)
	}
}

// noopTransport serves a disconnected daemon: pushes are refused as
// transient so the outbox is preserved until a backend is configured.
type noopTransport struct{}

func (noopTransport) Push(ctx context.Context, entries []store.ChangeEntry) error {
	return &syncengine.TransportError{Err: fmt.Errorf("no sync backend configured")}
}

func (noopTransport) FetchChangesSince(ctx context.Context, cursor string) ([]*record.Envelope, string, error) {
	return nil, cursor, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
