package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/config"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/session"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
)

// sessionSweepInterval is how often expired sessions are purged while serving.
const sessionSweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline engine until interrupted",
	Long: `Runs the connectivity monitor, the sync drain loop, and the cache
refresher until SIGINT or SIGTERM. The active session, if any, is restored on
startup and its activity persisted on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		eng.Start(ctx)

		var active *store.StoredSession
		switch sess, err := eng.RestoreSession(ctx); {
		case err == nil:
			active = sess
			logger.Info("session restored",
				zap.String("session", sess.ID),
				zap.Int64("user", sess.UserID),
				zap.String("origin", sess.Origin))
		case err == session.ErrNoSession:
			logger.Info("no stored session")
		default:
			logger.Warn("stored session not restored", zap.Error(err))
		}

		// Live config reload: only the logging section applies without a
		// restart.
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			if err := logging.Initialize(next.DataDir, logging.Options{
				Enabled:    next.Logging.Enabled,
				Level:      next.Logging.Level,
				Categories: next.Logging.Categories,
			}); err != nil {
				logger.Warn("logging reload failed", zap.Error(err))
				return
			}
			logger.Info("logging config reloaded", zap.String("level", next.Logging.Level))
		})
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		} else {
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}

		subID, events := eng.SubscribeConnectivity()
		defer eng.UnsubscribeConnectivity(subID)

		sweep := time.NewTicker(sessionSweepInterval)
		defer sweep.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		logger.Info("engine serving",
			zap.String("terminal", cfg.TerminalID),
			zap.String("remote", cfg.Remote.BaseURL))

		for {
			select {
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
				if active != nil {
					// Best effort before the store closes.
					eng.PersistSessionAsync(active)
					time.Sleep(100 * time.Millisecond)
				}
				return nil
			case ev := <-events:
				logger.Info("connectivity event",
					zap.String("event", ev.Kind.String()),
					zap.String("state", eng.ConnectivityState().State.String()))
			case <-sweep.C:
				if n, err := eng.SweepSessions(ctx); err != nil {
					logger.Warn("session sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("sessions swept", zap.Int("purged", n))
				}
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		eng.CheckConnectivityNow(ctx)
		snap := eng.ConnectivityState()

		stats, err := eng.QueueStats(ctx)
		if err != nil {
			return err
		}

		cmd.Printf("Terminal:      %s\n", cfg.TerminalID)
		cmd.Printf("State:         %s\n", snap.State)
		cmd.Printf("Network:       %v\n", snap.NetworkPresent)
		cmd.Printf("Reachable:     %v\n", snap.RemoteReachable)
		if !snap.LastTransitionAt.IsZero() {
			cmd.Printf("Since:         %s\n", snap.LastTransitionAt.Format(time.RFC3339))
		}
		cmd.Printf("Queue:         %d pending, %d synced, %d failed, %d archived\n",
			stats.Pending, stats.Synced, stats.Failed, stats.Archived)
		if stats.Overflow {
			cmd.Println("Queue overflow threshold exceeded")
		}
		return nil
	},
}
