package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenthud/agenthud/internal/session"
	"github.com/agenthud/agenthud/internal/watcher"
)

var watchRoot string

const drainInterval = 5 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the transcript tree and keep session state current",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot(watchRoot)
		if err != nil {
			return err
		}

		store := session.NewStore(cfg.MaxSessions, cfg.MaxPendingChanges, slog.Default())

		// Resume tailing where the previous run stopped.
		offsets, err := session.NewOffsetFile()
		if err != nil {
			slog.Warn("offset snapshots disabled", "error", err)
			offsets = nil
		} else if saved, err := offsets.Load(); err == nil {
			store.RestoreOffsets(saved)
		} else if !errors.Is(err, session.ErrNoSnapshot) {
			slog.Warn("ignoring unreadable offset snapshot", "error", err)
		}

		w, err := watcher.New(store, watcher.Options{
			Root:            root,
			Debounce:        cfg.Debounce.Std(),
			RetentionWindow: cfg.RetentionWindow.Std(),
			IdleTimeout:     cfg.IdleTimeout.Std(),
			MaxReadBytes:    cfg.MaxReadBytes,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go drainLoop(ctx, store, offsets)

		slog.Info("watching transcripts", "root", root)
		runErr := w.Run(ctx)

		if offsets != nil {
			if err := offsets.Save(store.Offsets()); err != nil {
				slog.Warn("cannot save offset snapshot", "error", err)
			}
		}
		return runErr
	},
}

// drainLoop periodically drains the store's outbox, standing in for the
// remote sync component. Batches are logged and discarded here; a real
// consumer would deliver them and call Requeue on failure.
func drainLoop(ctx context.Context, store *session.Store, offsets *session.OffsetFile) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b := store.Drain(); !b.Empty() {
				slog.Info("drained session changes",
					"batch", b.ID,
					"changed", len(b.Changed),
					"removed", len(b.Removed))
			}
			if offsets != nil {
				if err := offsets.Save(store.Offsets()); err != nil {
					slog.Warn("cannot save offset snapshot", "error", err)
				}
			}
		}
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchRoot, "root", "", "transcript directory to watch (default ~/.claude/projects)")
	rootCmd.AddCommand(watchCmd)
}
