package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/internal/portfolio"
	"portfolio-copilot/internal/stream"
	"portfolio-copilot/pkg/utils"
)

const clearScreen = "\033[H\033[2J"

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live valuation of your holdings",
		Long: `Fetch holdings, subscribe to their ticks and keep a live valuation on
screen until interrupted.

The stream is not re-established on its own when it drops. Pass --reconnect
to open a new session with exponential backoff after every disconnect.

With --json one snapshot per line is written instead of the table.`,
		Example: `  copilot watch
  copilot watch --mode ltp --interval 2s
  copilot watch --reconnect --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			mode := app.Config.StreamMode()
			if s, _ := cmd.Flags().GetString("mode"); s != "" {
				m, err := models.ParseMode(s)
				if err != nil {
					return apperrors.NewValidationError("mode", s, err.Error())
				}
				mode = m
			}
			reconnect, _ := cmd.Flags().GetBool("reconnect")
			interval, _ := cmd.Flags().GetDuration("interval")
			events, _ := cmd.Flags().GetInt("events")

			transport, err := app.Transport()
			if err != nil {
				output.Error("Cannot open stream: %v", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			monitor := portfolio.NewMonitor(app.HoldingsSource(), transport, portfolio.Config{
				Mode:         mode,
				EventLogSize: app.Config.Stream.EventLogSize,
			}, app.Logger)
			defer monitor.Close()

			w := &watcher{
				monitor:      monitor,
				newTransport: app.Transport,
				output:       output,
				interval:     interval,
				reconnect:    reconnect,
				events:       events,
				backoff:      time.Second,
				maxBackoff:   30 * time.Second,
				logger:       logging.WithComponent(app.Logger, "watch"),
			}
			return w.run(ctx)
		},
	}

	cmd.Flags().String("mode", "", "subscription mode: ltp, quote or full (default from config)")
	cmd.Flags().Bool("reconnect", false, "open a new session after the stream drops")
	cmd.Flags().Duration("interval", time.Second, "minimum time between screen refreshes")
	cmd.Flags().Int("events", 0, "number of recent raw frames to show below the table")

	return cmd
}

// watcher renders monitor snapshots and optionally replaces dropped sessions.
type watcher struct {
	monitor      *portfolio.Monitor
	newTransport func() (stream.Transport, error)
	output       *Output
	interval     time.Duration
	reconnect    bool
	events       int
	backoff      time.Duration
	maxBackoff   time.Duration
	logger       zerolog.Logger
}

func (w *watcher) run(ctx context.Context) error {
	if err := w.monitor.Start(ctx); err != nil {
		var derr *apperrors.DataError
		if apperrors.As(err, &derr) || !w.reconnect {
			w.output.Error("Failed to start: %v", err)
			return err
		}
		w.logger.Warn().Err(err).Msg("Initial connect failed")
	}

	interval := w.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		latest   portfolio.Snapshot
		have     bool
		dirty    bool
		attempt  int
		retry    <-chan time.Time
		rendered time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if have {
				w.render(latest)
			}
			return nil

		case snap, ok := <-w.monitor.Updates():
			if !ok {
				return nil
			}
			latest, have, dirty = snap, true, true

			if snap.Connected {
				attempt = 0
			}
			if snap.State == stream.StateClosed && retry == nil {
				if !w.reconnect {
					w.render(snap)
					return fmt.Errorf("%w: stream disconnected", apperrors.ErrConnectionFailed)
				}
				delay := utils.CalculateBackoff(attempt, w.backoff, w.maxBackoff, 2)
				attempt++
				w.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Stream closed, reconnecting")
				retry = time.After(delay)
			}

			// First frame and state changes are drawn immediately.
			if time.Since(rendered) >= interval || snap.State != stream.StateOpen {
				w.render(snap)
				rendered, dirty = time.Now(), false
			}

		case <-ticker.C:
			if dirty {
				w.render(latest)
				rendered, dirty = time.Now(), false
			}

		case <-retry:
			retry = nil
			if err := w.reopen(ctx); err != nil {
				if errors.Is(err, apperrors.ErrSessionClosed) {
					return nil
				}
				delay := utils.CalculateBackoff(attempt, w.backoff, w.maxBackoff, 2)
				attempt++
				w.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect failed")
				retry = time.After(delay)
			}
		}
	}
}

// reopen builds a fresh transport and hands it to the monitor.
func (w *watcher) reopen(ctx context.Context) error {
	t, err := w.newTransport()
	if err != nil {
		return err
	}
	return w.monitor.Reconnect(ctx, t)
}

func (w *watcher) render(snap portfolio.Snapshot) {
	if w.output.IsJSON() {
		w.output.JSONLine(toSnapshotJSON(snap))
		return
	}
	if w.output.Color() {
		w.output.Printf(clearScreen)
	}
	renderStatus(w.output, snap)
	w.output.Println()
	renderValuation(w.output, snap.Valuation)
	renderEvents(w.output, snap.Events, w.events)
}
