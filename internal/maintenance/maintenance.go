// Package maintenance drives the batch runner in serve mode. Runs are
// triggered by a ticker and by listener wake-ups; the retention purge has its
// own ticker. Every task goes through the runner, so at most one batch is
// active per process.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/albapepper/parkwatch/internal/notifications"
)

// Runner is the subset of notifications.Runner the tickers need.
type Runner interface {
	Run(ctx context.Context, opts notifications.Options) (*notifications.Report, error)
	Purge(ctx context.Context) (*notifications.Report, error)
}

// Config controls task intervals. Zero duration disables a task.
type Config struct {
	RunInterval     time.Duration // periodic batch run
	CleanupInterval time.Duration // retention purge
	WakeDebounce    time.Duration // quiet period after a wake-up before running
	RunTimeout      time.Duration // deadline handed to each run
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		CleanupInterval: time.Hour,
		WakeDebounce:    2 * time.Second,
		RunTimeout:      50 * time.Second,
	}
}

// Start launches all configured tickers and the wake consumer. Blocks until
// ctx is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, runner Runner, wake <-chan struct{}, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"run", cfg.RunInterval,
		"cleanup", cfg.CleanupInterval,
		"wake_debounce", cfg.WakeDebounce)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	// Run: detect, deliver, retire on a fixed cadence
	if cfg.RunInterval > 0 {
		t := time.NewTicker(cfg.RunInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { runBatch(ctx, runner, cfg.RunTimeout, "ticker", logger) })
	}

	// Cleanup: age out queue and ledger rows
	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { cleanup(ctx, runner, logger) })
	}

	// Wake: new observations recorded
	if wake != nil {
		go runLoop(ctx, debounce(ctx, wake, cfg.WakeDebounce), func() {
			runBatch(ctx, runner, cfg.RunTimeout, "wake", logger)
		})
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop[T any](ctx context.Context, ch <-chan T, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// debounce forwards one signal once in has been quiet for d.
func debounce(ctx context.Context, in <-chan struct{}, d time.Duration) <-chan struct{} {
	if d <= 0 {
		return in
	}
	out := make(chan struct{}, 1)
	go func() {
		var timer <-chan time.Time
		for {
			select {
			case <-in:
				timer = time.After(d)
			case <-timer:
				timer = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

func runBatch(ctx context.Context, runner Runner, timeout time.Duration, trigger string, logger *slog.Logger) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rep, err := runner.Run(ctx, notifications.Options{})
	switch {
	case errors.Is(err, notifications.ErrBusy):
		logger.Debug("Batch run skipped, already running", "trigger", trigger)
	case err != nil:
		logger.Warn("Batch run failed", "trigger", trigger, "error", err)
	case !rep.OK:
		logger.Warn("Batch run reported errors", "trigger", trigger, "run_id", rep.RunID, "errors", len(rep.Errors))
	}
}

// cleanup purges queue and ledger rows past the retention horizon.
func cleanup(ctx context.Context, runner Runner, logger *slog.Logger) {
	rep, err := runner.Purge(ctx)
	if err != nil {
		logger.Warn("Cleanup: retention purge failed", "error", err)
		return
	}
	if rep.PurgedEvents+rep.PurgedLedger > 0 {
		logger.Info("Cleanup: purged expired rows", "events", rep.PurgedEvents, "ledger", rep.PurgedLedger)
	}
}
