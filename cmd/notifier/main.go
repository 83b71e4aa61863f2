// Command notifier detects attraction state changes and delivers them as
// Web Push and Pushover notifications.
//
// Usage:
//
//	notifier run [--force] [--batch 200] [--scope favorites|all]
//	notifier serve
//	notifier purge
//	notifier migrate
//	notifier ping webpush|gateway

// @title Parkwatch Notifier API
// @version 1.0.0
// @description Change detection and notification dispatch for park attraction state.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name Parkwatch
// @license.name MIT
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/albapepper/parkwatch/internal/config"
	"github.com/albapepper/parkwatch/internal/db"
	"github.com/albapepper/parkwatch/internal/logger"
	"github.com/albapepper/parkwatch/internal/metrics"
	"github.com/albapepper/parkwatch/internal/notifications"
)

var log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "notifier",
		Short:         "Parkwatch change detection and notification dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(purgeCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(pingCmd())

	if err := root.Execute(); err != nil {
		log.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// run command
// --------------------------------------------------------------------------

func runCmd() *cobra.Command {
	var (
		force   bool
		batch   int
		scope   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Detect changes and deliver pending events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := notifications.ParseScope(scope)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				rep, err := a.runner.Run(ctx, notifications.Options{Force: force, BatchSize: batch, Scope: parsed})
				if err != nil {
					return err
				}
				if err := printJSON(rep); err != nil {
					return err
				}
				if !rep.OK {
					return errors.New("batch run reported a fatal error")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Deliver even outside the delivery window")
	cmd.Flags().IntVar(&batch, "batch", 0, "Maximum events to process (default BATCH_SIZE)")
	cmd.Flags().StringVar(&scope, "scope", "", "Default audience scope: favorites or all (default NOTIFY_SCOPE)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline; processing stops STOP_MARGIN before it")
	return cmd
}

// --------------------------------------------------------------------------
// purge command
// --------------------------------------------------------------------------

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete queue and ledger rows past the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rep, err := a.runner.Purge(ctx)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			version, err := db.Migrate(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			log.Info("Migrations applied", "version", version)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// ping command
// --------------------------------------------------------------------------

func pingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a test notification to the most recently registered endpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "webpush",
		Short: "Ping the latest Web Push subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.webPush == nil {
					return fmt.Errorf("%w: VAPID keys not set", notifications.ErrNoTransport)
				}
				sub, err := a.store.LatestSubscription(ctx)
				if err != nil {
					return err
				}
				payload, err := json.Marshal(map[string]string{
					"title": "Parkwatch",
					"body":  "Test notification",
					"url":   a.cfg.NotifyURL,
				})
				if err != nil {
					return err
				}
				if err := a.webPush.Push(ctx, sub, payload); err != nil {
					if errors.Is(err, notifications.ErrGone) {
						_ = a.store.DeleteSubscription(ctx, sub.Endpoint)
					}
					return err
				}
				log.Info("Web Push ping sent", "subscription_id", sub.ID, "owner", sub.Owner.String())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "gateway",
		Short: "Ping the latest Pushover profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if a.gateway == nil {
					return fmt.Errorf("%w: PUSHOVER_TOKEN not set", notifications.ErrNoTransport)
				}
				profile, err := a.store.LatestGatewayProfile(ctx)
				if err != nil {
					return err
				}
				msg := notifications.Message{Title: "Parkwatch", Body: "Test notification", URL: a.cfg.NotifyURL}
				if err := a.gateway.Send(ctx, profile.UserKey, msg); err != nil {
					return err
				}
				log.Info("Gateway ping sent", "profile_id", profile.ID, "owner", profile.Owner.String())
				return nil
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// Shared wiring
// --------------------------------------------------------------------------

type app struct {
	cfg      *config.Config
	pool     *db.Pool
	store    *notifications.PgStore
	webPush  *notifications.WebPushSender
	gateway  *notifications.PushoverSender
	runner   *notifications.Runner
	registry *prometheus.Registry
}

// withApp loads configuration, validates it and builds the runner. A fatal
// configuration problem returns before any event is touched.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log = logger.New(os.Stderr, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	a, err := newApp(cfg, pool)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

func newApp(cfg *config.Config, pool *db.Pool) (*app, error) {
	scope, err := notifications.ParseScope(cfg.NotifyScope)
	if err != nil {
		return nil, err
	}
	window, err := notifications.NewWindow(cfg.ParkTimezone, cfg.QuietStartHour, cfg.QuietEndHour)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	client := &http.Client{Timeout: cfg.CallTimeout}

	a := &app{
		cfg:      cfg,
		pool:     pool,
		store:    notifications.NewPgStore(pool.Pool),
		webPush:  notifications.NewWebPushSender(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, client, log),
		gateway:  notifications.NewPushoverSender(cfg.PushoverToken, cfg.PushoverAPIURL, cfg.PushoverRatePerSecond, client, log),
		registry: registry,
	}

	dcfg := notifications.DispatcherConfig{
		Pruner:      a.store,
		Workers:     cfg.DeliveryWorkers,
		CallTimeout: cfg.CallTimeout,
		Metrics:     collector,
		Logger:      log,
	}
	// Typed nil pointers must not reach the interface fields.
	if a.webPush != nil {
		dcfg.WebPush = a.webPush
	}
	if a.gateway != nil {
		dcfg.Gateway = a.gateway
	}
	if cfg.AuditLogEnabled {
		dcfg.Audit = a.store
	}

	a.runner = notifications.NewRunner(a.store, notifications.NewDispatcher(dcfg), notifications.Settings{
		BatchSize:      cfg.BatchSize,
		Retention:      time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		CallTimeout:    cfg.CallTimeout,
		StopMargin:     cfg.StopMargin,
		Scope:          scope,
		URL:            cfg.NotifyURL,
		Window:         window,
		SpikeThreshold: cfg.WaitSpikeThreshold,
		Policy: notifications.Policy{
			WaveThreshold: cfg.WaveThreshold,
			WaveBucket:    cfg.WaveBucket,
		},
	}, collector, log)

	log.Info("Notifier configured",
		"scope", scope,
		"timezone", cfg.ParkTimezone,
		"window", fmt.Sprintf("%02d:00-%02d:00", cfg.QuietStartHour, cfg.QuietEndHour),
		"webpush", cfg.WebPushEnabled(),
		"gateway", cfg.GatewayEnabled())
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
