// Package db provides a pgxpool-based connection pool with prepared statement
// registration, retrying connect and health checking.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/parkwatch/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool. The first ping is retried
// with backoff so a cold database does not fail the invocation outright.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	tries := cfg.DBConnectTries
	if tries < 1 {
		tries = 1
	}
	err = retry.Do(
		func() error { return pool.Ping(ctx) },
		retry.Attempts(uint(tries)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Database ping failed, will retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Statements lists every named statement the notifier uses. Exported so the
// store tests can assert that each name it references is registered.
var Statements = map[string]string{
	// Health
	"health_check": "SELECT 1",

	// Detection
	"latest_observations": `
		SELECT DISTINCT ON (o.attraction_id)
		       o.attraction_id, a.park_id, a.name, o.observed_at,
		       o.is_open, o.dpa_status, o.pp_status, o.wait_minutes
		FROM observations o
		JOIN attractions a ON a.id = o.attraction_id
		ORDER BY o.attraction_id, o.observed_at DESC, o.id DESC`,
	"current_states": `
		SELECT attraction_id, is_open, dpa_status, pp_status, wait_minutes,
		       now_is_open, now_dpa_status, now_pp_status, now_wait_minutes,
		       observed_at, changed_at, dirty
		FROM current_state`,
	"insert_baseline": `
		INSERT INTO current_state (
			attraction_id, is_open, dpa_status, pp_status, wait_minutes,
			now_is_open, now_dpa_status, now_pp_status, now_wait_minutes,
			observed_at, dirty
		) VALUES ($1, $2, $3, $4, $5, $2, $3, $4, $5, $6, false)
		ON CONFLICT (attraction_id) DO NOTHING`,
	"touch_state": `
		UPDATE current_state
		SET wait_minutes = $2, now_wait_minutes = $2, observed_at = $3, updated_at = NOW()
		WHERE attraction_id = $1 AND NOT dirty AND observed_at < $3`,
	"mark_dirty": `
		UPDATE current_state
		SET now_is_open = $2, now_dpa_status = $3, now_pp_status = $4, now_wait_minutes = $5,
		    observed_at = $6, changed_at = $6, dirty = true, updated_at = NOW()
		WHERE attraction_id = $1 AND NOT dirty`,
	"settle_states": `
		UPDATE current_state cs
		SET is_open = cs.now_is_open, dpa_status = cs.now_dpa_status,
		    pp_status = cs.now_pp_status, wait_minutes = cs.now_wait_minutes,
		    dirty = false, updated_at = NOW()
		WHERE cs.dirty AND NOT EXISTS (
			SELECT 1 FROM event_queue e
			WHERE e.attraction_id = cs.attraction_id AND e.sent_at IS NULL
		)`,

	// Event queue
	"enqueue_event": `
		INSERT INTO event_queue (
			attraction_id, park_id, name_raw, family, kind, title, body,
			event, changed_at, minute_bucket, uniq_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (uniq_key) DO NOTHING`,
	"pending_events": `
		SELECT id, COALESCE(attraction_id, 0), park_id, name_raw, family, kind,
		       title, body, event, changed_at, uniq_key
		FROM event_queue
		WHERE sent_at IS NULL
		ORDER BY changed_at ASC, id ASC
		LIMIT $1`,
	"retire_event": "UPDATE event_queue SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL",
	"purge_events": "DELETE FROM event_queue WHERE created_at < $1",
	"bucket_count": "SELECT count(*) FROM event_queue WHERE park_id = $1 AND kind = $2 AND changed_at >= $3 AND changed_at < $4",

	// Idempotency ledger
	"ledger_exists": "SELECT EXISTS (SELECT 1 FROM notified_events WHERE uniq_key = $1)",
	"ledger_register": `
		INSERT INTO notified_events (uniq_key, family, kind, park_id, name_raw, event, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uniq_key) DO NOTHING`,
	"ledger_mark_sent": "UPDATE notified_events SET sent_at = $2 WHERE uniq_key = $1",
	"purge_ledger":     "DELETE FROM notified_events WHERE created_at < $1",

	// Audience
	"favorites_for_attraction": `
		SELECT principal_kind, principal_id FROM favorites
		WHERE park_id = $1 AND attraction_name = $2`,
	"park_rules": `
		SELECT principal_kind, principal_id, notify_close_reopen, notify_dpa_sale,
		       COALESCE(notify_mode, ''), mute_open_close_waves, wave_threshold,
		       wave_bucket_seconds, COALESCE(wait_spike_threshold, 0)
		FROM alert_rules WHERE park_id = $1`,
	"min_spike_threshold": `
		SELECT COALESCE(min(wait_spike_threshold), 0) FROM alert_rules
		WHERE park_id = $1 AND wait_spike_threshold > 0`,
	"push_subscriptions": `
		SELECT id, endpoint, p256dh, auth, user_id, device_id
		FROM push_subscriptions ORDER BY id`,
	"gateway_profiles": `
		SELECT id, user_key, user_id, device_id
		FROM pushover_profiles WHERE user_key <> '' ORDER BY id`,
	"delete_subscription": "DELETE FROM push_subscriptions WHERE endpoint = $1",
	"latest_subscription": `
		SELECT id, endpoint, p256dh, auth, user_id, device_id
		FROM push_subscriptions ORDER BY created_at DESC, id DESC LIMIT 1`,
	"latest_gateway_profile": `
		SELECT id, user_key, user_id, device_id
		FROM pushover_profiles WHERE user_key <> '' ORDER BY created_at DESC, id DESC LIMIT 1`,

	// Audit
	"insert_notification": "INSERT INTO notifications (kind, title, body, meta) VALUES ($1, $2, $3, $4)",
}

// registerPreparedStatements prepares every entry of Statements on conn.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range Statements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
