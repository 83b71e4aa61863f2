// Package listener provides a Postgres LISTEN/NOTIFY consumer that wakes the
// batch runner as soon as ingestion records new observations. It holds a
// dedicated pgx connection (not from the pool) listening on the
// `observation_recorded` channel.
//
// Notifications carry no data the runner needs: every wake-up is coalesced
// into a single pending signal, and the runner re-reads state itself.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	Channel          = "observation_recorded"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Start opens a dedicated connection and listens on Channel, signalling wake
// for every notification. It reconnects automatically on connection loss.
// Blocks until ctx is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, wake chan<- struct{}, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, wake, logger)
		if ctx.Err() != nil {
			logger.Info("Observation listener stopped (context cancelled)")
			return
		}

		logger.Error("Observation listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, wake chan<- struct{}, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+Channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	logger.Info("Observation listener connected", "channel", Channel)

	// Anything recorded while disconnected is picked up by one run.
	Signal(wake)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		logger.Debug("Observation notification received", "payload", n.Payload)
		Signal(wake)
	}
}

// Signal performs a non-blocking send on wake. A signal already pending
// absorbs this one.
func Signal(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
