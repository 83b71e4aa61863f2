package notifications

import (
	"context"
	"fmt"
	"time"
)

// UniqKey identifies a change for at-most-once delivery. Two events with the
// same key are the same change no matter how many times it was detected.
func UniqKey(family Family, parkID int64, name string, kind Kind, changedAt time.Time) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s",
		family, parkID, name, kind, changedAt.UTC().Format(time.RFC3339Nano))
}

// Ledger is the durable record of every key that has been claimed for
// delivery. Register must be atomic: of two concurrent callers with the same
// key exactly one gets accepted=true.
type Ledger interface {
	Notified(ctx context.Context, uniqKey string) (bool, error)
	Register(ctx context.Context, ev Event) (accepted bool, err error)
	MarkSent(ctx context.Context, uniqKey string, at time.Time) error
}
