package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Store on the prepared statements registered by the db
// package.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an open pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// ----- Detection -----

// LatestObservations returns the newest observation per attraction.
func (s *PgStore) LatestObservations(ctx context.Context) ([]Observation, error) {
	rows, err := s.pool.Query(ctx, "latest_observations")
	if err != nil {
		return nil, fmt.Errorf("latest observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(
			&o.Entity.ID, &o.Entity.ParkID, &o.Entity.Name, &o.ObservedAt,
			&o.Operating, &o.DPA, &o.PP, &o.Wait,
		); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CurrentStates returns every state row keyed by attraction id.
func (s *PgStore) CurrentStates(ctx context.Context) (map[int64]CurrentState, error) {
	rows, err := s.pool.Query(ctx, "current_states")
	if err != nil {
		return nil, fmt.Errorf("current states: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]CurrentState)
	for rows.Next() {
		var (
			st                     CurrentState
			dpa, pp, nowDPA, nowPP string
			changedAt              *time.Time
		)
		if err := rows.Scan(
			&st.EntityID, &st.Operating, &dpa, &pp, &st.Wait,
			&st.NowOp, &nowDPA, &nowPP, &st.NowWait,
			&st.ObservedAt, &changedAt, &st.Dirty,
		); err != nil {
			return nil, fmt.Errorf("scan current state: %w", err)
		}
		st.DPA, st.PP, st.NowDPA, st.NowPP = Token(dpa), Token(pp), Token(nowDPA), Token(nowPP)
		if changedAt != nil {
			st.ChangedAt = *changedAt
		}
		out[st.EntityID] = st
	}
	return out, rows.Err()
}

// InsertBaseline records the first-seen state of an attraction.
func (s *PgStore) InsertBaseline(ctx context.Context, st CurrentState) error {
	_, err := s.pool.Exec(ctx, "insert_baseline",
		st.EntityID, st.Operating, string(st.DPA), string(st.PP), st.Wait, st.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert baseline %d: %w", st.EntityID, err)
	}
	return nil
}

// TouchState advances the wait baseline and observed_at of a clean row.
func (s *PgStore) TouchState(ctx context.Context, st CurrentState) error {
	if _, err := s.pool.Exec(ctx, "touch_state", st.EntityID, st.Wait, st.ObservedAt); err != nil {
		return fmt.Errorf("touch state %d: %w", st.EntityID, err)
	}
	return nil
}

// MarkDirty stores the unacknowledged values of st.
func (s *PgStore) MarkDirty(ctx context.Context, st CurrentState) error {
	_, err := s.pool.Exec(ctx, "mark_dirty",
		st.EntityID, st.NowOp, string(st.NowDPA), string(st.NowPP), st.NowWait, st.ChangedAt)
	if err != nil {
		return fmt.Errorf("mark dirty %d: %w", st.EntityID, err)
	}
	return nil
}

// SettleStates acknowledges dirty rows whose events are all retired.
func (s *PgStore) SettleStates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "settle_states")
	if err != nil {
		return 0, fmt.Errorf("settle states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ----- Event queue -----

// Enqueue inserts ev unless its uniq key is already queued.
func (s *PgStore) Enqueue(ctx context.Context, ev Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, "enqueue_event",
		ev.EntityID, ev.ParkID, ev.Name, string(ev.Family), string(ev.Kind),
		ev.Title, ev.Body, payloadJSON(ev.Payload), ev.ChangedAt,
		ev.ChangedAt.Unix()/60, ev.UniqKey,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingEvents returns up to limit unretired events, oldest first.
func (s *PgStore) PendingEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, "pending_events", limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev           Event
			family, kind string
			payload      []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.EntityID, &ev.ParkID, &ev.Name, &family, &kind,
			&ev.Title, &ev.Body, &payload, &ev.ChangedAt, &ev.UniqKey,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Family, ev.Kind, ev.Payload = Family(family), Kind(kind), payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetireEvent sets sent_at once.
func (s *PgStore) RetireEvent(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, "retire_event", id, at); err != nil {
		return fmt.Errorf("retire event %d: %w", id, err)
	}
	return nil
}

// BucketCount counts queued events of one kind in one park and time bucket.
func (s *PgStore) BucketCount(ctx context.Context, parkID int64, kind Kind, from, to time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "bucket_count", parkID, string(kind), from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("bucket count: %w", err)
	}
	return n, nil
}

// MinSpikeThreshold returns the lowest per-rule wait spike threshold for a
// park, 0 when no rule sets one.
func (s *PgStore) MinSpikeThreshold(ctx context.Context, parkID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "min_spike_threshold", parkID).Scan(&n); err != nil {
		return 0, fmt.Errorf("min spike threshold: %w", err)
	}
	return n, nil
}

// Purge removes queue rows before ledger rows, in one transaction, so a key
// is never forgotten while its source event still exists.
func (s *PgStore) Purge(ctx context.Context, cutoff time.Time) (events, ledger int64, err error) {
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "purge_events", cutoff)
		if err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
		events = tag.RowsAffected()

		tag, err = tx.Exec(ctx, "purge_ledger", cutoff)
		if err != nil {
			return fmt.Errorf("purge ledger: %w", err)
		}
		ledger = tag.RowsAffected()
		return nil
	})
	return events, ledger, err
}

// ----- Ledger -----

// Notified reports whether uniqKey has already been claimed.
func (s *PgStore) Notified(ctx context.Context, uniqKey string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "ledger_exists", uniqKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return exists, nil
}

// Register claims ev's key. Exactly one concurrent caller wins the insert.
func (s *PgStore) Register(ctx context.Context, ev Event) (bool, error) {
	tag, err := s.pool.Exec(ctx, "ledger_register",
		ev.UniqKey, string(ev.Family), string(ev.Kind), ev.ParkID, ev.Name,
		payloadJSON(ev.Payload), ev.ChangedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ledger register: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent stamps the ledger row after dispatch.
func (s *PgStore) MarkSent(ctx context.Context, uniqKey string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, "ledger_mark_sent", uniqKey, at); err != nil {
		return fmt.Errorf("ledger mark sent: %w", err)
	}
	return nil
}

// ----- Audience -----

// Favorites returns the principals who favorited an attraction.
func (s *PgStore) Favorites(ctx context.Context, parkID int64, name string) ([]Principal, error) {
	rows, err := s.pool.Query(ctx, "favorites_for_attraction", parkID, name)
	if err != nil {
		return nil, fmt.Errorf("favorites: %w", err)
	}
	defer rows.Close()

	var out []Principal
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		out = append(out, Principal{Kind: PrincipalKind(kind), ID: id})
	}
	return out, rows.Err()
}

// ParkRules returns every alert rule for a park.
func (s *PgStore) ParkRules(ctx context.Context, parkID int64) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, "park_rules", parkID)
	if err != nil {
		return nil, fmt.Errorf("park rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			r             Rule
			kind, mode    string
			bucketSeconds int
		)
		if err := rows.Scan(
			&kind, &r.Principal.ID, &r.NotifyCloseReopen, &r.NotifyDPASale,
			&mode, &r.MuteWaves, &r.WaveThreshold, &bucketSeconds, &r.WaitSpikeThreshold,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Principal.Kind = PrincipalKind(kind)
		r.ParkID = parkID
		r.NotifyMode = Scope(mode)
		r.WaveBucket = time.Duration(bucketSeconds) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscriptions returns every Web Push endpoint.
func (s *PgStore) Subscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, "push_subscriptions")
	if err != nil {
		return nil, fmt.Errorf("subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GatewayProfiles returns every profile with a user key.
func (s *PgStore) GatewayProfiles(ctx context.Context) ([]GatewayProfile, error) {
	rows, err := s.pool.Query(ctx, "gateway_profiles")
	if err != nil {
		return nil, fmt.Errorf("gateway profiles: %w", err)
	}
	defer rows.Close()

	var out []GatewayProfile
	for rows.Next() {
		gp, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

// DeleteSubscription removes an endpoint reported gone.
func (s *PgStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if _, err := s.pool.Exec(ctx, "delete_subscription", endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// LatestSubscription returns the most recently registered endpoint.
func (s *PgStore) LatestSubscription(ctx context.Context) (Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, "latest_subscription"))
	if err != nil {
		return Subscription{}, fmt.Errorf("latest subscription: %w", err)
	}
	return sub, nil
}

// LatestGatewayProfile returns the most recently registered gateway profile.
func (s *PgStore) LatestGatewayProfile(ctx context.Context) (GatewayProfile, error) {
	gp, err := scanProfile(s.pool.QueryRow(ctx, "latest_gateway_profile"))
	if err != nil {
		return GatewayProfile{}, fmt.Errorf("latest gateway profile: %w", err)
	}
	return gp, nil
}

// ----- Audit -----

// RecordNotification writes one history row.
func (s *PgStore) RecordNotification(ctx context.Context, e AuditEntry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("encode audit meta: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "insert_notification", string(e.Kind), e.Title, e.Body, string(meta)); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ----- Helpers -----

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub              Subscription
		userID, deviceID *string
	)
	if err := row.Scan(&sub.ID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &userID, &deviceID); err != nil {
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Owner = owner(userID, deviceID)
	return sub, nil
}

func scanProfile(row pgx.Row) (GatewayProfile, error) {
	var (
		gp               GatewayProfile
		userID, deviceID *string
	)
	if err := row.Scan(&gp.ID, &gp.UserKey, &userID, &deviceID); err != nil {
		return GatewayProfile{}, fmt.Errorf("scan gateway profile: %w", err)
	}
	gp.Owner = owner(userID, deviceID)
	return gp, nil
}

// owner picks the single non-null principal column.
func owner(userID, deviceID *string) Principal {
	if userID != nil && *userID != "" {
		return Principal{Kind: PrincipalUser, ID: *userID}
	}
	if deviceID != nil {
		return Principal{Kind: PrincipalDevice, ID: *deviceID}
	}
	return Principal{}
}

func payloadJSON(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
