package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(n int) *int { return &n }

// ----- memStore -----

type ledgerRow struct {
	ev      Event
	sentAt  *time.Time
	created time.Time
}

// memStore is an in-memory Store. Register is atomic under mu, like the
// unique index it stands in for.
type memStore struct {
	mu sync.Mutex

	now func() time.Time

	observations []Observation
	states       map[int64]CurrentState
	events       []Event
	created      map[int64]time.Time
	nextID       int64
	ledger       map[string]*ledgerRow

	favorites map[favoriteKey][]Principal
	rules     map[int64][]Rule
	subs      []Subscription
	profiles  []GatewayProfile
	audits    []AuditEntry

	pendingErr    error
	auditErr      error
	notifiedErr   error
	notifiedDelay time.Duration
	bucketCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		now:       time.Now,
		states:    make(map[int64]CurrentState),
		created:   make(map[int64]time.Time),
		ledger:    make(map[string]*ledgerRow),
		favorites: make(map[favoriteKey][]Principal),
		rules:     make(map[int64][]Rule),
	}
}

func (m *memStore) favorite(p Principal, parkID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := favoriteKey{parkID, name}
	m.favorites[k] = append(m.favorites[k], p)
}

func (m *memStore) addRule(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ParkID] = append(m.rules[r.ParkID], r)
}

func (m *memStore) addSub(owner Principal, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, Subscription{
		ID: int64(len(m.subs) + 1), Endpoint: endpoint, P256dh: "p", Auth: "a", Owner: owner,
	})
}

func (m *memStore) addProfile(owner Principal, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = append(m.profiles, GatewayProfile{ID: int64(len(m.profiles) + 1), UserKey: key, Owner: owner})
}

func (m *memStore) observe(o Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, o)
}

// enqueueRaw queues an event as detection would, deriving its key.
func (m *memStore) enqueueRaw(ev Event) {
	if ev.UniqKey == "" {
		ev.UniqKey = UniqKey(ev.Family, ev.ParkID, ev.Name, ev.Kind, ev.ChangedAt)
	}
	_, _ = m.Enqueue(context.Background(), ev)
}

func (m *memStore) pending() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.SentAt == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memStore) subscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

func (m *memStore) state(id int64) (CurrentState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return st, ok
}

func (m *memStore) LatestObservations(context.Context) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[int64]Observation)
	for _, o := range m.observations {
		cur, ok := latest[o.Entity.ID]
		if !ok || o.ObservedAt.After(cur.ObservedAt) {
			latest[o.Entity.ID] = o
		}
	}
	out := make([]Observation, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })
	return out, nil
}

func (m *memStore) CurrentStates(context.Context) (map[int64]CurrentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]CurrentState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) InsertBaseline(_ context.Context, st CurrentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.EntityID]; !ok {
		m.states[st.EntityID] = st
	}
	return nil
}

func (m *memStore) TouchState(_ context.Context, st CurrentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.EntityID]
	if !ok || cur.Dirty {
		return nil
	}
	cur.Wait, cur.NowWait, cur.ObservedAt = st.Wait, st.Wait, st.ObservedAt
	m.states[st.EntityID] = cur
	return nil
}

func (m *memStore) MarkDirty(_ context.Context, st CurrentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.EntityID]
	if !ok || cur.Dirty {
		return nil
	}
	m.states[st.EntityID] = st
	return nil
}

func (m *memStore) SettleStates(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := make(map[int64]bool)
	for _, ev := range m.events {
		if ev.SentAt == nil {
			busy[ev.EntityID] = true
		}
	}
	var n int64
	for id, st := range m.states {
		if !st.Dirty || busy[id] {
			continue
		}
		st.Operating, st.DPA, st.PP, st.Wait = st.NowOp, st.NowDPA, st.NowPP, st.NowWait
		st.Dirty = false
		m.states[id] = st
		n++
	}
	return n, nil
}

func (m *memStore) Enqueue(_ context.Context, ev Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.UniqKey == ev.UniqKey {
			return false, nil
		}
	}
	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, ev)
	m.created[ev.ID] = m.now()
	return true, nil
}

func (m *memStore) PendingEvents(_ context.Context, limit int) ([]Event, error) {
	if m.pendingErr != nil {
		return nil, m.pendingErr
	}
	out := m.pending()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ChangedAt.Before(out[j].ChangedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) RetireEvent(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id && m.events[i].SentAt == nil {
			t := at
			m.events[i].SentAt = &t
		}
	}
	return nil
}

func (m *memStore) Purge(_ context.Context, cutoff time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events, ledger int64
	kept := m.events[:0]
	for _, ev := range m.events {
		if m.created[ev.ID].Before(cutoff) {
			events++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	for k, row := range m.ledger {
		if row.created.Before(cutoff) {
			delete(m.ledger, k)
			ledger++
		}
	}
	return events, ledger, nil
}

func (m *memStore) Notified(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifiedDelay > 0 {
		time.Sleep(m.notifiedDelay)
	}
	if m.notifiedErr != nil {
		return false, m.notifiedErr
	}
	_, ok := m.ledger[key]
	return ok, nil
}

func (m *memStore) Register(_ context.Context, ev Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledger[ev.UniqKey]; ok {
		return false, nil
	}
	m.ledger[ev.UniqKey] = &ledgerRow{ev: ev, created: m.now()}
	return true, nil
}

func (m *memStore) MarkSent(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.ledger[key]; ok {
		t := at
		row.sentAt = &t
	}
	return nil
}

func (m *memStore) Favorites(_ context.Context, parkID int64, name string) ([]Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Principal(nil), m.favorites[favoriteKey{parkID, name}]...), nil
}

func (m *memStore) MinSpikeThreshold(_ context.Context, parkID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rules[parkID] {
		if r.WaitSpikeThreshold > 0 && (n == 0 || r.WaitSpikeThreshold < n) {
			n = r.WaitSpikeThreshold
		}
	}
	return n, nil
}

func (m *memStore) ParkRules(_ context.Context, parkID int64) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.rules[parkID]...), nil
}

func (m *memStore) Subscriptions(context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Subscription(nil), m.subs...), nil
}

func (m *memStore) GatewayProfiles(context.Context) ([]GatewayProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GatewayProfile(nil), m.profiles...), nil
}

func (m *memStore) BucketCount(_ context.Context, parkID int64, kind Kind, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketCalls++
	n := 0
	for _, ev := range m.events {
		if ev.ParkID == parkID && ev.Kind == kind && !ev.ChangedAt.Before(from) && ev.ChangedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	m.subs = kept
	return nil
}

func (m *memStore) RecordNotification(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	m.audits = append(m.audits, e)
	return nil
}

// ----- transports -----

type fakePusher struct {
	mu    sync.Mutex
	calls map[string]int
	gone  map[string]bool
	fail  map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{calls: map[string]int{}, gone: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakePusher) Push(_ context.Context, sub Subscription, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sub.Endpoint]++
	switch {
	case f.gone[sub.Endpoint]:
		return ErrGone
	case f.fail[sub.Endpoint]:
		return errors.New("push service unavailable")
	}
	return nil
}

func (f *fakePusher) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakePusher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}}
}

func (f *fakeGateway) Send(_ context.Context, userKey string, _ Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[userKey]++
	return f.err
}

func (f *fakeGateway) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}
