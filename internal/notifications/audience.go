package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scope decides who is a candidate for an event when a principal has no
// explicit notify_mode.
type Scope string

const (
	ScopeFavorites Scope = "favorites"
	ScopeAll       Scope = "all"
)

// ParseScope accepts "favorites" or "all"; anything else is an error.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeFavorites, ScopeAll:
		return Scope(s), nil
	case "":
		return ScopeFavorites, nil
	}
	return "", fmt.Errorf("unknown notify scope %q", s)
}

// Rule is a principal's per-park alert settings. Zero numeric fields fall
// back to the resolver's Policy.
type Rule struct {
	Principal          Principal
	ParkID             int64
	NotifyCloseReopen  bool
	NotifyDPASale      bool
	NotifyMode         Scope
	MuteWaves          bool
	WaveThreshold      int
	WaveBucket         time.Duration
	WaitSpikeThreshold int
}

// Allows applies category gating and the per-rule spike threshold.
func (r Rule) Allows(kind Kind, p Payload) bool {
	switch kind {
	case KindReopen, KindClose:
		return r.NotifyCloseReopen
	case KindDPAStart, KindDPAEnd, KindPPStart, KindPPEnd:
		return r.NotifyDPASale
	case KindWaitSpike:
		return r.WaitSpikeThreshold <= 0 || abs(p.Delta) >= r.WaitSpikeThreshold
	}
	return false
}

// Policy holds the wave suppression and wait spike defaults.
type Policy struct {
	WaveThreshold  int
	WaveBucket     time.Duration
	SpikeThreshold int // applies to principals whose rule sets none
}

func (p Policy) withDefaults() Policy {
	if p.WaveThreshold <= 0 {
		p.WaveThreshold = defaultWaveThreshold
	}
	if p.WaveBucket <= 0 {
		p.WaveBucket = defaultWaveBucket
	}
	if p.SpikeThreshold <= 0 {
		p.SpikeThreshold = defaultSpikeThreshold
	}
	return p
}

// AudienceSource is the read side the resolver needs from the datastore.
type AudienceSource interface {
	Favorites(ctx context.Context, parkID int64, name string) ([]Principal, error)
	ParkRules(ctx context.Context, parkID int64) ([]Rule, error)
	Subscriptions(ctx context.Context) ([]Subscription, error)
	GatewayProfiles(ctx context.Context) ([]GatewayProfile, error)
	// MinSpikeThreshold returns the lowest wait_spike_threshold set by any
	// rule for parkID, or 0 when none is set.
	MinSpikeThreshold(ctx context.Context, parkID int64) (int, error)
	// BucketCount counts queued events of kind for parkID with
	// from <= changed_at < to.
	BucketCount(ctx context.Context, parkID int64, kind Kind, from, to time.Time) (int, error)
}

type bucketKey struct {
	parkID int64
	kind   Kind
	start  int64
	width  time.Duration
}

type favoriteKey struct {
	parkID int64
	name   string
}

// Resolver computes the audience of events. A Resolver lives for one batch
// run: endpoints, rules, favorites and bucket counts are memoized for the
// run's duration.
type Resolver struct {
	src    AudienceSource
	scope  Scope
	policy Policy
	logger *slog.Logger

	primeOnce sync.Once
	primeErr  error
	subs      []Subscription
	profiles  []GatewayProfile

	mu        sync.Mutex
	rules     map[int64]map[Principal]Rule
	favorites map[favoriteKey]map[Principal]bool
	buckets   map[bucketKey]int
	gone      map[string]bool
}

// NewResolver returns a resolver scoped to one run.
func NewResolver(src AudienceSource, scope Scope, policy Policy, logger *slog.Logger) *Resolver {
	if scope == "" {
		scope = ScopeFavorites
	}
	return &Resolver{
		src:       src,
		scope:     scope,
		policy:    policy.withDefaults(),
		logger:    logger,
		rules:     make(map[int64]map[Principal]Rule),
		favorites: make(map[favoriteKey]map[Principal]bool),
		buckets:   make(map[bucketKey]int),
		gone:      make(map[string]bool),
	}
}

// Forget drops a pruned endpoint so later events in the same run skip it.
func (r *Resolver) Forget(endpoint string) {
	r.mu.Lock()
	r.gone[endpoint] = true
	r.mu.Unlock()
}

// Resolve returns the delivery targets for ev. An empty result is not an
// error: the caller retires the event without delivering.
func (r *Resolver) Resolve(ctx context.Context, ev Event, p Payload) (Targets, error) {
	if err := r.prime(ctx); err != nil {
		return Targets{}, err
	}
	favs, err := r.favoriteSet(ctx, ev.ParkID, ev.Name)
	if err != nil {
		return Targets{}, err
	}
	rules, err := r.parkRules(ctx, ev.ParkID)
	if err != nil {
		return Targets{}, err
	}

	decided := make(map[Principal]bool)
	allowed := func(owner Principal) (bool, error) {
		if ok, seen := decided[owner]; seen {
			return ok, nil
		}
		ok, err := r.admit(ctx, ev, p, owner, favs, rules)
		if err != nil {
			return false, err
		}
		decided[owner] = ok
		return ok, nil
	}

	var t Targets
	for _, s := range r.subs {
		if r.isGone(s.Endpoint) {
			continue
		}
		ok, err := allowed(s.Owner)
		if err != nil {
			return Targets{}, err
		}
		if ok {
			t.WebPush = append(t.WebPush, s)
		}
	}
	for _, gp := range r.profiles {
		ok, err := allowed(gp.Owner)
		if err != nil {
			return Targets{}, err
		}
		if ok {
			t.Gateway = append(t.Gateway, gp)
		}
	}
	return t, nil
}

// admit runs the candidate, category and wave checks for one principal.
func (r *Resolver) admit(ctx context.Context, ev Event, p Payload, owner Principal, favs map[Principal]bool, rules map[Principal]Rule) (bool, error) {
	rule, hasRule := rules[owner]

	mode := r.scope
	if hasRule && rule.NotifyMode != "" {
		mode = rule.NotifyMode
	}
	if mode == ScopeFavorites && !favs[owner] {
		return false, nil
	}
	// Detection may run below the default for a park; everyone without their
	// own threshold still gets the default.
	if ev.Kind == KindWaitSpike && (!hasRule || rule.WaitSpikeThreshold <= 0) && abs(p.Delta) < r.policy.SpikeThreshold {
		return false, nil
	}
	if !hasRule {
		return true, nil
	}
	if !rule.Allows(ev.Kind, p) {
		return false, nil
	}
	if !ev.Kind.IsOperating() || !rule.MuteWaves {
		return true, nil
	}

	threshold, width := r.policy.WaveThreshold, r.policy.WaveBucket
	if rule.WaveThreshold > 0 {
		threshold = rule.WaveThreshold
	}
	if rule.WaveBucket > 0 {
		width = rule.WaveBucket
	}
	n, err := r.bucketCount(ctx, ev, width)
	if err != nil {
		return false, err
	}
	if n >= threshold {
		r.logger.Debug("Wave suppressed",
			"principal", owner.String(), "kind", ev.Kind, "park_id", ev.ParkID, "count", n)
		return false, nil
	}
	return true, nil
}

func (r *Resolver) prime(ctx context.Context) error {
	r.primeOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			subs, err := r.src.Subscriptions(gctx)
			if err != nil {
				return fmt.Errorf("load subscriptions: %w", err)
			}
			r.subs = subs
			return nil
		})
		g.Go(func() error {
			profiles, err := r.src.GatewayProfiles(gctx)
			if err != nil {
				return fmt.Errorf("load gateway profiles: %w", err)
			}
			r.profiles = dedupeProfiles(profiles)
			return nil
		})
		r.primeErr = g.Wait()
	})
	return r.primeErr
}

func (r *Resolver) favoriteSet(ctx context.Context, parkID int64, name string) (map[Principal]bool, error) {
	key := favoriteKey{parkID, name}
	r.mu.Lock()
	set, ok := r.favorites[key]
	r.mu.Unlock()
	if ok {
		return set, nil
	}
	list, err := r.src.Favorites(ctx, parkID, name)
	if err != nil {
		return nil, fmt.Errorf("load favorites: %w", err)
	}
	set = make(map[Principal]bool, len(list))
	for _, p := range list {
		set[p] = true
	}
	r.mu.Lock()
	r.favorites[key] = set
	r.mu.Unlock()
	return set, nil
}

func (r *Resolver) parkRules(ctx context.Context, parkID int64) (map[Principal]Rule, error) {
	r.mu.Lock()
	m, ok := r.rules[parkID]
	r.mu.Unlock()
	if ok {
		return m, nil
	}
	list, err := r.src.ParkRules(ctx, parkID)
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}
	m = make(map[Principal]Rule, len(list))
	for _, rule := range list {
		m[rule.Principal] = rule
	}
	r.mu.Lock()
	r.rules[parkID] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Resolver) bucketCount(ctx context.Context, ev Event, width time.Duration) (int, error) {
	start := ev.ChangedAt.Truncate(width)
	key := bucketKey{ev.ParkID, ev.Kind, start.Unix(), width}
	r.mu.Lock()
	n, ok := r.buckets[key]
	r.mu.Unlock()
	if ok {
		return n, nil
	}
	n, err := r.src.BucketCount(ctx, ev.ParkID, ev.Kind, start, start.Add(width))
	if err != nil {
		return 0, fmt.Errorf("count wave bucket: %w", err)
	}
	r.mu.Lock()
	r.buckets[key] = n
	r.mu.Unlock()
	return n, nil
}

func (r *Resolver) isGone(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gone[endpoint]
}

// dedupeProfiles keeps the first profile per user key and owner.
func dedupeProfiles(in []GatewayProfile) []GatewayProfile {
	type k struct {
		key   string
		owner Principal
	}
	seen := make(map[k]bool, len(in))
	out := in[:0:0]
	for _, gp := range in {
		if gp.UserKey == "" || seen[k{gp.UserKey, gp.Owner}] {
			continue
		}
		seen[k{gp.UserKey, gp.Owner}] = true
		out = append(out, gp)
	}
	return out
}
