package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Principal{Kind: PrincipalUser, ID: "alice"}
	bob   = Principal{Kind: PrincipalUser, ID: "bob"}
	kiosk = Principal{Kind: PrincipalDevice, ID: "kiosk-1"}
)

func eventFor(kind Kind, name string, at time.Time, p Payload) Event {
	raw, _ := json.Marshal(p)
	return Event{
		ID: 1, ParkID: 1, Name: name, Kind: kind, Payload: raw, ChangedAt: at,
		UniqKey: UniqKey(p.Family, 1, name, kind, at),
	}
}

func endpoints(t Targets) []string {
	var out []string
	for _, s := range t.WebPush {
		out = append(out, s.Endpoint)
	}
	return out
}

func TestResolve_FavoritesOnly(t *testing.T) {
	st := newMemStore()
	st.favorite(alice, 1, "Space Voyage")
	st.addSub(alice, "https://push/alice")
	st.addSub(bob, "https://push/bob")
	st.addProfile(alice, "alice-key")

	r := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	ev := eventFor(KindDPAEnd, "Space Voyage", time.Now(), Payload{Family: FamilyDPA})
	targets, err := r.Resolve(context.Background(), ev, Payload{})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://push/alice"}, endpoints(targets))
	require.Len(t, targets.Gateway, 1)
	assert.Equal(t, "alice-key", targets.Gateway[0].UserKey)
}

func TestResolve_CategoryGating(t *testing.T) {
	st := newMemStore()
	for _, p := range []Principal{alice, bob} {
		st.favorite(p, 1, "Ride")
	}
	st.addSub(alice, "https://push/alice")
	st.addSub(bob, "https://push/bob")
	st.addRule(Rule{Principal: alice, ParkID: 1, NotifyCloseReopen: false, NotifyDPASale: true})

	r := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	ctx := context.Background()

	closeEv := eventFor(KindClose, "Ride", time.Now(), Payload{Family: FamilyOperating})
	targets, err := r.Resolve(ctx, closeEv, Payload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/bob"}, endpoints(targets))

	dpaEv := eventFor(KindDPAStart, "Ride", time.Now(), Payload{Family: FamilyDPA})
	targets, err = r.Resolve(ctx, dpaEv, Payload{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://push/alice", "https://push/bob"}, endpoints(targets))
}

func TestResolve_SpikeThresholdPerRule(t *testing.T) {
	st := newMemStore()
	st.favorite(alice, 1, "Ride")
	st.favorite(bob, 1, "Ride")
	st.addSub(alice, "https://push/alice")
	st.addSub(bob, "https://push/bob")
	st.addRule(Rule{Principal: alice, ParkID: 1, NotifyCloseReopen: true, NotifyDPASale: true, WaitSpikeThreshold: 40})

	r := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	p := Payload{Family: FamilyWait, Before: "20", After: "45", Delta: 25}
	targets, err := r.Resolve(context.Background(), eventFor(KindWaitSpike, "Ride", time.Now(), p), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/bob"}, endpoints(targets))
}

func TestResolve_SpikeBelowDefaultOnlyForLowerRules(t *testing.T) {
	st := newMemStore()
	for _, p := range []Principal{alice, bob, kiosk} {
		st.favorite(p, 1, "Ride")
	}
	st.addSub(alice, "https://push/alice")
	st.addSub(bob, "https://push/bob")
	st.addSub(kiosk, "https://push/kiosk")
	st.addRule(Rule{Principal: alice, ParkID: 1, WaitSpikeThreshold: 10})
	st.addRule(Rule{Principal: kiosk, ParkID: 1, NotifyCloseReopen: true})

	r := NewResolver(st, ScopeFavorites, Policy{SpikeThreshold: 20}, discardLogger())
	p := Payload{Family: FamilyWait, Before: "30", After: "45", Delta: 15}
	targets, err := r.Resolve(context.Background(), eventFor(KindWaitSpike, "Ride", time.Now(), p), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/alice"}, endpoints(targets))
}

func TestResolve_ScopeAllAndRuleMode(t *testing.T) {
	st := newMemStore()
	st.addSub(alice, "https://push/alice")
	st.addSub(kiosk, "https://push/kiosk")
	// kiosk insists on favorites even when the run scope is "all".
	st.addRule(Rule{Principal: kiosk, ParkID: 1, NotifyCloseReopen: true, NotifyDPASale: true, NotifyMode: ScopeFavorites})
	// bob opts into everything even under a favorites run.
	st.addSub(bob, "https://push/bob")
	st.addRule(Rule{Principal: bob, ParkID: 1, NotifyCloseReopen: true, NotifyDPASale: true, NotifyMode: ScopeAll})

	ev := eventFor(KindReopen, "Ride", time.Now(), Payload{Family: FamilyOperating})

	all := NewResolver(st, ScopeAll, Policy{}, discardLogger())
	targets, err := all.Resolve(context.Background(), ev, Payload{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://push/alice", "https://push/bob"}, endpoints(targets))

	favs := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	targets, err = favs.Resolve(context.Background(), ev, Payload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/bob"}, endpoints(targets))
}

func TestResolve_WaveSuppressionIsPerSubscriber(t *testing.T) {
	st := newMemStore()
	at := time.Date(2026, 5, 1, 21, 0, 10, 0, time.UTC)
	for i := range 15 {
		st.enqueueRaw(Event{
			ParkID: 1, Name: "Ride " + string(rune('A'+i)), Family: FamilyOperating, Kind: KindClose,
			ChangedAt: at.Add(time.Duration(i) * time.Second),
		})
	}
	st.favorite(alice, 1, "Ride A")
	st.favorite(bob, 1, "Ride A")
	st.addSub(alice, "https://push/alice")
	st.addSub(bob, "https://push/bob")
	st.addRule(Rule{Principal: alice, ParkID: 1, NotifyCloseReopen: true, MuteWaves: true})
	st.addRule(Rule{Principal: bob, ParkID: 1, NotifyCloseReopen: true, MuteWaves: false})

	r := NewResolver(st, ScopeFavorites, Policy{WaveThreshold: 12, WaveBucket: time.Minute}, discardLogger())
	ev := eventFor(KindClose, "Ride A", at, Payload{Family: FamilyOperating})
	targets, err := r.Resolve(context.Background(), ev, Payload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/bob"}, endpoints(targets))

	// Reopen is a different kind, so its bucket is empty.
	reopen := eventFor(KindReopen, "Ride A", at, Payload{Family: FamilyOperating})
	targets, err = r.Resolve(context.Background(), reopen, Payload{})
	require.NoError(t, err)
	assert.Len(t, targets.WebPush, 2)
}

func TestResolve_BucketCountMemoized(t *testing.T) {
	st := newMemStore()
	st.favorite(alice, 1, "Ride")
	st.addSub(alice, "https://push/alice")
	st.addRule(Rule{Principal: alice, ParkID: 1, NotifyCloseReopen: true, MuteWaves: true})

	r := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	at := time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC)
	for i := range 3 {
		ev := eventFor(KindClose, "Ride", at.Add(time.Duration(i)*time.Second), Payload{Family: FamilyOperating})
		_, err := r.Resolve(context.Background(), ev, Payload{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, st.bucketCalls)
}

func TestResolve_ForgetSkipsPrunedEndpoint(t *testing.T) {
	st := newMemStore()
	st.favorite(alice, 1, "Ride")
	st.addSub(alice, "https://push/alice-old")
	st.addSub(alice, "https://push/alice-new")

	r := NewResolver(st, ScopeFavorites, Policy{}, discardLogger())
	r.Forget("https://push/alice-old")

	targets, err := r.Resolve(context.Background(), eventFor(KindClose, "Ride", time.Now(), Payload{}), Payload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/alice-new"}, endpoints(targets))
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeFavorites, s)

	s, err = ParseScope("all")
	require.NoError(t, err)
	assert.Equal(t, ScopeAll, s)

	_, err = ParseScope("everyone")
	assert.Error(t, err)
}
