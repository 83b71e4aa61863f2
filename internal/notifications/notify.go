// Package notifications detects attraction state changes and pushes them to
// interested subscribers at most once per change.
//
// Pipeline: detect changes → classify into events → enqueue → (per run) ledger
// gate → resolve audience → dispatch over Web Push and the Pushover gateway →
// retire. The event_queue table doubles as the durable queue between runs.
package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultBatchSize      = 200
	defaultSpikeThreshold = 20
	defaultWaveThreshold  = 12
	defaultWaveBucket     = time.Minute
	defaultRetention      = 7 * 24 * time.Hour
	defaultCallTimeout    = 10 * time.Second
	defaultWorkers        = 8
)

var (
	// ErrGone reports that a push endpoint no longer exists (HTTP 404/410).
	ErrGone = errors.New("push endpoint gone")
	// ErrRateLimited reports a provider-level throttling response.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrNoTransport is returned by a sender that was never configured.
	ErrNoTransport = errors.New("transport not configured")
	// ErrBusy is returned when a run is already in progress in this process.
	ErrBusy = errors.New("batch run already in progress")
	// ErrInconsistent marks an event that cannot be delivered as stored.
	ErrInconsistent = errors.New("inconsistent event")
)

// --------------------------------------------------------------------------
// Event kinds and field families
// --------------------------------------------------------------------------

// Kind is the semantic classification of a change.
type Kind string

const (
	KindReopen    Kind = "reopen"
	KindClose     Kind = "close"
	KindDPAStart  Kind = "dpa_start"
	KindDPAEnd    Kind = "dpa_end"
	KindPPStart   Kind = "pp_start"
	KindPPEnd     Kind = "pp_end"
	KindWaitSpike Kind = "wait_spike"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{KindReopen, KindClose, KindDPAStart, KindDPAEnd, KindPPStart, KindPPEnd, KindWaitSpike}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsOperating reports whether k is an open/close transition, the only kinds
// subject to wave suppression.
func (k Kind) IsOperating() bool {
	return k == KindReopen || k == KindClose
}

// Family groups the observed fields a delta can come from.
type Family string

const (
	FamilyOperating Family = "operating"
	FamilyDPA       Family = "dpa"
	FamilyPP        Family = "pp"
	FamilyWait      Family = "wait"
)

// Operating-family values.
const (
	StateOperating = "operating"
	StateClosed    = "closed"
)

// --------------------------------------------------------------------------
// Entities, observations and state
// --------------------------------------------------------------------------

// Entity is a watched attraction.
type Entity struct {
	ID     int64
	ParkID int64
	Name   string
}

// Observation is one immutable measurement written by the ingestion side.
// DPA and PP hold the raw upstream wording.
type Observation struct {
	Entity     Entity
	ObservedAt time.Time
	Operating  bool
	DPA        string
	PP         string
	Wait       *int
}

// CurrentState is the last acknowledged state of an entity. While Dirty, the
// Now* fields hold the detected values that are not yet acknowledged.
type CurrentState struct {
	EntityID   int64
	Operating  bool
	DPA        Token
	PP         Token
	Wait       *int
	NowOp      bool
	NowDPA     Token
	NowPP      Token
	NowWait    *int
	ObservedAt time.Time
	ChangedAt  time.Time
	Dirty      bool
}

// Baseline builds the clean state recorded on an entity's first observation.
func Baseline(o Observation) CurrentState {
	dpa, pp := CanonicalDPA(o.DPA), CanonicalPP(o.PP)
	return CurrentState{
		EntityID:   o.Entity.ID,
		Operating:  o.Operating,
		DPA:        dpa,
		PP:         pp,
		Wait:       o.Wait,
		NowOp:      o.Operating,
		NowDPA:     dpa,
		NowPP:      pp,
		NowWait:    o.Wait,
		ObservedAt: o.ObservedAt,
	}
}

// Advance returns st with the observation recorded as not-yet-acknowledged.
func (st CurrentState) Advance(o Observation) CurrentState {
	st.NowOp = o.Operating
	st.NowDPA = CanonicalDPA(o.DPA)
	st.NowPP = CanonicalPP(o.PP)
	st.NowWait = o.Wait
	st.ObservedAt = o.ObservedAt
	st.ChangedAt = o.ObservedAt
	st.Dirty = true
	return st
}

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Payload is the JSON body stored with every event.
type Payload struct {
	Family Family `json:"family"`
	Before string `json:"before"`
	After  string `json:"after"`
	Delta  int    `json:"delta,omitempty"`
}

// Event is a classified, rendered notification candidate.
type Event struct {
	ID        int64
	EntityID  int64
	ParkID    int64
	Name      string
	Family    Family
	Kind      Kind
	Title     string
	Body      string
	Payload   json.RawMessage
	ChangedAt time.Time
	UniqKey   string
	SentAt    *time.Time
}

// Decode parses the stored payload, failing with ErrInconsistent when the
// event cannot be trusted for delivery.
func (e Event) Decode() (Payload, error) {
	var p Payload
	if !e.Kind.Valid() {
		return p, fmt.Errorf("%w: unknown kind %q", ErrInconsistent, e.Kind)
	}
	if e.Name == "" {
		return p, fmt.Errorf("%w: event %d has no entity name", ErrInconsistent, e.ID)
	}
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: payload: %v", ErrInconsistent, err)
	}
	return p, nil
}

// --------------------------------------------------------------------------
// Audience types
// --------------------------------------------------------------------------

// PrincipalKind distinguishes signed-in users from anonymous devices.
type PrincipalKind string

const (
	PrincipalUser   PrincipalKind = "user"
	PrincipalDevice PrincipalKind = "device"
)

// Principal owns favorites, rules and delivery endpoints.
type Principal struct {
	Kind PrincipalKind
	ID   string
}

func (p Principal) String() string { return string(p.Kind) + ":" + p.ID }

// Subscription is a Web Push endpoint.
type Subscription struct {
	ID       int64
	Endpoint string
	P256dh   string
	Auth     string
	Owner    Principal
}

// GatewayProfile is a Pushover-style user key.
type GatewayProfile struct {
	ID      int64
	UserKey string
	Owner   Principal
}

// Targets is the resolved audience of one event, partitioned by transport.
type Targets struct {
	WebPush []Subscription
	Gateway []GatewayProfile
}

// Empty reports whether nobody should receive the event.
func (t Targets) Empty() bool {
	return len(t.WebPush) == 0 && len(t.Gateway) == 0
}

// Message is the rendered notification handed to transports.
type Message struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	Priority int    `json:"-"`
}

// AuditEntry is the user-facing history row mirrored for each delivery.
type AuditEntry struct {
	Kind  Kind
	Title string
	Body  string
	Meta  map[string]any
}
