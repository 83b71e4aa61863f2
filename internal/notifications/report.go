package notifications

import (
	"sync"
	"time"
)

// Phase is the runner's position in a batch run.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDetecting  Phase = "detecting"
	PhaseLoading    Phase = "loading"
	PhaseProcessing Phase = "processing"
	PhaseSettling   Phase = "settling"
	PhaseRetiring   Phase = "retiring"
)

// WindowInfo describes the delivery window at the time of the run.
type WindowInfo struct {
	Start    int       `json:"start"`
	End      int       `json:"end"`
	Timezone string    `json:"timezone"`
	Now      time.Time `json:"now"`
	Open     bool      `json:"open"`
	Forced   bool      `json:"forced"`
	NextOpen time.Time `json:"next_open,omitzero"`
}

// Report is the structured summary returned by every run.
type Report struct {
	OK       bool         `json:"ok"`
	RunID    string       `json:"run_id"`
	Scope    Scope        `json:"scope"`
	Window   WindowInfo   `json:"window"`
	Deferred bool         `json:"deferred"`
	Counts   map[Kind]int `json:"counts"`

	Observed     int  `json:"observed"`
	Baselined    int  `json:"baselined"`
	Enqueued     int  `json:"enqueued"`
	Settled      int  `json:"settled"`
	Loaded       int  `json:"loaded"`
	Delivered    int  `json:"delivered"`
	Duplicates   int  `json:"duplicates"`
	NoAudience   int  `json:"no_audience"`
	Inconsistent int  `json:"inconsistent"`
	Skipped      int  `json:"skipped"`
	Retired      int  `json:"retired"`
	Stopped      bool `json:"stopped_early"`

	WebPushSent   int `json:"webpush_sent"`
	WebPushFailed int `json:"webpush_failed"`
	GatewaySent   int `json:"gateway_sent"`
	GatewayFailed int `json:"gateway_failed"`
	Pruned        int `json:"pruned"`

	PurgedEvents int64 `json:"purged_events"`
	PurgedLedger int64 `json:"purged_ledger"`

	Errors     []string `json:"errors"`
	DurationMS int64    `json:"duration_ms"`

	mu sync.Mutex
}

func newReport(runID string, scope Scope) *Report {
	return &Report{
		OK:     true,
		RunID:  runID,
		Scope:  scope,
		Counts: make(map[Kind]int),
		Errors: []string{},
	}
}

func (r *Report) addError(msg string) {
	r.mu.Lock()
	r.Errors = append(r.Errors, msg)
	r.mu.Unlock()
}

func (r *Report) addDelivery(kind Kind, d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Delivered++
	r.Counts[kind]++
	r.WebPushSent += d.WebPushSent
	r.WebPushFailed += d.WebPushFailed
	r.GatewaySent += d.GatewaySent
	r.GatewayFailed += d.GatewayFailed
	r.Pruned += len(d.Pruned)
}

// Recorder receives run and delivery outcomes, typically for Prometheus.
type Recorder interface {
	ObserveDelivery(transport, outcome string)
	ObserveRun(r *Report, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDelivery(string, string)    {}
func (nopRecorder) ObserveRun(*Report, time.Duration) {}
