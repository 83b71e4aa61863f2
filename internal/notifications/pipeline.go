package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Store is everything the runner reads and writes durably.
type Store interface {
	Ledger
	AudienceSource
	SubscriptionPruner

	LatestObservations(ctx context.Context) ([]Observation, error)
	CurrentStates(ctx context.Context) (map[int64]CurrentState, error)
	InsertBaseline(ctx context.Context, st CurrentState) error
	// TouchState advances observed_at and the wait baseline of a clean row.
	TouchState(ctx context.Context, st CurrentState) error
	// MarkDirty stores the Now* values of st and sets dirty.
	MarkDirty(ctx context.Context, st CurrentState) error
	Enqueue(ctx context.Context, ev Event) (bool, error)
	// SettleStates acknowledges every dirty row with no pending events left.
	SettleStates(ctx context.Context) (int64, error)

	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	RetireEvent(ctx context.Context, id int64, at time.Time) error
	// Purge deletes queue and ledger rows created before cutoff, queue first.
	Purge(ctx context.Context, cutoff time.Time) (events, ledger int64, err error)
}

// Settings is the runner's injected configuration.
type Settings struct {
	BatchSize      int
	Retention      time.Duration
	CallTimeout    time.Duration
	StopMargin     time.Duration
	Scope          Scope
	URL            string
	Window         Window
	SpikeThreshold int
	Policy         Policy
}

// Options are the per-invocation overrides.
type Options struct {
	Force     bool
	BatchSize int
	Scope     Scope
}

// Runner executes one complete batch cycle per call to Run. Only one run is
// active per Runner at a time.
type Runner struct {
	store      Store
	dispatcher *Dispatcher
	settings   Settings
	metrics    Recorder
	logger     *slog.Logger
	now        func() time.Time

	running sync.Mutex
	phase   atomic.Value
	last    atomic.Pointer[Report]
}

// NewRunner builds a runner. metrics may be nil.
func NewRunner(store Store, dispatcher *Dispatcher, settings Settings, metrics Recorder, logger *slog.Logger) *Runner {
	if settings.BatchSize <= 0 {
		settings.BatchSize = defaultBatchSize
	}
	if settings.Retention <= 0 {
		settings.Retention = defaultRetention
	}
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = defaultCallTimeout
	}
	if settings.SpikeThreshold <= 0 {
		settings.SpikeThreshold = defaultSpikeThreshold
	}
	if settings.Policy.SpikeThreshold <= 0 {
		settings.Policy.SpikeThreshold = settings.SpikeThreshold
	}
	if settings.Scope == "" {
		settings.Scope = ScopeFavorites
	}
	if settings.URL == "" {
		settings.URL = "/"
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:      store,
		dispatcher: dispatcher,
		settings:   settings,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
	r.phase.Store(PhaseIdle)
	return r
}

// Phase reports what the runner is doing right now.
func (r *Runner) Phase() Phase {
	return r.phase.Load().(Phase)
}

// LastReport returns the most recent completed report, or nil.
func (r *Runner) LastReport() *Report {
	return r.last.Load()
}

func (r *Runner) setPhase(p Phase) {
	r.phase.Store(p)
	r.logger.Debug("Runner phase", "phase", p)
}

// Run executes Detecting → Loading → Processing → Settling → Retiring.
// Per-item failures are aggregated into the report. ErrBusy is returned when
// another run holds the runner.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrBusy
	}
	defer r.running.Unlock()
	defer r.setPhase(PhaseIdle)

	scope := r.settings.Scope
	if opts.Scope != "" {
		scope = opts.Scope
	}
	batch := r.settings.BatchSize
	if opts.BatchSize > 0 {
		batch = opts.BatchSize
	}

	start := r.now()
	rep := newReport(uuid.NewString(), scope)
	rep.Window = r.windowInfo(start, opts.Force)
	log := r.logger.With("run_id", rep.RunID)
	log.Info("Batch run started", "scope", scope, "batch", batch, "window_open", rep.Window.Open, "forced", opts.Force)

	defer func() {
		rep.DurationMS = r.now().Sub(start).Milliseconds()
		r.metrics.ObserveRun(rep, r.now().Sub(start))
		r.last.Store(rep)
		log.Info("Batch run finished",
			"ok", rep.OK, "deferred", rep.Deferred, "delivered", rep.Delivered,
			"duplicates", rep.Duplicates, "no_audience", rep.NoAudience,
			"errors", len(rep.Errors), "duration_ms", rep.DurationMS)
	}()

	// ----- Detecting -----
	r.setPhase(PhaseDetecting)
	r.detect(ctx, log, rep)

	if !rep.Window.Open && !opts.Force {
		rep.Deferred = true
		r.settle(ctx, log, rep)
		log.Info("Outside delivery window, deferring", "next_open", rep.Window.NextOpen)
		return rep, nil
	}

	// ----- Loading -----
	r.setPhase(PhaseLoading)
	events, err := r.loadPending(ctx, batch)
	if err != nil {
		rep.OK = false
		rep.addError(err.Error())
		log.Error("Load pending events failed", "error", err)
		return rep, nil
	}
	rep.Loaded = len(events)

	// ----- Processing -----
	r.setPhase(PhaseProcessing)
	resolver := NewResolver(r.store, scope, r.settings.Policy, log)
	for i, ev := range events {
		if r.nearDeadline(ctx) {
			rep.Stopped = true
			remaining := len(events) - i
			rep.Skipped += remaining
			log.Warn("Deadline near, stopping early", "remaining", remaining)
			break
		}
		r.process(ctx, log, resolver, ev, rep)
	}
	r.dispatcher.Flush()

	// ----- Settling -----
	r.setPhase(PhaseSettling)
	r.settle(ctx, log, rep)

	// ----- Retiring -----
	r.setPhase(PhaseRetiring)
	if err := r.purge(ctx, rep); err != nil {
		rep.addError(err.Error())
		log.Warn("Retention purge failed", "error", err)
	}
	return rep, nil
}

// Purge runs only the retention step. It waits for an active run to finish.
func (r *Runner) Purge(ctx context.Context) (*Report, error) {
	r.running.Lock()
	defer r.running.Unlock()
	defer r.setPhase(PhaseIdle)

	r.setPhase(PhaseRetiring)
	rep := newReport(uuid.NewString(), r.settings.Scope)
	if err := r.purge(ctx, rep); err != nil {
		return rep, err
	}
	r.logger.Info("Retention purge finished",
		"events", rep.PurgedEvents, "ledger", rep.PurgedLedger)
	return rep, nil
}

// --------------------------------------------------------------------------
// Phases
// --------------------------------------------------------------------------

func (r *Runner) detect(ctx context.Context, log *slog.Logger, rep *Report) {
	obs, states, err := r.loadDetectInputs(ctx)
	if err != nil {
		rep.addError(err.Error())
		log.Warn("Detection skipped", "error", err)
		return
	}
	rep.Observed = len(obs)

	thresholds := make(map[int64]int)
	for _, o := range obs {
		if ctx.Err() != nil {
			return
		}
		if err := r.detectOne(ctx, o, states, thresholds, rep); err != nil {
			rep.addError(err.Error())
			log.Warn("Detect entity failed", "entity_id", o.Entity.ID, "error", err)
		}
	}
	if rep.Enqueued > 0 {
		log.Info("Detected changes", "enqueued", rep.Enqueued)
	}
}

func (r *Runner) loadDetectInputs(ctx context.Context) ([]Observation, map[int64]CurrentState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	obs, err := r.store.LatestObservations(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load observations: %w", err)
	}
	states, err := r.store.CurrentStates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load current state: %w", err)
	}
	return obs, states, nil
}

func (r *Runner) detectOne(ctx context.Context, o Observation, states map[int64]CurrentState, thresholds map[int64]int, rep *Report) error {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()

	st, ok := states[o.Entity.ID]
	if !ok {
		rep.Baselined++
		return r.store.InsertBaseline(ctx, Baseline(o))
	}
	if st.Dirty || !o.ObservedAt.After(st.ObservedAt) {
		return nil
	}

	threshold, err := r.spikeThreshold(ctx, o.Entity.ParkID, thresholds)
	if err != nil {
		return err
	}
	deltas := Detect(o, st, threshold)
	if len(deltas) == 0 {
		st.Wait, st.NowWait = o.Wait, o.Wait
		st.ObservedAt = o.ObservedAt
		return r.store.TouchState(ctx, st)
	}

	for _, ev := range BuildEvents(o.Entity, deltas, o.ObservedAt) {
		inserted, err := r.store.Enqueue(ctx, ev)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", ev.UniqKey, err)
		}
		if inserted {
			rep.Enqueued++
		}
	}
	return r.store.MarkDirty(ctx, st.Advance(o))
}

// spikeThreshold is the lowest wait delta any subscriber of parkID wants to
// hear about: the global threshold or a lower per-rule one. Memoized per run.
func (r *Runner) spikeThreshold(ctx context.Context, parkID int64, memo map[int64]int) (int, error) {
	if n, ok := memo[parkID]; ok {
		return n, nil
	}
	n := r.settings.SpikeThreshold
	ruleMin, err := r.store.MinSpikeThreshold(ctx, parkID)
	if err != nil {
		return 0, fmt.Errorf("load spike threshold: %w", err)
	}
	if ruleMin > 0 && ruleMin < n {
		n = ruleMin
	}
	memo[parkID] = n
	return n, nil
}

func (r *Runner) loadPending(ctx context.Context, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	events, err := r.store.PendingEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	return events, nil
}

// process runs one event through the ledger gate, audience and dispatch.
// Any datastore error leaves the event pending for the next run.
func (r *Runner) process(ctx context.Context, log *slog.Logger, resolver *Resolver, ev Event, rep *Report) {
	log = log.With("event_id", ev.ID, "kind", ev.Kind, "entity", ev.Name)

	payload, err := ev.Decode()
	if err != nil {
		rep.Inconsistent++
		log.Warn("Retiring inconsistent event", "error", err)
		r.retire(ctx, log, ev, rep)
		return
	}

	dup, err := r.withTimeout(ctx, func(ctx context.Context) (bool, error) {
		return r.store.Notified(ctx, ev.UniqKey)
	})
	if err != nil {
		r.skip(log, rep, "ledger lookup", err)
		return
	}
	if dup {
		rep.Duplicates++
		r.retire(ctx, log, ev, rep)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	targets, err := resolver.Resolve(rctx, ev, payload)
	cancel()
	if err != nil {
		r.skip(log, rep, "resolve audience", err)
		return
	}
	targets = r.dispatcher.Usable(targets)
	if targets.Empty() {
		rep.NoAudience++
		log.Debug("No audience")
		r.retire(ctx, log, ev, rep)
		return
	}

	accepted, err := r.withTimeout(ctx, func(ctx context.Context) (bool, error) {
		return r.store.Register(ctx, ev)
	})
	if err != nil {
		r.skip(log, rep, "ledger register", err)
		return
	}
	if !accepted {
		rep.Duplicates++
		r.retire(ctx, log, ev, rep)
		return
	}

	d := r.dispatcher.Deliver(ctx, ev, targets, Message{
		Title: ev.Title,
		Body:  ev.Body,
		URL:   r.settings.URL,
	})
	for _, endpoint := range d.Pruned {
		resolver.Forget(endpoint)
	}
	rep.addDelivery(ev.Kind, d)
	log.Info("Event dispatched", "sent", d.Sent(), "failed", d.Failed(), "pruned", len(d.Pruned))

	if _, err := r.withTimeout(ctx, func(ctx context.Context) (bool, error) {
		return true, r.store.MarkSent(ctx, ev.UniqKey, r.now())
	}); err != nil {
		log.Warn("Mark ledger sent failed", "error", err)
	}
	r.retire(ctx, log, ev, rep)
}

func (r *Runner) retire(ctx context.Context, log *slog.Logger, ev Event, rep *Report) {
	if _, err := r.withTimeout(ctx, func(ctx context.Context) (bool, error) {
		return true, r.store.RetireEvent(ctx, ev.ID, r.now())
	}); err != nil {
		rep.addError(fmt.Sprintf("retire event %d: %v", ev.ID, err))
		log.Warn("Retire event failed", "error", err)
		return
	}
	rep.Retired++
}

func (r *Runner) skip(log *slog.Logger, rep *Report, step string, err error) {
	rep.Skipped++
	rep.addError(fmt.Sprintf("%s: %v", step, err))
	log.Warn("Event skipped", "step", step, "error", err)
}

func (r *Runner) settle(ctx context.Context, log *slog.Logger, rep *Report) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	n, err := r.store.SettleStates(ctx)
	if err != nil {
		rep.addError(fmt.Sprintf("settle states: %v", err))
		log.Warn("Settle states failed", "error", err)
		return
	}
	rep.Settled = int(n)
}

func (r *Runner) purge(ctx context.Context, rep *Report) error {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	cutoff := r.now().Add(-r.settings.Retention)
	events, ledger, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	rep.PurgedEvents, rep.PurgedLedger = events, ledger
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (r *Runner) windowInfo(now time.Time, forced bool) WindowInfo {
	w := r.settings.Window
	info := WindowInfo{
		Start:    w.Start,
		End:      w.End,
		Timezone: w.location().String(),
		Now:      now.In(w.location()),
		Open:     w.Allows(now),
		Forced:   forced,
	}
	if !info.Open {
		info.NextOpen = w.NextOpen(now)
	}
	return info
}

// nearDeadline reports whether ctx is done or its deadline falls within
// StopMargin, in which case no new event is started.
func (r *Runner) nearDeadline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) <= r.settings.StopMargin
}

func (r *Runner) withTimeout(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()
	ok, err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, fmt.Errorf("timed out after %s: %w", r.settings.CallTimeout, err)
	}
	return ok, err
}
