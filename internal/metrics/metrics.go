// Package metrics exposes Prometheus metrics for batch runs and deliveries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albapepper/parkwatch/internal/notifications"
)

// Collector implements notifications.Recorder on Prometheus instruments.
type Collector struct {
	runs        *prometheus.CounterVec
	events      *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	pruned      prometheus.Counter
	purged      *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastRun     prometheus.Gauge
}

var _ notifications.Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_runs_total",
			Help: "Batch runs by result (ok, failed, deferred).",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_events_delivered_total",
			Help: "Events dispatched to at least one target, by kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_events_retired_total",
			Help: "Events retired without delivery, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_deliveries_total",
			Help: "Transport calls by transport and outcome.",
		}, []string{"transport", "outcome"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkwatch_subscriptions_pruned_total",
			Help: "Web Push subscriptions deleted after a gone response.",
		}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkwatch_rows_purged_total",
			Help: "Rows removed by the retention purge, by table.",
		}, []string{"table"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkwatch_run_duration_seconds",
			Help:    "Wall time of batch runs.",
			Buckets: prometheus.DefBuckets,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parkwatch_last_run_timestamp_seconds",
			Help: "Unix time of the last completed batch run.",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.events,
		c.outcomes,
		c.deliveries,
		c.pruned,
		c.purged,
		c.runDuration,
		c.lastRun,
	)
	return c
}

// ObserveDelivery counts one transport call.
func (c *Collector) ObserveDelivery(transport, outcome string) {
	c.deliveries.WithLabelValues(transport, outcome).Inc()
}

// ObserveRun folds a finished report into the counters.
func (c *Collector) ObserveRun(r *notifications.Report, elapsed time.Duration) {
	switch {
	case !r.OK:
		c.runs.WithLabelValues("failed").Inc()
	case r.Deferred:
		c.runs.WithLabelValues("deferred").Inc()
	default:
		c.runs.WithLabelValues("ok").Inc()
	}
	for kind, n := range r.Counts {
		c.events.WithLabelValues(string(kind)).Add(float64(n))
	}
	c.outcomes.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	c.outcomes.WithLabelValues("no_audience").Add(float64(r.NoAudience))
	c.outcomes.WithLabelValues("inconsistent").Add(float64(r.Inconsistent))
	c.pruned.Add(float64(r.Pruned))
	c.purged.WithLabelValues("event_queue").Add(float64(r.PurgedEvents))
	c.purged.WithLabelValues("notified_events").Add(float64(r.PurgedLedger))
	c.runDuration.Observe(elapsed.Seconds())
	c.lastRun.SetToCurrentTime()
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
