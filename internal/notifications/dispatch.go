package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SubscriptionPruner removes Web Push endpoints reported gone.
type SubscriptionPruner interface {
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// AuditLog records the user-facing history of deliveries. Failures never
// affect delivery.
type AuditLog interface {
	RecordNotification(ctx context.Context, entry AuditEntry) error
}

// DispatcherConfig wires transports and side stores into a Dispatcher. A nil
// transport disables that channel.
type DispatcherConfig struct {
	WebPush     WebPusher
	Gateway     GatewaySender
	Pruner      SubscriptionPruner
	Audit       AuditLog
	Workers     int
	CallTimeout time.Duration
	Metrics     Recorder
	Logger      *slog.Logger
}

// Dispatcher fans one event out to its targets over both transports.
type Dispatcher struct {
	web     WebPusher
	gateway GatewaySender
	pruner  SubscriptionPruner
	audit   AuditLog
	workers int
	timeout time.Duration
	metrics Recorder
	logger  *slog.Logger

	audits sync.WaitGroup
}

// NewDispatcher applies defaults to cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		web:     cfg.WebPush,
		gateway: cfg.Gateway,
		pruner:  cfg.Pruner,
		audit:   cfg.Audit,
		workers: cfg.Workers,
		timeout: cfg.CallTimeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Usable drops the partitions whose transport is not configured.
func (d *Dispatcher) Usable(t Targets) Targets {
	if d.web == nil {
		t.WebPush = nil
	}
	if d.gateway == nil {
		t.Gateway = nil
	}
	return t
}

// Delivery is the outcome of dispatching one event.
type Delivery struct {
	WebPushSent   int
	WebPushFailed int
	GatewaySent   int
	GatewayFailed int
	Pruned        []string
}

// Sent is the number of successful transport calls.
func (d Delivery) Sent() int { return d.WebPushSent + d.GatewaySent }

// Failed is the number of failed transport calls.
func (d Delivery) Failed() int { return d.WebPushFailed + d.GatewayFailed }

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Kind  Kind   `json:"kind"`
	Tag   string `json:"tag"`
}

// Deliver sends msg to every target in parallel. Per-target failures are
// counted and logged, never returned: the caller retires the event anyway.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event, t Targets, msg Message) Delivery {
	t = d.Usable(t)

	var (
		mu  sync.Mutex
		out Delivery
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	if len(t.WebPush) > 0 {
		body, _ := json.Marshal(pushPayload{
			Title: msg.Title, Body: msg.Body, URL: msg.URL, Kind: ev.Kind, Tag: ev.UniqKey,
		})
		for _, sub := range t.WebPush {
			g.Go(func() error {
				err := d.pushOne(gctx, sub, body)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					out.WebPushSent++
				case errors.Is(err, ErrGone):
					out.WebPushFailed++
					if d.prune(gctx, sub.Endpoint) {
						out.Pruned = append(out.Pruned, sub.Endpoint)
					}
				default:
					out.WebPushFailed++
				}
				return nil
			})
		}
	}

	// One call per distinct user key.
	seen := make(map[string]bool, len(t.Gateway))
	for _, gp := range t.Gateway {
		if seen[gp.UserKey] {
			continue
		}
		seen[gp.UserKey] = true
		g.Go(func() error {
			err := d.sendOne(gctx, gp.UserKey, msg)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				out.GatewaySent++
			} else {
				out.GatewayFailed++
			}
			return nil
		})
	}

	_ = g.Wait()

	// Every attempted dispatch is mirrored, failed ones included.
	if out.Sent()+out.Failed() > 0 {
		d.record(ctx, AuditEntry{
			Kind:  ev.Kind,
			Title: msg.Title,
			Body:  msg.Body,
			Meta: map[string]any{
				"uniq_key":    ev.UniqKey,
				"park_id":     ev.ParkID,
				"entity_name": ev.Name,
				"web_push":    out.WebPushSent,
				"gateway":     out.GatewaySent,
				"failed":      out.Failed(),
			},
		})
	}
	return out
}

func (d *Dispatcher) pushOne(ctx context.Context, sub Subscription, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.web.Push(ctx, sub, body)
	switch {
	case err == nil:
		d.metrics.ObserveDelivery("webpush", "sent")
	case errors.Is(err, ErrGone):
		d.metrics.ObserveDelivery("webpush", "gone")
		d.logger.Info("Push endpoint gone", "subscription_id", sub.ID, "error", err)
	default:
		d.metrics.ObserveDelivery("webpush", "failed")
		d.logger.Warn("Web push failed", "subscription_id", sub.ID, "error", err)
	}
	return err
}

func (d *Dispatcher) sendOne(ctx context.Context, userKey string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.gateway.Send(ctx, userKey, msg)
	switch {
	case err == nil:
		d.metrics.ObserveDelivery("gateway", "sent")
	case errors.Is(err, ErrRateLimited):
		d.metrics.ObserveDelivery("gateway", "rate_limited")
		d.logger.Warn("Gateway rate limited", "error", err)
	default:
		d.metrics.ObserveDelivery("gateway", "failed")
		d.logger.Warn("Gateway send failed", "error", err)
	}
	return err
}

func (d *Dispatcher) prune(ctx context.Context, endpoint string) bool {
	if d.pruner == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.pruner.DeleteSubscription(ctx, endpoint); err != nil {
		d.logger.Warn("Prune subscription failed", "error", err)
		return false
	}
	return true
}

// record mirrors the delivery into the audit log without blocking.
func (d *Dispatcher) record(ctx context.Context, entry AuditEntry) {
	if d.audit == nil {
		return
	}
	d.audits.Add(1)
	go func() {
		defer d.audits.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.audit.RecordNotification(actx, entry); err != nil {
			d.logger.Debug("Audit write failed", "kind", entry.Kind, "error", err)
		}
	}()
}

// Flush waits for pending audit writes.
func (d *Dispatcher) Flush() {
	d.audits.Wait()
}
