package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"
)

// WebPusher delivers an encrypted payload to one subscription. It returns
// ErrGone when the endpoint no longer exists.
type WebPusher interface {
	Push(ctx context.Context, sub Subscription, payload []byte) error
}

// GatewaySender posts one message to a Pushover-style user key.
type GatewaySender interface {
	Send(ctx context.Context, userKey string, msg Message) error
}

// --------------------------------------------------------------------------
// Web Push (VAPID)
// --------------------------------------------------------------------------

// WebPushSender sends Web Push messages signed with a VAPID key pair.
// Nil-safe: a nil sender returns ErrNoTransport.
type WebPushSender struct {
	opts   webpush.Options
	logger *slog.Logger
}

// NewWebPushSender returns nil when either half of the key pair is missing.
func NewWebPushSender(publicKey, privateKey, subscriber string, client *http.Client, logger *slog.Logger) *WebPushSender {
	if publicKey == "" || privateKey == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return &WebPushSender{
		opts: webpush.Options{
			HTTPClient:      client,
			Subscriber:      subscriber,
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             int((12 * time.Hour).Seconds()),
			Urgency:         webpush.UrgencyHigh,
		},
		logger: logger,
	}
}

// Push encrypts payload for sub and posts it to the push service.
func (s *WebPushSender) Push(ctx context.Context, sub Subscription, payload []byte) error {
	if s == nil {
		return ErrNoTransport
	}
	opts := s.opts
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &opts)
	if err != nil {
		return fmt.Errorf("web push send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrGone, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("web push status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

// --------------------------------------------------------------------------
// Pushover-style gateway
// --------------------------------------------------------------------------

// PushoverSender posts form-encoded messages to a Pushover-compatible API.
// Requests are paced by a token bucket. Nil-safe like WebPushSender.
type PushoverSender struct {
	client  *http.Client
	apiURL  string
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPushoverSender returns nil when the application token is empty.
func NewPushoverSender(token, apiURL string, perSecond float64, client *http.Client, logger *slog.Logger) *PushoverSender {
	if token == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &PushoverSender{
		client:  client,
		apiURL:  apiURL,
		token:   token,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Send posts msg to userKey. Provider throttling returns ErrRateLimited and
// is never retried here.
func (s *PushoverSender) Send(ctx context.Context, userKey string, msg Message) error {
	if s == nil {
		return ErrNoTransport
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway pacing: %w", err)
	}

	form := url.Values{
		"token":    {s.token},
		"user":     {userKey},
		"title":    {msg.Title},
		"message":  {msg.Body},
		"priority": {strconv.Itoa(msg.Priority)},
	}
	if msg.URL != "" {
		form.Set("url", msg.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
