package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/observability"
)

const (
	postTimeout           = 30 * time.Second
	maxAttempts           = 6
	defaultBaseRetryDelay = 2 * time.Second
	defaultMaxRetryDelay  = 2 * time.Minute
	dedupTTL              = 10 * time.Minute

	signatureHeader = "X-Conduit-Signature"
)

// Dedup is the backing store for delivery dedup, satisfied by
// idempotency.MemoryBackend/RedisBackend's SetNX semantics without this
// package importing idempotency directly (the two concerns are siblings,
// not a dependency of one on the other).
type Dedup interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// SecretResolver looks up the signing secret for a delivery's tenant, keyed
// by the same virtual-key/task scoping the rest of the gateway uses.
type SecretResolver interface {
	SigningSecret(ctx context.Context, taskID string) (string, bool)
}

// Dispatcher consumes WebhookDeliveryRequested and performs the actual
// signed HTTP POST, with the 4xx-except-408/429 terminal policy and
// bounded exponential-backoff retry spec §4.9 calls for.
type Dispatcher struct {
	client  *http.Client
	dedup   Dedup
	secrets SecretResolver

	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
}

type Option func(*Dispatcher)

// WithRetryDelays overrides the default backoff schedule, so tests can use
// millisecond delays instead of waiting out real minutes.
func WithRetryDelays(base, max time.Duration) Option {
	return func(d *Dispatcher) { d.baseRetryDelay, d.maxRetryDelay = base, max }
}

func NewDispatcher(dedup Dedup, secrets SecretResolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client:         &http.Client{Timeout: postTimeout},
		dedup:          dedup,
		secrets:        secrets,
		baseRetryDelay: defaultBaseRetryDelay,
		maxRetryDelay:  defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run subscribes to WebhookDeliveryRequested and delivers each request on
// its own goroutine so one slow receiver never head-of-line blocks another
// tenant's notification.
func (d *Dispatcher) Run(ctx context.Context, subscriber eventbus.Subscriber) (eventbus.Subscription, error) {
	return subscriber.Subscribe(ctx, eventbus.WebhookDeliveryRequested, func(evt eventbus.Event) {
		var req DeliveryRequest
		if err := json.Unmarshal(evt.Payload, &req); err != nil {
			log.Printf("[WEBHOOK] malformed delivery request: %v", err)
			return
		}
		go d.Deliver(ctx, req)
	})
}

// Deliver performs the dedup check and, on a fresh key, the retry loop.
func (d *Dispatcher) Deliver(ctx context.Context, req DeliveryRequest) {
	if req.URL == "" {
		return
	}

	key := req.DedupKey()
	if d.dedup != nil {
		fresh, err := d.dedup.SetNX(ctx, "conduit:webhook:dedup:"+key, "1", dedupTTL)
		if err != nil {
			log.Printf("[WEBHOOK] dedup check for %s failed open: %v", key, err)
		} else if !fresh {
			return
		}
	}

	d.deliverWithRetry(ctx, req)
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, req DeliveryRequest) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		outcome, err := d.attempt(ctx, req)
		switch outcome {
		case outcomeDelivered:
			observability.WebhookDeliveryAttempts.WithLabelValues(req.EventType, "delivered").Inc()
			return
		case outcomeTerminal:
			observability.WebhookDeliveryAttempts.WithLabelValues(req.EventType, "terminal_failure").Inc()
			log.Printf("[WEBHOOK] delivery for task %s event %s terminally failed: %v", req.TaskID, req.EventType, err)
			return
		case outcomeRetry:
			observability.WebhookDeliveryAttempts.WithLabelValues(req.EventType, "retry").Inc()
			lastErr = err
		}
	}
	log.Printf("[WEBHOOK] delivery for task %s event %s exhausted %d attempts: %v", req.TaskID, req.EventType, maxAttempts, lastErr)
}

type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeRetry
	outcomeTerminal
)

func (d *Dispatcher) attempt(ctx context.Context, req DeliveryRequest) (deliveryOutcome, error) {
	start := time.Now()
	defer func() { observability.WebhookDeliverySeconds.Observe(time.Since(start).Seconds()) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return outcomeTerminal, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if secret, ok := d.secrets.SigningSecret(ctx, req.TaskID); ok {
		httpReq.Header.Set(signatureHeader, sign(secret, req.Body))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return outcomeRetry, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeDelivered, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRetry, fmt.Errorf("receiver returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return outcomeRetry, fmt.Errorf("receiver returned %d", resp.StatusCode)
	default:
		return outcomeTerminal, fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
}

// sign computes the HMAC-SHA256 signature over the raw body, hex-encoded,
// in the spirit of attestation.Verifier's signed claim but against an
// arbitrary external receiver rather than a key-holding peer.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > d.maxRetryDelay {
		delay = d.maxRetryDelay
	}
	jitter := time.Duration(float64(delay) * 0.2 * (rand.Float64()*2 - 1))
	return delay + jitter
}
