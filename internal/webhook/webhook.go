// Package webhook implements C10b: at-least-once outbound delivery of
// lifecycle events to operator-configured HTTP endpoints, HMAC-signed and
// retried with a fixed exponential backoff schedule.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctlplane/internal/envelope"
	"github.com/basket/ctlplane/internal/otel"
	"github.com/basket/ctlplane/internal/policy"
	"github.com/basket/ctlplane/internal/store"
)

var retrySchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const requestTimeout = 10 * time.Second

// Payload is the wire body posted to a subscriber: {event, timestamp, data}.
type Payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Dispatcher fans lifecycle events out to every active webhook an owner
// has subscribed for that event. One failing subscriber never blocks or
// drops delivery to another: each runs its own retry loop independently.
type Dispatcher struct {
	store  *store.Store
	policy policy.Checker
	client *http.Client
	logger *slog.Logger

	tracer  trace.Tracer
	metrics *otel.Metrics
}

func New(st *store.Store, pol policy.Checker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  st,
		policy: pol,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// SetTelemetry attaches the tracer and metrics used to instrument webhook
// delivery; called once at startup after otel.Init produces a provider. A
// nil tracer or metrics disables the corresponding instrumentation.
func (d *Dispatcher) SetTelemetry(tracer trace.Tracer, metrics *otel.Metrics) {
	d.tracer = tracer
	d.metrics = metrics
}

// Dispatch looks up ownerUserID's active webhooks subscribed to
// eventType and delivers data to each, detached from the caller: the
// triggering request never blocks on an HTTP POST.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerUserID, eventType string, data any) {
	hooks, err := d.store.ListActiveWebhooksForEvent(ctx, ownerUserID, eventType)
	if err != nil {
		d.logger.Error("webhook_list_failed", slog.String("event", eventType), slog.Any("error", err))
		return
	}
	for _, hook := range hooks {
		go d.deliverWithRetry(context.WithoutCancel(ctx), hook, eventType, data)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook store.Webhook, eventType string, data any) {
	if !d.policy.AllowHTTPURL(hook.URL) {
		d.logger.Warn("webhook_url_blocked_by_policy", slog.String("webhook_id", hook.ID), slog.String("url", hook.URL))
		return
	}

	payload := Payload{Event: eventType, Timestamp: time.Now().UTC().Format(time.RFC3339), Data: data}
	canonical, err := envelope.Canonicalize(payload)
	if err != nil {
		d.logger.Error("webhook_canonicalize_failed", slog.String("webhook_id", hook.ID), slog.Any("error", err))
		return
	}
	signature := envelope.WebhookSignature(hook.Secret, canonical)

	if d.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, d.tracer, "webhook.dispatch",
			otel.AttrWebhookKind.String(eventType))
		defer span.End()
	}
	deliveryStart := time.Now()

	attempts := len(retrySchedule) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.post(ctx, hook.URL, canonical, signature); err != nil {
			if attempt == attempts {
				d.logger.Warn("webhook_delivery_failed_final",
					slog.String("webhook_id", hook.ID), slog.String("event", eventType),
					slog.Int("attempts", attempt), slog.Any("error", err))
				if d.metrics != nil {
					d.metrics.WebhookErrors.Add(ctx, 1)
					d.metrics.WebhookDuration.Record(ctx, time.Since(deliveryStart).Seconds())
				}
				return
			}
			delay := retrySchedule[attempt-1]
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.WebhookDuration.Record(ctx, time.Since(deliveryStart).Seconds())
		}
		return
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
