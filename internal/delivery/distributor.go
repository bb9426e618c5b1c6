// Package delivery performs outbound webhook calls and owns the delivery
// record state machine: PENDING -> DELIVERED, or PENDING -> RETRYING ... ->
// DELIVERED | DEAD. DELIVERED and DEAD are terminal.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alfredjeanlab/kbus/internal/events"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Outbound request headers.
const (
	HeaderEventID   = "X-Kbus-Event-Id"
	HeaderEventType = "X-Kbus-Event-Type"
	HeaderAttempt   = "X-Kbus-Delivery-Attempt"
	UserAgent       = "kbus/1"
)

// DefaultTimeout bounds one outbound call.
const DefaultTimeout = 10 * time.Second

// maxErrorBody is how much of a failing response body lastError keeps.
const maxErrorBody = 256

// Outcome describes one delivery attempt.
type Outcome struct {
	Status     model.DeliveryStatus
	Attempt    int
	StatusCode int   // 0 on transport failure or when no call was made
	Err        error // wraps model.ErrDeliveryFailure on failure
	Duration   time.Duration
}

// Delivered reports whether the attempt succeeded.
func (o Outcome) Delivered() bool { return o.Status == model.DeliveryDelivered }

// Options configures a Distributor. Zero values select defaults.
type Options struct {
	Timeout        time.Duration
	HTTPClient     *http.Client
	Publisher      events.Publisher
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	Clock          func() time.Time
	Logger         *slog.Logger
}

// Distributor delivers events to subscriber endpoints and records the result.
// Callers serialize Deliver per delivery key.
type Distributor struct {
	store     store.Store
	client    *http.Client
	timeout   time.Duration
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	logger    *slog.Logger
}

// NewDistributor creates a distributor that persists records to s.
func NewDistributor(s store.Store, opts Options) *Distributor {
	d := &Distributor{
		store:     s,
		client:    opts.HTTPClient,
		timeout:   opts.Timeout,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		now:       opts.Clock,
		logger:    opts.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.publisher == nil {
		d.publisher = &events.NoopPublisher{}
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	d.tracer = tp.Tracer("github.com/alfredjeanlab/kbus/internal/delivery")
	return d
}

// Deliver posts e to sub's endpoint, applies the result to rec and persists
// rec before returning. Terminal records are returned untouched without a
// call. The returned error is non-nil only when the record could not be
// saved; delivery failures are reported through Outcome.
func (d *Distributor) Deliver(ctx context.Context, e *model.Event, sub *model.Subscription, rec *model.DeliveryRecord) (Outcome, error) {
	if rec.Status.IsTerminal() {
		return Outcome{Status: rec.Status, Attempt: rec.AttemptCount}, nil
	}
	attempt := rec.AttemptCount + 1

	ctx, span := d.tracer.Start(ctx, "kbus.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("kbus.event_id", e.ID),
			attribute.String("kbus.event_type", e.Type),
			attribute.String("kbus.subscription_id", sub.ID),
			attribute.String("kbus.tenant_id", rec.TenantID),
			attribute.Int("kbus.attempt", attempt),
		),
	)
	defer span.End()

	start := time.Now()
	code, cause := d.post(ctx, e, sub, attempt)
	elapsed := time.Since(start)

	// A caller shutting down must not consume an attempt; the record keeps
	// its state and the retry sweep picks it up again.
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return Outcome{Status: rec.Status, Attempt: rec.AttemptCount}, err
	}

	now := d.now()
	rec.AttemptCount = attempt
	if cause == "" {
		rec.Status = model.DeliveryDelivered
		rec.NextRetryAt = nil
		rec.LastError = ""
	} else {
		rec.LastError = cause
		if attempt <= rec.MaxRetries {
			next := now.Add(Backoff(sub.RetryPolicy, attempt))
			rec.Status = model.DeliveryRetrying
			rec.NextRetryAt = &next
		} else {
			rec.Status = model.DeliveryDead
			rec.NextRetryAt = nil
		}
	}

	out := Outcome{Status: rec.Status, Attempt: attempt, StatusCode: code, Duration: elapsed}
	if cause != "" {
		out.Err = fmt.Errorf("%w: %s", model.ErrDeliveryFailure, cause)
	}

	span.SetAttributes(attribute.String("kbus.status", string(rec.Status)))
	if code != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", code))
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, cause)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if err := d.store.SaveDelivery(ctx, rec); err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("save delivery %s: %w", rec.Key(), err)
	}

	d.metrics.DeliveryAttempted(string(rec.Status), elapsed)
	d.notify(ctx, rec)

	if out.Err != nil {
		d.logger.Warn("delivery: attempt failed",
			"event_id", rec.EventID, "subscription_id", rec.SubscriptionID,
			"attempt", attempt, "status", rec.Status, "err", cause)
	} else {
		d.logger.Debug("delivery: delivered",
			"event_id", rec.EventID, "subscription_id", rec.SubscriptionID, "attempt", attempt)
	}
	return out, nil
}

// Abandon moves a non-terminal record to DEAD without an outbound call and
// without consuming an attempt.
func (d *Distributor) Abandon(ctx context.Context, rec *model.DeliveryRecord, reason string) (Outcome, error) {
	if rec.Status.IsTerminal() {
		return Outcome{Status: rec.Status, Attempt: rec.AttemptCount}, nil
	}
	rec.Status = model.DeliveryDead
	rec.NextRetryAt = nil
	rec.LastError = reason
	if err := d.store.SaveDelivery(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("save delivery %s: %w", rec.Key(), err)
	}
	d.metrics.DeliveryAbandoned()
	d.notify(ctx, rec)
	d.logger.Info("delivery: abandoned",
		"event_id", rec.EventID, "subscription_id", rec.SubscriptionID, "reason", reason)
	return Outcome{Status: rec.Status, Attempt: rec.AttemptCount}, nil
}

// post performs the HTTP call. It returns the status code (0 on transport
// failure) and an empty cause on 2xx.
func (d *Distributor) post(ctx context.Context, e *model.Event, sub *model.Subscription, attempt int) (int, string) {
	body, err := json.Marshal(model.NewEnvelope(e))
	if err != nil {
		return 0, fmt.Sprintf("encode envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.SubscriberEndpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderEventType, e.Type)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Sprintf("post %s: %v", sub.SubscriberEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ""
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	cause := fmt.Sprintf("endpoint returned %s", resp.Status)
	if s := bytes.TrimSpace(snippet); len(s) > 0 {
		cause += ": " + string(s)
	}
	return resp.StatusCode, cause
}

// notify publishes the record's new state. Failures are logged only.
func (d *Distributor) notify(ctx context.Context, rec *model.DeliveryRecord) {
	subject, ok := events.OutcomeSubject(rec.Status)
	if !ok {
		return
	}
	if err := d.publisher.Publish(ctx, subject, events.NewDeliveryOutcome(rec)); err != nil {
		d.logger.Warn("delivery: outcome notification failed", "subject", subject, "event_id", rec.EventID, "err", err)
	}
}
