package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alfredjeanlab/kbus/internal/bus"
	"github.com/alfredjeanlab/kbus/internal/delivery"
	"github.com/alfredjeanlab/kbus/internal/events"
	"github.com/alfredjeanlab/kbus/internal/ingest"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/registry"
	"github.com/alfredjeanlab/kbus/internal/router"
	"github.com/alfredjeanlab/kbus/internal/store/memory"
)

type testEnv struct {
	handler http.Handler
	bus     *bus.Bus
	stream  *OutcomeStream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	topics := registry.NewTopics(st)
	subs := registry.NewSubscriptions(st)
	stream := NewOutcomeStream()

	locks := delivery.NewKeyLock(16)
	dist := delivery.NewDistributor(st, delivery.Options{
		Publisher: events.MultiPublisher{&events.NoopPublisher{}, stream},
		Metrics:   m,
		Logger:    logger,
	})
	pool := delivery.NewPool(dist, st, locks, 2, 16, m, logger)
	pool.Start()
	t.Cleanup(pool.Stop)
	b := bus.New(st, router.New(subs, logger), pool, locks, m, logger)

	srv := New(Deps{
		Store:         st,
		Topics:        topics,
		Subscriptions: subs,
		Admitter:      ingest.NewAdmitter(topics, b, m, logger),
		Stream:        stream,
		Gatherer:      reg,
		Logger:        logger,
	})
	return &testEnv{handler: srv.NewHTTPHandler(""), bus: b, stream: stream}
}

func (e *testEnv) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHTTP_MissingTenant(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/topics", "", nil), http.StatusBadRequest)
}

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]string](t, rec)["status"]; got != "ok" {
		t.Fatalf("status = %q", got)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/topics/missing/events", "T1", map[string]any{"type": "x"})

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "kbus_events_published_total") {
		t.Fatalf("metrics output missing kbus counters:\n%s", rec.Body.String())
	}
}

func TestHTTP_TopicLifecycle(t *testing.T) {
	env := newTestEnv(t)
	in := map[string]string{"name": "orders", "owner": "checkout", "description": "order lifecycle"}

	rec := env.do(t, http.MethodPost, "/v1/topics", "T1", in)
	expectStatus(t, rec, http.StatusCreated)
	if topic := decode[model.Topic](t, rec); topic.Status != model.TopicActive || topic.TenantID != "T1" {
		t.Fatalf("topic = %+v", topic)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics", "T1", in), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics", "T1", map[string]string{"name": ""}), http.StatusBadRequest)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics", "T1", `{"name":"x","bogus":1}`), http.StatusBadRequest)

	expectStatus(t, env.do(t, http.MethodGet, "/v1/topics/orders", "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/topics/orders", "T2", nil), http.StatusNotFound)

	rec = env.do(t, http.MethodPost, "/v1/topics/orders/deactivate", "T1", nil)
	expectStatus(t, rec, http.StatusOK)
	if topic := decode[model.Topic](t, rec); topic.Status != model.TopicInactive {
		t.Fatalf("status = %s, want inactive", topic.Status)
	}
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics/orders/events", "T1", map[string]any{"type": "order.created"}), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics/orders/activate", "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics/nope/activate", "T1", nil), http.StatusNotFound)

	rec = env.do(t, http.MethodGet, "/v1/topics", "T1", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[struct {
		Total int `json:"total"`
	}](t, rec); list.Total != 1 {
		t.Fatalf("total = %d, want 1", list.Total)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/v1/topics/orders", "T1", nil), http.StatusNoContent)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/topics/orders", "T1", nil), http.StatusNotFound)
}

func TestHTTP_SubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	in := map[string]any{
		"event_type":          "order.created",
		"subscriber_service":  "billing",
		"subscriber_endpoint": "https://billing.example.com/hooks",
		"filter_expression":   map[string]any{"region": "us"},
		"retry_policy":        map[string]any{"max_retries": 2, "base_delay": "1s", "max_delay": "1m"},
	}

	rec := env.do(t, http.MethodPost, "/v1/subscriptions", "T1", in)
	expectStatus(t, rec, http.StatusCreated)
	sub := decode[model.Subscription](t, rec)
	if sub.RetryPolicy.MaxRetries != 2 || sub.Status != model.SubscriptionActive {
		t.Fatalf("subscription = %+v", sub)
	}
	path := "/v1/subscriptions/" + sub.ID

	bad := map[string]any{
		"event_type":          "order.created",
		"subscriber_service":  "billing",
		"subscriber_endpoint": "https://billing.example.com/hooks",
		"filter_expression":   map[string]any{"amount": map[string]any{"between": []int{1, 2}}},
	}
	expectStatus(t, env.do(t, http.MethodPost, "/v1/subscriptions", "T1", bad), http.StatusBadRequest)

	expectStatus(t, env.do(t, http.MethodGet, path, "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, path, "T2", nil), http.StatusForbidden)
	expectStatus(t, env.do(t, http.MethodPatch, path, "T2", map[string]any{"subscriber_endpoint": "https://evil.example.com"}), http.StatusNotFound)

	rec = env.do(t, http.MethodPatch, path, "T1", `{"filter_expression": null}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[model.Subscription](t, rec); got.FilterExpression != nil {
		t.Fatalf("filter not cleared: %s", got.FilterExpression)
	}

	expectStatus(t, env.do(t, http.MethodPost, path+"/deactivate", "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, path+"/deactivate", "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, path+"/cancel", "T1", nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, path+"/cancel", "T1", nil), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPost, path+"/activate", "T1", nil), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodPatch, path, "T1", map[string]any{"subscriber_endpoint": "https://x.example.com"}), http.StatusConflict)

	rec = env.do(t, http.MethodGet, "/v1/subscriptions?event_type=order.created", "T1", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[struct {
		Total int `json:"total"`
	}](t, rec); list.Total != 1 {
		t.Fatalf("total = %d, want 1", list.Total)
	}
}

func TestHTTP_PublishAndQueryDeliveries(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics", "T1", map[string]string{"name": "orders"}), http.StatusCreated)
	rec := env.do(t, http.MethodPost, "/v1/subscriptions", "T1", map[string]any{
		"event_type":          "order.created",
		"subscriber_service":  "billing",
		"subscriber_endpoint": hook.URL,
	})
	expectStatus(t, rec, http.StatusCreated)
	sub := decode[model.Subscription](t, rec)

	expectStatus(t, env.do(t, http.MethodPost, "/v1/topics/orders/events", "T1", map[string]any{
		"type":      "order.created",
		"tenant_id": "T2",
	}), http.StatusForbidden)

	rec = env.do(t, http.MethodPost, "/v1/topics/orders/events", "T1", map[string]any{
		"type":    "order.created",
		"source":  "checkout",
		"payload": map[string]any{"id": 1},
	})
	expectStatus(t, rec, http.StatusAccepted)
	pub := decode[publishResponse](t, rec)
	if pub.Result.Matched != 1 || pub.Event.ID == "" {
		t.Fatalf("publish response = %+v", pub)
	}
	env.bus.Flush()

	rec = env.do(t, http.MethodGet, "/v1/deliveries?event_id="+pub.Event.ID, "T1", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode[struct {
		Deliveries []*model.DeliveryRecord `json:"deliveries"`
	}](t, rec)
	if len(list.Deliveries) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(list.Deliveries))
	}
	if d := list.Deliveries[0]; d.SubscriptionID != sub.ID || d.Status != model.DeliveryDelivered {
		t.Fatalf("delivery = %+v", d)
	}

	rec = env.do(t, http.MethodGet, "/v1/deliveries?status=dead", "T1", nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode[struct {
		Deliveries []*model.DeliveryRecord `json:"deliveries"`
	}](t, rec).Deliveries); n != 0 {
		t.Fatalf("dead deliveries = %d, want 0", n)
	}

	// Another tenant never sees T1's records.
	rec = env.do(t, http.MethodGet, "/v1/deliveries?event_id="+pub.Event.ID, "T2", nil)
	expectStatus(t, rec, http.StatusOK)
	if n := len(decode[struct {
		Deliveries []*model.DeliveryRecord `json:"deliveries"`
	}](t, rec).Deliveries); n != 0 {
		t.Fatalf("T2 sees %d deliveries, want 0", n)
	}
}

func TestHTTP_DeliveryQueryValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"status=bogus", "status=dead,failed", "limit=0", "limit=x", "offset=-1"} {
		expectStatus(t, env.do(t, http.MethodGet, "/v1/deliveries?"+q, "T1", nil), http.StatusBadRequest)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrForbidden, http.StatusForbidden},
		{model.ErrDuplicateTopic, http.StatusConflict},
		{model.ErrSubscriptionCancelled, http.StatusConflict},
		{fmt.Errorf("publish evt-1: %w", model.ErrEventConflict), http.StatusConflict},
		{ingest.ErrTopicInactive, http.StatusConflict},
		{model.ErrInvalidFilter, http.StatusBadRequest},
		{&model.ValidationError{Errors: []model.FieldError{{Field: "name", Message: "is required"}}}, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
