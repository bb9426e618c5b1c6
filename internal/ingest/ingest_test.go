package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alfredjeanlab/kbus/internal/bus"
	"github.com/alfredjeanlab/kbus/internal/events"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
)

type stubTopics map[string]*model.Topic

func (s stubTopics) FindByName(_ context.Context, tenantID, name string) (*model.Topic, error) {
	t, ok := s[tenantID+"/"+name]
	if !ok {
		return nil, fmt.Errorf("topic %q: %w", name, model.ErrNotFound)
	}
	return t, nil
}

type recordingBus struct {
	mu        sync.Mutex
	published []*model.Event
	topics    []string
	signal    chan struct{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{signal: make(chan struct{}, 16)}
}

func (b *recordingBus) Publish(_ context.Context, topicName string, e *model.Event) (bus.Result, error) {
	b.mu.Lock()
	b.published = append(b.published, e)
	b.topics = append(b.topics, topicName)
	b.mu.Unlock()
	b.signal <- struct{}{}
	return bus.Result{EventID: e.ID, Matched: 1}, nil
}

func (b *recordingBus) events() []*model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*model.Event(nil), b.published...)
}

func testTopics() stubTopics {
	return stubTopics{
		"T1/orders":   {Name: "orders", TenantID: "T1", Status: model.TopicActive},
		"T1/archived": {Name: "archived", TenantID: "T1", Status: model.TopicInactive},
	}
}

func newTestAdmitter(b Publisher) (*Admitter, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return NewAdmitter(testTopics(), b, m, slog.New(slog.NewTextHandler(io.Discard, nil))), m
}

func TestAdmit_FillsDefaults(t *testing.T) {
	b := newRecordingBus()
	a, m := newTestAdmitter(b)

	e, res, err := a.Admit(context.Background(), "orders", Submission{
		Type:     "order.created",
		TenantID: "T1",
		Payload:  json.RawMessage(`{"id":7}`),
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if e.ID == "" || e.CorrelationID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("defaults not filled: %+v", e)
	}
	if e.Topic != "orders" || res.EventID != e.ID {
		t.Fatalf("event = %+v, result = %+v", e, res)
	}
	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(metrics.ResultAccepted)); got != 1 {
		t.Errorf("accepted = %v, want 1", got)
	}
}

func TestAdmit_KeepsProducerFields(t *testing.T) {
	b := newRecordingBus()
	a, _ := newTestAdmitter(b)
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	e, _, err := a.Admit(context.Background(), "orders", Submission{
		ID:            "evt-fixed",
		Type:          "order.created",
		TenantID:      "T1",
		CorrelationID: "corr-9",
		CreatedAt:     &at,
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if e.ID != "evt-fixed" || e.CorrelationID != "corr-9" || !e.CreatedAt.Equal(at) {
		t.Fatalf("event = %+v", e)
	}
}

func TestAdmit_SuppliedIDIsDefaultCorrelation(t *testing.T) {
	b := newRecordingBus()
	a, _ := newTestAdmitter(b)

	for i := 0; i < 2; i++ {
		e, _, err := a.Admit(context.Background(), "orders", Submission{
			ID:       "evt-fixed",
			Type:     "order.created",
			TenantID: "T1",
		})
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
		if e.CorrelationID != "evt-fixed" {
			t.Fatalf("correlation id = %q, want evt-fixed", e.CorrelationID)
		}
	}
}

func isValidation(err error) bool {
	var ve *model.ValidationError
	return errors.As(err, &ve)
}

func TestAdmit_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		sub   Submission
		check func(error) bool
	}{
		{
			name:  "missing type",
			topic: "orders",
			sub:   Submission{TenantID: "T1"},
			check: isValidation,
		},
		{
			name:  "invalid payload",
			topic: "orders",
			sub:   Submission{Type: "order.created", TenantID: "T1", Payload: json.RawMessage(`{nope`)},
			check: isValidation,
		},
		{
			name:  "unknown topic",
			topic: "missing",
			sub:   Submission{Type: "order.created", TenantID: "T1"},
			check: func(err error) bool { return errors.Is(err, model.ErrNotFound) },
		},
		{
			name:  "other tenant's topic",
			topic: "orders",
			sub:   Submission{Type: "order.created", TenantID: "T2"},
			check: func(err error) bool { return errors.Is(err, model.ErrNotFound) },
		},
		{
			name:  "inactive topic",
			topic: "archived",
			sub:   Submission{Type: "order.created", TenantID: "T1"},
			check: func(err error) bool { return errors.Is(err, ErrTopicInactive) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRecordingBus()
			a, m := newTestAdmitter(b)
			_, _, err := a.Admit(context.Background(), tt.topic, tt.sub)
			if err == nil || !tt.check(err) {
				t.Fatalf("Admit error = %v", err)
			}
			if len(b.events()) != 0 {
				t.Fatal("rejected event reached the bus")
			}
			if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(metrics.ResultRejected)); got != 1 {
				t.Errorf("rejected = %v, want 1", got)
			}
		})
	}
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestStartSubscriber_AdmitsFromNATS(t *testing.T) {
	url := startTestNATS(t)

	sub, err := events.NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("NewNATSSubscriber: %v", err)
	}
	defer sub.Close()
	pub, err := events.NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("NewNATSPublisher: %v", err)
	}
	defer pub.Close()

	b := newRecordingBus()
	a, _ := newTestAdmitter(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.StartSubscriber(ctx, sub) }()

	body := Submission{Type: "order.created", TenantID: "T1", Payload: json.RawMessage(`{"id":1}`)}
	deadline := time.After(5 * time.Second)
	// The subscription is registered asynchronously; republish until it lands.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		if err := pub.Publish(ctx, events.EventSubject("orders"), body); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case <-b.signal:
			break loop
		case <-ticker.C:
		case <-deadline:
			t.Fatal("event never reached the bus")
		}
	}

	got := b.events()[0]
	if got.Type != "order.created" || got.Topic != "orders" || got.TenantID != "T1" {
		t.Fatalf("admitted event = %+v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}
}

type chanSubscriber struct {
	ch chan events.Message
}

func (s *chanSubscriber) Subscribe(string) (<-chan events.Message, func(), error) {
	return s.ch, func() {}, nil
}

func (s *chanSubscriber) Close() error { return nil }

func TestStartSubscriber_SkipsBadMessages(t *testing.T) {
	b := newRecordingBus()
	a, m := newTestAdmitter(b)
	sub := &chanSubscriber{ch: make(chan events.Message, 3)}

	sub.ch <- events.Message{Subject: "kbus.events.orders", Data: []byte(`not json`)}
	sub.ch <- events.Message{Subject: "kbus.events.archived", Data: []byte(`{"type":"x","tenant_id":"T1"}`)}
	sub.ch <- events.Message{Subject: "kbus.events.orders", Data: []byte(`{"type":"order.created","tenant_id":"T1"}`)}
	close(sub.ch)

	if err := a.StartSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("StartSubscriber: %v", err)
	}
	if n := len(b.events()); n != 1 {
		t.Fatalf("admitted %d events, want 1", n)
	}
	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(metrics.ResultRejected)); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
}
