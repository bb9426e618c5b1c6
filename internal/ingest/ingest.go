// Package ingest admits producer events onto the bus. It fills in missing
// identifiers, validates the event, checks that the target topic exists for
// the producing tenant and is ACTIVE, and hands the event to the bus.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/kbus/internal/bus"
	"github.com/alfredjeanlab/kbus/internal/events"
	"github.com/alfredjeanlab/kbus/internal/idgen"
	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/model"
)

// ErrTopicInactive is returned when publishing to an INACTIVE topic.
var ErrTopicInactive = errors.New("topic is inactive")

// Submission is an event as a producer sends it. ID, CorrelationID and
// CreatedAt are generated when absent; a supplied ID doubles as the default
// CorrelationID.
type Submission struct {
	ID            string          `json:"id,omitempty"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
}

// TopicSource looks up a tenant's topic. registry.Topics satisfies it.
type TopicSource interface {
	FindByName(ctx context.Context, tenantID, name string) (*model.Topic, error)
}

// Publisher fans an admitted event out. bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topicName string, e *model.Event) (bus.Result, error)
}

// Admitter is the publish path in front of the bus.
type Admitter struct {
	topics  TopicSource
	bus     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdmitter creates an admitter.
func NewAdmitter(topics TopicSource, b Publisher, m *metrics.Metrics, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		topics:  topics,
		bus:     b,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Admit publishes s to topicName. Rejections are returned as
// *model.ValidationError, model.ErrNotFound, ErrTopicInactive or
// model.ErrEventConflict.
func (a *Admitter) Admit(ctx context.Context, topicName string, s Submission) (*model.Event, bus.Result, error) {
	e := a.event(topicName, s)
	if err := model.ValidateEvent(e); err != nil {
		a.metrics.EventPublished(metrics.ResultRejected)
		return nil, bus.Result{}, err
	}

	topic, err := a.topics.FindByName(ctx, e.TenantID, topicName)
	if err != nil {
		a.metrics.EventPublished(metrics.ResultRejected)
		return nil, bus.Result{}, err
	}
	if topic.Status != model.TopicActive {
		a.metrics.EventPublished(metrics.ResultRejected)
		return nil, bus.Result{}, fmt.Errorf("publish to %q: %w", topicName, ErrTopicInactive)
	}

	res, err := a.bus.Publish(ctx, topicName, e)
	if err != nil {
		if errors.Is(err, model.ErrEventConflict) {
			a.metrics.EventPublished(metrics.ResultRejected)
		}
		return nil, res, err
	}
	a.metrics.EventPublished(metrics.ResultAccepted)
	return e, res, nil
}

func (a *Admitter) event(topicName string, s Submission) *model.Event {
	e := &model.Event{
		ID:            s.ID,
		Topic:         topicName,
		Type:          s.Type,
		Source:        s.Source,
		TenantID:      s.TenantID,
		CorrelationID: s.CorrelationID,
		Payload:       s.Payload,
	}
	// A producer-chosen ID may be replayed, so its default correlation ID
	// must not change between submissions.
	switch {
	case e.ID == "":
		e.ID = idgen.EventID()
		if e.CorrelationID == "" {
			e.CorrelationID = idgen.CorrelationID()
		}
	case e.CorrelationID == "":
		e.CorrelationID = e.ID
	}
	if s.CreatedAt != nil {
		e.CreatedAt = s.CreatedAt.UTC()
	} else {
		e.CreatedAt = a.now()
	}
	return e
}

// StartSubscriber admits events published on kbus.events.<topic>. It blocks
// until ctx is cancelled or the subscription closes.
func (a *Admitter) StartSubscriber(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.SubjectEventsAll)
	if err != nil {
		return fmt.Errorf("ingest: subscribe: %w", err)
	}
	defer cancel()

	a.logger.Info("ingest: subscriber started", "subject", events.SubjectEventsAll)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("ingest: subscriber stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				a.logger.Info("ingest: subscription channel closed")
				return nil
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Admitter) handle(ctx context.Context, msg events.Message) {
	topic, ok := events.TopicFromSubject(msg.Subject)
	if !ok {
		a.logger.Warn("ingest: unexpected subject", "subject", msg.Subject)
		return
	}

	var s Submission
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		a.metrics.EventPublished(metrics.ResultRejected)
		a.logger.Warn("ingest: bad event payload", "subject", msg.Subject, "err", err)
		return
	}

	e, res, err := a.Admit(ctx, topic, s)
	if err != nil {
		a.logger.Warn("ingest: event rejected",
			"topic", topic, "tenant_id", s.TenantID, "type", s.Type, "err", err)
		return
	}
	a.logger.Debug("ingest: event admitted",
		"topic", topic, "event_id", e.ID, "matched", res.Matched)
}
