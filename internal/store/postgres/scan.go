package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRows drains rows through scan.
func scanRows[T any](rows *sql.Rows, scan func(scannable) (*T, error)) ([]*T, error) {
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanTopic scans a row in topicColumns order.
func scanTopic(row scannable) (*model.Topic, error) {
	var t model.Topic
	err := row.Scan(
		&t.TenantID,
		&t.Name,
		&t.Owner,
		&t.Description,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanSubscription scans a row in subscriptionColumns order.
func scanSubscription(row scannable) (*model.Subscription, error) {
	var s model.Subscription
	var (
		filter      []byte
		baseDelayMS int64
		maxDelayMS  int64
	)
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.EventType,
		&s.SubscriberService,
		&s.SubscriberEndpoint,
		&filter,
		&s.RetryPolicy.MaxRetries,
		&baseDelayMS,
		&maxDelayMS,
		&s.RetryPolicy.Jitter,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.RetryPolicy.BaseDelay = model.Duration(time.Duration(baseDelayMS) * time.Millisecond)
	s.RetryPolicy.MaxDelay = model.Duration(time.Duration(maxDelayMS) * time.Millisecond)
	if len(filter) > 0 {
		s.FilterExpression = json.RawMessage(filter)
	}
	return &s, nil
}

// scanEvent scans a row in eventColumns order.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var payload []byte
	err := row.Scan(&e.ID, &e.Topic, &e.Type, &e.Source, &e.TenantID, &e.CorrelationID, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// scanDelivery scans a row in deliveryColumns order.
func scanDelivery(row scannable) (*model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var nextRetryAt, leasedUntil sql.NullTime
	err := row.Scan(
		&r.EventID,
		&r.SubscriptionID,
		&r.TenantID,
		&r.Status,
		&r.AttemptCount,
		&r.MaxRetries,
		&nextRetryAt,
		&r.LastError,
		&leasedUntil,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.NextRetryAt = timePtr(nextRetryAt)
	r.LeasedUntil = timePtr(leasedUntil)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
