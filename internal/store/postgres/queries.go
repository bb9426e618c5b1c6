package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
)

const topicColumns = `tenant_id, name, owner, description, status, created_at, updated_at`

const subscriptionColumns = `id, tenant_id, event_type, subscriber_service, subscriber_endpoint,
	filter_expression, max_retries, base_delay_ms, max_delay_ms, jitter,
	status, created_at, updated_at`

const eventColumns = `id, topic, type, source, tenant_id, correlation_id, payload, created_at`

const deliveryColumns = `event_id, subscription_id, tenant_id, status, attempt_count, max_retries,
	next_retry_at, last_error, leased_until, created_at, updated_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Topics ---

func queryCreateTopic(ctx context.Context, db executor, t *model.Topic) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO topics (`+topicColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TenantID,
		t.Name,
		t.Owner,
		t.Description,
		string(t.Status),
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

func queryGetTopic(ctx context.Context, db executor, tenantID, name string) (*model.Topic, error) {
	row := db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topics WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	return scanTopic(row)
}

func queryListTopics(ctx context.Context, db executor, tenantID string) ([]*model.Topic, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+topicColumns+`
		FROM topics
		WHERE tenant_id = $1
		ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, scanTopic)
}

func queryUpdateTopic(ctx context.Context, db executor, t *model.Topic) error {
	return db.QueryRowContext(ctx, `
		UPDATE topics SET
			owner = $3,
			description = $4,
			status = $5,
			updated_at = NOW()
		WHERE tenant_id = $1 AND name = $2
		RETURNING updated_at`,
		t.TenantID,
		t.Name,
		t.Owner,
		t.Description,
		string(t.Status),
	).Scan(&t.UpdatedAt)
}

func queryDeleteTopic(ctx context.Context, db executor, tenantID, name string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM topics WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Subscriptions ---

func queryCreateSubscription(ctx context.Context, db executor, sub *model.Subscription) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID,
		sub.TenantID,
		sub.EventType,
		sub.SubscriberService,
		sub.SubscriberEndpoint,
		jsonbBytes(sub.FilterExpression),
		sub.RetryPolicy.MaxRetries,
		sub.RetryPolicy.BaseDelay.Std().Milliseconds(),
		sub.RetryPolicy.MaxDelay.Std().Milliseconds(),
		sub.RetryPolicy.Jitter,
		string(sub.Status),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return err
}

func queryGetSubscription(ctx context.Context, db executor, id string) (*model.Subscription, error) {
	row := db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func queryListSubscriptions(ctx context.Context, db executor, tenantID string) ([]*model.Subscription, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, scanSubscription)
}

func queryListActiveSubscriptions(ctx context.Context, db executor, eventType string) ([]*model.Subscription, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE event_type = $1 AND status = 'active'
		ORDER BY created_at, id`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, scanSubscription)
}

func queryUpdateSubscription(ctx context.Context, db executor, sub *model.Subscription) error {
	return db.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			event_type = $2,
			subscriber_service = $3,
			subscriber_endpoint = $4,
			filter_expression = $5,
			max_retries = $6,
			base_delay_ms = $7,
			max_delay_ms = $8,
			jitter = $9,
			status = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		sub.ID,
		sub.EventType,
		sub.SubscriberService,
		sub.SubscriberEndpoint,
		jsonbBytes(sub.FilterExpression),
		sub.RetryPolicy.MaxRetries,
		sub.RetryPolicy.BaseDelay.Std().Milliseconds(),
		sub.RetryPolicy.MaxDelay.Std().Milliseconds(),
		sub.RetryPolicy.Jitter,
		string(sub.Status),
	).Scan(&sub.UpdatedAt)
}

// --- Events ---

func querySaveEvent(ctx context.Context, db executor, e *model.Event) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID,
		e.Topic,
		e.Type,
		e.Source,
		e.TenantID,
		e.CorrelationID,
		jsonbBytes(e.Payload),
		e.CreatedAt,
	)
	return err
}

func queryGetEvent(ctx context.Context, db executor, id string) (*model.Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

// --- Delivery records ---

// queryFindOrCreateDelivery inserts rec unless a record with the same key
// exists, in which case the existing row is returned unchanged.
func queryFindOrCreateDelivery(ctx context.Context, db executor, rec *model.DeliveryRecord) (*model.DeliveryRecord, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	row := db.QueryRowContext(ctx, `
		INSERT INTO delivery_records (
			event_id, subscription_id, tenant_id, status, attempt_count, max_retries,
			next_retry_at, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (event_id, subscription_id) DO NOTHING
		RETURNING `+deliveryColumns,
		rec.EventID,
		rec.SubscriptionID,
		rec.TenantID,
		string(rec.Status),
		rec.AttemptCount,
		rec.MaxRetries,
		nullTimePtr(rec.NextRetryAt),
		rec.LastError,
		rec.CreatedAt,
	)
	created, err := scanDelivery(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert delivery %s/%s: %w", rec.EventID, rec.SubscriptionID, err)
	}

	existing, err := queryGetDelivery(ctx, db, rec.EventID, rec.SubscriptionID)
	if err != nil {
		return nil, false, fmt.Errorf("load delivery %s/%s: %w", rec.EventID, rec.SubscriptionID, err)
	}
	return existing, false, nil
}

func queryGetDelivery(ctx context.Context, db executor, eventID, subscriptionID string) (*model.DeliveryRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_records
		WHERE event_id = $1 AND subscription_id = $2`,
		eventID, subscriptionID)
	return scanDelivery(row)
}

func querySaveDelivery(ctx context.Context, db executor, rec *model.DeliveryRecord) error {
	err := db.QueryRowContext(ctx, `
		UPDATE delivery_records SET
			status = $3,
			attempt_count = $4,
			max_retries = $5,
			next_retry_at = $6,
			last_error = $7,
			leased_until = NULL,
			updated_at = NOW()
		WHERE event_id = $1 AND subscription_id = $2
		RETURNING updated_at`,
		rec.EventID,
		rec.SubscriptionID,
		string(rec.Status),
		rec.AttemptCount,
		rec.MaxRetries,
		nullTimePtr(rec.NextRetryAt),
		rec.LastError,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return err
	}
	rec.LeasedUntil = nil
	return nil
}

func queryListDeliveries(ctx context.Context, db executor, filter model.DeliveryFilter) ([]*model.DeliveryRecord, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.EventID != "" {
		whereClauses = append(whereClauses, "event_id = "+nextArg())
		args = append(args, filter.EventID)
	}
	if filter.SubscriptionID != "" {
		whereClauses = append(whereClauses, "subscription_id = "+nextArg())
		args = append(args, filter.SubscriptionID)
	}
	if filter.TenantID != "" {
		whereClauses = append(whereClauses, "tenant_id = "+nextArg())
		args = append(args, filter.TenantID)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = nextArg()
			args = append(args, string(s))
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.UpdatedAfter != nil {
		whereClauses = append(whereClauses, "updated_at > "+nextArg())
		args = append(args, *filter.UpdatedAfter)
	}

	query := "SELECT " + deliveryColumns + " FROM delivery_records"
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at, event_id, subscription_id"

	if filter.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, scanDelivery)
}

// queryDueDeliveries claims due records with a lease. SKIP LOCKED lets
// several sweepers run against one database without claiming the same row.
func queryDueDeliveries(ctx context.Context, db executor, now, staleBefore time.Time, limit int, lease time.Duration) ([]*model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		UPDATE delivery_records SET leased_until = $3
		FROM (
			SELECT event_id AS due_event_id, subscription_id AS due_subscription_id
			FROM delivery_records
			WHERE ((status = 'retrying' AND next_retry_at <= $1)
				OR (status = 'pending' AND updated_at <= $2))
			  AND (leased_until IS NULL OR leased_until <= $1)
			ORDER BY COALESCE(next_retry_at, updated_at)
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) due
		WHERE event_id = due.due_event_id AND subscription_id = due.due_subscription_id
		RETURNING `+deliveryColumns,
		now, staleBefore, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	recs, err := scanRows(rows, scanDelivery)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.SliceStable(recs, func(i, j int) bool { return dueAt(recs[i]).Before(dueAt(recs[j])) })
	return recs, nil
}

func dueAt(r *model.DeliveryRecord) time.Time {
	if r.NextRetryAt != nil {
		return *r.NextRetryAt
	}
	return r.UpdatedAt
}

// requireRow returns sql.ErrNoRows when res affected nothing.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
