package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var (
	topicRowColumns = []string{"tenant_id", "name", "owner", "description", "status", "created_at", "updated_at"}

	subscriptionRowColumns = []string{
		"id", "tenant_id", "event_type", "subscriber_service", "subscriber_endpoint",
		"filter_expression", "max_retries", "base_delay_ms", "max_delay_ms", "jitter",
		"status", "created_at", "updated_at",
	}

	deliveryRowColumns = []string{
		"event_id", "subscription_id", "tenant_id", "status", "attempt_count", "max_retries",
		"next_retry_at", "last_error", "leased_until", "created_at", "updated_at",
	}
)

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) should be nil")
	}
	if err := mapErr(sql.ErrNoRows); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("ErrNoRows -> %v, want ErrNotFound", err)
	}
	if err := mapErr(&pq.Error{Code: "23505", Constraint: "topics_pkey"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("unique violation -> %v, want ErrConflict", err)
	}
	other := errors.New("boom")
	if err := mapErr(other); err != other {
		t.Errorf("other error -> %v, want passthrough", err)
	}
}

func TestCreateTopicConflict(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectExec("INSERT INTO topics").
		WithArgs("T1", "orders", "", "", "active", now, now).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateTopic(context.Background(), &model.Topic{
		TenantID: "T1", Name: "orders", Status: model.TopicActive, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestGetTopic(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM topics WHERE tenant_id = \\$1 AND name = \\$2").
		WithArgs("T1", "orders").
		WillReturnRows(sqlmock.NewRows(topicRowColumns).AddRow("T1", "orders", "team-a", "", "inactive", now, now))

	got, err := s.GetTopic(context.Background(), "T1", "orders")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if got.Status != model.TopicInactive || got.Owner != "team-a" {
		t.Fatalf("unexpected topic: %+v", got)
	}
}

func TestGetTopicNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery("SELECT .+ FROM topics").WithArgs("T1", "missing").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetTopic(context.Background(), "T1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteTopicNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectExec("DELETE FROM topics").WithArgs("T1", "orders").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteTopic(context.Background(), "T1", "orders"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateTopicStampsUpdatedAt(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	stamped := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE topics SET").
		WithArgs("T1", "orders", "", "", "inactive").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(stamped))

	topic := &model.Topic{TenantID: "T1", Name: "orders", Status: model.TopicInactive}
	if err := s.UpdateTopic(context.Background(), topic); err != nil {
		t.Fatalf("UpdateTopic: %v", err)
	}
	if !topic.UpdatedAt.Equal(stamped) {
		t.Fatalf("UpdatedAt = %v, want %v", topic.UpdatedAt, stamped)
	}
}

func TestGetSubscriptionDecodesRetryPolicy(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM subscriptions WHERE id = \\$1").WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns).AddRow(
			"sub-1", "T1", "orders", "billing", "https://example.com/hook",
			[]byte(`{"region":"eu"}`), 3, int64(1000), int64(60000), 0.2,
			"active", now, now,
		))

	sub, err := s.GetSubscription(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	want := model.RetryPolicy{MaxRetries: 3, BaseDelay: model.Duration(time.Second), MaxDelay: model.Duration(time.Minute), Jitter: 0.2}
	if sub.RetryPolicy != want {
		t.Errorf("RetryPolicy = %+v, want %+v", sub.RetryPolicy, want)
	}
	if string(sub.FilterExpression) != `{"region":"eu"}` {
		t.Errorf("FilterExpression = %s", sub.FilterExpression)
	}
	if !sub.IsActive() {
		t.Error("expected active subscription")
	}
}

func TestListActiveSubscriptions(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM subscriptions\\s+WHERE event_type = \\$1 AND status = 'active'").
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns).
			AddRow("sub-1", "T1", "orders", "", "https://a.example", nil, 5, int64(1000), int64(300000), 0.0, "active", now, now).
			AddRow("sub-2", "T2", "orders", "", "https://b.example", nil, 5, int64(1000), int64(300000), 0.0, "active", now, now))

	subs, err := queryListActiveSubscriptions(context.Background(), db, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 || subs[0].ID != "sub-1" || subs[1].ID != "sub-2" {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}
	if subs[0].FilterExpression != nil {
		t.Errorf("null filter should decode as nil, got %s", subs[0].FilterExpression)
	}
}

func TestSaveEventIgnoresDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO events .+ ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("evt-1", "orders", "orders", "", "T1", "", []byte(`{}`), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := &model.Event{ID: "evt-1", Topic: "orders", Type: "orders", TenantID: "T1", Payload: json.RawMessage(`{}`), CreatedAt: now}
	if err := querySaveEvent(context.Background(), db, e); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
}

func TestFindOrCreateDeliveryInserts(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO delivery_records .+ ON CONFLICT \\(event_id, subscription_id\\) DO NOTHING").
		WithArgs("evt-1", "sub-1", "T1", "pending", 0, 3, sqlmock.AnyArg(), "", now).
		WillReturnRows(sqlmock.NewRows(deliveryRowColumns).
			AddRow("evt-1", "sub-1", "T1", "pending", 0, 3, nil, "", nil, now, now))

	rec, created, err := queryFindOrCreateDelivery(context.Background(), db, &model.DeliveryRecord{
		EventID: "evt-1", SubscriptionID: "sub-1", TenantID: "T1",
		Status: model.DeliveryPending, MaxRetries: 3, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created || rec.Status != model.DeliveryPending {
		t.Fatalf("created=%v rec=%+v", created, rec)
	}
}

func TestFindOrCreateDeliveryReturnsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	next := now.Add(time.Minute)

	mock.ExpectQuery("INSERT INTO delivery_records").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .+ FROM delivery_records\\s+WHERE event_id = \\$1 AND subscription_id = \\$2").
		WithArgs("evt-1", "sub-1").
		WillReturnRows(sqlmock.NewRows(deliveryRowColumns).
			AddRow("evt-1", "sub-1", "T1", "retrying", 2, 3, next, "status 503", nil, now, now))

	rec, created, err := queryFindOrCreateDelivery(context.Background(), db, &model.DeliveryRecord{
		EventID: "evt-1", SubscriptionID: "sub-1", TenantID: "T1", Status: model.DeliveryPending, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected created=false for an existing record")
	}
	if rec.Status != model.DeliveryRetrying || rec.AttemptCount != 2 || rec.NextRetryAt == nil {
		t.Fatalf("existing record not returned intact: %+v", rec)
	}
}

func TestSaveDeliveryNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectQuery("UPDATE delivery_records SET").WillReturnError(sql.ErrNoRows)

	err := s.SaveDelivery(context.Background(), &model.DeliveryRecord{EventID: "evt-x", SubscriptionID: "sub-x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSaveDeliveryClearsLease(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	leased := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE delivery_records SET .+ leased_until = NULL").
		WithArgs("evt-1", "sub-1", "delivered", 1, 3, sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	rec := &model.DeliveryRecord{
		EventID: "evt-1", SubscriptionID: "sub-1", Status: model.DeliveryDelivered,
		AttemptCount: 1, MaxRetries: 3, LeasedUntil: &leased,
	}
	if err := querySaveDelivery(context.Background(), db, rec); err != nil {
		t.Fatal(err)
	}
	if rec.LeasedUntil != nil {
		t.Error("lease should be cleared after save")
	}
}

func TestListDeliveriesBuildsFilter(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT .+ FROM delivery_records WHERE subscription_id = \\$1 AND status IN \\(\\$2, \\$3\\) ORDER BY .+ LIMIT \\$4 OFFSET \\$5").
		WithArgs("sub-1", "dead", "retrying", 10, 20).
		WillReturnRows(sqlmock.NewRows(deliveryRowColumns))

	recs, err := queryListDeliveries(context.Background(), db, model.DeliveryFilter{
		SubscriptionID: "sub-1",
		Status:         []model.DeliveryStatus{model.DeliveryDead, model.DeliveryRetrying},
		Limit:          10,
		Offset:         20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

func TestDueDeliveriesOrdersByDueTime(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	early := now.Add(-2 * time.Minute)
	late := now.Add(-time.Minute)
	leased := now.Add(time.Minute)

	mock.ExpectQuery("UPDATE delivery_records SET leased_until = \\$3 .+ FOR UPDATE SKIP LOCKED").
		WithArgs(now, now.Add(-5*time.Minute), leased, 50).
		WillReturnRows(sqlmock.NewRows(deliveryRowColumns).
			AddRow("evt-2", "sub-1", "T1", "retrying", 1, 3, late, "timeout", leased, now, now).
			AddRow("evt-1", "sub-1", "T1", "retrying", 1, 3, early, "timeout", leased, now, now))

	recs, err := queryDueDeliveries(context.Background(), db, now, now.Add(-5*time.Minute), 50, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].EventID != "evt-1" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if recs[0].LeasedUntil == nil || !recs[0].LeasedUntil.Equal(leased) {
		t.Errorf("LeasedUntil = %v, want %v", recs[0].LeasedUntil, leased)
	}
}

func TestRunInTransactionRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM topics").WithArgs("T1", "orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	sentinel := errors.New("abort")
	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		if err := tx.DeleteTopic(context.Background(), "T1", "orders"); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("got %v, want sentinel", err)
	}
}

func TestRunInTransactionCommits(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		return tx.SaveEvent(context.Background(), &model.Event{ID: "evt-1", Topic: "orders", Type: "orders", TenantID: "T1"})
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
}
