// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Constraint)
	}
	return err
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateTopic(ctx context.Context, t *model.Topic) error {
	return mapErr(queryCreateTopic(ctx, s.db, t))
}

func (s *PostgresStore) GetTopic(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	t, err := queryGetTopic(ctx, s.db, tenantID, name)
	return t, mapErr(err)
}

func (s *PostgresStore) ListTopics(ctx context.Context, tenantID string) ([]*model.Topic, error) {
	return queryListTopics(ctx, s.db, tenantID)
}

func (s *PostgresStore) UpdateTopic(ctx context.Context, t *model.Topic) error {
	return mapErr(queryUpdateTopic(ctx, s.db, t))
}

func (s *PostgresStore) DeleteTopic(ctx context.Context, tenantID, name string) error {
	return mapErr(queryDeleteTopic(ctx, s.db, tenantID, name))
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	return mapErr(queryCreateSubscription(ctx, s.db, sub))
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := queryGetSubscription(ctx, s.db, id)
	return sub, mapErr(err)
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]*model.Subscription, error) {
	return queryListSubscriptions(ctx, s.db, tenantID)
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error) {
	return queryListActiveSubscriptions(ctx, s.db, eventType)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	return mapErr(queryUpdateSubscription(ctx, s.db, sub))
}

func (s *PostgresStore) SaveEvent(ctx context.Context, e *model.Event) error {
	return querySaveEvent(ctx, s.db, e)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := queryGetEvent(ctx, s.db, id)
	return e, mapErr(err)
}

func (s *PostgresStore) FindOrCreateDelivery(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, bool, error) {
	return queryFindOrCreateDelivery(ctx, s.db, rec)
}

func (s *PostgresStore) GetDelivery(ctx context.Context, eventID, subscriptionID string) (*model.DeliveryRecord, error) {
	rec, err := queryGetDelivery(ctx, s.db, eventID, subscriptionID)
	return rec, mapErr(err)
}

func (s *PostgresStore) SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	return mapErr(querySaveDelivery(ctx, s.db, rec))
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]*model.DeliveryRecord, error) {
	return queryListDeliveries(ctx, s.db, filter)
}

func (s *PostgresStore) DueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int, lease time.Duration) ([]*model.DeliveryRecord, error) {
	return queryDueDeliveries(ctx, s.db, now, staleBefore, limit, lease)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateTopic(ctx context.Context, t *model.Topic) error {
	return mapErr(queryCreateTopic(ctx, s.tx, t))
}

func (s *txStore) GetTopic(ctx context.Context, tenantID, name string) (*model.Topic, error) {
	t, err := queryGetTopic(ctx, s.tx, tenantID, name)
	return t, mapErr(err)
}

func (s *txStore) ListTopics(ctx context.Context, tenantID string) ([]*model.Topic, error) {
	return queryListTopics(ctx, s.tx, tenantID)
}

func (s *txStore) UpdateTopic(ctx context.Context, t *model.Topic) error {
	return mapErr(queryUpdateTopic(ctx, s.tx, t))
}

func (s *txStore) DeleteTopic(ctx context.Context, tenantID, name string) error {
	return mapErr(queryDeleteTopic(ctx, s.tx, tenantID, name))
}

func (s *txStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	return mapErr(queryCreateSubscription(ctx, s.tx, sub))
}

func (s *txStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := queryGetSubscription(ctx, s.tx, id)
	return sub, mapErr(err)
}

func (s *txStore) ListSubscriptions(ctx context.Context, tenantID string) ([]*model.Subscription, error) {
	return queryListSubscriptions(ctx, s.tx, tenantID)
}

func (s *txStore) ListActiveSubscriptions(ctx context.Context, eventType string) ([]*model.Subscription, error) {
	return queryListActiveSubscriptions(ctx, s.tx, eventType)
}

func (s *txStore) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	return mapErr(queryUpdateSubscription(ctx, s.tx, sub))
}

func (s *txStore) SaveEvent(ctx context.Context, e *model.Event) error {
	return querySaveEvent(ctx, s.tx, e)
}

func (s *txStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := queryGetEvent(ctx, s.tx, id)
	return e, mapErr(err)
}

func (s *txStore) FindOrCreateDelivery(ctx context.Context, rec *model.DeliveryRecord) (*model.DeliveryRecord, bool, error) {
	return queryFindOrCreateDelivery(ctx, s.tx, rec)
}

func (s *txStore) GetDelivery(ctx context.Context, eventID, subscriptionID string) (*model.DeliveryRecord, error) {
	rec, err := queryGetDelivery(ctx, s.tx, eventID, subscriptionID)
	return rec, mapErr(err)
}

func (s *txStore) SaveDelivery(ctx context.Context, rec *model.DeliveryRecord) error {
	return mapErr(querySaveDelivery(ctx, s.tx, rec))
}

func (s *txStore) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]*model.DeliveryRecord, error) {
	return queryListDeliveries(ctx, s.tx, filter)
}

func (s *txStore) DueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int, lease time.Duration) ([]*model.DeliveryRecord, error) {
	return queryDueDeliveries(ctx, s.tx, now, staleBefore, limit, lease)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Ping is a no-op inside a transaction.
func (s *txStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
