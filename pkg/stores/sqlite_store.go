package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/storefront/pkg/storefront"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a fresh database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertInstall inserts or updates an install. InstalledAt is kept from the
// first install.
func (s *SQLiteStore) UpsertInstall(ctx context.Context, install *Install) error {
	receipts := install.Receipts
	if receipts == nil {
		receipts = []string{}
	}
	encoded, err := json.Marshal(receipts)
	if err != nil {
		return fmt.Errorf("failed to encode receipts: %w", err)
	}

	now := time.Now().UTC()
	if install.InstalledAt.IsZero() {
		install.InstalledAt = now
	}
	install.UpdatedAt = now

	query := `
		INSERT INTO installs (
			manifest_url, product_id, slug, name, version, launch_url,
			premium_type, payment_required, receipts, installed_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(manifest_url) DO UPDATE SET
			product_id = excluded.product_id,
			slug = excluded.slug,
			name = excluded.name,
			version = excluded.version,
			launch_url = excluded.launch_url,
			premium_type = excluded.premium_type,
			payment_required = excluded.payment_required,
			receipts = excluded.receipts,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		install.ManifestURL,
		install.ProductID,
		install.Slug,
		install.Name,
		install.Version,
		install.LaunchURL,
		string(install.PremiumType),
		install.PaymentRequired,
		string(encoded),
		install.InstalledAt,
		install.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert install: %w", err)
	}

	return nil
}

const installColumns = `manifest_url, product_id, slug, name, version, launch_url,
		premium_type, payment_required, receipts, installed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstall(row rowScanner) (*Install, error) {
	install := &Install{}
	var premium, receipts string
	err := row.Scan(
		&install.ManifestURL,
		&install.ProductID,
		&install.Slug,
		&install.Name,
		&install.Version,
		&install.LaunchURL,
		&premium,
		&install.PaymentRequired,
		&receipts,
		&install.InstalledAt,
		&install.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	install.PremiumType = storefront.PremiumType(premium)
	if err := json.Unmarshal([]byte(receipts), &install.Receipts); err != nil {
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}
	return install, nil
}

// GetInstall retrieves an install by manifest URL
func (s *SQLiteStore) GetInstall(ctx context.Context, manifestURL string) (*Install, error) {
	query := `SELECT ` + installColumns + ` FROM installs WHERE manifest_url = ?`

	install, err := scanInstall(s.db.QueryRowContext(ctx, query, manifestURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: install %s", ErrNotFound, manifestURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get install: %w", err)
	}

	return install, nil
}

// ListInstalls retrieves installs ordered by manifest URL
func (s *SQLiteStore) ListInstalls(ctx context.Context, limit, offset int) ([]*Install, error) {
	query := `SELECT ` + installColumns + ` FROM installs ORDER BY manifest_url LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list installs: %w", err)
	}
	defer rows.Close()

	installs := []*Install{}
	for rows.Next() {
		install, err := scanInstall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install: %w", err)
		}
		installs = append(installs, install)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installs: %w", err)
	}

	return installs, nil
}

// DeleteInstall deletes an install
func (s *SQLiteStore) DeleteInstall(ctx context.Context, manifestURL string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installs WHERE manifest_url = ?`, manifestURL)
	if err != nil {
		return fmt.Errorf("failed to delete install: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: install %s", ErrNotFound, manifestURL)
	}

	return nil
}

// RecordAttempt stores the outcome of an install attempt. It implements
// storefront.AttemptRecorder.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, record storefront.AttemptRecord) error {
	query := `
		INSERT INTO attempts (
			id, product_id, slug, manifest_url, status, error_kind, reason,
			message, purchased, restarts, started_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_kind = excluded.error_kind,
			reason = excluded.reason,
			message = excluded.message,
			purchased = excluded.purchased,
			finished_at = excluded.finished_at
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ProductID,
		record.Slug,
		record.ManifestURL,
		string(record.Status),
		nullString(string(record.ErrorKind)),
		nullString(string(record.Reason)),
		nullString(record.Message),
		record.Purchased,
		record.Restarts,
		record.StartedAt.UTC(),
		record.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// ListAttempts retrieves attempts, newest first, optionally for one app
func (s *SQLiteStore) ListAttempts(ctx context.Context, slug *string, limit, offset int) ([]storefront.AttemptRecord, error) {
	query := `
		SELECT id, product_id, slug, manifest_url, status, error_kind, reason,
			message, purchased, restarts, started_at, finished_at
		FROM attempts
		WHERE (? IS NULL OR slug = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, slug, slug, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	records := []storefront.AttemptRecord{}
	for rows.Next() {
		var (
			r                     storefront.AttemptRecord
			status                string
			kind, reason, message sql.NullString
		)
		err := rows.Scan(
			&r.ID,
			&r.ProductID,
			&r.Slug,
			&r.ManifestURL,
			&status,
			&kind,
			&reason,
			&message,
			&r.Purchased,
			&r.Restarts,
			&r.StartedAt,
			&r.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		r.Status = storefront.AttemptStatus(status)
		r.ErrorKind = storefront.ErrorKind(kind.String)
		r.Reason = storefront.ReasonCode(reason.String)
		r.Message = message.String
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return records, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, type, level, attempt_id, app, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.Type,
		event.Level,
		event.AttemptID,
		event.App,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `
		SELECT id, event_id, type, level, attempt_id, app, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR attempt_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.AttemptID, q.AttemptID, q.Type, q.Type, q.Level, q.Level, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Level,
			&event.AttemptID,
			&event.App,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ Store                      = (*SQLiteStore)(nil)
	_ storefront.AttemptRecorder = (*SQLiteStore)(nil)
)
