package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/aether-labs/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	baseDelay  time.Duration
}

var _ Repository = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often writes are retried on SQLITE_BUSY and the
// initial backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, baseDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS visitors (
		visitor_id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_visitors_last_seen ON visitors(last_seen_at);

	CREATE TABLE IF NOT EXISTS theme_preferences (
		visitor_id TEXT PRIMARY KEY,
		theme TEXT NOT NULL CHECK (theme IN ('dark', 'light')),
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetVisitor retrieves a visitor by id.
func (s *SQLiteStore) GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error) {
	query := `
		SELECT visitor_id, handle, last_seen_at, created_at, updated_at
		FROM visitors WHERE visitor_id = ?`

	var v domain.Visitor
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(
		&v.VisitorID, &v.Handle, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan visitor row: %w", err)
	}

	v.LastSeenAt = time.Unix(lastSeen, 0)
	v.CreatedAt = time.Unix(createdAt, 0)
	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// UpsertVisitor creates or updates a visitor record.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, v *domain.Visitor) error {
	query := `
	INSERT INTO visitors (visitor_id, handle, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		handle = excluded.handle,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "UpsertVisitor", func() error {
		_, err := s.db.ExecContext(ctx, query,
			v.VisitorID, v.Handle, v.LastSeenAt.Unix(),
			v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert visitor: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error {
	query := `UPDATE visitors SET last_seen_at = ?, updated_at = ? WHERE visitor_id = ?`
	return s.withRetry(ctx, "UpdateLastSeen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), visitorID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateLastSeen affected 0 rows", "visitor_id", visitorID)
		}
		return nil
	})
}

// DeleteInactiveVisitors removes visitors whose last visit is older than ttl.
func (s *SQLiteStore) DeleteInactiveVisitors(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var deleted int64

	err := s.withRetry(ctx, "DeleteInactiveVisitors", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM theme_preferences WHERE visitor_id IN (
				SELECT visitor_id FROM visitors WHERE last_seen_at < ?
			)`, threshold); err != nil {
			return fmt.Errorf("delete stale preferences: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM visitors WHERE last_seen_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete stale visitors: %w", err)
		}
		if deleted, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// GetThemePreference returns the explicit theme of a visitor.
func (s *SQLiteStore) GetThemePreference(ctx context.Context, visitorID string) (*domain.ThemePreference, error) {
	query := `SELECT visitor_id, theme, updated_at FROM theme_preferences WHERE visitor_id = ?`

	var pref domain.ThemePreference
	var theme string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query, visitorID).Scan(&pref.VisitorID, &theme, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan theme preference: %w", err)
	}

	parsed, err := domain.ParseTheme(theme)
	if err != nil {
		return nil, fmt.Errorf("stored theme preference: %w", err)
	}
	pref.Theme = parsed
	pref.UpdatedAt = time.Unix(updatedAt, 0)
	return &pref, nil
}

// SetThemePreference stores an explicit theme.
func (s *SQLiteStore) SetThemePreference(ctx context.Context, pref *domain.ThemePreference) error {
	query := `
	INSERT INTO theme_preferences (visitor_id, theme, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(visitor_id) DO UPDATE SET
		theme = excluded.theme,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "SetThemePreference", func() error {
		if _, err := s.db.ExecContext(ctx, query, pref.VisitorID, string(pref.Theme), pref.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert theme preference: %w", err)
		}
		return nil
	})
}

// DeleteThemePreference forgets an explicit theme.
func (s *SQLiteStore) DeleteThemePreference(ctx context.Context, visitorID string) error {
	return s.withRetry(ctx, "DeleteThemePreference", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM theme_preferences WHERE visitor_id = ?`, visitorID); err != nil {
			return fmt.Errorf("delete theme preference: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff while SQLite reports
// a busy or locked database.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := s.maxRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isConflict(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := s.baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
