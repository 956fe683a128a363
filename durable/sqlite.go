package durable

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	otrace "github.com/opentracing/opentracing-go"
	_ "modernc.org/sqlite"

	"github.com/harborscale/go-harborscale-state/environment"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_records (
  store_id    TEXT NOT NULL,
  record_key  TEXT NOT NULL,
  value       TEXT NOT NULL,
  metadata    TEXT,
  expires_at  INTEGER,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (store_id, record_key)
);
CREATE INDEX IF NOT EXISTS idx_kv_records_expires_at ON kv_records(expires_at);
`

// Store is the sqlite implementation of Adapter.
type Store struct {
	sqlDB *sql.DB
	log   Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the sqlite durability log and applies the embedded schema.
func Open(log Logger, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, log: log}, nil
}

// OpenFromEnvOrFatal opens the log at DURABLE_STORE_PATH.
func OpenFromEnvOrFatal(log Logger) *Store {
	path := environment.GetOrFatal("DURABLE_STORE_PATH")
	s, err := Open(log, path)
	if err != nil {
		log.Panicf("cannot open durable store at %s: %v", path, err)
	}
	return s
}

// Close closes the sqlite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Upsert inserts or replaces the mirror for (StoreID, Key). CreatedAt is
// preserved across updates.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	span, ctx := otrace.StartSpanFromContext(ctx, "durable.sqlite.Upsert")
	defer span.Finish()

	if rec.StoreID == "" || rec.Key == "" {
		return fmt.Errorf("store id and key are required")
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	var expiresAt any
	if rec.ExpiresAt != nil {
		expiresAt = toMillis(*rec.ExpiresAt)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO kv_records (
		   store_id, record_key, value, metadata, expires_at, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (store_id, record_key) DO UPDATE SET
		   value = excluded.value,
		   metadata = excluded.metadata,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		rec.StoreID,
		rec.Key,
		rec.Value,
		rec.Metadata,
		expiresAt,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// FindActive returns the store's records whose expiry is unset or in the
// future, ordered by key for deterministic restores.
func (s *Store) FindActive(ctx context.Context, storeID string) ([]Record, error) {
	span, ctx := otrace.StartSpanFromContext(ctx, "durable.sqlite.FindActive")
	defer span.Finish()

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT store_id, record_key, value, metadata, expires_at, created_at, updated_at
		 FROM kv_records
		 WHERE store_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY record_key`,
		storeID,
		toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("query active records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var metadata sql.NullString
		var expiresAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&rec.StoreID,
			&rec.Key,
			&rec.Value,
			&metadata,
			&expiresAt,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if metadata.Valid {
			m := metadata.String
			rec.Metadata = &m
		}
		if expiresAt.Valid {
			e := fromMillis(expiresAt.Int64)
			rec.ExpiresAt = &e
		}
		rec.CreatedAt = fromMillis(createdAt)
		rec.UpdatedAt = fromMillis(updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// DeleteOne removes a single mirror. Deleting an absent record is not an
// error.
func (s *Store) DeleteOne(ctx context.Context, storeID, key string) error {
	span, ctx := otrace.StartSpanFromContext(ctx, "durable.sqlite.DeleteOne")
	defer span.Finish()

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM kv_records WHERE store_id = ? AND record_key = ?`,
		storeID, key,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteMany removes a batch of mirrors in one statement.
func (s *Store) DeleteMany(ctx context.Context, storeID string, keys []string) error {
	span, ctx := otrace.StartSpanFromContext(ctx, "durable.sqlite.DeleteMany")
	defer span.Finish()

	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(keys)+1)
	args = append(args, storeID)
	for _, k := range keys {
		args = append(args, k)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		fmt.Sprintf(`DELETE FROM kv_records WHERE store_id = ? AND record_key IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// DeleteExpired purges every record across all stores whose expiry has
// passed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	span, ctx := otrace.StartSpanFromContext(ctx, "durable.sqlite.DeleteExpired")
	defer span.Finish()

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM kv_records WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged records: %w", err)
	}
	return purged, nil
}
