// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Corphon/SceneBreakdown/internal/models"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// 固定宽度时间格式，保证按字符串排序即按时间排序
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const collectionSchema = `
CREATE TABLE IF NOT EXISTS collections (
	unit_id       TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	total_units   INTEGER NOT NULL DEFAULT 0,
	total_budget  REAL NOT NULL DEFAULT 0,
	warning_count INTEGER NOT NULL DEFAULT 0,
	generated_at  TEXT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collections_generated_at ON collections(generated_at);
`

// SQLiteCollectionStore keeps collections in a single SQLite table. The full
// collection is stored as JSON next to the summary columns used by List.
type SQLiteCollectionStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteCollectionStore opens (or creates) the database at path.
func OpenSQLiteCollectionStore(path string) (*SQLiteCollectionStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(collectionSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteCollectionStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteCollectionStore) Path() string {
	return s.path
}

func (s *SQLiteCollectionStore) Save(ctx context.Context, col *models.BreakdownCollection) error {
	if col == nil || !ValidUnitID(col.UnitID) {
		return fmt.Errorf("invalid unit id %q", unitIDOf(col))
	}
	payload, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}

	const upsert = `
INSERT INTO collections (unit_id, title, total_units, total_budget, warning_count, generated_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(unit_id) DO UPDATE SET
	title = excluded.title,
	total_units = excluded.total_units,
	total_budget = excluded.total_budget,
	warning_count = excluded.warning_count,
	generated_at = excluded.generated_at,
	payload = excluded.payload`

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, upsert,
			col.UnitID, col.Title, col.TotalUnits, col.TotalBudgetImpact, len(col.Warnings),
			col.GeneratedAt.UTC().Format(sqliteTimeFormat), string(payload))
		return err
	})
}

func (s *SQLiteCollectionStore) Load(ctx context.Context, unitID string) (*models.BreakdownCollection, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM collections WHERE unit_id = ?`, unitID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", unitID, err)
	}

	var col models.BreakdownCollection
	if err := json.Unmarshal([]byte(payload), &col); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", unitID, err)
	}
	return &col, nil
}

// List returns summaries, newest first.
func (s *SQLiteCollectionStore) List(ctx context.Context) ([]models.CollectionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT unit_id, title, total_units, total_budget, warning_count, generated_at
FROM collections ORDER BY generated_at DESC, unit_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionSummary
	for rows.Next() {
		var (
			sum         models.CollectionSummary
			generatedAt string
		)
		if err := rows.Scan(&sum.UnitID, &sum.Title, &sum.TotalUnits, &sum.TotalBudgetImpact, &sum.WarningCount, &generatedAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if ts, err := time.Parse(sqliteTimeFormat, generatedAt); err == nil {
			sum.GeneratedAt = ts
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.CollectionSummary{}
	}
	return out, nil
}

func (s *SQLiteCollectionStore) Delete(ctx context.Context, unitID string) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE unit_id = ?`, unitID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", unitID, err)
	}
	if affected == 0 {
		return ErrCollectionNotFound
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteCollectionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
