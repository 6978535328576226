// Package store is the CLI's local SQLite copy of known records and open drafts, so a
// review can be picked up by a later invocation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS drafts (
	record_id  TEXT PRIMARY KEY,
	manual     INTEGER NOT NULL DEFAULT 0,
	seed       TEXT NOT NULL,
	current    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store implements cache.Persister plus draft persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dbError("open local store", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, dbError("initialize local store", err)
	}
	logger.Debug("store.opened", "path", path)
	return &Store{db: db, logger: logger.With(slog.String("component", "store")), now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveRecord(ctx context.Context, rec entity.ReceiptRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, status, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`,
		rec.ID, string(rec.Status), string(body), s.stamp())
	if err != nil {
		s.logger.Error("store.record.save_failed", "receipt_id", rec.ID, "error", err)
		return dbError("save record", err)
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return dbError("delete record", err)
	}
	return s.DeleteDraft(ctx, id)
}

// Record returns the stored record or common.ErrNotFound.
func (s *Store) Record(ctx context.Context, id string) (entity.ReceiptRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM records WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ReceiptRecord{}, common.NewAppError("NOT_FOUND", "receipt "+id+" is not in the local store", common.ErrNotFound)
	}
	if err != nil {
		return entity.ReceiptRecord{}, dbError("load record", err)
	}
	var rec entity.ReceiptRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return entity.ReceiptRecord{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// Records lists stored records, most recently written first.
func (s *Store) Records(ctx context.Context) ([]entity.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM records ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, dbError("list records", err)
	}
	defer rows.Close()
	var out []entity.ReceiptRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, dbError("scan record", err)
		}
		var rec entity.ReceiptRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			s.logger.Warn("store.record.corrupt", "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SaveDraft(ctx context.Context, d *draft.Draft) error {
	seed, err := json.Marshal(d.SeedValues())
	if err != nil {
		return err
	}
	cur, err := json.Marshal(d.Values())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (record_id, manual, seed, current, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET manual = excluded.manual, seed = excluded.seed,
			current = excluded.current, updated_at = excluded.updated_at`,
		d.RecordID(), d.ManualEntry(), string(seed), string(cur), s.stamp())
	if err != nil {
		return dbError("save draft", err)
	}
	return nil
}

// Draft restores a saved draft. ok is false when none is stored.
func (s *Store) Draft(ctx context.Context, recordID string) (d *draft.Draft, ok bool, err error) {
	var manual bool
	var seed, cur string
	err = s.db.QueryRowContext(ctx, `SELECT manual, seed, current FROM drafts WHERE record_id = ?`, recordID).
		Scan(&manual, &seed, &cur)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dbError("load draft", err)
	}
	var sv, cv draft.Values
	if err := json.Unmarshal([]byte(seed), &sv); err != nil {
		return nil, false, fmt.Errorf("decode draft seed: %w", err)
	}
	if err := json.Unmarshal([]byte(cur), &cv); err != nil {
		return nil, false, fmt.Errorf("decode draft values: %w", err)
	}
	return draft.Restore(recordID, sv, cv, manual), true, nil
}

func (s *Store) DeleteDraft(ctx context.Context, recordID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE record_id = ?`, recordID); err != nil {
		return dbError("delete draft", err)
	}
	return nil
}

func dbError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrDatabase, err)
}

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }
