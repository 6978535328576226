package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db     DBTX
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return NewPostgresWith(pool, logger)
}

// NewPostgresWith builds the repository over any DBTX, such as a transaction.
func NewPostgresWith(db DBTX, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger.With(slog.String("component", "receipt_repository"))}
}

const selectColumns = `id::text, status, ocr_completed, filename, mime_type, file_size, storage_key,
	uploader_id, vendor, total::text, currency, tx_date, line_items, category, notes, ocr_confidence,
	ocr_raw_text, failure_reason, processing_ms, purchaser, manually_edited, created_at, updated_at`

func (p *Postgres) Create(ctx context.Context, rec entity.ReceiptRecord) error {
	args, err := writeArgs(rec)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO receipts (id, status, ocr_completed, filename, mime_type, file_size, storage_key,
			uploader_id, vendor, total, currency, tx_date, line_items, category, notes, ocr_confidence,
			ocr_raw_text, failure_reason, processing_ms, purchaser, manually_edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("receipt %s: %w", rec.ID, common.ErrConflict)
		}
		p.logger.Error("failed to insert receipt", "receipt_id", rec.ID, "error", err)
		return fmt.Errorf("insert receipt: %w: %w", common.ErrDatabase, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (entity.ReceiptRecord, error) {
	if verr := common.UUID("id", id); verr != nil {
		return entity.ReceiptRecord{}, fmt.Errorf("receipt %s: %w", id, common.ErrNotFound)
	}
	row := p.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM receipts WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return entity.ReceiptRecord{}, fmt.Errorf("receipt %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		p.logger.Error("failed to load receipt", "receipt_id", id, "error", err)
		return entity.ReceiptRecord{}, fmt.Errorf("load receipt: %w: %w", common.ErrDatabase, err)
	}
	return rec, nil
}

const updateSQL = `
		UPDATE receipts SET status = $2, ocr_completed = $3, filename = $4, mime_type = $5,
			file_size = $6, storage_key = $7, uploader_id = $8, vendor = $9, total = $10::numeric,
			currency = $11, tx_date = $12, line_items = $13, category = $14, notes = $15,
			ocr_confidence = $16, ocr_raw_text = $17, failure_reason = $18, processing_ms = $19,
			purchaser = $20, manually_edited = $21, updated_at = $22
		WHERE id = $1`

func (p *Postgres) Update(ctx context.Context, rec entity.ReceiptRecord) error {
	n, err := p.update(ctx, rec, updateSQL)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("receipt %s: %w", rec.ID, common.ErrNotFound)
	}
	return nil
}

func (p *Postgres) UpdateInFlight(ctx context.Context, rec entity.ReceiptRecord) error {
	n, err := p.update(ctx, rec, updateSQL+` AND status IN ('pending', 'processing')`)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := p.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("receipt %s is %s: %w", rec.ID, cur.Status, common.ErrConflict)
}

func (p *Postgres) update(ctx context.Context, rec entity.ReceiptRecord, query string) (int64, error) {
	args, err := writeArgs(rec)
	if err != nil {
		return 0, err
	}
	// created_at is never rewritten
	args = append(args[:21], args[22])
	tag, err := p.db.Exec(ctx, query, args...)
	if isInvalidText(err) {
		return 0, fmt.Errorf("receipt %s: %w", rec.ID, common.ErrNotFound)
	}
	if err != nil {
		p.logger.Error("failed to update receipt", "receipt_id", rec.ID, "error", err)
		return 0, fmt.Errorf("update receipt: %w: %w", common.ErrDatabase, err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListByStatus(ctx context.Context, statuses ...constants.ReceiptStatus) ([]entity.ReceiptRecord, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := p.db.Query(ctx, `SELECT `+selectColumns+` FROM receipts
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w: %w", common.ErrDatabase, err)
	}
	defer rows.Close()

	var out []entity.ReceiptRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func writeArgs(rec entity.ReceiptRecord) ([]any, error) {
	items := rec.LineItems
	if items == nil {
		items = []entity.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}
	var purchaserJSON []byte
	if rec.Purchaser != nil {
		if purchaserJSON, err = json.Marshal(rec.Purchaser); err != nil {
			return nil, fmt.Errorf("encode purchaser: %w", err)
		}
	}
	var total *string
	if rec.Total != nil {
		s := rec.Total.String()
		total = &s
	}
	var txDate *time.Time
	if rec.Date != nil {
		t := rec.Date.Time()
		txDate = &t
	}
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}
	return []any{
		rec.ID, string(rec.Status), rec.OCRCompleted, rec.Filename, rec.MediaType, rec.FileSize, rec.StorageKey,
		rec.UploaderID, rec.Vendor, total, rec.Currency, txDate, itemsJSON, rec.Category, rec.Notes, rec.OCRConfidence,
		rec.OCRRawText, rec.FailureReason, rec.ProcessingTime.Milliseconds(), purchaserJSON, rec.ManuallyEdited, created, updated,
	}, nil
}

func scanRecord(row pgx.Row) (entity.ReceiptRecord, error) {
	var (
		rec          entity.ReceiptRecord
		status       string
		total        *string
		txDate       *time.Time
		itemsJSON    []byte
		purchaser    []byte
		processingMS int64
	)
	err := row.Scan(&rec.ID, &status, &rec.OCRCompleted, &rec.Filename, &rec.MediaType, &rec.FileSize, &rec.StorageKey,
		&rec.UploaderID, &rec.Vendor, &total, &rec.Currency, &txDate, &itemsJSON, &rec.Category, &rec.Notes, &rec.OCRConfidence,
		&rec.OCRRawText, &rec.FailureReason, &processingMS, &purchaser, &rec.ManuallyEdited, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return entity.ReceiptRecord{}, err
	}
	if rec.Status, err = constants.ParseReceiptStatus(status); err != nil {
		return entity.ReceiptRecord{}, err
	}
	if total != nil {
		d, err := decimal.NewFromString(*total)
		if err != nil {
			return entity.ReceiptRecord{}, fmt.Errorf("decode total: %w", err)
		}
		rec.Total = &d
	}
	if txDate != nil {
		d := entity.NewDate(txDate.Year(), txDate.Month(), txDate.Day())
		rec.Date = &d
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &rec.LineItems); err != nil {
			return entity.ReceiptRecord{}, fmt.Errorf("decode line items: %w", err)
		}
		if len(rec.LineItems) == 0 {
			rec.LineItems = nil
		}
	}
	if len(purchaser) > 0 {
		rec.Purchaser = &entity.Purchaser{}
		if err := json.Unmarshal(purchaser, rec.Purchaser); err != nil {
			return entity.ReceiptRecord{}, fmt.Errorf("decode purchaser: %w", err)
		}
	}
	rec.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isInvalidText catches ids that are not UUIDs.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
