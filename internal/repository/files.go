// Package repository wraps all SQL used throughout the API, worker, and CLI.
// Mutations go through narrow single-purpose update statements rather than
// read-modify-write of whole rows, which keeps concurrent workers from
// clobbering each other's fields.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hariprasadms/mediaharbor/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// FileStore is the file persistence surface consumed by the worker, the
// notification coordinator, and the HTTP API.
type FileStore interface {
	Create(ctx context.Context, rec *model.FileRecord) error
	Get(ctx context.Context, id string) (*model.FileRecord, error)
	ListByBatch(ctx context.Context, batchID string) ([]*model.FileRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*model.FileRecord, error)
	UpdateStatus(ctx context.Context, id string, status model.FileStatus, errorMsg *string) error
	UpdateProgress(ctx context.Context, id string, percent int) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	MarkCompleted(ctx context.Context, id, processedKey string, convertedSize int64) error
	UpdateImportMetadata(ctx context.Context, id string, meta ImportMetadata) error
	RequeueForRetry(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ImportMetadata is the patch applied after a remote fetch discovers the real
// file name, size, and format, together with the resulting conversion plan.
type ImportMetadata struct {
	DisplayName     string
	Size            int64
	OriginalFormat  string
	Category        string
	TargetFormat    string // empty means no conversion required
	NeedsConversion bool
}

// FileRepository is the pgx-backed FileStore.
type FileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository constructs a repository.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

const fileColumns = `id, user_id, display_name, size, mime_type, category,
	original_format, target_format, needs_conversion, converted_size,
	raw_key, processed_key, import_source, source_url, batch_id,
	notify_on_complete, status, error_message, retry_count, progress,
	created_at, updated_at, converted_at, uploaded_at`

// Create inserts a new record in pending state.
func (r *FileRepository) Create(ctx context.Context, rec *model.FileRecord) error {
	now := time.Now().UTC()
	rec.Status = model.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, rec.ID, rec.UserID, rec.DisplayName, rec.Size, rec.MimeType, rec.Category,
		rec.OriginalFormat, rec.TargetFormat, rec.NeedsConversion, rec.ConvertedSize,
		rec.RawKey, rec.ProcessedKey, rec.Source, rec.SourceURL, rec.BatchID,
		rec.NotifyOnComplete, rec.Status, rec.ErrorMessage, rec.RetryCount, rec.Progress,
		rec.CreatedAt, rec.UpdatedAt, rec.ConvertedAt, rec.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *FileRepository) Get(ctx context.Context, id string) (*model.FileRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, id)
	rec, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	return rec, nil
}

// ListByBatch returns every record sharing a batch id.
func (r *FileRepository) ListByBatch(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fileColumns+` FROM files WHERE batch_id=$1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select batch files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// ListRecent returns the newest records, for the operator CLI.
func (r *FileRepository) ListRecent(ctx context.Context, limit int) ([]*model.FileRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// UpdateStatus transitions the record's status. errorMsg replaces the stored
// error message outright, so passing nil clears it.
func (r *FileRepository) UpdateStatus(ctx context.Context, id string, status model.FileStatus, errorMsg *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files SET status=$1, error_message=$2, updated_at=$3 WHERE id=$4
	`, status, errorMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress persists the conversion progress percentage.
func (r *FileRepository) UpdateProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE files SET progress=$1, updated_at=$2 WHERE id=$3
	`, percent, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update file progress: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter atomically and returns the new value.
func (r *FileRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		UPDATE files SET retry_count = retry_count + 1, updated_at=$1
		WHERE id=$2 RETURNING retry_count
	`, time.Now().UTC(), id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	return count, nil
}

// MarkCompleted stores the conversion result and finishes the record.
func (r *FileRepository) MarkCompleted(ctx context.Context, id, processedKey string, convertedSize int64) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE files
		SET status=$1, processed_key=$2, converted_size=$3, progress=100,
			error_message=NULL, converted_at=$4, uploaded_at=$4, updated_at=$4
		WHERE id=$5
	`, model.StatusCompleted, processedKey, convertedSize, now, id)
	if err != nil {
		return fmt.Errorf("mark file completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateImportMetadata applies the post-fetch metadata patch for imports.
func (r *FileRepository) UpdateImportMetadata(ctx context.Context, id string, meta ImportMetadata) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE files
		SET display_name=$1, size=$2, original_format=$3, category=$4,
			target_format=NULLIF($5,''), needs_conversion=$6, updated_at=$7
		WHERE id=$8
	`, meta.DisplayName, meta.Size, meta.OriginalFormat, meta.Category,
		meta.TargetFormat, meta.NeedsConversion, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update import metadata: %w", err)
	}
	return nil
}

// RequeueForRetry resets a failed record to queued for an explicit retry
// action. The WHERE clause enforces both preconditions in one statement:
// only failed records with retries remaining are eligible.
func (r *FileRepository) RequeueForRetry(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files
		SET status=$1, error_message=NULL, progress=0, updated_at=$2
		WHERE id=$3 AND status=$4 AND retry_count < $5
	`, model.StatusQueued, time.Now().UTC(), id, model.StatusFailed, model.MaxRetries)
	if err != nil {
		return fmt.Errorf("requeue file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record. Blob objects are removed by the caller first so a
// crash between the two leaves an orphaned row, not an orphaned object.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.DisplayName, &rec.Size, &rec.MimeType, &rec.Category,
		&rec.OriginalFormat, &rec.TargetFormat, &rec.NeedsConversion, &rec.ConvertedSize,
		&rec.RawKey, &rec.ProcessedKey, &rec.Source, &rec.SourceURL, &rec.BatchID,
		&rec.NotifyOnComplete, &rec.Status, &rec.ErrorMessage, &rec.RetryCount, &rec.Progress,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ConvertedAt, &rec.UploadedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanFiles(rows pgx.Rows) ([]*model.FileRecord, error) {
	var out []*model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}
