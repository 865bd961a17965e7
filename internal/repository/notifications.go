package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hariprasadms/mediaharbor/internal/model"
)

// NotificationStore is the persistence surface for batch completion
// notifications, consumed by the ingestion path and the coordinator.
type NotificationStore interface {
	UpsertIntake(ctx context.Context, batchID, userID, recipient string, totalFiles, received int) (*model.NotificationRequest, error)
	GetByBatch(ctx context.Context, batchID string) (*model.NotificationRequest, error)
	ListRecent(ctx context.Context, limit int) ([]*model.NotificationRequest, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) error
	CountDailyForUser(ctx context.Context, userID string, since time.Time, excludeID string) (int, error)
}

// NotificationRepository is the pgx-backed NotificationStore.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository constructs a repository.
func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `id, batch_id, user_id, recipient, total_files,
	received_files, status, sent_at, last_error, created_at, updated_at`

// UpsertIntake records batch membership transactionally: the first file of a
// batch creates the pending request row, later files increment the received
// counter on it. Keeping this in the database rather than process memory
// means intake state survives restarts and works across ingestion processes.
func (r *NotificationRepository) UpsertIntake(ctx context.Context, batchID, userID, recipient string, totalFiles, received int) (*model.NotificationRequest, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO notification_requests
			(id, batch_id, user_id, recipient, total_files, received_files, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (batch_id) DO UPDATE
		SET received_files = notification_requests.received_files + EXCLUDED.received_files,
			updated_at = EXCLUDED.updated_at
		RETURNING `+notificationColumns,
		uuid.NewString(), batchID, userID, recipient, totalFiles, received,
		model.NotificationPending, now)
	req, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("upsert notification intake: %w", err)
	}
	return req, nil
}

// GetByBatch returns the request owning a batch id.
func (r *NotificationRepository) GetByBatch(ctx context.Context, batchID string) (*model.NotificationRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notification_requests WHERE batch_id=$1`, batchID)
	req, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select notification request: %w", err)
	}
	return req, nil
}

// ListRecent returns the newest requests, for the operator CLI.
func (r *NotificationRepository) ListRecent(ctx context.Context, limit int) ([]*model.NotificationRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+notificationColumns+` FROM notification_requests ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent requests: %w", err)
	}
	defer rows.Close()
	var out []*model.NotificationRequest
	for rows.Next() {
		req, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

// ClaimPending atomically transitions pending -> sent and reports whether
// this caller won the transition. The conditional UPDATE is the send-once
// guard: of two workers resolving the same batch concurrently, exactly one
// sees a row flip.
func (r *NotificationRepository) ClaimPending(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_requests
		SET status=$1, sent_at=$2, updated_at=$2
		WHERE id=$3 AND status=$4
	`, model.NotificationSent, time.Now().UTC(), id, model.NotificationPending)
	if err != nil {
		return false, fmt.Errorf("claim notification request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a terminal failure (send error or quota exhaustion).
func (r *NotificationRepository) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_requests
		SET status=$1, last_error=$2, sent_at=NULL, updated_at=$3
		WHERE id=$4
	`, model.NotificationFailed, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// CountDailyForUser counts requests charged against the user's daily quota:
// requests sent since the cutoff plus still-pending requests created since
// the cutoff. excludeID keeps the request currently being evaluated from
// counting against itself.
func (r *NotificationRepository) CountDailyForUser(ctx context.Context, userID string, since time.Time, excludeID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notification_requests
		WHERE user_id=$1 AND id <> $2
		AND ((status=$3 AND sent_at >= $4) OR (status=$5 AND created_at >= $4))
	`, userID, excludeID, model.NotificationSent, since, model.NotificationPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count daily notifications: %w", err)
	}
	return count, nil
}

func scanNotification(row rowScanner) (*model.NotificationRequest, error) {
	var req model.NotificationRequest
	err := row.Scan(&req.ID, &req.BatchID, &req.UserID, &req.Recipient, &req.TotalFiles,
		&req.ReceivedFiles, &req.Status, &req.SentAt, &req.LastError, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}
