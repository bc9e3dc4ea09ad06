package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/storage"
)

// DefaultRepository implements Repository on the outbox_events table.
type DefaultRepository struct {
	db storage.Database
}

var _ Repository = (*DefaultRepository)(nil)

// NewDefaultRepository creates a new DefaultRepository instance.
func NewDefaultRepository(db storage.Database) *DefaultRepository {
	return &DefaultRepository{db: db}
}

const outboxColumns = `id, topic, event_type, data, workspace_id, status, retry_count, last_error, created_at, updated_at`

const insertOutboxSQL = `
INSERT INTO outbox_events (id, topic, event_type, data, workspace_id, status, retry_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now())
RETURNING ` + outboxColumns

// Insert writes a new pending row using the repository's own connection.
func (r *DefaultRepository) Insert(ctx context.Context, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox data: %w", err)
	}
	row := r.db.QueryRow(ctx, insertOutboxSQL,
		uuid.NewString(), topic, event.TypeForTopic(topic), payload, workspaceID)
	return scanOutboxRow(row)
}

// InsertTx writes a new pending row inside the caller's transaction.
func (r *DefaultRepository) InsertTx(ctx context.Context, tx pgx.Tx, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox data: %w", err)
	}
	row := tx.QueryRow(ctx, insertOutboxSQL,
		uuid.NewString(), topic, event.TypeForTopic(topic), payload, workspaceID)
	return scanOutboxRow(row)
}

// ClaimPending marks up to limit pending rows as processing and returns them.
// SKIP LOCKED keeps concurrent workers from double-claiming a row.
func (r *DefaultRepository) ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	const claimSQL = `
UPDATE outbox_events
SET status = 'processing', updated_at = now()
WHERE id IN (
    SELECT id FROM outbox_events
    WHERE status = 'pending'
    ORDER BY created_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + outboxColumns

	rows, err := r.db.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox rows: %w", err)
	}
	defer rows.Close()

	var claimed []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}
	return claimed, nil
}

// MarkPublished moves a row to the terminal published state.
func (r *DefaultRepository) MarkPublished(ctx context.Context, id string) error {
	const sql = `UPDATE outbox_events SET status = 'published', updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("mark outbox row published: %w", err)
	}
	return nil
}

// MarkFailed moves a row to the terminal failed state.
func (r *DefaultRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	const sql = `
UPDATE outbox_events
SET status = 'failed', retry_count = retry_count + 1, last_error = $2, updated_at = now()
WHERE id = $1`
	if _, err := r.db.Exec(ctx, sql, id, lastError); err != nil {
		return fmt.Errorf("mark outbox row failed: %w", err)
	}
	return nil
}

// Release returns a claimed row to pending for a later retry.
func (r *DefaultRepository) Release(ctx context.Context, id string, lastError string) error {
	const sql = `
UPDATE outbox_events
SET status = 'pending', retry_count = retry_count + 1, last_error = $2, updated_at = now()
WHERE id = $1`
	if _, err := r.db.Exec(ctx, sql, id, lastError); err != nil {
		return fmt.Errorf("release outbox row: %w", err)
	}
	return nil
}

// ReclaimStale returns processing rows older than the grace period to pending.
func (r *DefaultRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const sql = `
UPDATE outbox_events
SET status = 'pending', updated_at = now()
WHERE status = 'processing' AND updated_at < now() - $1::interval`
	tag, err := r.db.Exec(ctx, sql, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBefore prunes terminal rows last touched before the horizon.
func (r *DefaultRepository) DeleteTerminalBefore(ctx context.Context, horizon time.Time) (int64, error) {
	const sql = `DELETE FROM outbox_events WHERE status IN ('published', 'failed') AND updated_at < $1`
	tag, err := r.db.Exec(ctx, sql, horizon)
	if err != nil {
		return 0, fmt.Errorf("prune outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRow(row pgx.Row) (*OutboxEvent, error) {
	var (
		ev      OutboxEvent
		payload []byte
	)
	err := row.Scan(&ev.ID, &ev.Topic, &ev.EventType, &payload, &ev.WorkspaceID,
		&ev.Status, &ev.RetryCount, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox row: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal outbox data: %w", err)
		}
	}
	return &ev, nil
}
