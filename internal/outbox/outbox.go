// Package outbox implements the transactional outbox: durable event rows
// written in the producer's transaction and published asynchronously.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:generate go run github.com/matryer/moq@v0.5.3 -out repository_mock.go . Repository

// Status is the lifecycle state of an outbox row. Published and failed are
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// OutboxEvent is a durable row representing an event pending publication.
type OutboxEvent struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	EventType   string         `json:"event_type"`
	Data        map[string]any `json:"data"`
	WorkspaceID *string        `json:"workspace_id,omitempty"`
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Repository is the persistence contract for outbox rows.
type Repository interface {
	// Insert writes a new pending row outside any caller transaction.
	Insert(ctx context.Context, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error)

	// InsertTx writes a new pending row inside the caller's transaction so
	// the event commits atomically with the domain change.
	InsertTx(ctx context.Context, tx pgx.Tx, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error)

	// ClaimPending atomically selects up to limit pending rows in ascending
	// created_at order and marks them processing. A row is claimed by at
	// most one worker.
	ClaimPending(ctx context.Context, limit int) ([]*OutboxEvent, error)

	// MarkPublished moves a row to the terminal published state.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed moves a row to the terminal failed state, incrementing
	// retry_count and recording the last error.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// Release returns a claimed row to pending, incrementing retry_count
	// and recording the last error, so a later poll retries it.
	Release(ctx context.Context, id string, lastError string) error

	// ReclaimStale returns processing rows older than the grace period to
	// pending; crashed workers lose their claims this way.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeleteTerminalBefore prunes published and failed rows last touched
	// before the horizon.
	DeleteTerminalBefore(ctx context.Context, horizon time.Time) (int64, error)
}
