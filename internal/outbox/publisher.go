package outbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Publisher is the producer-side API of the transactional outbox. REST
// handlers call PublishInTx with the same transaction that commits the
// domain change; the worker takes it from there.
type Publisher struct {
	repo Repository
}

// NewPublisher wraps a repository in the producer API.
func NewPublisher(repo Repository) *Publisher {
	return &Publisher{repo: repo}
}

// PublishInTx stages an event inside the caller's transaction. The topic
// must come from the canonical builders in the event package.
func (p *Publisher) PublishInTx(ctx context.Context, tx pgx.Tx, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if data == nil {
		data = map[string]any{}
	}
	return p.repo.InsertTx(ctx, tx, topic, data, workspaceID)
}

// Publish stages an event outside a caller transaction, for producers whose
// domain change has no transactional write of its own.
func (p *Publisher) Publish(ctx context.Context, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if data == nil {
		data = map[string]any{}
	}
	return p.repo.Insert(ctx, topic, data, workspaceID)
}
