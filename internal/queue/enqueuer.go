// Package queue moves system notifications through Redis + asynq so the
// REST call returns immediately and the dispatch survives process restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/logging"
)

// TaskTypeNotifyDispatch is the queue task type for dispatching a system
// notification onto the event bus.
const TaskTypeNotifyDispatch = "notify:dispatch"

// NotificationPayload is the contract for a notify:dispatch task payload.
type NotificationPayload struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Level       string `json:"level,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

//go:generate go run github.com/matryer/moq@v0.5.3 -out enqueuer_mock.go . Enqueuer

// Enqueuer defines the interface for enqueuing notification dispatches.
type Enqueuer interface {
	// EnqueueNotification enqueues a notify:dispatch task and returns the
	// task ID assigned by the queue backend.
	EnqueueNotification(ctx context.Context, payload NotificationPayload) (string, error)
}

// AsynqEnqueuer implements Enqueuer using Redis + asynq.
type AsynqEnqueuer struct {
	client       *asynq.Client
	defaultQueue string
}

var _ Enqueuer = (*AsynqEnqueuer)(nil)

// NewAsynqEnqueuerFromEnv creates an enqueuer using environment variables.
// - REDIS_ADDR: required (e.g., "localhost:6379")
// - JOB_QUEUE_NAME: optional (defaults to "default")
func NewAsynqEnqueuerFromEnv(cfg *config.Config) (*AsynqEnqueuer, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = cfg.Redis.Addr
	}
	if addr == "" {
		return nil, errors.New(
			"redis address is not configured. " +
				"Please set REDIS_ADDR environment variable or configure in config file")
	}

	q := os.Getenv("JOB_QUEUE_NAME")
	if q == "" {
		q = cfg.Job.QueueName
	}

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: addr})
	return &AsynqEnqueuer{
		client:       client,
		defaultQueue: q,
	}, nil
}

// EnqueueNotification enqueues a notification dispatch task.
func (e *AsynqEnqueuer) EnqueueNotification(ctx context.Context, payload NotificationPayload) (string, error) {
	tracer := otel.Tracer("cmp/queue")
	ctx, span := tracer.Start(ctx, "queue.EnqueueNotification")
	defer span.End()

	log := logging.Default()

	if payload.Message == "" {
		err := errors.New("payload.message is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "enqueue validation failed", "task_type", TaskTypeNotifyDispatch, "error", err)
		return "", err
	}

	span.SetAttributes(attribute.String("queue.task_type", TaskTypeNotifyDispatch))

	b, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal payload")
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeNotifyDispatch, b)
	info, err := e.client.EnqueueContext(ctx, task, asynq.Queue(e.defaultQueue))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue error")
		log.Error(ctx, "enqueue failed", "task_type", TaskTypeNotifyDispatch, "queue", e.defaultQueue, "error", err)
		return "", fmt.Errorf("enqueue notify:dispatch: %w", err)
	}

	span.SetAttributes(
		attribute.String("queue.id", info.ID),
		attribute.String("queue.name", e.defaultQueue),
	)
	log.Info(ctx, "enqueued notify:dispatch", "queue", e.defaultQueue, "task_id", info.ID)
	return info.ID, nil
}

// Close releases the underlying asynq client resources.
func (e *AsynqEnqueuer) Close() error {
	return e.client.Close()
}

// NoopEnqueuer is a drop-in Enqueuer that does nothing (useful for tests).
type NoopEnqueuer struct{}

// EnqueueNotification implements Enqueuer by returning a static ID without
// side effects.
func (NoopEnqueuer) EnqueueNotification(_ context.Context, _ NotificationPayload) (string, error) {
	return "noop", nil
}
