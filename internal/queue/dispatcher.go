package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/logging"
)

// Dispatcher consumes notify:dispatch tasks and publishes system
// notification events to the bus. Notification publishes are tolerable
// failures: the error is logged and the task is not retried.
type Dispatcher struct {
	srv *asynq.Server
	bus bus.Bus
	log logging.Logger
}

// NewDispatcher builds an asynq server consuming the configured queue.
func NewDispatcher(cfg *config.Config, b bus.Bus) *Dispatcher {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr},
		asynq.Config{
			Concurrency: cfg.Job.WorkerConcurrency,
			Queues:      map[string]int{cfg.Job.QueueName: 1},
		},
	)
	return &Dispatcher{srv: srv, bus: b, log: logging.Default()}
}

// Run blocks serving tasks until Shutdown is called.
func (d *Dispatcher) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeNotifyDispatch, d.handleNotification)
	if err := d.srv.Run(mux); err != nil {
		return fmt.Errorf("run notification dispatcher: %w", err)
	}
	return nil
}

// Shutdown stops the asynq server gracefully.
func (d *Dispatcher) Shutdown() {
	d.srv.Shutdown()
}

func (d *Dispatcher) handleNotification(ctx context.Context, task *asynq.Task) error {
	payload := NotificationPayload{}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		d.log.Error(ctx, "dropping malformed notification task", "error", err)
		return nil
	}

	ev := event.New(event.TopicSystemNotification, map[string]any{
		"title":   payload.Title,
		"message": payload.Message,
		"level":   payload.Level,
	})
	ev.WorkspaceID = payload.WorkspaceID
	ev.UserID = payload.UserID

	if err := d.bus.Publish(ctx, ev); err != nil {
		// Notification-class events are best-effort.
		d.log.Warn(ctx, "notification publish failed", "error", err)
	}
	return nil
}
