package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/queue"
)

// healthCheck reports process, bus, and Redis liveness.
func (s *Server) healthCheck(c echo.Context) error {
	busStatus := "down"
	if s.bus != nil && s.bus.Health() {
		busStatus = "up"
	}

	redisStatus := "disabled"
	if s.rdb != nil {
		redisStatus = "up"
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "down"
		}
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "cmp-events",
		"bus":     busStatus,
		"redis":   redisStatus,
	})
}

// notificationRequest is the body of POST /api/v1/notifications.
type notificationRequest struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Level       string `json:"level,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// createNotification stages a system notification. When the async queue is
// available the dispatch goes through it; otherwise the event is written to
// the outbox so the worker publishes it.
func (s *Server) createNotification(c echo.Context) error {
	req := &notificationRequest{}
	if err := c.Bind(req); err != nil || req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	ctx := c.Request().Context()
	if s.enqueuer != nil {
		taskID, err := s.enqueuer.EnqueueNotification(ctx, queue.NotificationPayload{
			Title:       req.Title,
			Message:     req.Message,
			Level:       req.Level,
			WorkspaceID: req.WorkspaceID,
		})
		if err == nil {
			return c.JSON(http.StatusAccepted, map[string]string{"task_id": taskID})
		}
		s.log.Warn(ctx, "notification enqueue failed, falling back to outbox", "error", err)
	}

	if s.publisher == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification dispatch unavailable"})
	}

	var workspaceID *string
	if req.WorkspaceID != "" {
		workspaceID = &req.WorkspaceID
	}
	row, err := s.publisher.Publish(ctx, event.TopicSystemNotification, map[string]any{
		"title":   req.Title,
		"message": req.Message,
		"level":   req.Level,
	}, workspaceID)
	if err != nil {
		s.log.Error(ctx, "notification outbox write failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to stage notification"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"outbox_id": row.ID})
}

// queueStats exposes the live queue-subscription counters.
func (s *Server) queueStats(c echo.Context) error {
	if s.bus == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "bus unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]any{"queues": s.bus.QueueStats()})
}
