package sse

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cloudmesh-io/cmp/internal/auth"
	"github.com/cloudmesh-io/cmp/internal/eventstore"
	"github.com/cloudmesh-io/cmp/internal/logging"
)

// DefaultHandler provides the Echo HTTP handlers for the SSE endpoints.
type DefaultHandler struct {
	mux Multiplexer
	log logging.Logger
}

// NewDefaultHandler constructs a DefaultHandler around a Multiplexer.
func NewDefaultHandler(mux Multiplexer) *DefaultHandler {
	return &DefaultHandler{mux: mux, log: logging.Default()}
}

// subscribeRequest is the body of POST /events/subscribe.
type subscribeRequest struct {
	EventType string              `json:"event_type"`
	Filters   *eventstore.Filters `json:"filters,omitempty"`
}

// unsubscribeRequest is the body of POST /events/unsubscribe.
type unsubscribeRequest struct {
	EventType string `json:"event_type"`
}

// Events handles GET /api/v1/events: it sets the SSE headers and streams
// until the client disconnects.
func (h *DefaultHandler) Events(c echo.Context) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Headers", "Cache-Control, Last-Event-ID")

	lastEventID := c.Request().Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = c.QueryParam("last_event_id")
	}
	workspaceID := c.QueryParam("workspace_id")

	return h.mux.Serve(c.Request().Context(), c.Response(), userID, workspaceID, lastEventID)
}

// Subscribe handles POST /api/v1/events/subscribe.
func (h *DefaultHandler) Subscribe(c echo.Context) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	req := &subscribeRequest{}
	if err := c.Bind(req); err != nil || req.EventType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_type is required"})
	}

	connID, err := h.mux.Subscribe(c.Request().Context(), userID, req.EventType, req.Filters)
	if errors.Is(err, ErrNoActiveConnection) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active connection"})
	}
	if err != nil {
		h.log.Error(c.Request().Context(), "subscribe failed", "user_id", userID, "event_type", req.EventType, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "subscribe failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"client_id":  connID,
		"event_type": req.EventType,
		"subscribed": true,
	})
}

// Unsubscribe handles POST /api/v1/events/unsubscribe.
func (h *DefaultHandler) Unsubscribe(c echo.Context) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	req := &unsubscribeRequest{}
	if err := c.Bind(req); err != nil || req.EventType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_type is required"})
	}

	connID, err := h.mux.Unsubscribe(c.Request().Context(), userID, req.EventType)
	if errors.Is(err, ErrNoActiveConnection) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active connection"})
	}
	if err != nil {
		h.log.Error(c.Request().Context(), "unsubscribe failed", "user_id", userID, "event_type", req.EventType, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unsubscribe failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"client_id":  connID,
		"event_type": req.EventType,
		"subscribed": false,
	})
}

// Connection handles GET /api/v1/events/connection.
func (h *DefaultHandler) Connection(c echo.Context) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	state, err := h.mux.Info(c.Request().Context(), userID)
	if errors.Is(err, ErrNoActiveConnection) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no active connection"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "connection lookup failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":                state.ID,
		"user_id":           state.UserID,
		"last_seen":         state.LastSeen,
		"subscribed_events": state.EventTypes,
		"filters":           state.Filters,
	})
}

// userIDFromContext extracts the authenticated subject from the echo-jwt
// token, falling back to the X-User-ID header set by trusted gateways.
func userIDFromContext(c echo.Context) string {
	if userID, err := auth.GetUserID(c); err == nil {
		return userID
	}
	return c.Request().Header.Get("X-User-ID")
}
