// Package http provides the HTTP server and route handlers.
package http

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/outbox"
	"github.com/cloudmesh-io/cmp/internal/queue"
	"github.com/cloudmesh-io/cmp/internal/sse"
)

// Server wires the echo engine and the event-plane handlers.
type Server struct {
	e         *echo.Echo
	bus       bus.Bus
	rdb       *redis.Client
	enqueuer  queue.Enqueuer
	publisher *outbox.Publisher
	log       logging.Logger
}

// NewServer creates and configures a new Echo server. rdb and authMW may be
// nil: without Redis the event store is absent and health reports it
// disabled; without authMW the SSE handlers fall back to the
// gateway-supplied identity header.
func NewServer(b bus.Bus, sseHandler *sse.DefaultHandler, enq queue.Enqueuer, pub *outbox.Publisher, rdb *redis.Client, authMW echo.MiddlewareFunc) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		e:         e,
		bus:       b,
		rdb:       rdb,
		enqueuer:  enq,
		publisher: pub,
		log:       logging.Default(),
	}

	e.GET("/health", s.healthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if authMW != nil {
		api.Use(authMW)
	}
	api.GET("/events", sseHandler.Events)
	api.POST("/events/subscribe", sseHandler.Subscribe)
	api.POST("/events/unsubscribe", sseHandler.Unsubscribe)
	api.GET("/events/connection", sseHandler.Connection)
	api.POST("/notifications", s.createNotification)
	api.GET("/admin/queues", s.queueStats)

	return s
}

// Start begins serving on the given address and blocks.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Echo exposes the underlying engine for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}
