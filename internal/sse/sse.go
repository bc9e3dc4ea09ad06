// Package sse accepts Server-Sent-Events connections, tracks per-connection
// subscription state, and fans bus events out to matching clients with
// heartbeat, batching, backpressure, and Last-Event-ID replay.
package sse

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cloudmesh-io/cmp/internal/eventstore"
)

//go:generate go run github.com/matryer/moq@v0.5.3 -out sse_mock.go . Multiplexer

// ErrNoActiveConnection is returned by the control operations when the
// caller has no live connection in this process.
var ErrNoActiveConnection = errors.New("no active connection for user")

// Event names for SSE messages.
const (
	EventConnected = "connected"
)

// Multiplexer is the contract between the HTTP layer and the hub.
//
// Serve blocks until the client disconnects, the connection idles out, or
// the process shuts down. The HTTP layer sets the SSE headers before
// calling; the writer should implement Flusher so frames reach the client
// immediately.
type Multiplexer interface {
	// Serve registers a connection for the authenticated user and streams
	// events to w. When lastEventID is non-empty, retained history after
	// that id is replayed before live delivery starts.
	Serve(ctx context.Context, w io.Writer, userID, workspaceID, lastEventID string) error

	// Subscribe adds an event type to the caller's active connection and
	// merges the optional filters. Returns the connection id.
	Subscribe(ctx context.Context, userID, eventType string, filters *eventstore.Filters) (string, error)

	// Unsubscribe removes an event type from the caller's active
	// connection. Removing a non-member is a no-op success.
	Unsubscribe(ctx context.Context, userID, eventType string) (string, error)

	// Info returns the caller's active connection snapshot.
	Info(ctx context.Context, userID string) (*eventstore.ConnectionState, error)
}

// Flusher is the minimal interface extracted from http.Flusher to avoid
// importing net/http in the core interface file.
type Flusher interface {
	Flush()
}

// Config carries the hub tuning parameters. Zero fields select the
// documented defaults.
type Config struct {
	// HeartbeatInterval controls how often ": heartbeat" comments are
	// written. Default 30s.
	HeartbeatInterval time.Duration

	// IdleTimeout closes connections with no successful write for this
	// long. Default 5m.
	IdleTimeout time.Duration

	// CleanupInterval is the registry sweep period. Default 30s.
	CleanupInterval time.Duration

	// RetryMS is the reconnect delay pushed to clients via the initial
	// "retry:" directive. Default 3000.
	RetryMS int

	// CompressionThreshold is the serialized payload size, in bytes, above
	// which frames switch to base64(gzip(json)) with a "compressed: true"
	// line. Default 1024.
	CompressionThreshold int

	// BatchMaxSize bounds how many bus events one dispatch round handles.
	// Default 10.
	BatchMaxSize int

	// BatchFlushInterval bounds how long an incomplete batch waits.
	// Default 100ms.
	BatchFlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.RetryMS <= 0 {
		c.RetryMS = 3000
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = 10
	}
	if c.BatchFlushInterval <= 0 {
		c.BatchFlushInterval = 100 * time.Millisecond
	}
	return c
}
