// Package eventstore retains recent events per user per event type in Redis
// Streams so reconnecting SSE clients can replay from Last-Event-ID, and
// mirrors connection state for cross-process visibility.
package eventstore

import "context"

//go:generate go run github.com/matryer/moq@v0.5.3 -out store_mock.go . Store

// Record is one retained event read back from a stream.
type Record struct {
	// StreamID is the Redis-assigned stream entry id ("ms-seq").
	StreamID string `json:"stream_id"`
	// EventType is the SSE label of the stream the record came from.
	EventType string `json:"event_type"`
	// EventID is the application-generated id carried in the entry.
	EventID string `json:"event_id"`
	// Data is the JSON payload as stored.
	Data string `json:"data"`
	// Timestamp is the unix-seconds stamp recorded at append time.
	Timestamp int64 `json:"timestamp"`
}

// Filters is the four-set filter quadruple attached to a connection.
type Filters struct {
	Providers     []string `json:"providers,omitempty"`
	CredentialIDs []string `json:"credential_ids,omitempty"`
	Regions       []string `json:"regions,omitempty"`
	ResourceTypes []string `json:"resource_types,omitempty"`
}

// ConnectionState is the Redis mirror of a live SSE connection.
type ConnectionState struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	EventTypes  []string `json:"subscribed_event_types,omitempty"`
	VMIDs       []string `json:"subscribed_vm_ids,omitempty"`
	ProviderIDs []string `json:"subscribed_provider_ids,omitempty"`
	Filters     Filters  `json:"filters"`
	LastSeen    int64    `json:"last_seen"`
}

// Store is the event-history and connection-mirror contract. Every method
// is safe to skip when Redis is down; callers degrade to live-only mode.
type Store interface {
	// AppendEvent appends to "sse:events:{user}:{type}" with an
	// approximate length cap and a refreshed TTL.
	AppendEvent(ctx context.Context, userID, eventType, eventID, data string) error

	// ReadAfter reads entries strictly after lastID from one stream. An
	// absent or malformed lastID reads from the start of the retained
	// window.
	ReadAfter(ctx context.Context, userID, eventType, lastID string, max int64) ([]Record, error)

	// ReadAllAfter unions ReadAfter across all of the user's streams.
	// Order is preserved within each stream only.
	ReadAllAfter(ctx context.Context, userID, lastID string) ([]Record, error)

	// SaveConnection mirrors a connection snapshot with a 1 hour TTL and
	// indexes it under the user's connection set.
	SaveConnection(ctx context.Context, state *ConnectionState) error

	// GetConnection loads a mirrored snapshot, or nil when absent.
	GetConnection(ctx context.Context, connectionID string) (*ConnectionState, error)

	// TouchConnection refreshes the mirror TTLs without rewriting the
	// snapshot; used on heartbeats where the state has not changed.
	TouchConnection(ctx context.Context, connectionID, userID string) error

	// DeleteConnection removes the snapshot and the user-set entry.
	DeleteConnection(ctx context.Context, connectionID, userID string) error

	// TrackSubscription records a connection id under the
	// "sse:subscriptions:{resource}:{credential}:{region}" targeting set.
	TrackSubscription(ctx context.Context, resourceType, credentialID, region, connectionID string) error

	// ConnectionsFor returns the connection ids tracked for a targeting key.
	ConnectionsFor(ctx context.Context, resourceType, credentialID, region string) ([]string, error)

	// UntrackConnection removes the connection id from every targeting set.
	UntrackConnection(ctx context.Context, connectionID string) error
}
