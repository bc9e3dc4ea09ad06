package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cloudmesh-io/cmp/internal/logging"
)

// Retention bounds: whichever of the length cap and TTL is tighter wins.
const (
	streamMaxLen       = 1000
	streamTTL          = time.Hour
	connectionTTL      = time.Hour
	subscriptionTTL    = 2 * time.Hour
	defaultReadMax     = 1000
	scanBatch          = 100
	eventStreamPrefix  = "sse:events:"
	connectionPrefix   = "sse:connection:"
	userConnPrefix     = "sse:user:"
	subscriptionPrefix = "sse:subscriptions:"
)

// nativeStreamIDPattern matches Redis-assigned "ms-seq" entry ids. Plain
// digit strings are NOT native ids here: live SSE frames carry nanosecond
// application ids, which must be resolved against the stored event_id field.
var nativeStreamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// nanoIDThreshold separates nanosecond application ids from anything a real
// stream position could be (unix nanos passed 1e18 in 2001).
const nanoIDThreshold = int64(1) << 50

// DefaultStore implements Store on go-redis.
type DefaultStore struct {
	rdb *redis.Client
	log logging.Logger
}

var _ Store = (*DefaultStore)(nil)

// NewDefaultStore wraps an existing Redis client.
func NewDefaultStore(rdb *redis.Client) *DefaultStore {
	return &DefaultStore{rdb: rdb, log: logging.Default()}
}

func eventStreamKey(userID, eventType string) string {
	return fmt.Sprintf("%s%s:%s", eventStreamPrefix, userID, eventType)
}

func connectionKey(connectionID string) string {
	return connectionPrefix + connectionID
}

func userConnectionsKey(userID string) string {
	return fmt.Sprintf("%s%s:connections", userConnPrefix, userID)
}

func subscriptionKey(resourceType, credentialID, region string) string {
	if resourceType == "" {
		resourceType = "*"
	}
	if credentialID == "" {
		credentialID = "*"
	}
	if region == "" {
		region = "*"
	}
	return fmt.Sprintf("%s%s:%s:%s", subscriptionPrefix, resourceType, credentialID, region)
}

// AppendEvent appends one entry with an approximate length cap and refreshes
// the stream TTL.
func (s *DefaultStore) AppendEvent(ctx context.Context, userID, eventType, eventID, data string) error {
	key := eventStreamKey(userID, eventType)
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":  eventID,
			"data":      data,
			"timestamp": time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append event to %s: %w", key, err)
	}
	if err := s.rdb.Expire(ctx, key, streamTTL).Err(); err != nil {
		return fmt.Errorf("refresh ttl on %s: %w", key, err)
	}
	return nil
}

// ReadAfter reads entries strictly after lastID. A native "ms-seq" stream id
// is used as the range start directly; an application event id (the
// nanosecond ids live frames carry) is resolved against the stored event_id
// field first. Anything unresolvable reads from the start of the retained
// window, leaving duplicate suppression to the client's event_id idempotence.
func (s *DefaultStore) ReadAfter(ctx context.Context, userID, eventType, lastID string, max int64) ([]Record, error) {
	if max <= 0 {
		max = defaultReadMax
	}
	key := eventStreamKey(userID, eventType)
	start, err := s.rangeStart(ctx, key, lastID)
	if err != nil {
		return nil, err
	}
	entries, err := s.rdb.XRangeN(ctx, key, start, "+", max).Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", key, err)
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, recordFromEntry(eventType, entry))
	}
	return records, nil
}

// rangeStart maps a client's Last-Event-ID onto an XRANGE start position.
func (s *DefaultStore) rangeStart(ctx context.Context, key, lastID string) (string, error) {
	if lastID == "" {
		return "-", nil
	}
	if nativeStreamIDPattern.MatchString(lastID) {
		// "(" makes the range exclusive of lastID itself.
		return "(" + lastID, nil
	}

	// Resolve an application event id to the entry that carried it.
	streamID, err := s.findEventID(ctx, key, lastID)
	if err != nil {
		return "", err
	}
	if streamID != "" {
		return "(" + streamID, nil
	}

	// The id is not in this stream (trimmed away, or delivered from another
	// stream of the same user). A nanosecond id still carries its wall-clock
	// position: start at its millisecond, inclusive, so nothing newer is
	// lost even if entries from the same millisecond are redelivered.
	if n, parseErr := strconv.ParseInt(lastID, 10, 64); parseErr == nil && n > nanoIDThreshold {
		return strconv.FormatInt(n/int64(time.Millisecond), 10), nil
	}
	return "-", nil
}

// findEventID scans the retained window for the entry whose event_id field
// equals id and returns its stream id, or "" when absent.
func (s *DefaultStore) findEventID(ctx context.Context, key, id string) (string, error) {
	entries, err := s.rdb.XRangeN(ctx, key, "-", "+", streamMaxLen).Result()
	if err != nil {
		return "", fmt.Errorf("scan stream %s: %w", key, err)
	}
	for _, entry := range entries {
		if v, ok := entry.Values["event_id"].(string); ok && v == id {
			return entry.ID, nil
		}
	}
	return "", nil
}

// ReadAllAfter scans every stream of the user and unions the per-stream
// results. Entries are ordered within each stream, not globally.
func (s *DefaultStore) ReadAllAfter(ctx context.Context, userID, lastID string) ([]Record, error) {
	pattern := eventStreamPrefix + userID + ":*"
	prefix := eventStreamPrefix + userID + ":"

	var records []Record
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		eventType := strings.TrimPrefix(iter.Val(), prefix)
		recs, err := s.ReadAfter(ctx, userID, eventType, lastID, defaultReadMax)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan user streams: %w", err)
	}
	return records, nil
}

// SaveConnection mirrors a snapshot and indexes it under the user set.
func (s *DefaultStore) SaveConnection(ctx context.Context, state *ConnectionState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal connection state: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, connectionKey(state.ID), payload, connectionTTL)
	pipe.SAdd(ctx, userConnectionsKey(state.UserID), state.ID)
	pipe.Expire(ctx, userConnectionsKey(state.UserID), connectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save connection %s: %w", state.ID, err)
	}
	return nil
}

// GetConnection loads a mirrored snapshot; nil means not found.
func (s *DefaultStore) GetConnection(ctx context.Context, connectionID string) (*ConnectionState, error) {
	payload, err := s.rdb.Get(ctx, connectionKey(connectionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", connectionID, err)
	}
	state := &ConnectionState{}
	if err := json.Unmarshal([]byte(payload), state); err != nil {
		return nil, fmt.Errorf("unmarshal connection %s: %w", connectionID, err)
	}
	return state, nil
}

// TouchConnection pushes the mirror TTLs forward without rewriting the
// snapshot payload.
func (s *DefaultStore) TouchConnection(ctx context.Context, connectionID, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, connectionKey(connectionID), connectionTTL)
	pipe.Expire(ctx, userConnectionsKey(userID), connectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch connection %s: %w", connectionID, err)
	}
	return nil
}

// DeleteConnection removes the snapshot and the user-set entry.
func (s *DefaultStore) DeleteConnection(ctx context.Context, connectionID, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, connectionKey(connectionID))
	pipe.SRem(ctx, userConnectionsKey(userID), connectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionID, err)
	}
	return nil
}

// TrackSubscription records the connection under a targeting set.
func (s *DefaultStore) TrackSubscription(ctx context.Context, resourceType, credentialID, region, connectionID string) error {
	key := subscriptionKey(resourceType, credentialID, region)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, connectionID)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track subscription on %s: %w", key, err)
	}
	return nil
}

// ConnectionsFor returns the connection ids tracked for a targeting key.
func (s *DefaultStore) ConnectionsFor(ctx context.Context, resourceType, credentialID, region string) ([]string, error) {
	key := subscriptionKey(resourceType, credentialID, region)
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscription set %s: %w", key, err)
	}
	return ids, nil
}

// UntrackConnection removes the connection id from every targeting set.
func (s *DefaultStore) UntrackConnection(ctx context.Context, connectionID string) error {
	iter := s.rdb.Scan(ctx, 0, subscriptionPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.SRem(ctx, iter.Val(), connectionID).Err(); err != nil {
			return fmt.Errorf("untrack connection from %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan subscription sets: %w", err)
	}
	return nil
}

func recordFromEntry(eventType string, entry redis.XMessage) Record {
	rec := Record{StreamID: entry.ID, EventType: eventType}
	if v, ok := entry.Values["event_id"].(string); ok {
		rec.EventID = v
	}
	if v, ok := entry.Values["data"].(string); ok {
		rec.Data = v
	}
	switch v := entry.Values["timestamp"].(type) {
	case string:
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.Timestamp = ts
		}
	case int64:
		rec.Timestamp = v
	}
	return rec
}
