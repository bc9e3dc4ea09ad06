package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/eventstore"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/metrics"
)

// incomingBuffer bounds the hub's intake from the bus before dispatch.
const incomingBuffer = 256

// DefaultHub is the process-local SSE multiplexer. It subscribes to every
// bus event, matches each against the live connection registry, and hands
// frames to the per-connection writer tasks.
type DefaultHub struct {
	bus   bus.Bus
	store eventstore.Store // nil degrades to live-only delivery
	cfg   Config
	log   logging.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	incoming chan *event.Event
	lastID   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Multiplexer = (*DefaultHub)(nil)

// NewDefaultHub wires a hub from the bus, an optional store, and config.
func NewDefaultHub(b bus.Bus, store eventstore.Store, cfg Config) *DefaultHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &DefaultHub{
		bus:      b,
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      logging.Default(),
		conns:    make(map[string]*connection),
		incoming: make(chan *event.Event, incomingBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the bus subscription and launches the dispatcher and
// cleanup tasks. A subscription failure is fatal to start-up.
func (h *DefaultHub) Start() error {
	if h.store == nil {
		h.log.Warn(h.ctx, "event store unavailable, running live-only (no replay, no mirroring)")
	}
	if err := h.bus.Subscribe(">", h.onBusEvent); err != nil {
		return fmt.Errorf("subscribe hub to bus: %w", err)
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.dispatchLoop()
	}()
	go func() {
		defer h.wg.Done()
		h.cleanupLoop()
	}()
	return nil
}

// Shutdown cancels every connection and stops the hub tasks.
func (h *DefaultHub) Shutdown() {
	h.cancel()
	h.mu.RLock()
	for _, c := range h.conns {
		c.cancel()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}

// onBusEvent is the bus handler; it queues the event for dispatch without
// blocking the bus callback.
func (h *DefaultHub) onBusEvent(_ context.Context, ev *event.Event) error {
	select {
	case h.incoming <- ev:
	case <-h.ctx.Done():
	default:
		metrics.SSEDroppedTotal.WithLabelValues("intake_overflow").Inc()
		h.log.Warn(h.ctx, "hub intake full, dropping event", "event_type", ev.Type)
	}
	return nil
}

// dispatchLoop drains the intake in batches: up to BatchMaxSize events or
// one BatchFlushInterval, whichever comes first. Order inside a batch is
// preserved.
func (h *DefaultHub) dispatchLoop() {
	batch := make([]*event.Event, 0, h.cfg.BatchMaxSize)
	timer := time.NewTimer(h.cfg.BatchFlushInterval)
	defer timer.Stop()

	flushBatch := func() {
		for _, ev := range batch {
			h.deliver(ev)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-h.ctx.Done():
			flushBatch()
			return
		case ev := <-h.incoming:
			batch = append(batch, ev)
			if len(batch) >= h.cfg.BatchMaxSize {
				flushBatch()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(h.cfg.BatchFlushInterval)
			}
		case <-timer.C:
			flushBatch()
			timer.Reset(h.cfg.BatchFlushInterval)
		}
	}
}

// deliver matches one bus event against the registry and enqueues frames.
func (h *DefaultHub) deliver(ev *event.Event) {
	label := event.TypeForTopic(ev.Type)
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		metrics.SSEDroppedTotal.WithLabelValues("marshal").Inc()
		h.log.Warn(h.ctx, "dropping unmarshalable event", "event_type", ev.Type, "error", err)
		return
	}
	data, compressed, err := encodeFrameData(payload, h.cfg.CompressionThreshold)
	if err != nil {
		metrics.SSEDroppedTotal.WithLabelValues("compress").Inc()
		h.log.Warn(h.ctx, "dropping uncompressable event", "event_type", ev.Type, "error", err)
		return
	}
	id := h.nextEventID()
	frame := Frame{ID: id, Event: label, Data: data, Compressed: compressed}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	deliveredUsers := make(map[string]struct{})
	for _, c := range targets {
		if !c.matches(label, ev) {
			continue
		}
		select {
		case c.send <- frame:
			deliveredUsers[c.userID] = struct{}{}
			metrics.SSEDeliveredTotal.Inc()
		case <-c.ctx.Done():
		default:
			// The client is not draining its channel; cut it loose and
			// let replay cover the gap after reconnect.
			metrics.SSEDroppedTotal.WithLabelValues("backpressure").Inc()
			c.cancel()
		}
	}

	if h.store != nil && len(deliveredUsers) > 0 {
		go h.appendHistory(deliveredUsers, label, id, string(payload))
	}
}

// appendHistory persists a delivered event per user so replay can find it.
// Runs in the background and never stalls live delivery.
func (h *DefaultHub) appendHistory(users map[string]struct{}, label, id, payload string) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	for u := range users {
		if err := h.store.AppendEvent(ctx, u, label, id, payload); err != nil {
			h.log.Warn(ctx, "event history append failed", "user_id", u, "event_type", label, "error", err)
		}
	}
}

// nextEventID returns a process-local monotonic id derived from the
// nanosecond clock.
func (h *DefaultHub) nextEventID() string {
	for {
		now := time.Now().UnixNano()
		last := h.lastID.Load()
		if now <= last {
			now = last + 1
		}
		if h.lastID.CompareAndSwap(last, now) {
			return strconv.FormatInt(now, 10)
		}
	}
}

// Serve registers a connection and streams frames to w until cancellation.
func (h *DefaultHub) Serve(ctx context.Context, w io.Writer, userID, workspaceID, lastEventID string) error {
	tracer := otel.Tracer("cmp/sse")
	ctx, span := tracer.Start(ctx, "sse.Serve")
	defer span.End()

	conn := newConnection(ctx, uuid.NewString(), userID, workspaceID)
	span.SetAttributes(
		attribute.String("sse.connection_id", conn.id),
		attribute.String("user.id", userID),
	)

	h.register(conn)
	defer h.unregister(conn)

	if err := writeRetry(w, h.cfg.RetryMS); err != nil {
		return err
	}
	flush(w)

	if err := h.writeConnected(w, conn); err != nil {
		return err
	}
	conn.touch()

	if lastEventID != "" {
		if err := h.replay(conn.ctx, w, conn, lastEventID); err != nil {
			return err
		}
	}

	return h.serveLive(w, conn)
}

func (h *DefaultHub) writeConnected(w io.Writer, conn *connection) error {
	payload, err := json.Marshal(map[string]any{
		"connection_id": conn.id,
		"timestamp":     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal connected event: %w", err)
	}
	if err := writeFrame(w, Frame{ID: h.nextEventID(), Event: EventConnected, Data: payload}); err != nil {
		return err
	}
	flush(w)
	return nil
}

// replay drains retained history strictly after lastEventID before live
// delivery starts. Frames keep the stored ids so clients can resume again.
func (h *DefaultHub) replay(ctx context.Context, w io.Writer, conn *connection, lastEventID string) error {
	if h.store == nil {
		return nil
	}
	records, err := h.store.ReadAllAfter(ctx, conn.userID, lastEventID)
	if err != nil {
		// Degrade to live-only; the client keeps its Last-Event-ID.
		h.log.Warn(ctx, "replay read failed", "connection_id", conn.id, "error", err)
		return nil
	}
	for _, rec := range records {
		id := rec.EventID
		if id == "" {
			id = rec.StreamID
		}
		data, compressed, err := encodeFrameData([]byte(rec.Data), h.cfg.CompressionThreshold)
		if err != nil {
			continue
		}
		if err := writeFrame(w, Frame{ID: id, Event: rec.EventType, Data: data, Compressed: compressed}); err != nil {
			return err
		}
		conn.touch()
	}
	flush(w)
	return nil
}

// serveLive is the connection's writer loop: it owns the writer, the
// heartbeat ticker, and the mirror refresh.
func (h *DefaultHub) serveLive(w io.Writer, conn *connection) error {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := writeHeartbeat(w); err != nil {
				return nil
			}
			flush(w)
			conn.touch()
			h.touchMirror(conn)
		case frame := <-conn.send:
			if err := writeFrame(w, frame); err != nil {
				return nil
			}
			flush(w)
			conn.touch()
		}
	}
}

func (h *DefaultHub) register(conn *connection) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	metrics.SSEConnections.Inc()
	h.mirror(conn)
	h.log.Info(conn.ctx, "sse connection opened", "connection_id", conn.id, "user_id", conn.userID)
}

func (h *DefaultHub) unregister(conn *connection) {
	conn.cancel()
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
	metrics.SSEConnections.Dec()

	if h.store != nil {
		go func() {
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			if err := h.store.DeleteConnection(ctx, conn.id, conn.userID); err != nil {
				h.log.Warn(ctx, "connection mirror delete failed", "connection_id", conn.id, "error", err)
			}
			if err := h.store.UntrackConnection(ctx, conn.id); err != nil {
				h.log.Warn(ctx, "subscription untrack failed", "connection_id", conn.id, "error", err)
			}
		}()
	}
	h.log.Info(context.Background(), "sse connection closed", "connection_id", conn.id, "user_id", conn.userID)
}

// mirror refreshes the Redis snapshot in the background. Called on
// registration and subscription changes; heartbeats only refresh its TTL
// through touchMirror.
func (h *DefaultHub) mirror(conn *connection) {
	if h.store == nil {
		return
	}
	state := conn.snapshot()
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := h.store.SaveConnection(ctx, state); err != nil {
			h.log.Warn(ctx, "connection mirror save failed", "connection_id", state.ID, "error", err)
		}
	}()
}

// touchMirror refreshes the mirror TTLs on heartbeat; the snapshot itself is
// only rewritten when state changes.
func (h *DefaultHub) touchMirror(conn *connection) {
	if h.store == nil {
		return
	}
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		if err := h.store.TouchConnection(ctx, conn.id, conn.userID); err != nil {
			h.log.Warn(ctx, "connection mirror touch failed", "connection_id", conn.id, "error", err)
		}
	}()
}

// cleanupLoop sweeps idle connections on a fixed interval.
func (h *DefaultHub) cleanupLoop() {
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.cfg.IdleTimeout)
			h.mu.RLock()
			var idle []*connection
			for _, c := range h.conns {
				if c.lastSeenAt().Before(cutoff) {
					idle = append(idle, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range idle {
				h.log.Info(h.ctx, "closing idle sse connection", "connection_id", c.id, "user_id", c.userID)
				c.cancel()
			}
		}
	}
}

// activeConnection returns the caller's most recently seen live connection.
func (h *DefaultHub) activeConnection(userID string) (*connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var best *connection
	for _, c := range h.conns {
		if c.userID != userID {
			continue
		}
		if best == nil || c.lastSeenAt().After(best.lastSeenAt()) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoActiveConnection
	}
	return best, nil
}

// Subscribe adds an event type to the caller's connection and merges the
// optional filters. Subscribing twice to the same type is a no-op.
func (h *DefaultHub) Subscribe(ctx context.Context, userID, eventType string, filters *eventstore.Filters) (string, error) {
	conn, err := h.activeConnection(userID)
	if err != nil {
		return "", err
	}
	conn.addEventType(eventType)
	conn.mergeFilters(filters)
	h.mirror(conn)
	h.trackSubscription(ctx, conn, filters)
	return conn.id, nil
}

// Unsubscribe removes an event type; removing a non-member succeeds.
func (h *DefaultHub) Unsubscribe(ctx context.Context, userID, eventType string) (string, error) {
	conn, err := h.activeConnection(userID)
	if err != nil {
		return "", err
	}
	conn.removeEventType(eventType)
	h.mirror(conn)
	return conn.id, nil
}

// Info returns the caller's connection snapshot.
func (h *DefaultHub) Info(_ context.Context, userID string) (*eventstore.ConnectionState, error) {
	conn, err := h.activeConnection(userID)
	if err != nil {
		return nil, err
	}
	return conn.snapshot(), nil
}

// trackSubscription records the connection under every targeting key the
// filter merge produced.
func (h *DefaultHub) trackSubscription(ctx context.Context, conn *connection, filters *eventstore.Filters) {
	if h.store == nil || filters == nil {
		return
	}
	resources := orWildcard(filters.ResourceTypes)
	credentials := orWildcard(filters.CredentialIDs)
	regions := orWildcard(filters.Regions)
	go func() {
		trackCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		for _, rt := range resources {
			for _, cred := range credentials {
				for _, region := range regions {
					if err := h.store.TrackSubscription(trackCtx, rt, cred, region, conn.id); err != nil {
						h.log.Warn(ctx, "subscription track failed", "connection_id", conn.id, "error", err)
						return
					}
				}
			}
		}
	}()
}

func orWildcard(values []string) []string {
	if len(values) == 0 {
		return []string{"*"}
	}
	return values
}
