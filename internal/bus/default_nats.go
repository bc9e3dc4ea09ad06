package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cloudmesh-io/cmp/internal/codec"
	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/logging"
	"github.com/cloudmesh-io/cmp/internal/metrics"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// DefaultNATSBus implements Bus on a core NATS connection. Queue groups rely
// on NATS's own load balancing for at-most-one delivery per group; retries
// are in-process per message.
type DefaultNATSBus struct {
	conn  *nats.Conn
	codec codec.Codec
	log   logging.Logger

	mu     sync.Mutex
	plain  []*nats.Subscription
	queues map[string]*natsQueueSub
	closed bool
}

type natsQueueSub struct {
	sub    *nats.Subscription
	runner *queueRunner
}

var _ Bus = (*DefaultNATSBus)(nil)

// NewDefaultNATSBus connects to NATS and returns a bus using the given codec.
func NewDefaultNATSBus(url string, c codec.Codec) (*DefaultNATSBus, error) {
	log := logging.Default()
	opts := []nats.Option{
		nats.Name("cmp-events"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn(context.Background(), "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(context.Background(), "nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info(context.Background(), "nats connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &DefaultNATSBus{
		conn:   conn,
		codec:  c,
		log:    log,
		queues: make(map[string]*natsQueueSub),
	}, nil
}

// Publish encodes the event and fires it at "cmp.events.{type}".
func (b *DefaultNATSBus) Publish(ctx context.Context, ev *event.Event) error {
	tracer := otel.Tracer("cmp/bus")
	ctx, span := tracer.Start(ctx, "bus.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", ev.Type))

	data, err := b.codec.Encode(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode event")
		return fmt.Errorf("encode event: %w", err)
	}

	if err := b.conn.Publish(Subject(ev.Type), data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		metrics.BusPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	metrics.BusPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe registers a best-effort subscriber for one event type. Handler
// errors are logged and otherwise ignored.
func (b *DefaultNATSBus) Subscribe(eventType string, h Handler) error {
	sub, err := b.conn.Subscribe(Subject(eventType), func(msg *nats.Msg) {
		ctx := context.Background()
		ev, err := b.codec.Decode(msg.Data)
		if err != nil {
			metrics.BusDecodeFailuresTotal.Inc()
			b.log.Warn(ctx, "dropping undecodable message", "subject", msg.Subject, "error", err)
			return
		}
		if err := h(ctx, ev); err != nil {
			b.log.Warn(ctx, "subscriber handler failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventType, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = sub.Unsubscribe()
		return ErrBusClosed
	}
	b.plain = append(b.plain, sub)
	return nil
}

// SubscribeQueue registers a queue-group subscriber on a subject pattern.
// The pattern is prefixed with "cmp.events." for transport.
func (b *DefaultNATSBus) SubscribeQueue(subject, queue string, h Handler, opts QueueOpts) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	key := queueKey(subject, queue)
	if _, ok := b.queues[key]; ok {
		return fmt.Errorf("queue subscription already exists for %s/%s", subject, queue)
	}

	runner := newQueueRunner(subject, queue, h, opts)
	sub, err := b.conn.QueueSubscribe(Subject(subject), queue, func(msg *nats.Msg) {
		ev, err := b.codec.Decode(msg.Data)
		if err != nil {
			metrics.BusDecodeFailuresTotal.Inc()
			b.log.Warn(context.Background(), "dropping undecodable message", "subject", msg.Subject, "error", err)
			return
		}
		go runner.dispatch(ev)
	})
	if err != nil {
		runner.stop()
		return fmt.Errorf("queue subscribe %s/%s: %w", subject, queue, err)
	}

	b.queues[key] = &natsQueueSub{sub: sub, runner: runner}
	return nil
}

// Unsubscribe cancels and removes a queue subscription.
func (b *DefaultNATSBus) Unsubscribe(subject, queue string) error {
	b.mu.Lock()
	qs, ok := b.queues[queueKey(subject, queue)]
	if ok {
		delete(b.queues, queueKey(subject, queue))
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no queue subscription for %s/%s", subject, queue)
	}
	qs.runner.stop()
	if err := qs.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s/%s: %w", subject, queue, err)
	}
	return nil
}

// QueueStats reports counters for every live queue subscription.
func (b *DefaultNATSBus) QueueStats() []QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make([]QueueStats, 0, len(b.queues))
	for _, qs := range b.queues {
		stats = append(stats, qs.runner.stats())
	}
	return stats
}

// Health reports whether the NATS connection is currently up.
func (b *DefaultNATSBus) Health() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains the connection and cancels every subscription.
func (b *DefaultNATSBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	plain := b.plain
	queues := b.queues
	b.plain = nil
	b.queues = make(map[string]*natsQueueSub)
	b.mu.Unlock()

	for _, s := range plain {
		_ = s.Unsubscribe()
	}
	for _, qs := range queues {
		qs.runner.stop()
		_ = qs.sub.Unsubscribe()
	}
	_ = b.conn.Drain()
}
