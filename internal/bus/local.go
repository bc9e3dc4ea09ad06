package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/logging"
)

// LocalBus is an in-memory Bus for tests and single-process deployments.
// Fan-out happens on worker goroutines; plain-subscriber errors are
// swallowed, queue subscriptions keep the same retry policy as NATS.
type LocalBus struct {
	log logging.Logger

	mu     sync.RWMutex
	subs   map[string][]Handler
	queues map[string]*queueRunner
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus constructs an empty in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		log:    logging.Default(),
		subs:   make(map[string][]Handler),
		queues: make(map[string]*queueRunner),
	}
}

// Publish fans the event out to every matching subscriber. Each queue group
// receives the message once.
func (b *LocalBus) Publish(_ context.Context, ev *event.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subject := Subject(ev.Type)
	var handlers []Handler
	for pattern, hs := range b.subs {
		if matchSubject(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	var runners []*queueRunner
	for _, r := range b.queues {
		if matchSubject(Subject(r.subject), subject) {
			runners = append(runners, r)
		}
	}
	// Register in-flight work before releasing the lock so Close waits for it.
	b.wg.Add(len(handlers) + len(runners))
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer b.wg.Done()
			if err := h(context.Background(), ev); err != nil {
				b.log.Warn(context.Background(), "subscriber handler failed", "subject", subject, "error", err)
			}
		}()
	}
	for _, r := range runners {
		r := r
		go func() {
			defer b.wg.Done()
			r.dispatch(ev)
		}()
	}
	return nil
}

// Subscribe registers a best-effort subscriber for one event type.
func (b *LocalBus) Subscribe(eventType string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	subject := Subject(eventType)
	b.subs[subject] = append(b.subs[subject], h)
	return nil
}

// SubscribeQueue registers a queue-group subscriber on a subject pattern.
func (b *LocalBus) SubscribeQueue(subject, queue string, h Handler, opts QueueOpts) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	key := queueKey(subject, queue)
	if _, ok := b.queues[key]; ok {
		return fmt.Errorf("queue subscription already exists for %s/%s", subject, queue)
	}
	b.queues[key] = newQueueRunner(subject, queue, h, opts)
	return nil
}

// Unsubscribe cancels and removes a queue subscription.
func (b *LocalBus) Unsubscribe(subject, queue string) error {
	b.mu.Lock()
	r, ok := b.queues[queueKey(subject, queue)]
	if ok {
		delete(b.queues, queueKey(subject, queue))
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no queue subscription for %s/%s", subject, queue)
	}
	r.stop()
	return nil
}

// QueueStats reports counters for every live queue subscription.
func (b *LocalBus) QueueStats() []QueueStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]QueueStats, 0, len(b.queues))
	for _, r := range b.queues {
		stats = append(stats, r.stats())
	}
	return stats
}

// Health always reports true while the bus is open.
func (b *LocalBus) Health() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops accepting publishes and waits for in-flight fan-out.
func (b *LocalBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, r := range b.queues {
		r.stop()
	}
	b.queues = make(map[string]*queueRunner)
	b.subs = make(map[string][]Handler)
	b.mu.Unlock()
	b.wg.Wait()
}
