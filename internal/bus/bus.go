// Package bus delivers events named by dotted topics to subscribers, either
// over NATS or through an in-process local bus with the same contract.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/metrics"
)

//go:generate go run github.com/matryer/moq@v0.5.3 -out bus_mock.go . Bus

// SubjectPrefix is prepended to every event type when transported via the bus.
const SubjectPrefix = "cmp.events."

// Handler processes a decoded event. A non-nil error from a queue handler
// triggers the subscription's retry policy; plain subscribers are best-effort.
type Handler func(ctx context.Context, ev *event.Event) error

// QueueOpts tunes a queue-group subscription.
type QueueOpts struct {
	// Concurrency bounds how many messages the handler processes at once.
	Concurrency int
	// MaxRetries is the number of in-process retries after the first failure.
	MaxRetries int
	// RetryDelay is the linear backoff base: attempt N sleeps N*RetryDelay.
	RetryDelay time.Duration
}

// QueueStats is a point-in-time snapshot of a queue subscription's counters.
type QueueStats struct {
	Subject   string `json:"subject"`
	Queue     string `json:"queue"`
	Active    int64  `json:"active"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// Bus is the publish/subscribe contract shared by the NATS-backed and the
// in-process implementations.
type Bus interface {
	// Publish serializes the event and delivers it on "cmp.events.{type}".
	Publish(ctx context.Context, ev *event.Event) error

	// Subscribe registers a best-effort, non-queued subscriber for one
	// event type.
	Subscribe(eventType string, h Handler) error

	// SubscribeQueue registers a queue-group subscriber on a subject
	// pattern ("*" and ">" wildcards allowed).
	SubscribeQueue(subject, queue string, h Handler, opts QueueOpts) error

	// Unsubscribe cancels and removes a queue subscription.
	Unsubscribe(subject, queue string) error

	// QueueStats reports the counters of every live queue subscription.
	QueueStats() []QueueStats

	// Health reports connection liveness.
	Health() bool

	// Close tears the bus down, cancelling all subscriptions.
	Close()
}

// Subject returns the transport subject for an event type or topic pattern.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// matchSubject reports whether a dotted subject matches a pattern that may
// contain "*" (single segment) and ">" (tail) wildcards.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, p := range pp {
		if p == ">" {
			return len(sp) > i
		}
		if i >= len(sp) {
			return false
		}
		if p != "*" && p != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

// queueRunner enforces a queue subscription's concurrency bound, retry
// policy, and counters. Both bus implementations dispatch through it.
type queueRunner struct {
	subject string
	queue   string
	handler Handler
	opts    QueueOpts
	sem     chan struct{}

	mu        sync.Mutex
	active    int64
	processed int64
	failed    int64

	cancel context.CancelFunc
	ctx    context.Context
}

func newQueueRunner(subject, queue string, h Handler, opts QueueOpts) *queueRunner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &queueRunner{
		subject: subject,
		queue:   queue,
		handler: h,
		opts:    opts,
		sem:     make(chan struct{}, opts.Concurrency),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// dispatch runs the handler for one message, blocking on the semaphore and
// looping through the retry policy. Exhausted messages are dropped.
func (r *queueRunner) dispatch(ev *event.Event) {
	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		return
	}
	defer func() { <-r.sem }()

	r.mu.Lock()
	r.active++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	var err error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.QueueRetriesTotal.WithLabelValues(r.subject).Inc()
			select {
			case <-time.After(time.Duration(attempt) * r.opts.RetryDelay):
			case <-r.ctx.Done():
				return
			}
		}
		if err = r.handler(r.ctx, ev); err == nil {
			r.mu.Lock()
			r.processed++
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

func (r *queueRunner) stats() QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return QueueStats{
		Subject:   r.subject,
		Queue:     r.queue,
		Active:    r.active,
		Processed: r.processed,
		Failed:    r.failed,
	}
}

func (r *queueRunner) stop() {
	r.cancel()
}

func queueKey(subject, queue string) string {
	return subject + "|" + queue
}
