// Package metrics registers the prometheus collectors for the event plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxPublishedTotal counts outbox rows that reached the published state.
	OutboxPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmp_outbox_published_total",
		Help: "Outbox events successfully published to the bus.",
	})

	// OutboxFailedTotal counts outbox rows that exhausted their retries.
	OutboxFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmp_outbox_failed_total",
		Help: "Outbox events that reached the terminal failed state.",
	})

	// BusPublishTotal counts bus publish attempts by outcome.
	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmp_bus_publish_total",
		Help: "Bus publish attempts by outcome.",
	}, []string{"outcome"})

	// BusDecodeFailuresTotal counts dropped messages with undecodable payloads.
	BusDecodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmp_bus_decode_failures_total",
		Help: "Bus messages dropped because the payload failed to decode.",
	})

	// QueueRetriesTotal counts in-process queue handler retries.
	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmp_queue_retries_total",
		Help: "Queue subscription handler retries by subject.",
	}, []string{"subject"})

	// SSEConnections tracks the number of live SSE connections.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmp_sse_connections",
		Help: "Live SSE connections in this process.",
	})

	// SSEDeliveredTotal counts frames delivered to SSE clients.
	SSEDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmp_sse_delivered_total",
		Help: "SSE event frames delivered to clients.",
	})

	// SSEDroppedTotal counts events dropped by matching or backpressure.
	SSEDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmp_sse_dropped_total",
		Help: "SSE events not delivered, by reason.",
	}, []string{"reason"})
)
