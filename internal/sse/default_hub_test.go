package sse

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/event"
	"github.com/cloudmesh-io/cmp/internal/eventstore"
)

type bufFlusher struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

func (b *bufFlusher) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufFlusher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
}

func (b *bufFlusher) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func fastConfig() Config {
	return Config{
		HeartbeatInterval:  time.Minute,
		IdleTimeout:        time.Minute,
		CleanupInterval:    time.Minute,
		BatchMaxSize:       10,
		BatchFlushInterval: 10 * time.Millisecond,
	}
}

// newTestHub wires a hub on a local bus and a miniredis-backed store.
func newTestHub(t *testing.T, cfg Config) (*DefaultHub, *bus.LocalBus, *miniredis.Miniredis, eventstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := eventstore.NewDefaultStore(rdb)

	b := bus.NewLocalBus()
	t.Cleanup(b.Close)

	hub := NewDefaultHub(b, store, cfg)
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Shutdown)
	return hub, b, mr, store
}

// serve starts a connection for the user and returns its output buffer and
// cancel function. It blocks until the connected event is on the wire.
func serve(t *testing.T, hub *DefaultHub, userID, lastEventID string) (*bufFlusher, context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := &bufFlusher{}
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx, w, userID, "", lastEventID)
		close(done)
	}()
	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), "event: connected")
	})
	return w, cancel, done
}

func TestDefaultHub_LiveDelivery(t *testing.T) {
	hub, b, mr, _ := newTestHub(t, fastConfig())

	w, cancel, done := serve(t, hub, "u1", "")
	defer cancel()

	assert.True(t, strings.HasPrefix(w.String(), "retry: 3000\n\n"))

	topic := "network.aws.cred-1.us-east-1.vpcs.created"
	require.NoError(t, b.Publish(context.Background(), event.New(topic, map[string]any{
		"provider":      "aws",
		"credential_id": "cred-1",
		"region":        "us-east-1",
		"vpc_id":        "v1",
	})))

	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), "event: network-vpc-created")
	})
	out := w.String()
	assert.Contains(t, out, `"vpc_id":"v1"`)

	// Every delivered frame carries an id line before its event line.
	idx := strings.Index(out, "event: network-vpc-created")
	require.Greater(t, idx, 0)
	before := out[:idx]
	assert.True(t, strings.HasSuffix(before, "\n") && strings.Contains(before, "id: "))

	// History lands in the per-user per-type stream.
	waitFor(t, time.Second, func() bool {
		return mr.Exists("sse:events:u1:network-vpc-created")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	// The Redis mirror is deleted on disconnect.
	waitFor(t, time.Second, func() bool {
		keys := mr.Keys()
		for _, k := range keys {
			if strings.HasPrefix(k, "sse:connection:") {
				return false
			}
		}
		return true
	})
}

func TestDefaultHub_FilterRejection(t *testing.T) {
	hub, b, _, _ := newTestHub(t, fastConfig())

	filtered, cancelFiltered, _ := serve(t, hub, "u1", "")
	defer cancelFiltered()
	open, cancelOpen, _ := serve(t, hub, "u2", "")
	defer cancelOpen()

	_, err := hub.Subscribe(context.Background(), "u1", "network-vpc-created", &eventstore.Filters{
		CredentialIDs: []string{"cred-A"},
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event.New("network.gcp.cred-B.europe-west1.vpcs.created", map[string]any{
		"provider":      "gcp",
		"credential_id": "cred-B",
	})))

	waitFor(t, time.Second, func() bool {
		return strings.Contains(open.String(), "event: network-vpc-created")
	})
	assert.NotContains(t, filtered.String(), "event: network-vpc-created")
}

func TestDefaultHub_VMFamilyRequiresSubscription(t *testing.T) {
	hub, b, _, _ := newTestHub(t, fastConfig())

	w, cancel, _ := serve(t, hub, "u1", "")
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), event.New(event.TopicVMStatusUpdate, map[string]any{
		"vmId":   "vm-1",
		"status": "running",
	})))

	// Without a vm subscription nothing arrives.
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, w.String(), "event: vm-status-update")
}

func TestDefaultHub_SystemEventsDeliverUnconditionally(t *testing.T) {
	hub, b, _, _ := newTestHub(t, fastConfig())

	w, cancel, _ := serve(t, hub, "u1", "")
	defer cancel()

	// Narrow event-type set does not block system events.
	_, err := hub.Subscribe(context.Background(), "u1", "workspace-created", nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), event.New(event.TopicSystemNotification, map[string]any{
		"message": "maintenance window",
	})))

	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), "event: notification")
	})
}

func TestDefaultHub_Replay(t *testing.T) {
	hub, _, _, store := newTestHub(t, fastConfig())
	ctx := context.Background()

	// Retained history for u1: three events in one stream.
	require.NoError(t, store.AppendEvent(ctx, "u1", "network-vpc-created", "101", `{"vpc_id":"v1"}`))
	require.NoError(t, store.AppendEvent(ctx, "u1", "network-vpc-created", "102", `{"vpc_id":"v2"}`))
	require.NoError(t, store.AppendEvent(ctx, "u1", "network-vpc-created", "103", `{"vpc_id":"v3"}`))

	all, err := store.ReadAfter(ctx, "u1", "network-vpc-created", "", 100)
	require.NoError(t, err)
	require.Len(t, all, 3)

	w, cancel, _ := serve(t, hub, "u1", all[0].StreamID)
	defer cancel()

	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), `"vpc_id":"v3"`)
	})
	out := w.String()

	// Nothing at or before Last-Event-ID is redelivered.
	assert.NotContains(t, out, `"vpc_id":"v1"`)

	// Replayed frames keep the stored event ids, in stream order.
	first := strings.Index(out, "id: 102")
	second := strings.Index(out, "id: 103")
	require.Greater(t, first, 0)
	require.Greater(t, second, first)
}

func TestDefaultHub_ResumeWithLiveEventID(t *testing.T) {
	hub, b, _, store := newTestHub(t, fastConfig())
	ctx := context.Background()

	w, cancel, done := serve(t, hub, "u1", "")

	topic := "network.aws.cred-1.us-east-1.vpcs.created"
	require.NoError(t, b.Publish(ctx, event.New(topic, map[string]any{"vpc_id": "v1"})))
	waitFor(t, time.Second, func() bool { return strings.Contains(w.String(), `"vpc_id":"v1"`) })
	require.NoError(t, b.Publish(ctx, event.New(topic, map[string]any{"vpc_id": "v2"})))
	waitFor(t, time.Second, func() bool { return strings.Contains(w.String(), `"vpc_id":"v2"`) })

	// Both events are in the retained history before the client drops.
	waitFor(t, time.Second, func() bool {
		records, err := store.ReadAfter(ctx, "u1", "network-vpc-created", "", 100)
		return err == nil && len(records) == 2
	})

	// The Last-Event-ID a real client echoes back is the live frame's
	// nanosecond id, not a Redis stream id.
	frameIDs := regexp.MustCompile(`id: (\d+)\nevent: network-vpc-created`).FindAllStringSubmatch(w.String(), -1)
	require.Len(t, frameIDs, 2)
	lastSeen := frameIDs[0][1]

	cancel()
	<-done

	w2, cancel2, _ := serve(t, hub, "u1", lastSeen)
	defer cancel2()

	// Only the event after the echoed id is replayed.
	waitFor(t, time.Second, func() bool { return strings.Contains(w2.String(), `"vpc_id":"v2"`) })
	assert.NotContains(t, w2.String(), `"vpc_id":"v1"`)
}

func TestDefaultHub_ReplayWithoutStore(t *testing.T) {
	b := bus.NewLocalBus()
	t.Cleanup(b.Close)
	hub := NewDefaultHub(b, nil, fastConfig())
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Shutdown)

	// A Last-Event-ID with no store degrades to live-only, not an error.
	w, cancel, _ := serve(t, hub, "u1", "1-0")
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), event.New("workspace.ws-1.created", map[string]any{"name": "alpha"})))
	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), "event: workspace-created")
	})
}

func TestDefaultHub_CompressedFrame(t *testing.T) {
	cfg := fastConfig()
	cfg.CompressionThreshold = 128
	hub, b, _, _ := newTestHub(t, cfg)

	w, cancel, _ := serve(t, hub, "u1", "")
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), event.New("workspace.ws-1.created", map[string]any{
		"blob": strings.Repeat("abcdefgh", 64),
	})))

	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), "compressed: true")
	})
	assert.Contains(t, w.String(), "event: workspace-created")
}

func TestDefaultHub_Heartbeat(t *testing.T) {
	cfg := fastConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	hub, _, _, _ := newTestHub(t, cfg)

	w, cancel, _ := serve(t, hub, "u1", "")
	defer cancel()

	waitFor(t, time.Second, func() bool {
		return strings.Contains(w.String(), ": heartbeat")
	})
}

func TestDefaultHub_IdleCleanup(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.CleanupInterval = 20 * time.Millisecond
	hub, _, mr, _ := newTestHub(t, cfg)

	_, cancel, done := serve(t, hub, "u1", "")
	defer cancel()

	// The sweep cancels the idle connection and the mirror disappears.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not cleaned up")
	}
	waitFor(t, time.Second, func() bool {
		for _, k := range mr.Keys() {
			if strings.HasPrefix(k, "sse:connection:") {
				return false
			}
		}
		return true
	})
	_, err := hub.Info(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestDefaultHub_BackpressureCancelsSlowClient(t *testing.T) {
	hub, _, _, _ := newTestHub(t, fastConfig())

	// A connection whose send channel is full and whose writer never drains.
	conn := newConnection(context.Background(), "conn-slow", "u1", "")
	for i := 0; i < sendBuffer; i++ {
		conn.send <- Frame{ID: "0", Event: "noop", Data: []byte("{}")}
	}
	hub.mu.Lock()
	hub.conns[conn.id] = conn
	hub.mu.Unlock()

	hub.deliver(event.New("workspace.ws-1.created", map[string]any{"name": "alpha"}))

	select {
	case <-conn.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("slow connection was not cancelled")
	}
}

func TestDefaultHub_ControlOpsWithoutConnection(t *testing.T) {
	hub, _, _, _ := newTestHub(t, fastConfig())
	ctx := context.Background()

	_, err := hub.Subscribe(ctx, "ghost", "workspace-created", nil)
	assert.ErrorIs(t, err, ErrNoActiveConnection)
	_, err = hub.Unsubscribe(ctx, "ghost", "workspace-created")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
	_, err = hub.Info(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestDefaultHub_SubscribeIdempotent(t *testing.T) {
	hub, _, _, _ := newTestHub(t, fastConfig())
	ctx := context.Background()

	_, cancel, _ := serve(t, hub, "u1", "")
	defer cancel()

	connID, err := hub.Subscribe(ctx, "u1", "workspace-created", nil)
	require.NoError(t, err)
	again, err := hub.Subscribe(ctx, "u1", "workspace-created", nil)
	require.NoError(t, err)
	assert.Equal(t, connID, again)

	state, err := hub.Info(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"workspace-created"}, state.EventTypes)

	// Unsubscribe of a non-member is a no-op success.
	_, err = hub.Unsubscribe(ctx, "u1", "never-subscribed")
	require.NoError(t, err)
	state, err = hub.Info(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"workspace-created"}, state.EventTypes)

	_, err = hub.Unsubscribe(ctx, "u1", "workspace-created")
	require.NoError(t, err)
	state, err = hub.Info(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, state.EventTypes)
}
