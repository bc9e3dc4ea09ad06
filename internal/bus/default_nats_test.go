package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmesh-io/cmp/internal/codec"
	"github.com/cloudmesh-io/cmp/internal/event"
)

// runNATSServer starts an embedded NATS server on an ephemeral port.
func runNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestDefaultNATSBus_PublishSubscribe(t *testing.T) {
	ns := runNATSServer(t)

	b, err := NewDefaultNATSBus(ns.ClientURL(), codec.NewDefaultCodec(codec.CompressionGzip, 1024))
	require.NoError(t, err)
	defer b.Close()

	var got atomic.Value
	require.NoError(t, b.Subscribe("network.aws.cred-1.us-east-1.vpcs.created", func(_ context.Context, ev *event.Event) error {
		got.Store(ev)
		return nil
	}))

	// Large payload exercises the compression path end to end.
	ev := event.New("network.aws.cred-1.us-east-1.vpcs.created", map[string]any{
		"provider":      "aws",
		"credential_id": "cred-1",
		"region":        "us-east-1",
		"vpc_id":        "v1",
		"blob":          strings.Repeat("abcdefgh", 512),
	})
	require.NoError(t, b.Publish(context.Background(), ev))

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	decoded := got.Load().(*event.Event)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.Data, decoded.Data)
}

func TestDefaultNATSBus_QueueGroupSingleDelivery(t *testing.T) {
	ns := runNATSServer(t)

	c := codec.NewDefaultCodec(codec.CompressionNone, 1024)
	b1, err := NewDefaultNATSBus(ns.ClientURL(), c)
	require.NoError(t, err)
	defer b1.Close()
	b2, err := NewDefaultNATSBus(ns.ClientURL(), c)
	require.NoError(t, err)
	defer b2.Close()

	var total atomic.Int64
	handler := func(context.Context, *event.Event) error {
		total.Add(1)
		return nil
	}
	opts := QueueOpts{Concurrency: 1, MaxRetries: 0, RetryDelay: time.Millisecond}
	require.NoError(t, b1.SubscribeQueue("system.notification", "dispatchers", handler, opts))
	require.NoError(t, b2.SubscribeQueue("system.notification", "dispatchers", handler, opts))

	for i := 0; i < 5; i++ {
		require.NoError(t, b1.Publish(context.Background(), event.New("system.notification", map[string]any{"n": i})))
	}

	// Each message reaches the group at most once.
	waitFor(t, 2*time.Second, func() bool { return total.Load() == 5 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(5), total.Load())
}

func TestDefaultNATSBus_WildcardQueueSubscription(t *testing.T) {
	ns := runNATSServer(t)

	b, err := NewDefaultNATSBus(ns.ClientURL(), codec.NewDefaultCodec(codec.CompressionNone, 1024))
	require.NoError(t, err)
	defer b.Close()

	var received atomic.Int64
	require.NoError(t, b.SubscribeQueue("kubernetes.>", "workers", func(context.Context, *event.Event) error {
		received.Add(1)
		return nil
	}, QueueOpts{Concurrency: 1}))

	require.NoError(t, b.Publish(context.Background(),
		event.New("kubernetes.aws.cred-1.us-east-1.clusters.created", map[string]any{"cluster": "c1"})))
	require.NoError(t, b.Publish(context.Background(),
		event.New("vm.aws.cred-1.created", nil)))

	waitFor(t, 2*time.Second, func() bool { return received.Load() == 1 })
}

func TestDefaultNATSBus_Unsubscribe(t *testing.T) {
	ns := runNATSServer(t)

	b, err := NewDefaultNATSBus(ns.ClientURL(), codec.NewDefaultCodec(codec.CompressionNone, 1024))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SubscribeQueue("system.notification", "workers",
		func(context.Context, *event.Event) error { return nil }, QueueOpts{}))
	require.Len(t, b.QueueStats(), 1)

	require.NoError(t, b.Unsubscribe("system.notification", "workers"))
	assert.Empty(t, b.QueueStats())
	assert.Error(t, b.Unsubscribe("system.notification", "workers"))
}

func TestDefaultNATSBus_Health(t *testing.T) {
	ns := runNATSServer(t)

	b, err := NewDefaultNATSBus(ns.ClientURL(), codec.NewDefaultCodec(codec.CompressionNone, 1024))
	require.NoError(t, err)
	assert.True(t, b.Health())

	b.Close()
	waitFor(t, 2*time.Second, func() bool { return !b.Health() })
}
