package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmesh-io/cmp/internal/bus"
	"github.com/cloudmesh-io/cmp/internal/config"
	"github.com/cloudmesh-io/cmp/internal/event"
)

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

// memoryRepository is an in-memory Repository for worker tests.
type memoryRepository struct {
	mu   sync.Mutex
	rows map[string]*OutboxEvent
}

var _ Repository = (*memoryRepository)(nil)

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{rows: make(map[string]*OutboxEvent)}
}

func (r *memoryRepository) Insert(_ context.Context, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := &OutboxEvent{
		ID:          uuid.NewString(),
		Topic:       topic,
		EventType:   event.TypeForTopic(topic),
		Data:        data,
		WorkspaceID: workspaceID,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	r.rows[row.ID] = row
	return row, nil
}

func (r *memoryRepository) InsertTx(ctx context.Context, _ pgx.Tx, topic string, data map[string]any, workspaceID *string) (*OutboxEvent, error) {
	return r.Insert(ctx, topic, data, workspaceID)
}

func (r *memoryRepository) ClaimPending(_ context.Context, limit int) ([]*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*OutboxEvent
	for _, row := range r.rows {
		if row.Status == StatusPending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	claimed := make([]*OutboxEvent, 0, len(pending))
	for _, row := range pending {
		row.Status = StatusProcessing
		row.UpdatedAt = time.Now()
		snapshot := *row
		claimed = append(claimed, &snapshot)
	}
	return claimed, nil
}

func (r *memoryRepository) MarkPublished(_ context.Context, id string) error {
	return r.update(id, func(row *OutboxEvent) {
		row.Status = StatusPublished
	})
}

func (r *memoryRepository) MarkFailed(_ context.Context, id string, lastError string) error {
	return r.update(id, func(row *OutboxEvent) {
		row.Status = StatusFailed
		row.RetryCount++
		row.LastError = &lastError
	})
}

func (r *memoryRepository) Release(_ context.Context, id string, lastError string) error {
	return r.update(id, func(row *OutboxEvent) {
		row.Status = StatusPending
		row.RetryCount++
		row.LastError = &lastError
	})
}

func (r *memoryRepository) ReclaimStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *memoryRepository) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *memoryRepository) update(id string, fn func(*OutboxEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return errors.New("row not found")
	}
	fn(row)
	row.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepository) get(id string) OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

// recordingBus captures published events.
type recordingBus struct {
	bus.Bus
	mu        sync.Mutex
	published []*event.Event
	failTopic string
	failAll   bool
	attempts  int
}

func newRecordingBus() *recordingBus {
	return &recordingBus{Bus: bus.NewLocalBus()}
}

func (b *recordingBus) Publish(ctx context.Context, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failAll || (b.failTopic != "" && ev.Type == b.failTopic) {
		return errors.New("bus rejects publish")
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *recordingBus) publishedTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.published))
	for _, ev := range b.published {
		types = append(types, ev.Type)
	}
	return types
}

func (b *recordingBus) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func testConfig() config.Outbox {
	return config.Outbox{
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
	}
}

func TestWorker_PublishesPendingRow(t *testing.T) {
	repo := newMemoryRepository()
	rb := newRecordingBus()

	ws := "ws-1"
	row, err := repo.Insert(context.Background(), "network.aws.cred-1.us-east-1.vpcs.created", map[string]any{
		"provider":      "aws",
		"credential_id": "cred-1",
		"region":        "us-east-1",
		"vpc_id":        "v1",
	}, &ws)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(repo, rb, testConfig())
	go w.Start(ctx)
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return repo.get(row.ID).Status == StatusPublished })

	types := rb.publishedTypes()
	require.Len(t, types, 1)
	assert.Equal(t, "network.aws.cred-1.us-east-1.vpcs.created", types[0])

	rb.mu.Lock()
	published := rb.published[0]
	rb.mu.Unlock()
	assert.Equal(t, "ws-1", published.WorkspaceID)
	assert.Equal(t, "v1", published.Data["vpc_id"])
	assert.NotZero(t, published.Timestamp)
}

func TestWorker_RetryExhaustion(t *testing.T) {
	repo := newMemoryRepository()
	rb := newRecordingBus()
	rb.failAll = true

	row, err := repo.Insert(context.Background(), "vm.aws.cred-1.created", map[string]any{"vmId": "vm-1"}, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(repo, rb, cfg)
	go w.Start(ctx)
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.get(row.ID).Status == StatusFailed })

	final := repo.get(row.ID)
	assert.Equal(t, 2, final.RetryCount)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "bus rejects publish")

	// No further publish attempts once the row is terminal.
	attempts := rb.attemptCount()
	assert.Equal(t, 2, attempts)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, rb.attemptCount())
}

func TestWorker_ContinuesAfterSingleRowFailure(t *testing.T) {
	repo := newMemoryRepository()
	rb := newRecordingBus()
	rb.failTopic = "vm.aws.cred-1.created"

	bad, err := repo.Insert(context.Background(), "vm.aws.cred-1.created", nil, nil)
	require.NoError(t, err)
	good, err := repo.Insert(context.Background(), "workspace.ws-1.updated", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(repo, rb, testConfig())
	go w.Start(ctx)
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return repo.get(good.ID).Status == StatusPublished })
	waitFor(t, 2*time.Second, func() bool { return repo.get(bad.ID).Status == StatusFailed })

	assert.Contains(t, rb.publishedTypes(), "workspace.ws-1.updated")
	assert.NotContains(t, rb.publishedTypes(), "vm.aws.cred-1.created")
}

func TestWorker_StopEndsLoop(t *testing.T) {
	repo := newMemoryRepository()
	w := NewWorker(repo, newRecordingBus(), testConfig())

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	// Stop is idempotent.
	w.Stop()
}
