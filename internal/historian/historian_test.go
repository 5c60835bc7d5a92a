// internal/historian/historian_test.go
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/guess/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanQueue stands in for a Redis list.
type chanQueue struct {
	items chan string
}

func (q *chanQueue) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	select {
	case v := <-q.items:
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-time.After(timeout):
		return redis.NewStringSliceResult(nil, redis.Nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	}
}

type memorySink struct {
	mu        sync.Mutex
	batches   [][]models.RoundAction
	abandoned []uuid.UUID
	failNext  bool
}

func (m *memorySink) InsertRoundActions(_ context.Context, batch []models.RoundAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("db down")
	}
	m.batches = append(m.batches, append([]models.RoundAction(nil), batch...))
	return nil
}

func (m *memorySink) MarkRoundAbandoned(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	m.abandoned = append(m.abandoned, id)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) stored() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.PopTimeout = 5 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func encode(t *testing.T, a models.RoundAction) string {
	t.Helper()
	b, err := json.Marshal(a)
	require.NoError(t, err)
	return string(b)
}

func TestRunPersistsQueuedActions(t *testing.T) {
	q := &chanQueue{items: make(chan string, 8)}
	sink := &memorySink{}
	svc := New(q, sink, testConfig(), quietLogger())

	round := uuid.New()
	for i := 0; i < 3; i++ {
		q.items <- encode(t, models.RoundAction{RoundID: round, ActionIndex: i, ActionType: models.ActionCorrectAnswer})
	}
	q.items <- "not json"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Eventually(t, func() bool { return sink.stored() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestFailedFlushIsRetried(t *testing.T) {
	sink := &memorySink{failNext: true}
	svc := New(&chanQueue{}, sink, testConfig(), quietLogger())

	svc.handle(context.Background(), encode(t, models.RoundAction{RoundID: uuid.New()}))
	svc.flush(context.Background())
	assert.Zero(t, sink.stored())

	svc.flush(context.Background())
	assert.Equal(t, 1, sink.stored())
}

func TestSweepAbandonsIdleRounds(t *testing.T) {
	sink := &memorySink{}
	cfg := testConfig()
	cfg.Inactivity = time.Minute
	svc := New(&chanQueue{}, sink, cfg, quietLogger())

	clock := time.Now()
	svc.now = func() time.Time { return clock }

	idle, finished, fresh := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()
	svc.handle(ctx, encode(t, models.RoundAction{RoundID: idle, ActionType: models.ActionRoundBegin}))
	svc.handle(ctx, encode(t, models.RoundAction{RoundID: finished, ActionType: models.ActionRoundBegin}))
	svc.handle(ctx, encode(t, models.RoundAction{RoundID: finished, ActionIndex: 1, ActionType: models.ActionRoundEnd}))

	clock = clock.Add(2 * time.Minute)
	svc.handle(ctx, encode(t, models.RoundAction{RoundID: fresh, ActionType: models.ActionRoundBegin}))
	svc.sweep(ctx)

	assert.Equal(t, []uuid.UUID{idle}, sink.abandoned)
	assert.Equal(t, 4, sink.stored(), "pending actions are flushed before rounds are closed")

	svc.sweep(ctx)
	assert.Len(t, sink.abandoned, 1)
}
