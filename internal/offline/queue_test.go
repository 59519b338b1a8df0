package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu  sync.Mutex
	ops map[string]Operation
}

func newMemStore() *memStore { return &memStore{ops: map[string]Operation{}} }

func (m *memStore) PutOperation(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ID] = op
	return nil
}

func (m *memStore) DeleteOperation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, id)
	return nil
}

func (m *memStore) ListOperations(context.Context) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *memStore) get(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	return op, ok
}

func (m *memStore) SetCache(context.Context, string, []byte, time.Duration) error { return nil }
func (m *memStore) GetCache(context.Context, string) ([]byte, error)              { return nil, ErrNotFound }
func (m *memStore) ClearExpired(context.Context) (int64, error)                   { return 0, nil }
func (m *memStore) Close() error                                                  { return nil }

type counter struct {
	mu    sync.Mutex
	calls []string
	err   func(op Operation) error
}

func (c *counter) Dispatch(_ context.Context, op Operation) error {
	c.mu.Lock()
	c.calls = append(c.calls, op.ID)
	c.mu.Unlock()
	if c.err != nil {
		return c.err(op)
	}
	return nil
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestQueue(st Store, d Dispatcher, online *atomic.Bool) *Queue {
	q := NewQueue(st, map[Type]Dispatcher{
		TypePayment:      d,
		TypeOrder:        d,
		TypePrescription: d,
	}, online.Load)
	seq := 0
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	q.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}
	q.NewID = func() string { return fmt.Sprintf("op-%d", seq) }
	return q
}

func TestQueue_OfflineEnqueueReplaysOnceOnReconnect(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	d := &counter{}
	var online atomic.Bool
	q := newTestQueue(st, d, &online)

	op, err := q.Enqueue(ctx, TypePayment, map[string]any{"reference": "ref_123"})
	require.NoError(t, err)
	q.Wait()
	assert.Equal(t, 0, d.count())
	_, stored := st.get(op.ID)
	assert.True(t, stored)

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	m := NewMonitor(health.URL, time.Minute)
	m.OnOnline = func(ctx context.Context) {
		online.Store(true)
		_, err := q.Drain(ctx)
		require.NoError(t, err)
	}
	assert.True(t, m.Probe(ctx))
	// a second probe while already online is not a transition
	m.Probe(ctx)

	assert.Equal(t, 1, d.count())
	_, stored = st.get(op.ID)
	assert.False(t, stored)
}

func TestQueue_EnqueueWhileOnlineDrains(t *testing.T) {
	st := newMemStore()
	d := &counter{}
	var online atomic.Bool
	online.Store(true)
	q := newTestQueue(st, d, &online)

	_, err := q.Enqueue(context.Background(), TypeOrder, map[string]any{"items": []any{}})
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, 1, d.count())
	ops, _ := st.ListOperations(context.Background())
	assert.Empty(t, ops)
}

func TestQueue_PoisonOperationDroppedAfterFiveAttempts(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	refused := fmt.Errorf("post /api/verify-payment: %w", syscall.ECONNREFUSED)
	d := &counter{err: func(Operation) error { return refused }}
	var online atomic.Bool
	q := newTestQueue(st, d, &online)

	var dropped []error
	q.OnDrop = func(_ Operation, err error) { dropped = append(dropped, err) }

	op, err := q.Enqueue(ctx, TypePayment, map[string]any{"reference": "ref_9"})
	require.NoError(t, err)
	online.Store(true)

	for i := 1; i <= 4; i++ {
		stats, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Requeued)
		got, ok := st.get(op.ID)
		require.True(t, ok)
		assert.Equal(t, i, got.Attempts)
	}

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	_, ok := st.get(op.ID)
	assert.False(t, ok)

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, d.count())
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], ErrPoison)
}

func TestQueue_StoredPoisonIsDroppedWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	require.NoError(t, st.PutOperation(ctx, Operation{ID: "old", Type: TypePayment, Payload: []byte(`{}`), Attempts: MaxAttempts}))
	d := &counter{}
	var online atomic.Bool
	online.Store(true)
	q := newTestQueue(st, d, &online)

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dropped: 1}, stats)
	assert.Equal(t, 0, d.count())
}

func TestQueue_NonNetworkFailureDroppedAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	d := &counter{err: func(Operation) error { return fmt.Errorf("%w: invalid drug ids", ErrRejected) }}
	var online atomic.Bool
	q := newTestQueue(st, d, &online)
	drops := 0
	q.OnDrop = func(Operation, error) { drops++ }

	op, err := q.Enqueue(ctx, TypeOrder, map[string]any{})
	require.NoError(t, err)
	online.Store(true)

	for i := 0; i < 2; i++ {
		_, err := q.Drain(ctx)
		require.NoError(t, err)
	}
	_, ok := st.get(op.ID)
	require.True(t, ok)

	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	_, ok = st.get(op.ID)
	assert.False(t, ok)
	assert.Equal(t, 3, d.count())
	assert.Equal(t, 1, drops)
}

func TestQueue_AttemptPersistedBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	var seen int
	var online atomic.Bool
	d := &counter{}
	d.err = func(op Operation) error {
		stored, _ := st.get(op.ID)
		seen = stored.Attempts
		return nil
	}
	q := newTestQueue(st, d, &online)
	_, err := q.Enqueue(ctx, TypePrescription, map[string]any{"text": "amoxicillin"})
	require.NoError(t, err)

	online.Store(true)
	_, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestQueue_DrainIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	d := DispatcherFunc(func(context.Context, Operation) error {
		close(started)
		<-release
		return nil
	})
	var online atomic.Bool
	q := newTestQueue(st, d, &online)
	_, err := q.Enqueue(ctx, TypePayment, map[string]any{"reference": "ref_1"})
	require.NoError(t, err)
	online.Store(true)

	done := make(chan Stats)
	go func() {
		s, _ := q.Drain(ctx)
		done <- s
	}()
	<-started

	second, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
}

func TestQueue_OfflineDrainIsNoop(t *testing.T) {
	st := newMemStore()
	d := &counter{}
	var online atomic.Bool
	q := newTestQueue(st, d, &online)
	_, err := q.Enqueue(context.Background(), TypePayment, map[string]any{})
	require.NoError(t, err)

	stats, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Equal(t, 0, d.count())
}

func TestQueue_BoundedConcurrencyInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	var order []string
	d := DispatcherFunc(func(_ context.Context, op Operation) error {
		mu.Lock()
		order = append(order, op.ID)
		mu.Unlock()
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	var online atomic.Bool
	q := newTestQueue(st, d, &online)
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, TypeOrder, map[string]int{"n": i})
		require.NoError(t, err)
	}

	online.Store(true)
	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(DefaultWorkers))

	// with two workers the first two picked up are the two oldest
	require.Len(t, order, 6)
	assert.ElementsMatch(t, []string{"op-1", "op-2"}, order[:2])
}

func TestQueue_UnknownTypeDropped(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	require.NoError(t, st.PutOperation(ctx, Operation{ID: "x", Type: "refund", Payload: []byte(`{}`)}))
	var online atomic.Bool
	online.Store(true)
	q := newTestQueue(st, &counter{}, &online)

	var cause error
	q.OnDrop = func(_ Operation, err error) { cause = err }
	stats, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.ErrorIs(t, cause, ErrUnknownType)

	_, err = q.Enqueue(ctx, "refund", nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(fmt.Errorf("x: %w", syscall.ECONNREFUSED)))
	assert.True(t, IsNetworkError(fmt.Errorf("%w: 503", ErrServerUnavailable)))
	assert.False(t, IsNetworkError(fmt.Errorf("%w: 400", ErrRejected)))
	assert.False(t, IsNetworkError(errors.New("payment verification failed")))
}
