package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/google/uuid"
)

const (
	// MaxAttempts drops an operation no matter how it failed.
	MaxAttempts = 5
	// MaxLocalAttempts drops an operation that keeps failing for a reason
	// other than connectivity.
	MaxLocalAttempts = 3
	DefaultWorkers   = 2
)

var (
	ErrUnknownType = errors.New("offline: unknown operation type")
	ErrPoison      = errors.New("offline: operation exceeded max attempts")
)

// Dispatcher sends one queued operation to the API.
type Dispatcher interface {
	Dispatch(ctx context.Context, op Operation) error
}

type DispatcherFunc func(ctx context.Context, op Operation) error

func (f DispatcherFunc) Dispatch(ctx context.Context, op Operation) error { return f(ctx, op) }

// Stats summarises one drain.
type Stats struct {
	Skipped   bool `json:"skipped,omitempty"`
	Succeeded int  `json:"succeeded"`
	Requeued  int  `json:"requeued"`
	Dropped   int  `json:"dropped"`
}

type Queue struct {
	Store       Store
	Dispatchers map[Type]Dispatcher
	// Online reports connectivity. Nil means always online.
	Online func() bool
	// IsNetwork decides which failures leave an operation queued for the
	// next drain. Defaults to IsNetworkError.
	IsNetwork func(error) bool
	// OnDrop is told about every operation the queue gives up on.
	OnDrop  func(op Operation, err error)
	Workers int
	Now     func() time.Time
	NewID   func() string

	draining atomic.Bool
	bg       sync.WaitGroup
}

func NewQueue(st Store, dispatchers map[Type]Dispatcher, online func() bool) *Queue {
	return &Queue{Store: st, Dispatchers: dispatchers, Online: online, Workers: DefaultWorkers}
}

func (q *Queue) online() bool { return q.Online == nil || q.Online() }

// Enqueue persists a new operation and, when online, kicks off a drain in
// the background. It never waits for that drain.
func (q *Queue) Enqueue(ctx context.Context, typ Type, payload any) (Operation, error) {
	if !typ.Valid() {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return Operation{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = b
	}
	ts := q.now()
	op := Operation{
		ID:        q.newID(typ),
		Type:      typ,
		Payload:   raw,
		Timestamp: ts,
	}
	if err := q.Store.PutOperation(ctx, op); err != nil {
		return Operation{}, err
	}
	log.Printf("queued %s operation %s", typ, op.ID)

	if q.online() {
		q.bg.Add(1)
		go func() {
			defer q.bg.Done()
			if _, err := q.Drain(context.WithoutCancel(ctx)); err != nil {
				log.Printf("drain after enqueue: %v", err)
			}
		}()
	}
	return op, nil
}

// Wait blocks until drains started by Enqueue have returned.
func (q *Queue) Wait() { q.bg.Wait() }

// Drain replays every stored operation, oldest first, on a bounded worker
// pool. A call made while another drain runs, or while offline, returns
// straight away with Skipped set.
func (q *Queue) Drain(ctx context.Context) (Stats, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return Stats{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	if !q.online() {
		log.Printf("offline, skipping queue drain")
		return Stats{Skipped: true}, nil
	}

	ops, err := q.Store.ListOperations(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(ops) == 0 {
		return Stats{}, nil
	}
	log.Printf("draining %d queued operations", len(ops))

	workers := q.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	jobs := make(chan Operation)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				res := q.process(ctx, op)
				mu.Lock()
				switch res {
				case resultSucceeded:
					stats.Succeeded++
				case resultDropped:
					stats.Dropped++
				default:
					stats.Requeued++
				}
				mu.Unlock()
			}
		}()
	}
	for _, op := range ops {
		jobs <- op
	}
	close(jobs)
	wg.Wait()

	log.Printf("queue drained: %d succeeded, %d requeued, %d dropped", stats.Succeeded, stats.Requeued, stats.Dropped)
	return stats, nil
}

type result string

const (
	resultSucceeded result = "succeeded"
	resultRequeued  result = "requeued"
	resultDropped   result = "dropped"
)

func (q *Queue) process(ctx context.Context, op Operation) result {
	if op.Attempts >= MaxAttempts {
		return q.drop(ctx, op, ErrPoison)
	}

	// the attempt is counted before the call so a crash mid-dispatch
	// still moves the operation towards the poison limit
	op.Attempts++
	if err := q.Store.PutOperation(ctx, op); err != nil {
		log.Printf("operation %s: persist attempt: %v", op.ID, err)
		return q.record(op, resultRequeued)
	}

	d, ok := q.Dispatchers[op.Type]
	if !ok {
		return q.drop(ctx, op, fmt.Errorf("%w: %q", ErrUnknownType, op.Type))
	}

	log.Printf("processing operation %s (attempt %d)", op.ID, op.Attempts)
	err := d.Dispatch(ctx, op)
	if err == nil {
		if derr := q.Store.DeleteOperation(ctx, op.ID); derr != nil {
			log.Printf("operation %s: delete after success: %v", op.ID, derr)
		}
		log.Printf("operation %s completed", op.ID)
		return q.record(op, resultSucceeded)
	}

	isNetwork := q.IsNetwork
	if isNetwork == nil {
		isNetwork = IsNetworkError
	}
	switch {
	case op.Attempts >= MaxAttempts:
		return q.drop(ctx, op, errors.Join(ErrPoison, err))
	case isNetwork(err):
		log.Printf("operation %s: network error, will retry on reconnect: %v", op.ID, err)
		return q.record(op, resultRequeued)
	case op.Attempts >= MaxLocalAttempts:
		return q.drop(ctx, op, err)
	default:
		log.Printf("operation %s: attempt %d failed: %v", op.ID, op.Attempts, err)
		return q.record(op, resultRequeued)
	}
}

func (q *Queue) drop(ctx context.Context, op Operation, cause error) result {
	log.Printf("dropping operation %s after %d attempts: %v", op.ID, op.Attempts, cause)
	if err := q.Store.DeleteOperation(ctx, op.ID); err != nil {
		log.Printf("operation %s: delete: %v", op.ID, err)
	}
	if q.OnDrop != nil {
		q.OnDrop(op, cause)
	}
	return q.record(op, resultDropped)
}

func (q *Queue) record(op Operation, r result) result {
	metrics.RecordQueueResult(string(op.Type), string(r))
	return r
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now().UTC()
}

func (q *Queue) newID(typ Type) string {
	if q.NewID != nil {
		return q.NewID()
	}
	return string(typ) + "_" + uuid.NewString()
}

// IsNetworkError reports failures that should wait for connectivity rather
// than count towards the local attempt limit.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrServerUnavailable) || retry.IsTransient(err)
}
