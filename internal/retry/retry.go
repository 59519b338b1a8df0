// Package retry classifies failures as transient or permanent and retries
// transient ones with exponential backoff. Every store and gateway call on
// the checkout path goes through a Policy.
package retry

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/metrics"
)

// PermanentError aborts the retry loop. It unwraps to the original error.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

type Policy struct {
	Name string
	// MaxRetries is the number of attempts after the first one.
	MaxRetries   int
	InitialDelay time.Duration
	Factor       float64
	// Retryable decides which failures are retried. Defaults to IsTransient.
	Retryable func(error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is three retries at 1s, 2s and 4s.
func Default(name string) Policy {
	return Policy{Name: name, MaxRetries: 3, InitialDelay: time.Second, Factor: 2}
}

// Named returns a copy of p with a different log/metric name.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// Delay returns the wait before retry n (0-based): InitialDelay * Factor^n.
func (p Policy) Delay(n int) time.Duration {
	f := p.Factor
	if f <= 0 {
		f = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(f, float64(n)))
}

// Do runs op until it succeeds, fails permanently, or runs out of retries.
// Non-retryable failures come back as *PermanentError.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	name := p.Name
	if name == "" {
		name = "operation"
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || !retryable(err) {
			metrics.RecordRetryAttempt(name, false)
			log.Printf("%s: non-retryable error on attempt %d: %v", name, attempt, err)
			return Permanent(err)
		}
		metrics.RecordRetryAttempt(name, true)
		left := p.MaxRetries - attempt + 1
		log.Printf("%s: attempt %d failed, %d retries left: %v", name, attempt, left, err)
		if left <= 0 {
			return err
		}
		if serr := sleep(ctx, p.Delay(attempt-1)); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
