package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/locking"
	"github.com/medflow/medcode/internal/codes/metrics"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// errCASConflict marks a lost compare-and-swap round; it is retried and never escapes.
var errCASConflict = stderrors.New("sequence counter changed concurrently")

// RetryPolicy bounds the compare-and-swap loop of ReserveNext.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy is used when a zero policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
	MaxRetries:      8,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithLocker adds a cross-process lock taken around each reservation.
func WithLocker(l Locker) AllocatorOption {
	return func(a *Allocator) { a.locker = l }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) AllocatorOption {
	return func(a *Allocator) {
		if p.InitialInterval > 0 {
			a.retry = p
		}
	}
}

// WithAllocatorClock overrides time.Now.
func WithAllocatorClock(c Clock) AllocatorOption {
	return func(a *Allocator) { a.now = c }
}

// Allocator hands out strictly increasing sequence values per bucket.
//
// Mutual exclusion is per bucket and never global: an in-process keyed mutex serializes
// callers of one replica, an optional Locker serializes replicas, and the store's
// compare-and-swap on the counter version is what actually guarantees uniqueness.
type Allocator struct {
	store   SequenceStore
	buckets *locking.KeyedMutex
	locker  Locker
	retry   RetryPolicy
	metrics *metrics.CodeMetrics
	now     Clock
	logger  *logger.Logger
}

// NewAllocator creates a new sequence allocator
func NewAllocator(store SequenceStore, m *metrics.CodeMetrics, log *logger.Logger, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		store:   store,
		buckets: locking.NewKeyedMutex(),
		retry:   DefaultRetryPolicy,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  log.WithComponent("allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ReserveNext issues the next value of bucket. It fails with SequenceExhausted once the
// scheme's maximum has been issued and with AllocationContention when the retry budget
// runs out.
func (a *Allocator) ReserveNext(ctx context.Context, bucket domain.Bucket) (int, error) {
	if err := validateBucket(bucket); err != nil {
		return 0, err
	}

	key := bucket.String()
	unlock := a.buckets.Lock(key)
	defer unlock()

	if a.locker != nil {
		release, err := a.locker.Lock(ctx, "seq:"+key)
		if err != nil {
			return 0, errors.AllocationContention(key, err)
		}
		defer release()
	}

	var (
		value    int
		attempts int
	)

	op := func() error {
		attempts++

		counter, err := a.store.GetOrCreate(ctx, bucket)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch counter.Status {
		case domain.CounterExhausted:
			return backoff.Permanent(errors.SequenceExhausted(key))
		case domain.CounterInactive:
			return backoff.Permanent(errors.Conflict(fmt.Sprintf("sequence bucket %s is inactive", key)))
		}

		next, ok := format.Next(counter.CurrentValue, bucket.SequenceType)
		if !ok {
			marked, err := a.store.MarkExhausted(ctx, counter, a.now())
			if err != nil {
				return backoff.Permanent(err)
			}
			if !marked {
				return errCASConflict
			}
			a.logger.Warn().
				Str("bucket", key).
				Int("current_value", counter.CurrentValue).
				Msg("sequence bucket exhausted")
			return backoff.Permanent(errors.SequenceExhausted(key))
		}

		swapped, err := a.store.CompareAndSwap(ctx, counter, next, a.now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !swapped {
			a.metrics.SequenceConflict(string(bucket.SequenceType))
			return errCASConflict
		}

		value = next
		return nil
	}

	err := backoff.Retry(op, a.retry.backOff(ctx))
	switch {
	case err == nil:
		a.metrics.SequenceAllocated(string(bucket.SequenceType))
		if attempts > 1 {
			a.logger.Debug().Str("bucket", key).Int("attempts", attempts).Msg("sequence reserved after retries")
		}
		return value, nil
	case errors.Is(err, errors.ErrSequenceExhausted):
		a.metrics.SequenceExhausted(string(bucket.SequenceType))
		return 0, err
	case stderrors.Is(err, errCASConflict):
		a.logger.Warn().Str("bucket", key).Int("attempts", attempts).Msg("sequence allocation contention")
		return 0, errors.AllocationContention(key, err)
	default:
		return 0, err
	}
}

// GetCounter returns the durable counter of a bucket
func (a *Allocator) GetCounter(ctx context.Context, bucket domain.Bucket) (*domain.SequenceCounter, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, bucket)
}

// ListCounters lists every counter of a period
func (a *Allocator) ListCounters(ctx context.Context, period domain.Period) ([]*domain.SequenceCounter, error) {
	if !period.Valid() {
		return nil, errors.Validation(map[string]string{"period": "year must be 0-99 and month 1-12"})
	}
	return a.store.ListByPeriod(ctx, period)
}

func validateBucket(b domain.Bucket) error {
	if !b.Period.Valid() {
		return errors.Validation(map[string]string{"period": "year must be 0-99 and month 1-12"})
	}
	if !b.SequenceType.Valid() {
		return errors.Validation(map[string]string{"sequence_type": "must be NUMERIC, ALPHA_SUFFIX or ALPHA_PREFIX"})
	}
	return format.ValidateKey(b.Key, b.Key.IsBulk())
}
