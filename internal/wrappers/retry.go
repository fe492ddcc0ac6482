package wrappers

import (
	"context"
	"math/rand"
	"time"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	// MaxAttempts caps total tries, including the first.
	MaxAttempts int

	// InitialBackoff is the sleep before the first retry; each further
	// retry doubles it, capped at MaxBackoff. Full jitter is applied.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// RetriedStorage retries the closed set of transient errors (see
// [kerr.IsTransient]) with jittered exponential backoff, bounded by the
// policy and the caller's context deadline.
//
// Mutations are safe to retry here because the engine's WAL makes puts and
// deletes idempotent per document id: a replayed record for the same id is
// last-write-wins, and a transient failure before the commit point has no
// effect at all.
type RetriedStorage struct {
	inner  Storage
	policy RetryPolicy
}

func NewRetriedStorage(inner Storage, policy RetryPolicy) *RetriedStorage {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	return &RetriedStorage{inner: inner, policy: policy}
}

// do runs fn until it succeeds, fails terminally, or the budget is spent.
func (r *RetriedStorage) do(ctx context.Context, fn func() error) error {
	backoff := r.policy.InitialBackoff

	var err error

	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !kerr.IsTransient(err) {
			return err
		}

		if attempt >= r.policy.MaxAttempts {
			return err
		}

		// Full jitter: a random slice of the current backoff window.
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))

		select {
		case <-ctx.Done():
			return kerr.Wrap("retry", kerr.FromContext(ctx))
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}
}

func (r *RetriedStorage) Insert(ctx context.Context, doc *types.Document) error {
	return r.do(ctx, func() error { return r.inner.Insert(ctx, doc) })
}

func (r *RetriedStorage) Update(ctx context.Context, doc *types.Document) error {
	return r.do(ctx, func() error { return r.inner.Update(ctx, doc) })
}

func (r *RetriedStorage) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	var deleted bool

	err := r.do(ctx, func() error {
		var innerErr error
		deleted, innerErr = r.inner.Delete(ctx, id)

		return innerErr
	})

	return deleted, err
}

func (r *RetriedStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	var doc *types.Document

	err := r.do(ctx, func() error {
		var innerErr error
		doc, innerErr = r.inner.Get(ctx, id)

		return innerErr
	})

	return doc, err
}

func (r *RetriedStorage) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	var docs []*types.Document

	err := r.do(ctx, func() error {
		var innerErr error
		docs, innerErr = r.inner.List(ctx, offset, limit)

		return innerErr
	})

	return docs, err
}

func (r *RetriedStorage) Flush(ctx context.Context) error {
	return r.do(ctx, func() error { return r.inner.Flush(ctx) })
}
