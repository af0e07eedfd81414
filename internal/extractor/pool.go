package extractor

import (
	"context"
	"time"

	"mediagate/internal/domain"
)

// Pool bounds how many engine invocations run at once. Sized once at
// startup; slots are acquired per call with a timeout so a burst degrades
// into retryable timeouts instead of unbounded queueing.
type Pool struct {
	sem            chan struct{}
	acquireTimeout time.Duration
}

func NewPool(size int, acquireTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 20
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return &Pool{
		sem:            make(chan struct{}, size),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire takes a worker slot, waiting up to the acquire timeout. The
// returned error is a typed timeout so callers report it as retryable.
func (p *Pool) Acquire(ctx context.Context) error {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.NewError(domain.ErrTimeout, "request cancelled while waiting for a worker", ctx.Err())
	case <-timer.C:
		return domain.NewError(domain.ErrTimeout, "all extraction workers busy", nil)
	}
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() { <-p.sem }

// Active reports how many slots are currently held.
func (p *Pool) Active() int { return len(p.sem) }

// Capacity reports the pool size.
func (p *Pool) Capacity() int { return cap(p.sem) }
