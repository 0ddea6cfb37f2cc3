package overlay

import (
	"context"
	"errors"
	"sync"

	"mixerls/internal/interactive"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context, findingCount int) error
}

// Queue feeds finding counts to a Syncer from a single goroutine. Counts
// submitted while a pass is running are coalesced; only the latest one is
// reconciled next.
type Queue struct {
	syncer Syncer
	logf   func(format string, args ...any)
	wake   chan struct{}

	mu         sync.Mutex
	pending    int
	hasPending bool
}

// NewQueue constructs a Queue. Run must be called to start processing.
func NewQueue(syncer Syncer, logf func(format string, args ...any)) *Queue {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Queue{
		syncer: syncer,
		logf:   logf,
		wake:   make(chan struct{}, 1),
	}
}

// Submit schedules a pass for findingCount. It never blocks.
func (q *Queue) Submit(findingCount int) {
	q.mu.Lock()
	q.pending = findingCount
	q.hasPending = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run processes submissions until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
		for {
			count, ok := q.take()
			if !ok {
				break
			}
			err := q.syncer.Sync(ctx, count)
			switch {
			case err == nil:
			case errors.Is(err, interactive.ErrNotConnected):
				// no session; the next change retries
			case ctx.Err() != nil:
				return nil
			default:
				q.logf("overlay sync failed: %v", err)
			}
		}
	}
}

func (q *Queue) take() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasPending {
		return 0, false
	}
	q.hasPending = false
	return q.pending, true
}
