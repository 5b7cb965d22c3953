package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout means the per-issue lock could not be acquired within the
// bounded wait. Safe to retry.
var ErrLockTimeout = errors.New("issue lock timeout")

// lockTable hands out one token channel per issue id. A held token is the
// issue's critical section for claim negotiation.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]chan struct{}{}}
}

func (t *lockTable) tokenFor(issueID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.locks[issueID]
	if !ok {
		tok = make(chan struct{}, 1)
		tok <- struct{}{}
		t.locks[issueID] = tok
	}
	return tok
}

// acquire blocks until the issue lock is held, the wait elapses, or ctx is
// done. The returned release func is safe to call exactly once.
func (t *lockTable) acquire(ctx context.Context, issueID string, wait time.Duration) (release func(), err error) {
	tok := t.tokenFor(issueID)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case v := <-tok:
		return func() { tok <- v }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
