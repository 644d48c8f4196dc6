package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the number of subprocesses allowed to run at once.
const DefaultPoolSize = 4

// Pool bounds concurrent subprocess work (git and the test runner) and puts
// a deadline on each invocation.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool admitting size concurrent jobs. size <= 0 uses
// DefaultPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Do waits for a free slot, then runs fn with a context limited to timeout.
// timeout <= 0 leaves the caller's deadline untouched.
func (p *Pool) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for worker slot: %w", err)
	}
	defer p.sem.Release(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// keyedMutex hands out one mutex per key. Entries are never removed; the
// key space is the configured agent set.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
