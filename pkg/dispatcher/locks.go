package dispatcher

import (
	"context"
	"sync"
)

// entityLocks hands out one lock per entity key. Entries are reference
// counted and dropped when the last holder or waiter leaves.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	ch   chan struct{}
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// acquire blocks until key is free or ctx is done
func (l *entityLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{ch: make(chan struct{}, 1)}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	select {
	case el.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, el)
		return nil, ctx.Err()
	}

	return func() {
		<-el.ch
		l.release(key, el)
	}, nil
}

func (l *entityLocks) release(key string, el *entityLock) {
	l.mu.Lock()
	el.refs--
	if el.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// size returns the number of keys currently held or awaited
func (l *entityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
