package admission

import (
	"context"
	"sync"
)

// keyedLock is a per-key mutex whose acquisition honors context
// cancellation. Entries are dropped once no goroutine holds or waits on them.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until key is free or ctx is done. The returned func
// releases the key and must be called exactly once.
func (k *keyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.unref(key, e)
		}, nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) unref(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size returns the number of live keys.
func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
