// Package scopelock serializes postings per scope. The engine acquires
// the lock for (actor_type, actor_id, currency) before its critical
// section; identical scopes are strictly ordered while distinct scopes
// proceed in parallel.
package scopelock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on a key. The returned release
// function must be called exactly once on every exit path.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// keyedLock is one key's lock: a 1-slot channel usable as a mutex that
// respects context cancellation, plus a reference count so idle entries
// can be evicted from the table.
type keyedLock struct {
	slot chan struct{}
	refs int
}

// Keyed is the in-process Locker: a map of per-key locks guarded by one
// table mutex. Entries are created on first acquire and removed when the
// last holder or waiter releases, so the table stays bounded by the
// number of concurrently active scopes.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

// NewKeyed creates an empty keyed locker.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the key's lock is free or ctx is done.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{slot: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.slot
			k.drop(key, l)
		})
	}
	return release, nil
}

func (k *Keyed) drop(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Active returns the number of keys currently held or contended.
func (k *Keyed) Active() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
