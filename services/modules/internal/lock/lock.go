// Package lock provides exclusive per-module locks. Provisioning, drop and
// destructive cleanup of one short id hold its lock; different modules never
// contend.
package lock

import (
	"context"
	"sync"
)

// Release frees a held lock.
type Release func()

// Locker acquires the exclusive lock for key, blocking until it is free or
// ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Release, error)
}

type keyed struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker with one mutex per key.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyed
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyed)}
}

func (m *KeyedMutex) acquireRef(key string) *keyed {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok {
		k = &keyed{ch: make(chan struct{}, 1)}
		m.keys[key] = k
	}
	k.refs++
	return k
}

func (m *KeyedMutex) releaseRef(key string, k *keyed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(m.keys, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (Release, error) {
	k := m.acquireRef(key)
	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			m.releaseRef(key, k)
		})
	}, nil
}

// Held reports the number of keys currently tracked.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Chain acquires every locker in order and releases in reverse. It pairs an
// in-process mutex with a distributed lock.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		r, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}
	return releaseAll, nil
}
