// Package locking provides per-key exclusive locks for stores that have no
// row-level locking of their own.
package locking

import (
	"context"
	"sync"
)

// Locker hands out exclusive access to a key until release is called.
// Acquire must return ctx.Err() (possibly wrapped) when it gives up because
// ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Waiting respects ctx, which is what a
// plain sync.Mutex cannot do.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	sl, ok := m.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = sl
	}
	sl.refs++
	m.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-sl.ch
				m.unref(key, sl)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, sl)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) unref(key string, sl *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl.refs--
	if sl.refs == 0 {
		delete(m.slots, key)
	}
}

// Held is the number of keys currently locked or waited on.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
