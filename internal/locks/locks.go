package locks

import (
	"context"
	"fmt"
	"sync"
)

// Locker grants exclusive access to a key until the returned unlock is
// called. Lock blocks until the key is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// TryLocker takes a key only if nobody holds it. ok is false when the key is
// busy; err reports a failure to ask.
type TryLocker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex serialises work per key within one process. Entries are
// reference counted and removed once nobody holds or waits on them.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: map[string]*entry{}}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.keys == nil {
		m.keys = map[string]*entry{}
	}
	e, ok := m.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *KeyedMutex) TryLock(ctx context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	if m.keys == nil {
		m.keys = map[string]*entry{}
	}
	e, ok := m.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	default:
		m.release(key, e)
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, true, nil
}

func (m *KeyedMutex) release(key string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Chain acquires every locker in order and releases them in reverse. A
// process-local KeyedMutex in front of a cross-process lock keeps local
// contention off the database.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// TryLock takes every locker without waiting. Each member must implement
// TryLocker. A busy member releases what was already taken.
func (c Chain) TryLock(ctx context.Context, key string) (func(), bool, error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		tl, ok := l.(TryLocker)
		if !ok {
			releaseAll()
			return nil, false, fmt.Errorf("locker %T cannot try-lock", l)
		}
		unlock, ok, err := tl.TryLock(ctx, key)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, true, nil
}

// RequestKey namespaces lock keys for per-request serialisation.
func RequestKey(requestID string) string {
	return "request:" + requestID
}

// ExecutionKey is held for as long as a plan is being executed.
func ExecutionKey(planID string) string {
	return "execution:" + planID
}
