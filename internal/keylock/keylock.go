// Package keylock hands out short-lived locks keyed by string.
//
// Mutex and RWMutex serialize goroutines inside one process. Redis extends
// the same guarantee across API replicas sharing a Redis instance.
package keylock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Mutex is an in-process Locker. Entries are dropped once nobody holds or waits on them.
type Mutex struct {
	mu    sync.Mutex
	locks map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMutex creates an empty keyed mutex.
func NewMutex() *Mutex {
	return &Mutex{locks: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.locks[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.locks[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *Mutex) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently tracked.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// RWMutex is a keyed read/write lock. Waiting writers block new readers,
// and both sides give up when their ctx is done.
type RWMutex struct {
	mu    sync.Mutex
	locks map[string]*rwSlot
}

type rwSlot struct {
	refs    int
	readers int
	writer  bool
	waiting int
	changed chan struct{}
}

// NewRWMutex creates an empty keyed read/write mutex.
func NewRWMutex() *RWMutex {
	return &RWMutex{locks: make(map[string]*rwSlot)}
}

// Lock takes the write side for key.
func (m *RWMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s := m.acquire(key)
	s.waiting++
	for s.writer || s.readers > 0 {
		ch := s.changed
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			m.mu.Lock()
			s.waiting--
			m.broadcast(s)
			m.release(key, s)
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	s.waiting--
	s.writer = true
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			s.writer = false
			m.broadcast(s)
			m.release(key, s)
		})
	}, nil
}

// RLock takes the read side for key.
func (m *RWMutex) RLock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s := m.acquire(key)
	for s.writer || s.waiting > 0 {
		ch := s.changed
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			m.mu.Lock()
			m.release(key, s)
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	s.readers++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			s.readers--
			if s.readers == 0 {
				m.broadcast(s)
			}
			m.release(key, s)
		})
	}, nil
}

// acquire and release run with m.mu held.
func (m *RWMutex) acquire(key string) *rwSlot {
	s, ok := m.locks[key]
	if !ok {
		s = &rwSlot{changed: make(chan struct{})}
		m.locks[key] = s
	}
	s.refs++
	return s
}

func (m *RWMutex) release(key string, s *rwSlot) {
	s.refs--
	if s.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *RWMutex) broadcast(s *rwSlot) {
	close(s.changed)
	s.changed = make(chan struct{})
}
