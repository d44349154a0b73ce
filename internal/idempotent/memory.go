package idempotent

import (
	"container/list"
	"context"
	"sync"
)

// Memory is an in-process repository. With a positive size it evicts the least
// recently used confirmed key once full; in-progress keys are never evicted.
// Size zero means unbounded.
type Memory struct {
	mu    sync.Mutex
	size  int
	order *list.List
	keys  map[string]*list.Element
}

type memoryEntry struct {
	key   string
	state state
}

// NewMemory creates an in-memory repository holding at most size keys.
func NewMemory(size int) *Memory {
	if size < 0 {
		size = 0
	}
	return &Memory{
		size:  size,
		order: list.New(),
		keys:  make(map[string]*list.Element),
	}
}

func (m *Memory) Add(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.keys[key]; ok {
		m.order.MoveToFront(el)
		return false, nil
	}
	m.keys[key] = m.order.PushFront(&memoryEntry{key: key, state: stateInProgress})
	m.evictLocked()
	return true, nil
}

func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.keys[key]; ok {
		m.order.Remove(el)
		delete(m.keys, key)
	}
	return nil
}

// Confirm marks key confirmed, adding it if it was never seen.
func (m *Memory) Confirm(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.keys[key]; ok {
		el.Value.(*memoryEntry).state = stateConfirmed
		m.order.MoveToFront(el)
		return nil
	}
	m.keys[key] = m.order.PushFront(&memoryEntry{key: key, state: stateConfirmed})
	m.evictLocked()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// InProgress returns the number of keys not yet confirmed.
func (m *Memory) InProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, el := range m.keys {
		if el.Value.(*memoryEntry).state == stateInProgress {
			n++
		}
	}
	return n
}

func (m *Memory) evictLocked() {
	if m.size == 0 {
		return
	}
	for el := m.order.Back(); el != nil && len(m.keys) > m.size; {
		prev := el.Prev()
		e := el.Value.(*memoryEntry)
		if e.state == stateConfirmed {
			m.order.Remove(el)
			delete(m.keys, e.key)
		}
		el = prev
	}
}
