package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Cache used when no Redis address is configured and
// in tests. TTLs are enforced lazily on read.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	lists map[string]memList
	sets  map[string]map[string]struct{}
}

type memItem struct {
	value     string
	expiresAt time.Time
}

type memList struct {
	values    []string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memItem),
		lists: make(map[string]memList),
		sets:  make(map[string]map[string]struct{}),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || expired(it.expiresAt) {
		delete(m.items, key)
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.items[key] = memItem{value: value, expiresAt: exp}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.lists, key)
	delete(m.sets, key)
	return nil
}

func (m *Memory) PushTrim(_ context.Context, key, value string, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if expired(l.expiresAt) {
		l = memList{}
	}
	l.values = append([]string{value}, l.values...)
	if len(l.values) > maxLen {
		l.values = l.values[:maxLen]
	}
	if ttl > 0 {
		l.expiresAt = time.Now().Add(ttl)
	}
	m.lists[key] = l
	return nil
}

func (m *Memory) List(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}
	out := make([]string, len(l.values))
	copy(out, l.values)
	return out, nil
}

func (m *Memory) SetAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
