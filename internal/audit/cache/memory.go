package cache

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"

	"auditchain/pkg/platform/sentinel"
)

// MemoryBackend is an in-process Backend with lazy TTL expiry.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	sets   map[string]memorySet
	now    func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]memorySet),
		now:    now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.values[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if m.expired(entry.expiresAt) {
		delete(m.values, key)
		return nil, sentinel.ErrNotFound
	}
	return bytes.Clone(entry.value), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memoryEntry{value: bytes.Clone(value), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, key := range keys {
		n += m.remove(key)
	}
	return n, nil
}

func (m *MemoryBackend) DeleteByPattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.values {
		if ok, _ := path.Match(pattern, key); ok {
			n += m.remove(key)
		}
	}
	for key := range m.sets {
		if ok, _ := path.Match(pattern, key); ok {
			n += m.remove(key)
		}
	}
	return n, nil
}

func (m *MemoryBackend) AddToSet(_ context.Context, key string, ttl time.Duration, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok || m.expired(set.expiresAt) {
		set = memorySet{members: make(map[string]struct{})}
	}
	for _, member := range members {
		set.members[member] = struct{}{}
	}
	set.expiresAt = m.deadline(ttl)
	m.sets[key] = set
	return nil
}

func (m *MemoryBackend) Members(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok || m.expired(set.expiresAt) {
		return nil, nil
	}
	out := make([]string, 0, len(set.members))
	for member := range set.members {
		out = append(out, member)
	}
	return out, nil
}

// Len reports the number of live values, ignoring sets.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, entry := range m.values {
		if !m.expired(entry.expiresAt) {
			n++
		}
	}
	return n
}

func (m *MemoryBackend) remove(key string) int {
	n := 0
	if entry, ok := m.values[key]; ok {
		if !m.expired(entry.expiresAt) {
			n++
		}
		delete(m.values, key)
	}
	if set, ok := m.sets[key]; ok {
		if !m.expired(set.expiresAt) {
			n++
		}
		delete(m.sets, key)
	}
	return n
}

func (m *MemoryBackend) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryBackend) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}
