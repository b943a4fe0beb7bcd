package kv

import (
	"context"
	"sync"
	"time"

	"github.com/me/graderun/internal/clock"
)

// Memory is an in-process Store with lazy TTL expiry. It serves single-node
// deployments and tests; multi-process deployments use the NATS bucket.
type Memory struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemory creates an in-memory Store whose keys expire after ttl.
func NewMemory(ttl time.Duration, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (m *Memory) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	if e, ok := m.entries[key]; ok && e.expires.After(now) {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expires: now.Add(m.ttl)}
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", nil
	}
	if !e.expires.After(m.clk.Now()) {
		delete(m.entries, key)
		return "", nil
	}
	return e.value, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
