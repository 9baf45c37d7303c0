package memory

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/rental-reservations/internal/idempotency"
)

type idempEntry struct {
	resp      idempotency.Response
	expiresAt time.Time
}

// Idempotency is an in-process idempotency.Backend.
type Idempotency struct {
	mu      sync.Mutex
	entries map[string]idempEntry
	locks   map[string]time.Time
	now     func() time.Time
}

func NewIdempotency() *Idempotency {
	return &Idempotency{
		entries: make(map[string]idempEntry),
		locks:   make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Idempotency) Get(_ context.Context, key string) (*idempotency.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (m *Idempotency) Set(_ context.Context, key string, resp idempotency.Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = idempEntry{resp: resp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Idempotency) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.locks[key]; ok && m.now().Before(until) {
		return false, nil
	}
	m.locks[key] = m.now().Add(ttl)
	return true, nil
}

func (m *Idempotency) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}
