package cache

import (
	"context"
	"sync"
	"time"

	"stockledger/backend/internal/domain"
)

// Entry is what an idempotency key holds. Result stays nil until the first
// request completes.
type Entry struct {
	Fingerprint string                 `json:"fingerprint"`
	Result      *domain.MovementResult `json:"result,omitempty"`
}

// IdempotencyStore remembers movement results by client-supplied key so a
// retried request does not apply the same movement twice.
type IdempotencyStore interface {
	// Claim reserves key for a request with the given fingerprint. When the
	// key is taken, claimed is false and entry holds what the first request
	// stored.
	Claim(ctx context.Context, key string, fingerprint string, ttl time.Duration) (entry *Entry, claimed bool, err error)
	Complete(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type NoopIdempotencyStore struct{}

func (NoopIdempotencyStore) Claim(_ context.Context, _ string, _ string, _ time.Duration) (*Entry, bool, error) {
	return nil, true, nil
}

func (NoopIdempotencyStore) Complete(_ context.Context, _ string, _ Entry, _ time.Duration) error {
	return nil
}

func (NoopIdempotencyStore) Release(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryIdempotencyStore is the single-process fallback used when no redis
// address is configured.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryIdempotencyStore) Claim(_ context.Context, key string, fingerprint string, ttl time.Duration) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if stored, ok := m.entries[key]; ok && now.Before(stored.expiresAt) {
		copied := stored.entry
		if copied.Result != nil {
			result := *copied.Result
			copied.Result = &result
		}
		return &copied, false, nil
	}

	m.sweep(now)
	m.entries[key] = memoryEntry{entry: Entry{Fingerprint: fingerprint}, expiresAt: now.Add(ttl)}
	return nil, true, nil
}

func (m *MemoryIdempotencyStore) Complete(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{entry: entry, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryIdempotencyStore) sweep(now time.Time) {
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}
