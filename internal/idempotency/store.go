package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is a replayable HTTP response for a submit that carried an
// idempotency key.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store keeps records until they expire. Get returns nil for missing or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Key scopes a client key to one session so two screens never collide.
func Key(sessionID, clientKey string) string {
	return "submit:" + sessionID + ":" + clientKey
}

// MemoryStore is the single-instance store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Purge drops expired records and reports how many were removed.
func (m *MemoryStore) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, rec := range m.data {
		if rec.Expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

// StartSweeper purges on every tick until ctx is done.
func (m *MemoryStore) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Purge()
			}
		}
	}()
}
