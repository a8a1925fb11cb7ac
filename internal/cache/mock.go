package cache

import (
	"context"
	"sync"
	"time"
)

type mockEntry struct {
	value     []byte
	expiresAt time.Time
}

// MockRemote is an in-memory RemoteTier for testing. It honors TTLs and
// can be switched into an unavailable state to exercise degraded paths.
type MockRemote struct {
	mu          sync.Mutex
	data        map[string]mockEntry
	unavailable bool

	GetCalls    int
	SetCalls    int
	DeleteCalls int
}

// NewMockRemote creates an empty mock shared tier.
func NewMockRemote() *MockRemote {
	return &MockRemote{data: make(map[string]mockEntry)}
}

// SetUnavailable makes every subsequent call fail with
// ErrTierUnavailable until flipped back.
func (m *MockRemote) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *MockRemote) Name() string { return "shared" }

func (m *MockRemote) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := m.GetWithTTL(ctx, key)
	return v, err
}

func (m *MockRemote) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.unavailable {
		return nil, 0, ErrTierUnavailable
	}
	e, ok := m.data[key]
	if !ok {
		return nil, 0, ErrMiss
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		delete(m.data, key)
		return nil, 0, ErrMiss
	}
	return e.value, remaining, nil
}

func (m *MockRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls++
	if m.unavailable {
		return ErrTierUnavailable
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.data[key] = mockEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MockRemote) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.unavailable {
		return ErrTierUnavailable
	}
	delete(m.data, key)
	return nil
}

// Len reports how many entries the mock currently holds, expired or not.
func (m *MockRemote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
