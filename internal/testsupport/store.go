package testsupport

import (
	"context"
	"sync"
	"testing"

	"genrelay/internal/config"
	"genrelay/internal/jobs"
	"genrelay/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// MustUpsertJob stores job and fails the test on error.
func MustUpsertJob(t testing.TB, s *store.Store, job jobs.Job) {
	t.Helper()

	if err := s.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("store.UpsertJob: %v", err)
	}
}

// MemoryKV is an in-memory store.KV. FailSets makes the next n Set calls
// fail with Err.
type MemoryKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	FailSets int
	FailGets int
	Err      error
	sets     int
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGets > 0 {
		m.FailGets--
		return nil, m.err()
	}
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.FailSets > 0 {
		m.FailSets--
		return m.err()
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Put seeds key with raw bytes.
func (m *MemoryKV) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

// Raw returns the stored bytes for key.
func (m *MemoryKV) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// SetCalls counts Set invocations, failed ones included.
func (m *MemoryKV) SetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func (m *MemoryKV) err() error {
	if m.Err != nil {
		return m.Err
	}
	return errStorageUnavailable
}
