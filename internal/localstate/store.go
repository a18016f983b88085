// Package localstate holds small durable key/value state owned by this device, such as the pointer to
// the current session.
package localstate

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key is not set.
var ErrNotFound = errors.New("localstate: key not found")

// Store persists string values across process restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-memory Store for tests and ephemeral agents. Values do not survive restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	// failSet, when non-nil, is returned by Set. Tests use it to simulate a full disk.
	failSet error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet != nil {
		return s.failSet
	}
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FailWrites makes subsequent Set calls return err; nil restores normal behaviour.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = err
}
