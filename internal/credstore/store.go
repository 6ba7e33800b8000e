// Package credstore persists the access/refresh token pair behind a small
// key-value contract.
package credstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
)

var ErrNotFound = errors.New("credential not found")

// Store is the key-value contract the token guard consumes. Delete removes
// every given key in one step so a token pair never ends up half-cleared.
type Store interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(keys ...string) error
}

// Watcher is implemented by stores that can report changes made by other
// processes (for example a login tool writing a new pair).
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore(seed map[string]string) *MemoryStore {
	values := make(map[string]string, len(seed))
	for key, value := range seed {
		if strings.TrimSpace(value) != "" {
			values[key] = value
		}
	}
	return &MemoryStore{values: values}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(key string, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
	return nil
}

// Lookup returns the trimmed value for key, treating ErrNotFound and blank
// values as absent.
func Lookup(store Store, key string) (string, bool, error) {
	value, err := store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value = strings.TrimSpace(value)
	return value, value != "", nil
}
