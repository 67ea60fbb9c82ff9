// Package memory implements store.Store in process memory.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jxucoder/bbsbot/store"
)

// Store is a map-backed store.Store. The zero value is not usable; call New.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) QueryPrefix(prefix string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []store.Entry
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, store.Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Close() error { return nil }
