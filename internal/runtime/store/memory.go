package store

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
}

// NewMemory returns a process-local namespace store. Entries survive for the
// lifetime of the process only; namespace membership is still governed by the
// lifecycle manager exactly as with the persistent backend.
func NewMemory() Store {
	return &memoryStore{namespaces: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, namespace, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, namespace, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.namespaces[namespace]
	if !ok {
		entries = make(map[string]Entry)
		s.namespaces[namespace] = entries
	}
	entries[key] = entry.Clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries, ok := s.namespaces[namespace]; ok {
		delete(entries, key)
	}
	return nil
}

func (s *memoryStore) ListNamespaces(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

func (s *memoryStore) ListEntries(_ context.Context, namespace string) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.namespaces[namespace]
	out := make(map[string]Entry, len(entries))
	for key, entry := range entries {
		out[key] = entry.Clone()
	}
	return out, nil
}

func (s *memoryStore) Count(_ context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace]), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
