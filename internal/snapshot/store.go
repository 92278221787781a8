// Package snapshot persists replica snapshots for rooms.
//
// A Store is the persistence collaborator: one opaque blob per document id.
// The Gateway bounds every store call with a timeout and records metrics;
// the Flusher periodically saves rooms that changed.
package snapshot

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot: not found")

// Store loads and saves document snapshots.
type Store interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, data []byte) error
	Close() error
}

// StatsProvider is implemented by stores that can describe their contents.
type StatsProvider interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves map[string]int

	// FailSaves makes Save return an error while set.
	FailSaves error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		saves: make(map[string]int),
	}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, documentID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves != nil {
		return s.FailSaves
	}
	s.data[documentID] = append([]byte(nil), data...)
	s.saves[documentID]++
	return nil
}

// Put stores data without counting it as a save.
func (s *MemoryStore) Put(documentID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[documentID] = append([]byte(nil), data...)
}

// SetFailSaves toggles save failures.
func (s *MemoryStore) SetFailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailSaves = err
}

// SaveCount returns how many times documentID was saved.
func (s *MemoryStore) SaveCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[documentID]
}

func (s *MemoryStore) Stats(context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.saves {
		total += n
	}
	return map[string]interface{}{
		"document_count": len(s.data),
		"save_count":     total,
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// NopStore never finds a snapshot and discards saves.
type NopStore struct{}

func (NopStore) Load(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (NopStore) Save(context.Context, string, []byte) error   { return nil }
func (NopStore) Close() error                                 { return nil }
