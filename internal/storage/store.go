// Package storage persists documents, policies and small device state
// blobs. Components write through a WriteBehind cache so persistence never
// sits on a task's critical path.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agenthands/cortex/internal/core/model"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	SaveDocuments(ctx context.Context, docs []model.Document) error
	DeleteDocuments(ctx context.Context, ids []string) error
	LoadDocuments(ctx context.Context) ([]model.Document, error)
	SavePolicies(ctx context.Context, policies []model.Policy) error
	LoadPolicies(ctx context.Context) ([]model.Policy, error)
	SaveState(ctx context.Context, key string, value []byte) error
	// LoadState returns ErrNotFound for an unknown key.
	LoadState(ctx context.Context, key string) ([]byte, error)
	Close(ctx context.Context) error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]model.Document
	policies map[string]model.Policy
	state    map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     map[string]model.Document{},
		policies: map[string]model.Policy{},
		state:    map[string][]byte{},
	}
}

func (s *MemoryStore) SaveDocuments(_ context.Context, docs []model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return nil
}

func (s *MemoryStore) DeleteDocuments(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}

func (s *MemoryStore) LoadDocuments(context.Context) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SavePolicies(_ context.Context, policies []model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range policies {
		s.policies[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) LoadPolicies(context.Context) ([]model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveState(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
