package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/driver"
)

type MockDriver struct {
	Queries    []string
	Params     []map[string]any
	Indexes    []driver.Index
	MockResult neo4j.EagerResult
	Err        error
}

func (m *MockDriver) ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error) {
	m.Queries = append(m.Queries, query)
	m.Params = append(m.Params, params)
	if m.Err != nil {
		return neo4j.EagerResult{}, m.Err
	}
	return m.MockResult, nil
}

func (m *MockDriver) EnsureIndexes(ctx context.Context, indexes []driver.Index) error {
	m.Indexes = append(m.Indexes, indexes...)
	return nil
}

func (m *MockDriver) Close(ctx context.Context) error { return nil }

// flakyStore wraps a MemoryStore and fails writes while Fail is set.
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyStore) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	return nil
}

func (f *flakyStore) SaveDocuments(ctx context.Context, docs []model.Document) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStore.SaveDocuments(ctx, docs)
}

func (f *flakyStore) SaveState(ctx context.Context, key string, v []byte) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStore.SaveState(ctx, key, v)
}

// gatedStore holds SaveState until gate is closed, signalling saving first.
type gatedStore struct {
	*MemoryStore
	saving chan struct{}
	gate   chan struct{}
}

func (g *gatedStore) SaveState(ctx context.Context, key string, v []byte) error {
	g.saving <- struct{}{}
	<-g.gate
	return g.MemoryStore.SaveState(ctx, key, v)
}
