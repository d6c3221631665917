package storage

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agenthands/cortex/internal/core/model"
)

// WriteBehind buffers writes in memory and applies them to the backing
// store on Flush. Reads of state consult the buffer first, so a caller
// always sees its own writes.
type WriteBehind struct {
	store  Store
	logger *log.Logger

	flush    sync.Mutex
	mu       sync.Mutex
	docs     map[string]model.Document
	deleted  map[string]struct{}
	policies map[string]model.Policy
	state    map[string][]byte
	// inflight is the state being written by the current Flush. It stays
	// readable until the flush ends.
	inflight map[string][]byte
}

func NewWriteBehind(store Store, logger *log.Logger) *WriteBehind {
	if logger == nil {
		logger = log.New(os.Stderr, "[storage] ", log.LstdFlags)
	}
	w := &WriteBehind{store: store, logger: logger}
	w.reset()
	return w
}

func (w *WriteBehind) reset() {
	w.docs = map[string]model.Document{}
	w.deleted = map[string]struct{}{}
	w.policies = map[string]model.Policy{}
	w.state = map[string][]byte{}
}

func (w *WriteBehind) Store() Store { return w.store }

func (w *WriteBehind) PutDocument(d model.Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.deleted, d.ID)
	w.docs[d.ID] = d
}

func (w *WriteBehind) DeleteDocument(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.docs, id)
	w.deleted[id] = struct{}{}
}

func (w *WriteBehind) PutPolicies(policies []model.Policy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range policies {
		w.policies[p.ID] = p
	}
}

func (w *WriteBehind) PutState(key string, value []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state[key] = append([]byte(nil), value...)
}

func (w *WriteBehind) GetState(ctx context.Context, key string) ([]byte, error) {
	w.mu.Lock()
	v, ok := w.state[key]
	if !ok {
		v, ok = w.inflight[key]
	}
	w.mu.Unlock()
	if ok {
		return append([]byte(nil), v...), nil
	}
	return w.store.LoadState(ctx, key)
}

// Dirty returns the number of buffered writes.
func (w *WriteBehind) Dirty() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs) + len(w.deleted) + len(w.policies) + len(w.state)
}

// Flush writes buffered changes to the store. Writes that fail stay
// buffered unless a newer write for the same key arrived meanwhile.
func (w *WriteBehind) Flush(ctx context.Context) error {
	w.flush.Lock()
	defer w.flush.Unlock()

	w.mu.Lock()
	docs, deleted, policies, state := w.docs, w.deleted, w.policies, w.state
	w.reset()
	w.inflight = state
	w.mu.Unlock()

	var errs []error
	if len(docs) > 0 {
		batch := make([]model.Document, 0, len(docs))
		for _, d := range docs {
			batch = append(batch, d)
		}
		if err := w.store.SaveDocuments(ctx, batch); err != nil {
			errs = append(errs, err)
		} else {
			docs = nil
		}
	}
	if len(deleted) > 0 {
		ids := make([]string, 0, len(deleted))
		for id := range deleted {
			ids = append(ids, id)
		}
		if err := w.store.DeleteDocuments(ctx, ids); err != nil {
			errs = append(errs, err)
		} else {
			deleted = nil
		}
	}
	if len(policies) > 0 {
		batch := make([]model.Policy, 0, len(policies))
		for _, p := range policies {
			batch = append(batch, p)
		}
		if err := w.store.SavePolicies(ctx, batch); err != nil {
			errs = append(errs, err)
		} else {
			policies = nil
		}
	}
	failed := map[string][]byte{}
	for key, v := range state {
		if err := w.store.SaveState(ctx, key, v); err != nil {
			errs = append(errs, err)
			failed[key] = v
		}
	}

	if len(errs) > 0 {
		w.restore(docs, deleted, policies, failed)
	}
	w.mu.Lock()
	w.inflight = nil
	w.mu.Unlock()
	return errors.Join(errs...)
}

func (w *WriteBehind) restore(docs map[string]model.Document, deleted map[string]struct{}, policies map[string]model.Policy, state map[string][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, d := range docs {
		_, newer := w.docs[id]
		_, gone := w.deleted[id]
		if !newer && !gone {
			w.docs[id] = d
		}
	}
	for id := range deleted {
		if _, newer := w.docs[id]; !newer {
			w.deleted[id] = struct{}{}
		}
	}
	for id, p := range policies {
		if _, newer := w.policies[id]; !newer {
			w.policies[id] = p
		}
	}
	for k, v := range state {
		if _, newer := w.state[k]; !newer {
			w.state[k] = v
		}
	}
}

// Run flushes every interval until ctx is done, then flushes once more
// with a short grace period.
func (w *WriteBehind) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(final); err != nil {
				w.logger.Printf("Warning: final flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Printf("Warning: flush failed, will retry: %v", err)
			}
		}
	}
}
