package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/driver"
)

// MemgraphStore keeps documents, policies and device state as nodes in a
// Memgraph (or Neo4j) database. Each node carries its JSON payload plus
// the properties it is indexed by.
type MemgraphStore struct {
	driver driver.Graph
}

func NewMemgraphStore(ctx context.Context, d driver.Graph) (*MemgraphStore, error) {
	if err := d.EnsureIndexes(ctx, driver.StoreIndexes); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &MemgraphStore{driver: d}, nil
}

func (s *MemgraphStore) SaveDocuments(ctx context.Context, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", d.ID, err)
		}
		rows = append(rows, map[string]interface{}{
			"id":           d.ID,
			"category":     d.Category,
			"timestamp":    d.Timestamp.UnixNano(),
			"content_hash": d.ContentHash,
			"payload":      string(payload),
		})
	}
	_, err := s.driver.ExecuteQuery(ctx, driver.SaveDocumentsQuery, map[string]interface{}{"docs": rows})
	return err
}

func (s *MemgraphStore) DeleteDocuments(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.driver.ExecuteQuery(ctx, driver.DeleteDocumentsQuery, map[string]interface{}{"ids": ids})
	return err
}

func (s *MemgraphStore) LoadDocuments(ctx context.Context) ([]model.Document, error) {
	payloads, err := s.payloads(ctx, driver.LoadDocumentsQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Document, 0, len(payloads))
	for _, p := range payloads {
		var d model.Document
		if err := json.Unmarshal([]byte(p), &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemgraphStore) SavePolicies(ctx context.Context, policies []model.Policy) error {
	if len(policies) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(policies))
	for _, p := range policies {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode policy %s: %w", p.ID, err)
		}
		rows = append(rows, map[string]interface{}{
			"id":      p.ID,
			"version": int64(p.Version),
			"payload": string(payload),
		})
	}
	_, err := s.driver.ExecuteQuery(ctx, driver.SavePoliciesQuery, map[string]interface{}{"policies": rows})
	return err
}

func (s *MemgraphStore) LoadPolicies(ctx context.Context) ([]model.Policy, error) {
	payloads, err := s.payloads(ctx, driver.LoadPoliciesQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Policy, 0, len(payloads))
	for _, p := range payloads {
		var pol model.Policy
		if err := json.Unmarshal([]byte(p), &pol); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, pol)
	}
	return out, nil
}

func (s *MemgraphStore) SaveState(ctx context.Context, key string, value []byte) error {
	_, err := s.driver.ExecuteQuery(ctx, driver.SaveStateQuery, map[string]interface{}{
		"key":     key,
		"payload": string(value),
	})
	return err
}

func (s *MemgraphStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	payloads, err := s.payloads(ctx, driver.LoadStateQuery, map[string]interface{}{"key": key})
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, ErrNotFound
	}
	return []byte(payloads[0]), nil
}

func (s *MemgraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *MemgraphStore) payloads(ctx context.Context, query string, params map[string]interface{}) ([]string, error) {
	res, err := s.driver.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		v, ok := rec.Get("payload")
		if !ok {
			continue
		}
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}
