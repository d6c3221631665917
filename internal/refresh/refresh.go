// Package refresh keeps the device's caches in step with persistent storage
// and the control plane: policies, retrieval documents and model
// descriptors.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/engine"
	"github.com/agenthands/cortex/internal/policy"
	"github.com/agenthands/cortex/internal/remote"
	"github.com/agenthands/cortex/internal/retrieval"
	"github.com/agenthands/cortex/internal/storage"
)

// Source is the control plane. The remote gateway implements it.
type Source interface {
	FetchPolicies(ctx context.Context) ([]model.Policy, error)
	FetchDocuments(ctx context.Context) ([]model.DocumentPayload, error)
	FetchModels(ctx context.Context) ([]model.ModelDescriptor, error)
}

type Config struct {
	Source   Source
	Policies *policy.Engine
	Index    *retrieval.Index
	Registry *engine.Registry
	Store    *storage.WriteBehind
	Logger   *log.Logger
}

type Syncer struct {
	cfg Config
}

type IngestReport struct {
	Indexed  []string          `json:"indexed"`
	Evicted  []string          `json:"evicted,omitempty"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

type Report struct {
	Policies  policy.LoadReport    `json:"policies"`
	Documents IngestReport         `json:"documents"`
	Models    engine.InstallReport `json:"models"`
}

func New(cfg Config) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[refresh] ", log.LstdFlags)
	}
	return &Syncer{cfg: cfg}
}

// Restore loads persisted documents and policies into the in-memory
// components. It is called once at startup.
func (s *Syncer) Restore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	store := s.cfg.Store.Store()

	docs, err := store.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if s.cfg.Index != nil {
		n := s.cfg.Index.Restore(ctx, docs)
		s.cfg.Logger.Printf("restored %d of %d documents", n, len(docs))
	}

	policies, err := store.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	if s.cfg.Policies != nil && len(policies) > 0 {
		report := s.cfg.Policies.Load(policies)
		s.cfg.Logger.Printf("restored %d policies (%d rejected)", len(report.Accepted), len(report.Rejected))
	}
	return nil
}

// Ingest indexes docs and queues them, and anything evicted to make room,
// for persistence.
func (s *Syncer) Ingest(ctx context.Context, docs []model.Document) IngestReport {
	var report IngestReport
	for _, d := range docs {
		res, err := s.cfg.Index.Upsert(ctx, d)
		if err != nil {
			if report.Rejected == nil {
				report.Rejected = map[string]string{}
			}
			report.Rejected[d.ID] = err.Error()
			continue
		}
		report.Indexed = append(report.Indexed, d.ID)
		report.Evicted = append(report.Evicted, res.Evicted...)
		if s.cfg.Store == nil {
			continue
		}
		for _, id := range res.Evicted {
			s.cfg.Store.DeleteDocument(id)
		}
		if stored, ok := s.cfg.Index.Get(d.ID); ok {
			s.cfg.Store.PutDocument(stored)
		}
	}
	return report
}

// Once pulls policies, documents and models concurrently and applies what
// arrived. A gateway without a base URL makes this a no-op.
func (s *Syncer) Once(ctx context.Context) (Report, error) {
	var report Report
	if s.cfg.Source == nil {
		return report, nil
	}

	var (
		policies []model.Policy
		payloads []model.DocumentPayload
		models   []model.ModelDescriptor
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		policies, err = s.cfg.Source.FetchPolicies(ctx)
		return wrap("policies", err)
	})
	g.Go(func() error {
		var err error
		payloads, err = s.cfg.Source.FetchDocuments(ctx)
		return wrap("documents", err)
	})
	g.Go(func() error {
		var err error
		models, err = s.cfg.Source.FetchModels(ctx)
		return wrap("models", err)
	})
	err := g.Wait()

	if len(policies) > 0 && s.cfg.Policies != nil {
		report.Policies = s.cfg.Policies.Load(policies)
		if s.cfg.Store != nil {
			s.cfg.Store.PutPolicies(s.cfg.Policies.Active())
		}
	}
	if len(payloads) > 0 && s.cfg.Index != nil {
		docs := make([]model.Document, 0, len(payloads))
		for _, p := range payloads {
			docs = append(docs, p.Document())
		}
		report.Documents = s.Ingest(ctx, docs)
	}
	if len(models) > 0 && s.cfg.Registry != nil {
		report.Models = s.cfg.Registry.Install(models)
	}
	return report, err
}

func wrap(what string, err error) error {
	if err == nil || errors.Is(err, remote.ErrNotConfigured) {
		return nil
	}
	return fmt.Errorf("fetch %s: %w", what, err)
}

// Run refreshes on every tick until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Once(ctx)
			if err != nil {
				s.cfg.Logger.Printf("Warning: refresh: %v", err)
			}
			s.cfg.Logger.Printf("refresh: %d policies, %d documents, %d models accepted",
				len(report.Policies.Accepted), len(report.Documents.Indexed), len(report.Models.Accepted))
		}
	}
}
