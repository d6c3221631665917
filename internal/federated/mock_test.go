package federated

import (
	"context"
	"sync"

	"github.com/agenthands/cortex/internal/core/model"
)

type MockCoordinator struct {
	mu        sync.Mutex
	Rounds    []model.FederatedRound
	FetchErr  error
	SubmitErr error
	Updates   []model.ModelUpdate
	// Fetching signals Fetching and then waits for Release when both are set.
	Fetching chan struct{}
	Release  chan struct{}
}

func (m *MockCoordinator) FetchRounds(ctx context.Context) ([]model.FederatedRound, error) {
	m.mu.Lock()
	fetching, release := m.Fetching, m.Release
	rounds, err := append([]model.FederatedRound(nil), m.Rounds...), m.FetchErr
	m.mu.Unlock()
	if fetching != nil && release != nil {
		fetching <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rounds, err
}

func (m *MockCoordinator) SubmitUpdate(ctx context.Context, u model.ModelUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.Updates = append(m.Updates, u)
	return nil
}

type MockTrainer struct {
	Data  []Sample
	Delta []float64
	Err   error
	Seen  [][]Sample
}

func (m *MockTrainer) Samples(string) []Sample { return m.Data }

func (m *MockTrainer) Train(ctx context.Context, r model.FederatedRound, samples []Sample) ([]float64, error) {
	m.Seen = append(m.Seen, samples)
	return m.Delta, m.Err
}
