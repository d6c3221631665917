package server

import (
	"context"
	"sync"

	"github.com/agenthands/cortex/internal/federated"
	"github.com/agenthands/cortex/internal/policy"
)

type MockLLM struct {
	mu       sync.Mutex
	Response string
	Err      error
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Response, m.Err
}

type MockFederated struct {
	Outcome federated.Outcome
	Err     error
	Calls   int
}

func (m *MockFederated) ParticipateInRound(context.Context) (federated.Outcome, error) {
	m.Calls++
	return m.Outcome, m.Err
}

func (m *MockFederated) Budget() federated.Budget {
	return federated.Budget{MaxRoundsPerDay: 3, EpsilonBudget: 10}
}

type MockReloader struct {
	Report policy.LoadReport
	Err    error
}

func (m *MockReloader) Reload() (policy.LoadReport, error) {
	return m.Report, m.Err
}
