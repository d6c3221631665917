package engine

import (
	"context"
)

type MockLLM struct {
	Response string
	Err      error
	Prompts  []string
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	return m.Response, m.Err
}

type MockRanker struct {
	Order []int
	Err   error
}

func (m *MockRanker) Rank(ctx context.Context, query string, docs []string) ([]int, error) {
	return m.Order, m.Err
}
