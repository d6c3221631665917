package refresh

import (
	"context"

	"github.com/agenthands/cortex/internal/core/model"
)

type MockSource struct {
	Policies    []model.Policy
	Documents   []model.DocumentPayload
	Models      []model.ModelDescriptor
	PoliciesErr error
	DocsErr     error
	ModelsErr   error
}

func (m *MockSource) FetchPolicies(context.Context) ([]model.Policy, error) {
	return m.Policies, m.PoliciesErr
}

func (m *MockSource) FetchDocuments(context.Context) ([]model.DocumentPayload, error) {
	return m.Documents, m.DocsErr
}

func (m *MockSource) FetchModels(context.Context) ([]model.ModelDescriptor, error) {
	return m.Models, m.ModelsErr
}
