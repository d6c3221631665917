package orchestrator

import (
	"context"
	"sync"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/policy"
	"github.com/agenthands/cortex/internal/remote"
	"github.com/agenthands/cortex/internal/retrieval"
)

type MockPolicy struct {
	mu       sync.Mutex
	Decision model.Decision
	Inputs   []policy.EvalInput
}

func (m *MockPolicy) Evaluate(in policy.EvalInput) model.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inputs = append(m.Inputs, in)
	return m.Decision
}

func (m *MockPolicy) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inputs)
}

// MockExecutor returns Result from Execute. When Block is set, Execute waits
// for it to close or for the context to end.
type MockExecutor struct {
	mu              sync.Mutex
	Result          model.TaskResult
	Err             error
	Block           chan struct{}
	Started         chan struct{}
	ParseConfidence float64
	Panic           string
	calls           int
	prompts         int
}

func (m *MockExecutor) Execute(ctx context.Context, task model.Task, docs []model.RetrievalResult) (model.TaskResult, error) {
	m.mu.Lock()
	m.calls++
	block, started := m.Block, m.Started
	res, err, p := m.Result, m.Err, m.Panic
	m.mu.Unlock()
	if p != "" {
		panic(p)
	}

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.TaskResult{}, ctx.Err()
		}
	}
	return res, err
}

func (m *MockExecutor) Prompt(task model.Task, docs []model.RetrievalResult) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts++
	return "prompt:" + task.Input.Content(), nil
}

func (m *MockExecutor) Parse(_ context.Context, task model.Task, raw string) (model.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.TaskResult{Kind: task.Kind(), Text: raw, Confidence: m.ParseConfidence}, nil
}

func (m *MockExecutor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockDispatcher struct {
	mu       sync.Mutex
	Output   string
	Err      error
	Panic    string
	Requests []remote.DispatchRequest
}

func (m *MockDispatcher) Dispatch(_ context.Context, req remote.DispatchRequest) (remote.RemoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Panic != "" {
		panic(m.Panic)
	}
	if m.Err != nil {
		return remote.RemoteResult{}, m.Err
	}
	return remote.RemoteResult{Output: m.Output}, nil
}

func (m *MockDispatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

type MockRecorder struct {
	mu     sync.Mutex
	Events []model.TelemetryEvent
}

func (m *MockRecorder) Record(e model.TelemetryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
}

func (m *MockRecorder) All() []model.TelemetryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TelemetryEvent(nil), m.Events...)
}

type MockRetriever struct {
	Results []model.RetrievalResult
	Err     error
	Queries []retrieval.QueryRequest
}

func (m *MockRetriever) Query(_ context.Context, req retrieval.QueryRequest) ([]model.RetrievalResult, error) {
	m.Queries = append(m.Queries, req)
	return m.Results, m.Err
}

type MockApprover struct {
	Answer bool
	Asked  int
}

func (m *MockApprover) Approve(context.Context, model.Task, model.Decision) bool {
	m.Asked++
	return m.Answer
}

type fixedSampler struct{ mem, cpu float64 }

func (s fixedSampler) Sample() (float64, float64) { return s.mem, s.cpu }
