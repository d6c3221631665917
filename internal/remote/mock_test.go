package remote

import (
	"context"
	"sync"
	"time"
)

type MockLLM struct {
	mu       sync.Mutex
	Response string
	Err      error
	Delay    time.Duration
	Calls    int
	TaskIDs  []string
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.Calls++
	m.TaskIDs = append(m.TaskIDs, taskIDFrom(ctx))
	delay, resp, err := m.Delay, m.Response, m.Err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp, err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
