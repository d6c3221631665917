package remote

import (
	"fmt"
	"sync"
	"time"
)

// window is a fixed counting window that restarts on the first use after
// its boundary passes.
type window struct {
	length time.Duration
	limit  int64
	start  time.Time
	used   int64
}

func (w *window) roll(now time.Time) {
	if w.start.IsZero() || !now.Before(w.start.Add(w.length)) {
		w.start = now
		w.used = 0
	}
}

func (w *window) fits(n int64) bool {
	return w.limit <= 0 || w.used+n <= w.limit
}

// Limiter enforces requests per minute and tokens per hour.
type Limiter struct {
	mu       sync.Mutex
	requests window
	tokens   window
	clock    func() time.Time
}

func NewLimiter(requestsPerMinute int, tokensPerHour int64, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		requests: window{length: time.Minute, limit: int64(requestsPerMinute)},
		tokens:   window{length: time.Hour, limit: tokensPerHour},
		clock:    clock,
	}
}

// Admit consumes one request and tokens from the current windows, or
// consumes nothing and returns ErrRateLimited.
func (l *Limiter) Admit(tokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.requests.roll(now)
	l.tokens.roll(now)

	if !l.requests.fits(1) {
		return fmt.Errorf("%w: %d requests this minute", ErrRateLimited, l.requests.used)
	}
	if !l.tokens.fits(tokens) {
		return fmt.Errorf("%w: %d+%d tokens this hour exceeds %d", ErrRateLimited, l.tokens.used, tokens, l.tokens.limit)
	}
	l.requests.used++
	l.tokens.used += tokens
	return nil
}

type LimiterSnapshot struct {
	RequestsUsed  int64 `json:"requestsUsed"`
	RequestsLimit int64 `json:"requestsLimit"`
	TokensUsed    int64 `json:"tokensUsed"`
	TokensLimit   int64 `json:"tokensLimit"`
}

func (l *Limiter) Snapshot() LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterSnapshot{
		RequestsUsed:  l.requests.used,
		RequestsLimit: l.requests.limit,
		TokensUsed:    l.tokens.used,
		TokensLimit:   l.tokens.limit,
	}
}
