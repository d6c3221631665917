// Package remote is the device's only path to the network: control-plane
// fetches, remote task dispatch, federated update submission and telemetry
// upload.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/llm"
)

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrTimeout       = errors.New("remote call timed out")
	ErrUnavailable   = errors.New("remote service unavailable")
	ErrNotConfigured = errors.New("remote gateway not configured")
)

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

type Config struct {
	BaseURL           string
	RequestsPerMinute int
	TokensPerHour     int64
	Timeout           time.Duration
	TelemetryBuffer   int
}

type DispatchRequest struct {
	TaskID          string
	Kind            model.Kind
	Prompt          string
	EstimatedTokens int64
}

type RemoteResult struct {
	Output  string
	Latency time.Duration
}

type Gateway struct {
	cfg       Config
	baseURL   string
	http      *http.Client
	inference llm.Generator
	limiter   *Limiter
	sf        singleflight.Group
	clock     func() time.Time
	logger    *log.Logger

	mu        sync.Mutex
	telemetry []model.TelemetryBatch
	dropped   int
	pending   chan struct{}
}

type Option func(*Gateway)

func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithHTTPClient sets the client used for control-plane calls. It is wrapped
// with request signing.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.http = c }
}

// NewGateway builds a gateway. When inference is nil, dispatched tasks go to
// the control plane's /v1/inference endpoint.
func NewGateway(cfg Config, signer Signer, inference llm.Generator, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TelemetryBuffer <= 0 {
		cfg.TelemetryBuffer = 100
	}
	g := &Gateway{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		clock:   time.Now,
		pending: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	g.http = NewSigningClient(signer, g.http, g.clock)
	g.limiter = NewLimiter(cfg.RequestsPerMinute, cfg.TokensPerHour, g.clock)
	g.inference = inference
	if g.inference == nil {
		g.inference = &controlPlaneInference{g: g}
	}
	return g
}

func (g *Gateway) Limits() LimiterSnapshot { return g.limiter.Snapshot() }

// Dispatch runs a task remotely. Rate limits are checked first; a rejected
// dispatch makes no network call.
func (g *Gateway) Dispatch(ctx context.Context, req DispatchRequest) (RemoteResult, error) {
	if err := g.limiter.Admit(req.EstimatedTokens); err != nil {
		return RemoteResult{}, err
	}

	start := g.clock()
	callCtx, cancel := context.WithTimeout(WithTaskID(ctx, req.TaskID), g.cfg.Timeout)
	defer cancel()

	out, err := g.inference.Generate(callCtx, req.Prompt)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return RemoteResult{}, fmt.Errorf("dispatch %s: %w", req.TaskID, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return RemoteResult{}, fmt.Errorf("%w: task %s after %s", ErrTimeout, req.TaskID, g.cfg.Timeout)
		case IsTransient(err):
			return RemoteResult{}, err
		default:
			return RemoteResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return RemoteResult{Output: out, Latency: g.clock().Sub(start)}, nil
}

func (g *Gateway) FetchPolicies(ctx context.Context) ([]model.Policy, error) {
	var out []model.Policy
	return out, g.fetch(ctx, "/v1/policies", &out)
}

func (g *Gateway) FetchModels(ctx context.Context) ([]model.ModelDescriptor, error) {
	var out []model.ModelDescriptor
	return out, g.fetch(ctx, "/v1/models", &out)
}

func (g *Gateway) FetchDocuments(ctx context.Context) ([]model.DocumentPayload, error) {
	var out []model.DocumentPayload
	return out, g.fetch(ctx, "/v1/documents", &out)
}

func (g *Gateway) FetchRounds(ctx context.Context) ([]model.FederatedRound, error) {
	var out []model.FederatedRound
	return out, g.fetch(ctx, "/v1/federated/rounds", &out)
}

func (g *Gateway) SubmitUpdate(ctx context.Context, update model.ModelUpdate) error {
	return g.post(ctx, "/v1/federated/updates", update, nil)
}

// fetch GETs path and decodes the body into out. Concurrent fetches of the
// same path share one request.
func (g *Gateway) fetch(ctx context.Context, path string, out any) error {
	body, err, _ := g.sf.Do(path, func() (any, error) {
		return g.do(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (g *Gateway) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	body, err := g.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if g.baseURL == "" {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: server returned 429 for %s", ErrRateLimited, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// controlPlaneInference executes prompts on the control plane's inference
// endpoint.
type controlPlaneInference struct {
	g *Gateway
}

type inferenceRequest struct {
	TaskID string `json:"taskId,omitempty"`
	Prompt string `json:"prompt"`
}

type inferenceResponse struct {
	Output string `json:"output"`
}

func (c *controlPlaneInference) Generate(ctx context.Context, prompt string) (string, error) {
	var resp inferenceResponse
	if err := c.g.post(ctx, "/v1/inference", inferenceRequest{TaskID: taskIDFrom(ctx), Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}
