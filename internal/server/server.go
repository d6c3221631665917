package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/federated"
	"github.com/agenthands/cortex/internal/orchestrator"
	"github.com/agenthands/cortex/internal/policy"
	"github.com/agenthands/cortex/internal/refresh"
	"github.com/agenthands/cortex/internal/remote"
	"github.com/agenthands/cortex/internal/retrieval"
)

type PolicyReloader interface {
	Reload() (policy.LoadReport, error)
}

type Federated interface {
	ParticipateInRound(ctx context.Context) (federated.Outcome, error)
	Budget() federated.Budget
}

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Index        *retrieval.Index
	Syncer       *refresh.Syncer
	Policies     PolicyReloader
	Federated    Federated
	Limits       func() remote.LimiterSnapshot
	Logger       *log.Logger
}

type Server struct {
	deps   Deps
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Server{deps: deps, logger: logger}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.Health)
	r.POST("/tasks", s.SubmitTask)
	r.POST("/tasks/:id/abort", s.AbortTask)
	r.GET("/budget", s.Budget)
	r.POST("/session", s.StartSession)
	r.PUT("/security-tier", s.SetSecurityTier)
	r.POST("/documents", s.AddDocuments)
	r.POST("/retrieval/query", s.Query)
	r.POST("/policies/reload", s.ReloadPolicies)
	r.POST("/federated/participate", s.Participate)

	return r
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type SubmitTaskRequest struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind" binding:"required"`
	Input         json.RawMessage `json:"input" binding:"required"`
	Priority      int             `json:"priority"`
	CostCap       int64           `json:"cost_cap"`
	CloudRequired bool            `json:"cloud_required"`
}

func (s *Server) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	kind, err := model.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input, err := model.DecodeInput(kind, req.Input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	out, err := s.deps.Orchestrator.Submit(c.Request.Context(), model.Task{
		ID:            req.ID,
		Input:         input,
		Priority:      req.Priority,
		CostCap:       req.CostCap,
		CloudRequired: req.CloudRequired,
	})
	if err != nil {
		status, body := taskError(err)
		body["outcome"] = out
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, out)
}

func taskError(err error) (int, gin.H) {
	var denied *orchestrator.PolicyDeniedError
	var failed *orchestrator.ExecutionFailedError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden, gin.H{"error": "policy denied", "reason": denied.Reason}
	case errors.Is(err, orchestrator.ErrBudgetExceeded):
		return http.StatusTooManyRequests, gin.H{"error": "budget exceeded"}
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict, gin.H{"error": err.Error()}
	case errors.Is(err, orchestrator.ErrInvalidTask):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.As(err, &failed):
		return http.StatusBadGateway, gin.H{"error": "execution failed", "cause": failed.Cause.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": err.Error()}
	}
}

func (s *Server) AbortTask(c *gin.Context) {
	if !s.deps.Orchestrator.Abort(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not in flight"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

func (s *Server) Budget(c *gin.Context) {
	resp := gin.H{
		"ledger":        s.deps.Orchestrator.Budget(),
		"security_tier": s.deps.Orchestrator.SecurityTier(),
	}
	if s.deps.Limits != nil {
		resp["remote"] = s.deps.Limits()
	}
	if s.deps.Federated != nil {
		resp["federated"] = s.deps.Federated.Budget()
	}
	c.JSON(http.StatusOK, resp)
}

type SessionRequest struct {
	Cap int64 `json:"cap"`
}

func (s *Server) StartSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Cap <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cap must be a positive integer"})
		return
	}
	s.deps.Orchestrator.StartSession(req.Cap)
	c.JSON(http.StatusOK, s.deps.Orchestrator.Budget())
}

type SecurityTierRequest struct {
	Tier model.SecurityTier `json:"tier"`
}

func (s *Server) SetSecurityTier(c *gin.Context) {
	var req SecurityTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	switch req.Tier {
	case model.TierStandard, model.TierElevated, model.TierCritical:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown security tier"})
		return
	}
	s.deps.Orchestrator.SetSecurityTier(req.Tier)
	c.JSON(http.StatusOK, gin.H{"security_tier": req.Tier})
}

type AddDocumentsRequest struct {
	Documents []model.DocumentPayload `json:"documents"`
}

func (s *Server) AddDocuments(c *gin.Context) {
	var req AddDocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Documents) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if s.deps.Syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document ingest not configured"})
		return
	}
	docs := make([]model.Document, 0, len(req.Documents))
	for _, p := range req.Documents {
		docs = append(docs, p.Document())
	}
	report := s.deps.Syncer.Ingest(c.Request.Context(), docs)
	c.JSON(http.StatusOK, report)
}

type QueryRequest struct {
	Text          string  `json:"text" binding:"required"`
	Category      string  `json:"category"`
	K             int     `json:"k"`
	MinSimilarity float64 `json:"min_similarity"`
}

func (s *Server) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if s.deps.Index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval not configured"})
		return
	}
	results, err := s.deps.Index.Query(c.Request.Context(), retrieval.QueryRequest{
		Text:          req.Text,
		Category:      req.Category,
		K:             req.K,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		s.logger.Printf("Failed to query: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query"})
		return
	}
	// Embeddings are internal.
	for i := range results {
		results[i].Document.Embedding = nil
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) ReloadPolicies(c *gin.Context) {
	if s.deps.Policies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy cache not configured"})
		return
	}
	report, err := s.deps.Policies.Reload()
	if err != nil {
		s.logger.Printf("Failed to reload policies: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reload policies"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) Participate(c *gin.Context) {
	if s.deps.Federated == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "federated learning disabled"})
		return
	}
	out, err := s.deps.Federated.ParticipateInRound(c.Request.Context())
	if err != nil {
		s.logger.Printf("Failed to participate in round: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}
