// Package httpapi exposes the approval and workflow surface over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/engine"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
)

// Server provides the remedyd HTTP API.
type Server struct {
	echo   *echo.Echo
	queue  *approval.Queue
	engine *engine.Engine
	graph  *graph.Store
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP API server. engine may be nil, in which case
// findings are only recorded in the graph and never start runs.
func NewServer(queue *approval.Queue, eng *engine.Engine, g *graph.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if queue == nil {
		return nil, fmt.Errorf("approval queue is required")
	}
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8985,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		queue:  queue,
		engine: eng,
		graph:  g,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/workflows/:id/proposals", s.handleSubmitProposals)
	v1.POST("/workflows/:id/approve-all", s.handleApproveAll)
	v1.POST("/workflows/:id/reject-all", s.handleRejectAll)
	v1.GET("/workflows/:id/status", s.handleWorkflowStatus)
	v1.GET("/workflows/:id/events", s.handleEvents)
	v1.GET("/approvals", s.handlePendingApprovals)
	v1.POST("/proposals/:id/decision", s.handleDecision)
	v1.POST("/findings", s.handleFindings)
}

// validWorkflowID reports whether an ID is safe to embed as a NATS subject
// token. Engine-created run IDs are UUIDs and always pass; caller-chosen IDs
// arriving over HTTP must not carry whitespace or the subject control
// characters ".", "*", ">".
func validWorkflowID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func requireWorkflowID(c echo.Context) (string, error) {
	id := c.Param("id")
	if !validWorkflowID(id) {
		return "", echo.NewHTTPError(http.StatusBadRequest,
			"workflow id may only contain letters, digits, '-' and '_'")
	}
	return id, nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string      `json:"status"`
	Graph  graph.Stats `json:"graph"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Graph:  s.graph.Stats(),
	})
}

// SubmitProposalsRequest is the body for POST /api/v1/workflows/:id/proposals.
type SubmitProposalsRequest struct {
	Proposals []fixgen.Proposal `json:"proposals"`
}

// SubmitProposalsResponse carries the created records and their IDs.
type SubmitProposalsResponse struct {
	ProposalIDs []string          `json:"proposal_ids"`
	Records     []approval.Record `json:"records"`
}

func (s *Server) handleSubmitProposals(c echo.Context) error {
	workflowID, err := requireWorkflowID(c)
	if err != nil {
		return err
	}

	var req SubmitProposalsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Proposals) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "proposals field is required")
	}

	records, err := s.queue.Submit(c.Request().Context(), workflowID, req.Proposals)
	if err != nil {
		switch {
		case errors.Is(err, fixgen.ErrInvalidProposal):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, approval.ErrDuplicateProposal):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.Proposal.ID
	}
	return c.JSON(http.StatusCreated, SubmitProposalsResponse{ProposalIDs: ids, Records: records})
}

func (s *Server) handlePendingApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.Pending(c.QueryParam("scope")))
}

// DecisionRequest is the body for POST /api/v1/proposals/:id/decision.
type DecisionRequest struct {
	Decision approval.Decision `json:"decision"`
	Actor    string            `json:"actor"`
	Feedback string            `json:"feedback,omitempty"`
}

func (s *Server) handleDecision(c echo.Context) error {
	proposalID := c.Param("id")

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}

	rec, err := s.queue.Decide(c.Request().Context(), proposalID, req.Decision, req.Actor, req.Feedback)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, approval.ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusOK, rec)
}

// BatchDecisionRequest is the body for the approve-all / reject-all routes.
type BatchDecisionRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleApproveAll(c echo.Context) error {
	return s.handleBatch(c, approval.DecisionApproved)
}

func (s *Server) handleRejectAll(c echo.Context) error {
	return s.handleBatch(c, approval.DecisionRejected)
}

func (s *Server) handleBatch(c echo.Context, decision approval.Decision) error {
	workflowID, err := requireWorkflowID(c)
	if err != nil {
		return err
	}

	var req BatchDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}

	records, err := s.queue.DecideBatch(c.Request().Context(), workflowID, decision, req.Actor)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}

// WorkflowStatusResponse combines queue status with the run summary when the
// workflow ID matches a known engine run.
type WorkflowStatusResponse struct {
	WorkflowID string                  `json:"workflow_id"`
	Approval   approval.WorkflowStatus `json:"approval"`
	Run        *engine.Summary         `json:"run,omitempty"`
}

func (s *Server) handleWorkflowStatus(c echo.Context) error {
	workflowID := c.Param("id")

	resp := WorkflowStatusResponse{
		WorkflowID: workflowID,
		Approval:   s.queue.Status(workflowID),
	}
	if s.engine != nil {
		if summary, err := s.engine.Summary(workflowID); err == nil {
			resp.Run = &summary
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// FindingsRequest is the body for POST /api/v1/findings.
type FindingsRequest struct {
	Findings []graph.Finding `json:"findings"`

	// StartWorkflow launches a remediation run over the findings.
	StartWorkflow bool   `json:"start_workflow,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// FindingsResponse reports what the findings changed.
type FindingsResponse struct {
	NodesAdded int    `json:"nodes_added"`
	EdgesAdded int    `json:"edges_added"`
	RunID      string `json:"run_id,omitempty"`
}

func (s *Server) handleFindings(c echo.Context) error {
	var req FindingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Findings) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "findings field is required")
	}

	var resp FindingsResponse
	for _, f := range req.Findings {
		nodes, edges, err := s.graph.AddFinding(f)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		resp.NodesAdded += nodes
		resp.EdgesAdded += edges
	}

	if req.StartWorkflow {
		if s.engine == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "workflow engine not available")
		}
		runID, err := s.engine.Start(c.Request().Context(), req.Scope, req.Findings)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		resp.RunID = runID
	}

	return c.JSON(http.StatusAccepted, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
