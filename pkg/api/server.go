package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/almsync/pkg/dispatcher"
	"github.com/cuemby/almsync/pkg/events"
	"github.com/cuemby/almsync/pkg/intake"
	"github.com/cuemby/almsync/pkg/materializer"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/storage"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// WebhookHandler applies tracker webhooks
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, ev *tracker.WebhookEvent) dispatcher.HandlerResult
}

// Submitter records new requirements
type Submitter interface {
	Submit(ctx context.Context, text string, tags []string) (*intake.Submission, error)
}

// Materializer turns compliance results into issues
type Materializer interface {
	Materialize(ctx context.Context, reqID string, tags []string) (*materializer.Report, error)
}

// Requirements looks up stored requirements
type Requirements interface {
	GetRequirement(ctx context.Context, id string) (*types.Requirement, error)
}

// Deps are the components the API serves. Nil components leave their
// routes unregistered.
type Deps struct {
	Webhooks     WebhookHandler
	Intake       Submitter
	Materializer Materializer
	Requirements Requirements
}

// Server is the HTTP surface: tracker webhooks, intake and health
type Server struct {
	deps   Deps
	router *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestMetrics(), requestLogger(logger))

	s := &Server{deps: deps, router: router, logger: logger}

	router.GET("/health", gin.WrapF(metrics.HealthHandler()))
	router.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	router.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	if deps.Webhooks != nil {
		router.POST("/webhooks/tracker", s.handleWebhook)
	}
	if deps.Intake != nil {
		router.POST("/requirements", s.handleSubmit)
	}
	if deps.Materializer != nil && deps.Requirements != nil {
		router.POST("/requirements/:id/materialize", s.handleMaterialize)
	}

	return s
}

// Handler returns the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	metrics.UpdateComponent("api", true, "")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.UpdateComponent("api", false, err.Error())
	return err
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebhook(c *gin.Context) {
	var ev tracker.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook body: " + err.Error()})
		return
	}

	res := s.deps.Webhooks.HandleWebhook(c.Request.Context(), &ev)
	switch {
	case res.Err == nil:
		c.JSON(http.StatusOK, res.Webhook)
	case res.Disposition == events.Retry:
		// the tracker redelivers webhooks answered with 5xx
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": res.Err.Error(), "class": res.Class.String()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Err.Error(), "class": res.Class.String()})
	}
}

type submitRequest struct {
	Requirement            string   `json:"requirement" binding:"required"`
	RegulatoryRequirements []string `json:"regulatory_requirements"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.deps.Intake.Submit(c.Request.Context(), req.Requirement, req.RegulatoryRequirements)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

type materializeRequest struct {
	Tags []string `json:"regulatory_tags"`
}

func (s *Server) handleMaterialize(c *gin.Context) {
	id := c.Param("id")

	var body materializeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	tags := body.Tags
	if len(tags) == 0 {
		req, err := s.deps.Requirements.GetRequirement(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		tags = req.RegulatoryTags
	}

	report, err := s.deps.Materializer.Materialize(c.Request.Context(), id, tags)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// fail maps an error to a status: missing rows are 404, permanent
// failures 400, retryable ones 503 and warehouse failures 500
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case syncerr.ClassOf(err) == syncerr.ClassPermanent:
		status = http.StatusBadRequest
	case syncerr.ClassOf(err) == syncerr.ClassStorage:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("route", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": strings.TrimSpace(err.Error())})
}
