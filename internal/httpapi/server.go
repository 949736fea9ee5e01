// Package httpapi provides the HTTP API for taskforge.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/engine"
	"github.com/harrowlabs/taskforge/internal/orchestrator"
	"github.com/harrowlabs/taskforge/internal/store"
	"github.com/harrowlabs/taskforge/internal/task"
)

// TaskService is the orchestrator surface the API consumes.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*task.Task, error)
	Resume(ctx context.Context, taskID string, info []string) error
	Cancel(ctx context.Context, taskID string) error
}

// Server exposes task submission and inspection over HTTP.
type Server struct {
	echo    *echo.Echo
	service TaskService
	store   *store.Store
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server. registry carries the process metrics
// served at /metrics; nil disables the endpoint.
func NewServer(service TaskService, st *store.Store, registry *prometheus.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("task service cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8640,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
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
		echo:    e,
		service: service,
		store:   st,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes(registry)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/health", s.handleHealth)
	if registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/tasks", s.handleList)
	v1.GET("/tasks/:id", s.handleGet)
	v1.GET("/tasks/:id/transitions", s.handleTransitions)
	v1.POST("/tasks/:id/resume", s.handleResume)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
}

// ResumeRequest is the request body for POST /api/v1/tasks/:id/resume.
type ResumeRequest struct {
	Answers []string `json:"answers"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit accepts a new work-item.
func (s *Server) handleSubmit(c echo.Context) error {
	var req orchestrator.SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := s.service.Submit(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

// handleList returns all known tasks, newest first.
func (s *Server) handleList(c echo.Context) error {
	tasks := s.store.Tasks()
	if state := c.QueryParam("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return c.JSON(http.StatusOK, tasks)
}

// handleGet returns one task snapshot.
func (s *Server) handleGet(c echo.Context) error {
	t, ok := s.store.Task(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, t)
}

// handleTransitions returns the task's state change history.
func (s *Server) handleTransitions(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.store.Task(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, s.store.Transitions(id))
}

// handleResume supplies clarification answers to a blocked task.
func (s *Server) handleResume(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers field is required")
	}

	err := s.service.Resume(c.Request().Context(), c.Param("id"), req.Answers)
	if err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// handleCancel aborts a task.
func (s *Server) handleCancel(c echo.Context) error {
	err := s.service.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// serviceError maps orchestrator and engine errors to HTTP status codes.
func serviceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrTerminalState),
		errors.Is(err, engine.ErrNotBlocked),
		errors.Is(err, engine.ErrAlreadyResumed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
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
