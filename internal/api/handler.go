// Package api provides HTTP handlers for the reactor service: the
// internal job-runner callback plus read endpoints over sessions,
// executions, and their event traces.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loopwork/reactor/internal/config"
	"github.com/loopwork/reactor/internal/engine"
	"github.com/loopwork/reactor/internal/store"
)

// Handler handles HTTP requests.
type Handler struct {
	store  store.Store
	engine *engine.Engine
	config *config.Config
}

// NewHandler creates a new handler.
func NewHandler(store store.Store, eng *engine.Engine, config *config.Config) *Handler {
	return &Handler{
		store:  store,
		engine: eng,
		config: config,
	}
}

// RegisterRoutes registers the public read API with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/sessions/:session_id/turns", h.GetSessionTurns)
	e.GET("/v1/executions/:execution_id", h.GetExecution)
	e.GET("/v1/executions/:execution_id/events", h.GetExecutionEvents)

	e.GET("/health", h.Health)
}

// RegisterInternalRoutes registers the job-runner callback API. It is
// served on a separate listener not exposed to clients.
func (h *Handler) RegisterInternalRoutes(e *echo.Echo) {
	e.POST("/internal/jobs/:job_id/complete", h.CompleteJob)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
