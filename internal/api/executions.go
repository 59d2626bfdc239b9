package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// GetExecution returns an execution's current state and progress.
// GET /v1/executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		log.Printf("ERROR: failed to get execution: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get execution"})
	}
	if exec == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}

	return c.JSON(http.StatusOK, exec)
}

// GetExecutionEvents returns an execution's event trace, oldest first.
// Supports after_ts (Unix ms), types (comma-separated), and limit
// query parameters.
// GET /v1/executions/:execution_id/events
func (h *Handler) GetExecutionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	var afterTs int64
	if v := c.QueryParam("after_ts"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_ts"})
		}
		afterTs = parsed
	}

	var types []string
	if v := c.QueryParam("types"); v != "" {
		types = strings.Split(v, ",")
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = parsed
	}

	events, err := h.store.GetEvents(ctx, executionID, afterTs, types, limit)
	if err != nil {
		log.Printf("ERROR: failed to get events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get events"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"events":       events,
	})
}
