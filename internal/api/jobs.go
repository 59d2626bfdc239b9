package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loopwork/reactor/internal/taxonomy"
)

// JobCompleteRequest is the callback body a job runner posts when an
// asynchronous tool finishes. Exactly one of result and error should
// be set.
type JobCompleteRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// CompleteJob records a job result and resumes the suspended
// execution. Duplicate deliveries are acknowledged without effect.
// POST /internal/jobs/:job_id/complete
func (h *Handler) CompleteJob(c echo.Context) error {
	ctx := c.Request().Context()
	jobID := c.Param("job_id")

	var req JobCompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if len(req.Result) == 0 && len(req.Error) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "result or error is required"})
	}

	if err := h.engine.ResumeToolResult(ctx, jobID, req.Result, req.Error); err != nil {
		if taxonomy.CodeOf(err) == taxonomy.CodeTokenNotFound {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		log.Printf("ERROR: failed to complete job %s: %v", jobID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to complete job"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":     true,
		"job_id": jobID,
	})
}
