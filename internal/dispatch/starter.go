package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loopwork/reactor/internal/domain"
)

// HTTPStarter posts jobs to an external runner. The runner reports
// back through the internal job completion endpoint.
type HTTPStarter struct {
	url        string
	httpClient *http.Client
}

// NewHTTPStarter creates a starter for a remote job runner.
func NewHTTPStarter(url string, timeout time.Duration) *HTTPStarter {
	return &HTTPStarter{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	JobID      string          `json:"job_id"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (s *HTTPStarter) Start(ctx context.Context, job *domain.ToolJob) error {
	body, err := json.Marshal(startRequest{JobID: job.JobID, ToolName: job.ToolName, Parameters: job.Parameters})
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/jobs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("job runner unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("job runner returned %d", resp.StatusCode)
	}
	return nil
}

// LocalStarter simulates an external runner in-process. It produces a
// canned result after a short delay and reports it through the same
// completion path a remote runner would use.
type LocalStarter struct {
	delay    time.Duration
	complete func(jobID string, result, errData []byte)
}

// NewLocalStarter creates an in-process job runner. complete is the
// job completion entry point, the same one the internal API serves.
func NewLocalStarter(delay time.Duration, complete func(jobID string, result, errData []byte)) *LocalStarter {
	return &LocalStarter{delay: delay, complete: complete}
}

func (s *LocalStarter) Start(ctx context.Context, job *domain.ToolJob) error {
	go func() {
		time.Sleep(s.delay)
		result, err := cannedResult(job.ToolName, job.Parameters)
		if err != nil {
			errData, _ := json.Marshal(map[string]string{"message": err.Error()})
			s.complete(job.JobID, nil, errData)
			return
		}
		s.complete(job.JobID, result, nil)
	}()
	return nil
}

func cannedResult(toolName string, params json.RawMessage) (json.RawMessage, error) {
	switch toolName {
	case "causal_analysis":
		return json.RawMessage(`{"treatment_effect":0.42,"confidence_interval":[0.31,0.53],"method":"backdoor adjustment","significant":true}`), nil
	case "eda_analysis":
		return json.RawMessage(`{"rows":1000,"columns":12,"missing_pct":2.1,"top_correlations":[{"pair":["price","churn"],"r":0.61}]}`), nil
	default:
		return nil, fmt.Errorf("no local runner for tool %q", toolName)
	}
}
