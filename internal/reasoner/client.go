package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loopwork/reactor/internal/taxonomy"
)

// HTTPClient invokes a reasoner service over HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient creates a new reasoner client.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url: strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Decide invokes the reasoner once. Network faults, timeouts, 429 and
// 5xx responses are transient; 4xx responses are fatal; response
// bodies outside the decision set are fatal shape failures.
func (c *HTTPClient) Decide(ctx context.Context, req *Request) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasoner request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoner request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, taxonomy.Wrap(taxonomy.CodeReasonerTransientFailure, "reasoner request timed out", err)
		}
		return nil, taxonomy.Wrap(taxonomy.CodeReasonerTransientFailure, "reasoner unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeReasonerTransientFailure, "failed to read reasoner response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return ParseDecision(data)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, taxonomy.Newf(taxonomy.CodeReasonerTransientFailure, "reasoner returned %d", resp.StatusCode)
	default:
		return nil, taxonomy.Newf(taxonomy.CodeReasonerFatalFailure, "reasoner returned %d", resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
