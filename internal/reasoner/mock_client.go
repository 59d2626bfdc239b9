package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MockClient is an offline reasoner for local development and tests.
// It pattern-matches the query to produce a plausible decision
// sequence: tool call first, then a final answer once a tool result
// is in the conversation.
type MockClient struct{}

// NewMockClient creates a new mock reasoner client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Decide(ctx context.Context, req *Request) (*Decision, error) {
	query := strings.ToLower(req.Query)

	// Once a tool result is in the context, wrap up.
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == "tool" {
			return &Decision{
				Type:   DecisionFinalAnswer,
				Answer: fmt.Sprintf("[MOCK] Based on the analysis: %s", req.Turns[i].Content),
			}, nil
		}
	}

	// A clarification that was already answered means the user told us
	// what they want; wrap up with it instead of asking again.
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == "prompt" {
			if i+1 < len(req.Turns) && req.Turns[i+1].Role == "user" {
				return &Decision{
					Type:   DecisionFinalAnswer,
					Answer: fmt.Sprintf("[MOCK] Understood, analyzing: %s", req.Turns[i+1].Content),
				}, nil
			}
			break
		}
	}

	switch {
	case strings.Contains(query, "effect") || strings.Contains(query, "causal") || strings.Contains(query, "impact"):
		params, _ := json.Marshal(map[string]string{"query": req.Query})
		return &Decision{Type: DecisionToolCall, Tool: "causal_analysis", Parameters: params}, nil
	case strings.Contains(query, "explore") || strings.Contains(query, "eda") || strings.Contains(query, "distribution"):
		params, _ := json.Marshal(map[string]string{"query": req.Query})
		return &Decision{Type: DecisionToolCall, Tool: "eda_analysis", Parameters: params}, nil
	case strings.Contains(query, "show") || strings.Contains(query, "list") || strings.Contains(query, "data"):
		params, _ := json.Marshal(map[string]string{"query": req.Query})
		return &Decision{Type: DecisionToolCall, Tool: "data_query", Parameters: params}, nil
	case strings.Contains(query, "?") && len(query) < 20:
		return &Decision{Type: DecisionNeedInput, Prompt: "[MOCK] Could you describe what you want to analyze in more detail?"}, nil
	}

	return &Decision{
		Type:   DecisionFinalAnswer,
		Answer: fmt.Sprintf("[MOCK] Received your query: %q. Nothing to analyze.", req.Query),
	}, nil
}
