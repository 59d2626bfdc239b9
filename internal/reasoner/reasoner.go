// Package reasoner provides an abstraction for the reasoning model
// that drives executions. Each invocation returns exactly one Decision.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/taxonomy"
)

// Decision types. The set is closed: a response naming any other type
// is rejected, never passed through.
const (
	DecisionToolCall    = "tool_call"
	DecisionNeedInput   = "need_input"
	DecisionFinalAnswer = "final_answer"
)

// Decision is the reasoner's instruction for the next step of an
// execution. Exactly one of the branch fields is populated, selected
// by Type.
type Decision struct {
	Type string

	// Tool branch, Type == DecisionToolCall.
	Tool       string
	Parameters json.RawMessage

	// Input branch, Type == DecisionNeedInput.
	Prompt string

	// Answer branch, Type == DecisionFinalAnswer.
	Answer string
}

// Request carries the query and conversation context to the reasoner.
type Request struct {
	Query string        `json:"query"`
	Turns []domain.Turn `json:"turns"`
}

// Client defines the interface for reasoner invocations.
type Client interface {
	// Decide invokes the reasoner once and returns its decision.
	Decide(ctx context.Context, req *Request) (*Decision, error)
}

// rawDecision is the wire shape a reasoner responds with.
type rawDecision struct {
	Type       string          `json:"type"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Prompt     string          `json:"prompt"`
	Answer     string          `json:"answer"`
}

// ParseDecision validates a raw reasoner response. Any shape outside
// the closed decision set is a fatal unexpected-shape failure; the
// invocation is never retried for it.
func ParseDecision(data []byte) (*Decision, error) {
	var raw rawDecision
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeUnexpectedResponseShape, "response is not valid JSON", err)
	}

	switch raw.Type {
	case DecisionToolCall:
		if raw.Tool == "" {
			return nil, taxonomy.New(taxonomy.CodeUnexpectedResponseShape, "tool_call decision missing tool name")
		}
		return &Decision{Type: DecisionToolCall, Tool: raw.Tool, Parameters: raw.Parameters}, nil
	case DecisionNeedInput:
		if raw.Prompt == "" {
			return nil, taxonomy.New(taxonomy.CodeUnexpectedResponseShape, "need_input decision missing prompt")
		}
		return &Decision{Type: DecisionNeedInput, Prompt: raw.Prompt}, nil
	case DecisionFinalAnswer:
		if raw.Answer == "" {
			return nil, taxonomy.New(taxonomy.CodeUnexpectedResponseShape, "final_answer decision missing answer")
		}
		return &Decision{Type: DecisionFinalAnswer, Answer: raw.Answer}, nil
	case "":
		return nil, taxonomy.New(taxonomy.CodeUnexpectedResponseShape, "decision missing type")
	default:
		return nil, taxonomy.Newf(taxonomy.CodeUnexpectedResponseShape, "unknown decision type %q", raw.Type)
	}
}

// Ensure implementations satisfy the interface.
var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*MockClient)(nil)
)

// String renders the decision for logs.
func (d *Decision) String() string {
	switch d.Type {
	case DecisionToolCall:
		return fmt.Sprintf("tool_call(%s)", d.Tool)
	case DecisionNeedInput:
		return "need_input"
	case DecisionFinalAnswer:
		return "final_answer"
	}
	return d.Type
}
