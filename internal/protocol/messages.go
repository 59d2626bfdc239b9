// Package protocol defines the wire contract spoken over the real-time
// channel. Every frame in both directions is one Envelope.
package protocol

import "encoding/json"

// Client-to-server actions.
const (
	ActionAuth     = "auth"
	ActionQuery    = "query"
	ActionResponse = "response"
	ActionPing     = "ping"
)

// Server-to-client actions.
const (
	ActionConnection    = "connection"
	ActionAuthSuccess   = "auth_success"
	ActionAuthError     = "auth_error"
	ActionQueryReceived = "query_received"
	ActionPrompt        = "prompt"
	ActionResult        = "response"
	ActionError         = "error"
	ActionPong          = "pong"
)

// ErrInvalidMessage is the error code for frames that fail to parse or
// name no known action. It lives at the protocol layer rather than the
// failure taxonomy because it never reaches an execution.
const ErrInvalidMessage = "invalid_message"

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries a classified failure to the client.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthPayload is the client's credential presentation.
type AuthPayload struct {
	Token string `json:"token"`
}

// QueryPayload starts a new execution on the session.
type QueryPayload struct {
	Query string `json:"query"`
}

// ResponsePayload answers an outstanding prompt.
type ResponsePayload struct {
	Response string `json:"response"`
}

// ConnectionPayload acknowledges a freshly accepted channel.
type ConnectionPayload struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
}

// AuthSuccessPayload confirms authentication and names the session the
// channel is now bound to.
type AuthSuccessPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
}

// QueryReceivedPayload acknowledges a query before the execution runs.
type QueryReceivedPayload struct {
	Query  string `json:"query"`
	Status string `json:"status"`
}

// PromptPayload asks the user a question the execution is blocked on.
type PromptPayload struct {
	Prompt string `json:"prompt"`
}

// ResultPayload delivers the final answer of an execution.
type ResultPayload struct {
	Answer      string `json:"answer"`
	ExecutionID string `json:"executionId"`
	Timeout     bool   `json:"timeout,omitempty"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Ts int64 `json:"ts"`
}

// NewError builds an error envelope for the given session.
func NewError(sessionID, code, message string) Envelope {
	return Envelope{
		Action:    ActionError,
		SessionID: sessionID,
		Error:     &ErrorBody{Code: code, Message: message},
	}
}
