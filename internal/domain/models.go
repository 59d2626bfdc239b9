// Package domain defines the core domain models for reactor.
package domain

import (
	"encoding/json"
	"time"
)

// ExecutionState represents where a workflow execution currently is.
type ExecutionState string

const (
	StateParseQuery     ExecutionState = "PARSE_QUERY"
	StateInvokeReasoner ExecutionState = "INVOKE_REASONER"
	StateDispatchTool   ExecutionState = "DISPATCH_TOOL"
	StateWaitingTool    ExecutionState = "WAITING_TOOL"
	StateAppendOutput   ExecutionState = "APPEND_OUTPUT"
	StateSendPrompt     ExecutionState = "SEND_PROMPT"
	StateWaitingInput   ExecutionState = "WAITING_INPUT"
	StateFinished       ExecutionState = "FINISHED"
	StateErrored        ExecutionState = "ERRORED"
	StateTimedOut       ExecutionState = "TIMED_OUT"
)

// Terminal reports whether the state is final. Terminal executions are
// retained for audit but never resumed.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateFinished, StateErrored, StateTimedOut:
		return true
	}
	return false
}

// Suspended reports whether the execution has handed control to an
// external party and is waiting on a task token resolution.
func (s ExecutionState) Suspended() bool {
	return s == StateWaitingTool || s == StateWaitingInput
}

// TokenKind distinguishes what answer a suspended execution is waiting for.
type TokenKind string

const (
	TokenKindToolResult   TokenKind = "tool-result"
	TokenKindUserResponse TokenKind = "user-response"
)

// TokenStatus is the lifecycle state of a task token.
type TokenStatus string

const (
	TokenStatusPending  TokenStatus = "PENDING"
	TokenStatusResolved TokenStatus = "RESOLVED"
	TokenStatusExpired  TokenStatus = "EXPIRED"
)

// JobStatus is the lifecycle state of a dispatched tool job.
type JobStatus string

const (
	JobStatusDispatched JobStatus = "DISPATCHED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// ToolKind selects the execution strategy for a tool.
type ToolKind string

const (
	// ToolKindSync tools run in-process and return immediately.
	ToolKindSync ToolKind = "sync"
	// ToolKindJob tools run on an external backend and report back
	// through a completion callback.
	ToolKindJob ToolKind = "job"
)

// Session is one user's durable conversation, independent of any
// single connection.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Version is bumped on every conditional update so that a
	// crash-recovered duplicate resume cannot clobber a legitimate
	// concurrent write.
	Version int64 `json:"version"`

	// PendingTokenID references the single user-response token this
	// session may be waiting on. Empty when no prompt is outstanding.
	PendingTokenID string `json:"pending_token_id,omitempty"`

	// ActiveExecutionID is the single non-terminal execution bound to
	// this session. Empty when the session is idle.
	ActiveExecutionID string `json:"active_execution_id,omitempty"`
}

// Busy reports whether the session can accept a new query.
func (s *Session) Busy() bool {
	return s.ActiveExecutionID != "" || s.PendingTokenID != ""
}

// Turn is one entry in a session's conversation context.
type Turn struct {
	TurnID      string    `json:"turn_id"`
	SessionID   string    `json:"session_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Role        string    `json:"role"` // user, assistant, tool, prompt
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Execution is one run of the reason-act-observe loop for one query.
type Execution struct {
	ExecutionID string         `json:"execution_id"`
	SessionID   string         `json:"session_id"`
	Query       string         `json:"query"`
	MessageID   string         `json:"message_id,omitempty"`
	State       ExecutionState `json:"state"`

	// Iterations counts returns to the reasoner; bounded by the
	// configured iteration cap.
	Iterations int `json:"iterations"`
	// ReasonerAttempts counts transient-failure retries within the
	// current reasoner invocation.
	ReasonerAttempts int `json:"reasoner_attempts"`

	LastError json.RawMessage `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// TaskToken is a single-use capability representing one suspended
// execution step waiting for exactly one external answer.
type TaskToken struct {
	Token       string      `json:"token"`
	ExecutionID string      `json:"execution_id"`
	Kind        TokenKind   `json:"kind"`
	Status      TokenStatus `json:"status"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// ToolJob records one dispatched tool invocation.
type ToolJob struct {
	JobID       string          `json:"job_id"`
	ExecutionID string          `json:"execution_id"`
	// Step is the iteration index the job was dispatched from; the
	// (execution, step) pair keys re-dispatch deduplication.
	Step        int             `json:"step"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      JobStatus       `json:"status"`
	Token       string          `json:"token,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Connection is the registry record for one live real-time channel.
// The gateway process that accepted the channel owns it; this row only
// lets other components locate the owning session.
type Connection struct {
	ConnectionID  string    `json:"connection_id"`
	UserID        string    `json:"user_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// EventType labels entries in the execution trace.
type EventType string

const (
	EventTypeExecutionStarted EventType = "execution_started"
	EventTypeStateChanged     EventType = "state_changed"
	EventTypeReasonerDecision EventType = "reasoner_decision"
	EventTypeToolDispatched   EventType = "tool_dispatched"
	EventTypeToolResult       EventType = "tool_result"
	EventTypePromptSent       EventType = "prompt_sent"
	EventTypePromptAnswered   EventType = "prompt_answered"
	EventTypeExecutionDone    EventType = "execution_done"
	EventTypeExecutionFailed  EventType = "execution_failed"
	EventTypeExecutionTimeout EventType = "execution_timeout"
)

// Event is one trace entry for replay and audit.
type Event struct {
	EventID     string          `json:"event_id"`
	ExecutionID string          `json:"execution_id"`
	Ts          int64           `json:"ts"` // Unix milliseconds
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// StateChangedPayload is the payload for state_changed events.
type StateChangedPayload struct {
	From ExecutionState `json:"from"`
	To   ExecutionState `json:"to"`
}

// ToolDispatchedPayload is the payload for tool_dispatched events.
type ToolDispatchedPayload struct {
	JobID    string          `json:"job_id"`
	ToolName string          `json:"tool_name"`
	Kind     ToolKind        `json:"kind"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload is the payload for tool_result events.
type ToolResultPayload struct {
	JobID  string          `json:"job_id"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ExecutionFailedPayload is the payload for execution_failed events.
type ExecutionFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
