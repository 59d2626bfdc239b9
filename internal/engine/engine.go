// Package engine drives resumable executions through the
// reason-act-observe loop. Every transition is persisted before its
// side effect runs, so a crashed process picks executions back up
// without repeating completed work.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/reactor/internal/config"
	"github.com/loopwork/reactor/internal/dispatch"
	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/reasoner"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/taxonomy"
	"github.com/loopwork/reactor/internal/token"
)

// Sink receives the user-facing outputs of executions. Implemented by
// the gateway; delivery must tolerate the session being offline.
type Sink interface {
	DeliverPrompt(sessionID, prompt string)
	DeliverAnswer(sessionID, executionID, answer string, timeout bool)
	DeliverError(sessionID string, code taxonomy.Code, message string)
}

// Engine owns execution state transitions.
type Engine struct {
	store      store.Store
	reasoner   reasoner.Client
	dispatcher *dispatch.Dispatcher
	tokens     *token.Manager
	sink       Sink
	cfg        *config.Config

	// baseCtx outlives individual requests; background driving and
	// resumption run under it.
	baseCtx context.Context
}

// New creates an engine. The engine registers itself as the token
// manager's timeouter.
func New(baseCtx context.Context, st store.Store, rc reasoner.Client, d *dispatch.Dispatcher, tm *token.Manager, sink Sink, cfg *config.Config) *Engine {
	e := &Engine{
		store:      st,
		reasoner:   rc,
		dispatcher: d,
		tokens:     tm,
		sink:       sink,
		cfg:        cfg,
		baseCtx:    baseCtx,
	}
	tm.SetTimeouter(e)
	return e
}

// StartExecution claims the session and starts a new execution for a
// query. A session already running or waiting on a prompt rejects the
// query with a busy failure.
func (e *Engine) StartExecution(ctx context.Context, session *domain.Session, query, messageID string) (*domain.Execution, error) {
	executionID := "exec_" + uuid.New().String()[:8]

	claimed, err := e.store.ClaimSessionForExecution(ctx, session.SessionID, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	if !claimed {
		return nil, taxonomy.New(taxonomy.CodeSessionBusy, "session already has an active execution")
	}

	now := time.Now()
	exec := &domain.Execution{
		ExecutionID: executionID,
		SessionID:   session.SessionID,
		Query:       query,
		MessageID:   messageID,
		State:       domain.StateParseQuery,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if _, rerr := e.store.ReleaseSessionExecution(ctx, session.SessionID, executionID); rerr != nil {
			log.Printf("ERROR: failed to release session %s after create failure: %v", session.SessionID, rerr)
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	if err := e.recordEvent(ctx, executionID, domain.EventTypeExecutionStarted, map[string]string{
		"session_id": session.SessionID,
		"message_id": messageID,
	}); err != nil {
		log.Printf("ERROR: failed to record execution_started event: %v", err)
	}

	e.appendTurn(ctx, session.SessionID, executionID, "user", query)

	go e.drive(e.baseCtx, executionID)
	return exec, nil
}

// Recover re-drives every non-terminal execution found at startup.
// Suspended executions stay parked only while their token is still
// live; the rest resume from their persisted state.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ListActiveExecutions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active executions: %w", err)
	}
	for _, exec := range active {
		if exec.State.Suspended() {
			e.recoverSuspended(ctx, &exec)
			continue
		}
		log.Printf("Recovery: re-driving execution %s from %s", exec.ExecutionID, exec.State)
		go e.drive(e.baseCtx, exec.ExecutionID)
	}
	return nil
}

// recoverSuspended decides what to do with a suspended execution found
// at startup. A PENDING token means the wait is still legitimate; an
// EXPIRED one means a timeout was interrupted mid-flight; a spent or
// missing one means the crash landed between the redeem and the
// transition out of the suspended state. Anything but the first resumes
// the execution so the session never stays wedged.
func (e *Engine) recoverSuspended(ctx context.Context, exec *domain.Execution) {
	tok, err := e.suspensionToken(ctx, exec)
	if err != nil {
		log.Printf("ERROR: failed to resolve suspension token for %s, leaving parked: %v", exec.ExecutionID, err)
		return
	}

	if tok != nil && tok.Status == domain.TokenStatusPending {
		log.Printf("Recovery: execution %s stays suspended in %s", exec.ExecutionID, exec.State)
		return
	}
	if tok != nil && tok.Status == domain.TokenStatusExpired {
		log.Printf("Recovery: finishing interrupted timeout for execution %s", exec.ExecutionID)
		e.timeOutExecution(ctx, exec, tok)
		return
	}

	if tok != nil && exec.State == domain.StateWaitingInput {
		if _, err := e.store.ClearSessionPendingToken(ctx, exec.SessionID, tok.Token); err != nil {
			log.Printf("ERROR: failed to clear pending token on session %s: %v", exec.SessionID, err)
		}
	}
	next := domain.StateInvokeReasoner
	if exec.State == domain.StateWaitingTool {
		// The job row carries the outcome; the dispatch recovery entry
		// replays it.
		next = domain.StateDispatchTool
	}
	log.Printf("Recovery: resuming execution %s past a spent token", exec.ExecutionID)
	if err := e.transition(ctx, exec, next); err != nil {
		return
	}
	go e.drive(e.baseCtx, exec.ExecutionID)
}

// suspensionToken looks up the token a suspended execution is parked
// on. Returns nil when none was recorded.
func (e *Engine) suspensionToken(ctx context.Context, exec *domain.Execution) (*domain.TaskToken, error) {
	switch exec.State {
	case domain.StateWaitingInput:
		session, err := e.store.GetSession(ctx, exec.SessionID)
		if err != nil {
			return nil, err
		}
		if session == nil || session.PendingTokenID == "" {
			return nil, nil
		}
		return e.store.GetToken(ctx, session.PendingTokenID)
	case domain.StateWaitingTool:
		job, err := e.store.GetJobByStep(ctx, exec.ExecutionID, exec.Iterations)
		if err != nil {
			return nil, err
		}
		if job == nil || job.Token == "" {
			return nil, nil
		}
		return e.store.GetToken(ctx, job.Token)
	}
	return nil, nil
}

// drive advances an execution until it suspends or terminates. The
// execution row is re-read every step; state is never trusted from
// memory across a transition.
func (e *Engine) drive(ctx context.Context, executionID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			log.Printf("ERROR: failed to load execution %s: %v", executionID, err)
			return
		}
		if exec == nil || exec.State.Terminal() || exec.State.Suspended() {
			return
		}

		switch exec.State {
		case domain.StateParseQuery:
			if strings.TrimSpace(exec.Query) == "" {
				e.fail(ctx, exec, taxonomy.New(taxonomy.CodeReasonerFatalFailure, "query is empty"))
				return
			}
			if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
				return
			}

		case domain.StateInvokeReasoner, domain.StateAppendOutput:
			if exec.Iterations >= e.cfg.MaxIterations {
				e.fail(ctx, exec, taxonomy.Newf(taxonomy.CodeIterationLimitExceeded,
					"execution exceeded %d reasoner iterations", e.cfg.MaxIterations))
				return
			}
			decision, err := e.invokeWithRetry(ctx, exec)
			if err != nil {
				e.fail(ctx, exec, err)
				return
			}
			if err := e.recordEvent(ctx, executionID, domain.EventTypeReasonerDecision, map[string]string{
				"decision": decision.String(),
			}); err != nil {
				log.Printf("ERROR: failed to record reasoner_decision event: %v", err)
			}

			switch decision.Type {
			case reasoner.DecisionToolCall:
				won, err := e.store.UpdateExecutionProgress(ctx, executionID, domain.StateDispatchTool, exec.Iterations+1, 0)
				if err != nil || !won {
					log.Printf("ERROR: failed to persist dispatch transition for %s: won=%v err=%v", executionID, won, err)
					return
				}
				exec.Iterations++
				exec.State = domain.StateDispatchTool
				if suspended := e.dispatchTool(ctx, exec, decision); suspended {
					return
				}

			case reasoner.DecisionNeedInput:
				won, err := e.store.UpdateExecutionProgress(ctx, executionID, domain.StateSendPrompt, exec.Iterations+1, 0)
				if err != nil || !won {
					log.Printf("ERROR: failed to persist prompt transition for %s: won=%v err=%v", executionID, won, err)
					return
				}
				e.sendPrompt(ctx, exec, decision.Prompt)
				return

			case reasoner.DecisionFinalAnswer:
				e.finish(ctx, exec, decision.Answer)
				return
			}

		case domain.StateDispatchTool:
			// Recovery entry. The job row, if any, says how far
			// dispatch got before the crash.
			job, err := e.store.GetJobByStep(ctx, executionID, exec.Iterations)
			if err != nil {
				log.Printf("ERROR: failed to look up job for recovery of %s: %v", executionID, err)
				return
			}
			switch {
			case job == nil:
				// Decision was lost with the process; ask again.
				if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
					return
				}
			case job.CompletedAt != nil:
				if len(job.Error) > 0 {
					e.fail(ctx, exec, taxonomy.Newf(taxonomy.CodeToolDispatchFailure, "tool %q failed", job.ToolName))
					return
				}
				e.appendTurn(ctx, exec.SessionID, executionID, "tool", string(job.Result))
				if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
					return
				}
			default:
				if err := e.transition(ctx, exec, domain.StateWaitingTool); err != nil {
					return
				}
				return
			}

		case domain.StateSendPrompt:
			// Recovery entry. The prompt text was not persisted; the
			// reasoner will restate it.
			if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
				return
			}

		default:
			log.Printf("ERROR: execution %s in unexpected state %s", executionID, exec.State)
			return
		}
	}
}

// dispatchTool runs one tool decision. Returns true when the execution
// suspended (or terminated) and driving must stop.
func (e *Engine) dispatchTool(ctx context.Context, exec *domain.Execution, decision *reasoner.Decision) bool {
	kind, ok := e.dispatcher.Kind(decision.Tool)
	if !ok {
		e.fail(ctx, exec, taxonomy.Newf(taxonomy.CodeUnknownTool, "tool %q is not registered", decision.Tool))
		return true
	}

	session, err := e.store.GetSession(ctx, exec.SessionID)
	if err != nil || session == nil {
		log.Printf("ERROR: failed to load session %s: %v", exec.SessionID, err)
		return true
	}

	var tok string
	if kind == domain.ToolKindJob {
		issued, err := e.tokens.Issue(ctx, exec.ExecutionID, domain.TokenKindToolResult, e.cfg.JobTTL)
		if err != nil {
			e.fail(ctx, exec, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, "failed to issue task token", err))
			return true
		}
		tok = issued.Token
	}

	result, err := e.dispatcher.Dispatch(ctx, exec, exec.Iterations, decision.Tool, decision.Parameters, session.UserID, tok)
	if err != nil {
		e.fail(ctx, exec, err)
		return true
	}

	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeToolDispatched, domain.ToolDispatchedPayload{
		JobID:    result.JobID,
		ToolName: decision.Tool,
		Kind:     kind,
		Args:     decision.Parameters,
	}); err != nil {
		log.Printf("ERROR: failed to record tool_dispatched event: %v", err)
	}

	if result.Async {
		if err := e.transition(ctx, exec, domain.StateWaitingTool); err != nil {
			return true
		}
		return true
	}

	// Sync tool: the observation goes straight into the context.
	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeToolResult, domain.ToolResultPayload{
		JobID:  result.JobID,
		Status: domain.JobStatusCompleted,
		Result: result.Output,
	}); err != nil {
		log.Printf("ERROR: failed to record tool_result event: %v", err)
	}
	e.appendTurn(ctx, exec.SessionID, exec.ExecutionID, "tool", string(result.Output))
	if err := e.transition(ctx, exec, domain.StateAppendOutput); err != nil {
		return true
	}
	return false
}

// sendPrompt suspends the execution on a user-response token and
// delivers the question.
func (e *Engine) sendPrompt(ctx context.Context, exec *domain.Execution, prompt string) {
	tok, err := e.tokens.Issue(ctx, exec.ExecutionID, domain.TokenKindUserResponse, e.cfg.PromptTTL)
	if err != nil {
		e.fail(ctx, exec, taxonomy.Wrap(taxonomy.CodeInternal, "failed to issue prompt token", err))
		return
	}

	won, err := e.store.SetSessionPendingToken(ctx, exec.SessionID, tok.Token)
	if err != nil || !won {
		log.Printf("ERROR: failed to set pending token on session %s: won=%v err=%v", exec.SessionID, won, err)
		e.fail(ctx, exec, taxonomy.New(taxonomy.CodeInternal, "failed to record pending prompt"))
		return
	}

	if err := e.transition(ctx, exec, domain.StateWaitingInput); err != nil {
		return
	}

	e.appendTurn(ctx, exec.SessionID, exec.ExecutionID, "prompt", prompt)
	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypePromptSent, map[string]string{
		"prompt": prompt,
	}); err != nil {
		log.Printf("ERROR: failed to record prompt_sent event: %v", err)
	}

	e.sink.DeliverPrompt(exec.SessionID, prompt)
}

// ResumeUserResponse answers the session's outstanding prompt and
// resumes its execution. The pending token enforces at-most-once.
func (e *Engine) ResumeUserResponse(ctx context.Context, sessionID, response string) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || session.PendingTokenID == "" {
		return taxonomy.New(taxonomy.CodeTokenNotFound, "no prompt is waiting for a response")
	}

	tok, err := e.tokens.Redeem(ctx, session.PendingTokenID)
	if err != nil {
		return err
	}

	if _, err := e.store.ClearSessionPendingToken(ctx, sessionID, tok.Token); err != nil {
		log.Printf("ERROR: failed to clear pending token on session %s: %v", sessionID, err)
	}

	exec, err := e.store.GetExecution(ctx, tok.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	if exec == nil || exec.State.Terminal() {
		return nil
	}

	e.appendTurn(ctx, sessionID, exec.ExecutionID, "user", response)
	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypePromptAnswered, map[string]string{
		"response": response,
	}); err != nil {
		log.Printf("ERROR: failed to record prompt_answered event: %v", err)
	}

	if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
		return nil
	}
	go e.drive(e.baseCtx, exec.ExecutionID)
	return nil
}

// ResumeToolResult completes a job and resumes its execution. Safe to
// call more than once per job; only the first completion resumes.
func (e *Engine) ResumeToolResult(ctx context.Context, jobID string, result, errData []byte) error {
	job, won, err := e.dispatcher.Complete(ctx, jobID, result, errData)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if job.Token != "" {
		if _, err := e.tokens.Redeem(ctx, job.Token); err != nil {
			// The timeout sweep got here first; it owns the execution.
			log.Printf("WARN: job %s result arrived after token resolution: %v", jobID, err)
			return nil
		}
	}

	exec, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	if exec == nil || exec.State.Terminal() {
		return nil
	}

	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeToolResult, domain.ToolResultPayload{
		JobID:  job.JobID,
		Status: job.Status,
		Result: job.Result,
		Error:  job.Error,
	}); err != nil {
		log.Printf("ERROR: failed to record tool_result event: %v", err)
	}

	if errData != nil {
		e.fail(ctx, exec, taxonomy.Newf(taxonomy.CodeToolDispatchFailure, "tool %q failed", job.ToolName))
		return nil
	}

	e.appendTurn(ctx, exec.SessionID, exec.ExecutionID, "tool", string(job.Result))
	if err := e.transition(ctx, exec, domain.StateInvokeReasoner); err != nil {
		return nil
	}
	go e.drive(e.baseCtx, exec.ExecutionID)
	return nil
}

// HandleTokenTimeout moves an execution to TIMED_OUT after its pending
// token expired. Called by the token manager's sweep or by a losing
// late redeem, once per token. An expired token the execution is not
// actually suspended on is ignored; it must not take down a healthy
// execution.
func (e *Engine) HandleTokenTimeout(ctx context.Context, tok *domain.TaskToken) {
	exec, err := e.store.GetExecution(ctx, tok.ExecutionID)
	if err != nil {
		log.Printf("ERROR: failed to load execution %s for timeout: %v", tok.ExecutionID, err)
		return
	}
	if exec == nil || exec.State.Terminal() {
		return
	}
	if !exec.State.Suspended() {
		log.Printf("WARN: ignoring expired token %s; execution %s is in %s, not suspended", tok.Token, exec.ExecutionID, exec.State)
		return
	}

	switch tok.Kind {
	case domain.TokenKindUserResponse:
		session, err := e.store.GetSession(ctx, exec.SessionID)
		if err != nil {
			log.Printf("ERROR: failed to load session %s for timeout: %v", exec.SessionID, err)
			return
		}
		if session == nil || session.PendingTokenID != tok.Token {
			log.Printf("WARN: ignoring expired token %s; session %s is not waiting on it", tok.Token, exec.SessionID)
			return
		}
	case domain.TokenKindToolResult:
		job, err := e.store.GetJobByStep(ctx, exec.ExecutionID, exec.Iterations)
		if err != nil {
			log.Printf("ERROR: failed to look up job for timeout of %s: %v", exec.ExecutionID, err)
			return
		}
		if job == nil || job.Token != tok.Token {
			log.Printf("WARN: ignoring expired token %s; execution %s's current step is not waiting on it", tok.Token, exec.ExecutionID)
			return
		}
	}

	e.timeOutExecution(ctx, exec, tok)
}

// timeOutExecution performs the TIMED_OUT transition with its cleanup
// and delivery. Ownership of the token has already been established.
func (e *Engine) timeOutExecution(ctx context.Context, exec *domain.Execution, tok *domain.TaskToken) {
	if tok.Kind == domain.TokenKindUserResponse {
		if _, err := e.store.ClearSessionPendingToken(ctx, exec.SessionID, tok.Token); err != nil {
			log.Printf("ERROR: failed to clear pending token on session %s: %v", exec.SessionID, err)
		}
	}
	if tok.Kind == domain.TokenKindToolResult {
		if job, err := e.store.GetJobByStep(ctx, exec.ExecutionID, exec.Iterations); err == nil && job != nil && job.CompletedAt == nil {
			errData, _ := json.Marshal(map[string]string{"message": "job timed out"})
			if _, cerr := e.store.CompleteJob(ctx, job.JobID, domain.JobStatusFailed, nil, errData); cerr != nil {
				log.Printf("ERROR: failed to time out job %s: %v", job.JobID, cerr)
			}
		}
	}

	errData, _ := json.Marshal(domain.ExecutionFailedPayload{
		Code:    "timeout",
		Message: fmt.Sprintf("timed out waiting for %s", tok.Kind),
	})
	won, err := e.store.CompleteExecution(ctx, exec.ExecutionID, domain.StateTimedOut, errData)
	if err != nil {
		log.Printf("ERROR: failed to time out execution %s: %v", exec.ExecutionID, err)
		return
	}
	if !won {
		return
	}

	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeExecutionTimeout, map[string]string{
		"token_kind": string(tok.Kind),
	}); err != nil {
		log.Printf("ERROR: failed to record execution_timeout event: %v", err)
	}
	if _, err := e.store.ReleaseSessionExecution(ctx, exec.SessionID, exec.ExecutionID); err != nil {
		log.Printf("ERROR: failed to release session %s: %v", exec.SessionID, err)
	}

	message := "The analysis timed out before a result was available. Please try again."
	if tok.Kind == domain.TokenKindUserResponse {
		message = "Timed out waiting for your response. Please send your query again."
	}
	e.sink.DeliverAnswer(exec.SessionID, exec.ExecutionID, message, true)
	log.Printf("Execution %s timed out waiting for %s", exec.ExecutionID, tok.Kind)
}

// finish completes an execution with its final answer.
func (e *Engine) finish(ctx context.Context, exec *domain.Execution, answer string) {
	won, err := e.store.CompleteExecution(ctx, exec.ExecutionID, domain.StateFinished, nil)
	if err != nil {
		log.Printf("ERROR: failed to finish execution %s: %v", exec.ExecutionID, err)
		return
	}
	if !won {
		return
	}

	e.appendTurn(ctx, exec.SessionID, exec.ExecutionID, "assistant", answer)
	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeExecutionDone, map[string]string{
		"answer": answer,
	}); err != nil {
		log.Printf("ERROR: failed to record execution_done event: %v", err)
	}
	if _, err := e.store.ReleaseSessionExecution(ctx, exec.SessionID, exec.ExecutionID); err != nil {
		log.Printf("ERROR: failed to release session %s: %v", exec.SessionID, err)
	}

	e.sink.DeliverAnswer(exec.SessionID, exec.ExecutionID, answer, false)
	log.Printf("Execution %s finished after %d iterations", exec.ExecutionID, exec.Iterations)
}

// fail terminates an execution with a classified error.
func (e *Engine) fail(ctx context.Context, exec *domain.Execution, cause error) {
	code := taxonomy.CodeOf(cause)
	errData, _ := json.Marshal(domain.ExecutionFailedPayload{
		Code:    string(code),
		Message: cause.Error(),
	})

	won, err := e.store.CompleteExecution(ctx, exec.ExecutionID, domain.StateErrored, errData)
	if err != nil {
		log.Printf("ERROR: failed to mark execution %s errored: %v", exec.ExecutionID, err)
		return
	}
	if !won {
		return
	}

	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeExecutionFailed, domain.ExecutionFailedPayload{
		Code:    string(code),
		Message: cause.Error(),
	}); err != nil {
		log.Printf("ERROR: failed to record execution_failed event: %v", err)
	}
	if _, err := e.store.ReleaseSessionExecution(ctx, exec.SessionID, exec.ExecutionID); err != nil {
		log.Printf("ERROR: failed to release session %s: %v", exec.SessionID, err)
	}

	e.sink.DeliverError(exec.SessionID, code, userMessage(code))
	log.Printf("ERROR: execution %s failed: %v", exec.ExecutionID, cause)
}

// invokeWithRetry invokes the reasoner, retrying transient failures
// with exponential backoff. Fatal failures and shape failures return
// immediately.
func (e *Engine) invokeWithRetry(ctx context.Context, exec *domain.Execution) (*reasoner.Decision, error) {
	turns, err := e.store.ListTurns(ctx, exec.SessionID, e.cfg.ContextMaxTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}
	req := &reasoner.Request{Query: exec.Query, Turns: turns}

	delay := e.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= e.cfg.ReasonerAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReasonerTimeout)
		decision, err := e.reasoner.Decide(rctx, req)
		cancel()
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if !taxonomy.Retryable(err) {
			return nil, err
		}

		if _, perr := e.store.UpdateExecutionProgress(ctx, exec.ExecutionID, exec.State, exec.Iterations, attempt); perr != nil {
			log.Printf("ERROR: failed to record reasoner attempt for %s: %v", exec.ExecutionID, perr)
		}
		if attempt < e.cfg.ReasonerAttempts {
			log.Printf("WARN: reasoner attempt %d for %s failed, retrying in %s: %v", attempt, exec.ExecutionID, delay, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * e.cfg.RetryMultiplier)
			if delay > e.cfg.RetryMaxDelay {
				delay = e.cfg.RetryMaxDelay
			}
		}
	}
	return nil, lastErr
}

// transition persists a state change, updating the in-memory copy on
// success.
func (e *Engine) transition(ctx context.Context, exec *domain.Execution, to domain.ExecutionState) error {
	won, err := e.store.UpdateExecutionState(ctx, exec.ExecutionID, to)
	if err != nil {
		log.Printf("ERROR: failed to transition execution %s to %s: %v", exec.ExecutionID, to, err)
		return err
	}
	if !won {
		return fmt.Errorf("execution %s already terminal", exec.ExecutionID)
	}
	if err := e.recordEvent(ctx, exec.ExecutionID, domain.EventTypeStateChanged, domain.StateChangedPayload{
		From: exec.State,
		To:   to,
	}); err != nil {
		log.Printf("ERROR: failed to record state_changed event: %v", err)
	}
	exec.State = to
	return nil
}

// appendTurn stores a conversation turn and trims the context window.
func (e *Engine) appendTurn(ctx context.Context, sessionID, executionID, role, content string) {
	turn := &domain.Turn{
		TurnID:      "turn_" + uuid.New().String()[:8],
		SessionID:   sessionID,
		ExecutionID: executionID,
		Role:        role,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	if err := e.store.AppendTurn(ctx, turn); err != nil {
		log.Printf("ERROR: failed to append %s turn for session %s: %v", role, sessionID, err)
		return
	}
	if err := e.store.TrimTurns(ctx, sessionID, e.cfg.ContextMaxTurns); err != nil {
		log.Printf("ERROR: failed to trim turns for session %s: %v", sessionID, err)
	}
}

// recordEvent records an event to the store.
func (e *Engine) recordEvent(ctx context.Context, executionID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID:     "evt_" + uuid.New().String()[:8],
		ExecutionID: executionID,
		Ts:          time.Now().UnixMilli(),
		Type:        eventType,
		Payload:     payloadBytes,
	}
	return e.store.CreateEvent(ctx, event)
}

// userMessage renders a failure class for end users.
func userMessage(code taxonomy.Code) string {
	switch code {
	case taxonomy.CodeSessionBusy:
		return "A query is already being processed for this session. Please wait for it to finish."
	case taxonomy.CodeUnknownTool:
		return "The requested analysis is not available."
	case taxonomy.CodeToolDispatchFailure:
		return "The analysis could not be run. Please try again."
	case taxonomy.CodeReasonerTransientFailure, taxonomy.CodeReasonerFatalFailure:
		return "The reasoning service is unavailable. Please try again later."
	case taxonomy.CodeUnexpectedResponseShape:
		return "The reasoning service returned an unusable response."
	case taxonomy.CodeIterationLimitExceeded:
		return "The query needed more processing steps than allowed. Try a narrower question."
	case taxonomy.CodeTokenExpired:
		return "The prompt expired before a response arrived."
	case taxonomy.CodeTokenAlreadyResolved:
		return "This prompt was already answered."
	case taxonomy.CodeTokenNotFound:
		return "There is no prompt waiting for a response."
	}
	return "An internal error occurred while processing your query."
}

// UserMessage exposes the taxonomy rendering to the gateway.
func UserMessage(code taxonomy.Code) string { return userMessage(code) }
