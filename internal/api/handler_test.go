package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loopwork/reactor/internal/config"
	"github.com/loopwork/reactor/internal/dispatch"
	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/engine"
	"github.com/loopwork/reactor/internal/policy"
	"github.com/loopwork/reactor/internal/reasoner"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/taxonomy"
	"github.com/loopwork/reactor/internal/token"
)

// noopStarter accepts jobs without running them, leaving executions
// suspended until the callback endpoint is exercised.
type noopStarter struct{}

func (noopStarter) Start(ctx context.Context, job *domain.ToolJob) error { return nil }

type silentSink struct {
	answers chan string
}

func (s *silentSink) DeliverPrompt(sessionID, prompt string) {}
func (s *silentSink) DeliverAnswer(sessionID, executionID, answer string, timeout bool) {
	select {
	case s.answers <- answer:
	default:
	}
}
func (s *silentSink) DeliverError(sessionID string, code taxonomy.Code, message string) {}

func newTestHandler(t *testing.T) (*Handler, *silentSink) {
	t.Helper()

	cfg := config.Load()
	cfg.ReasonerAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.PromptTTL = time.Minute
	cfg.JobTTL = time.Minute

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pe, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	d := dispatch.New(st, pe, noopStarter{}, cfg.JobTTL)
	dispatch.RegisterBuiltins(d)

	tm := token.NewManager(st, cfg.SweepInterval)
	sink := &silentSink{answers: make(chan string, 4)}
	eng := engine.New(context.Background(), st, reasoner.NewMockClient(), d, tm, sink, cfg)

	return NewHandler(st, eng, cfg), sink
}

func createSession(t *testing.T, h *Handler, sessionID string) *domain.Session {
	t.Helper()
	now := time.Now()
	session := &domain.Session{
		SessionID: sessionID,
		UserID:    "u1",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := h.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

// startSuspendedExecution runs a job-backed query until the execution
// parks in WAITING_TOOL, then returns it with its pending job.
func startSuspendedExecution(t *testing.T, h *Handler) (*domain.Execution, *domain.ToolJob) {
	t.Helper()
	session := createSession(t, h, "sess_api")

	exec, err := h.engine.StartExecution(context.Background(), session, "what is the effect of discounts", "msg_1")
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := h.store.GetExecution(context.Background(), exec.ExecutionID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if cur.State == domain.StateWaitingTool {
			job, err := h.store.GetJobByStep(context.Background(), exec.ExecutionID, cur.Iterations)
			if err != nil || job == nil {
				t.Fatalf("expected a pending job: %v", err)
			}
			return cur, job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never suspended on a tool job")
	return nil, nil
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Health(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/exec_nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("execution_id")
	c.SetParamValues("exec_nope")

	if err := h.GetExecution(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetSessionTurns(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	session := createSession(t, h, "sess_t1")

	for i, content := range []string{"first", "second"} {
		turn := &domain.Turn{
			TurnID:    "turn_" + string(rune('a'+i)),
			SessionID: session.SessionID,
			Role:      "user",
			Content:   content,
			CreatedAt: time.Now(),
		}
		if err := h.store.AppendTurn(context.Background(), turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess_t1/turns", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("sess_t1")

	if err := h.GetSessionTurns(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "first") || !strings.Contains(body, "second") {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestGetSessionTurnsNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess_nope/turns", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session_id")
	c.SetParamValues("sess_nope")

	if err := h.GetSessionTurns(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCompleteJobValidation(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/job_x/complete", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id")
	c.SetParamValues("job_x")

	if err := h.CompleteJob(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompleteJobNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/job_nope/complete", bytesBody(`{"result":{"ok":true}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id")
	c.SetParamValues("job_nope")

	if err := h.CompleteJob(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCompleteJobResumesExecution(t *testing.T) {
	e := echo.New()
	h, sink := newTestHandler(t)
	exec, job := startSuspendedExecution(t, h)

	body := `{"result":{"treatment_effect":0.42}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+job.JobID+"/complete", bytesBody(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id")
	c.SetParamValues(job.JobID)

	if err := h.CompleteJob(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case answer := <-sink.answers:
		if !strings.Contains(answer, "treatment_effect") {
			t.Fatalf("unexpected answer: %s", answer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no answer delivered")
	}

	cur, err := h.store.GetExecution(context.Background(), exec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if cur.State != domain.StateFinished {
		t.Fatalf("expected FINISHED, got %s", cur.State)
	}

	// A duplicate delivery is acknowledged without re-driving anything.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+job.JobID+"/complete", bytesBody(body))
	req2.Header.Set("Content-Type", "application/json")
	c2 := e.NewContext(req2, rec2)
	c2.SetParamNames("job_id")
	c2.SetParamValues(job.JobID)
	if err := h.CompleteJob(c2); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}

func TestGetExecutionEvents(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	exec, _ := startSuspendedExecution(t, h)

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/"+exec.ExecutionID+"/events?types=execution_started,tool_dispatched", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("execution_id")
	c.SetParamValues(exec.ExecutionID)

	if err := h.GetExecutionEvents(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.Events))
	}
	for _, ev := range resp.Events {
		if ev.Type != domain.EventTypeExecutionStarted && ev.Type != domain.EventTypeToolDispatched {
			t.Fatalf("unexpected event type: %s", ev.Type)
		}
	}
}

func bytesBody(s string) *bytes.Buffer {
	return bytes.NewBufferString(s)
}
