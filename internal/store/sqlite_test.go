package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/loopwork/reactor/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func seedSession(t *testing.T, store *SQLiteStore, sessionID, userID string) {
	t.Helper()
	now := time.Now()
	session := &domain.Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func seedExecution(t *testing.T, store *SQLiteStore, executionID, sessionID string) {
	t.Helper()
	now := time.Now()
	exec := &domain.Execution{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Query:       "what drives churn?",
		State:       domain.StateParseQuery,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
}

func TestSQLiteStoreSessionClaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")

	claimed, err := store.ClaimSessionForExecution(ctx, "s1", "e1")
	if err != nil {
		t.Fatalf("ClaimSessionForExecution failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to succeed")
	}

	// Second claim loses while the first execution holds the session.
	claimed, err = store.ClaimSessionForExecution(ctx, "s1", "e2")
	if err != nil {
		t.Fatalf("ClaimSessionForExecution failed: %v", err)
	}
	if claimed {
		t.Fatal("expected second claim to lose")
	}

	// Release by the wrong execution is a no-op.
	released, err := store.ReleaseSessionExecution(ctx, "s1", "e2")
	if err != nil {
		t.Fatalf("ReleaseSessionExecution failed: %v", err)
	}
	if released {
		t.Fatal("expected release by non-owner to lose")
	}

	released, err = store.ReleaseSessionExecution(ctx, "s1", "e1")
	if err != nil {
		t.Fatalf("ReleaseSessionExecution failed: %v", err)
	}
	if !released {
		t.Fatal("expected release by owner to win")
	}

	claimed, err = store.ClaimSessionForExecution(ctx, "s1", "e2")
	if err != nil {
		t.Fatalf("ClaimSessionForExecution failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim after release to succeed")
	}
}

func TestSQLiteStorePendingToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")

	ok, err := store.SetSessionPendingToken(ctx, "s1", "tok_a")
	if err != nil || !ok {
		t.Fatalf("SetSessionPendingToken: ok=%v err=%v", ok, err)
	}

	// Only one prompt may be outstanding.
	ok, err = store.SetSessionPendingToken(ctx, "s1", "tok_b")
	if err != nil {
		t.Fatalf("SetSessionPendingToken failed: %v", err)
	}
	if ok {
		t.Fatal("expected second pending token to be rejected")
	}

	// Clearing a mismatched token is a no-op.
	ok, err = store.ClearSessionPendingToken(ctx, "s1", "tok_b")
	if err != nil {
		t.Fatalf("ClearSessionPendingToken failed: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched clear to lose")
	}

	ok, err = store.ClearSessionPendingToken(ctx, "s1", "tok_a")
	if err != nil || !ok {
		t.Fatalf("ClearSessionPendingToken: ok=%v err=%v", ok, err)
	}

	session, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.PendingTokenID != "" {
		t.Fatalf("expected cleared pending token, got %q", session.PendingTokenID)
	}
}

func TestSQLiteStoreTurnsTrim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 15; i++ {
		turn := &domain.Turn{
			TurnID:    fmt.Sprintf("turn_%02d", i),
			SessionID: "s1",
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	if err := store.TrimTurns(ctx, "s1", 10); err != nil {
		t.Fatalf("TrimTurns failed: %v", err)
	}

	turns, err := store.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 10 {
		t.Fatalf("expected 10 turns after trim, got %d", len(turns))
	}
	// Oldest five were dropped; order is chronological.
	if turns[0].TurnID != "turn_05" {
		t.Fatalf("expected oldest surviving turn turn_05, got %s", turns[0].TurnID)
	}
	if turns[9].TurnID != "turn_14" {
		t.Fatalf("expected newest turn turn_14, got %s", turns[9].TurnID)
	}

	// Limited listing returns the newest rows in chronological order.
	turns, err = store.ListTurns(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 3 || turns[0].TurnID != "turn_12" || turns[2].TurnID != "turn_14" {
		t.Fatalf("unexpected limited listing: %+v", turns)
	}
}

func TestSQLiteStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")

	ok, err := store.UpdateExecutionProgress(ctx, "e1", domain.StateInvokeReasoner, 1, 0)
	if err != nil || !ok {
		t.Fatalf("UpdateExecutionProgress: ok=%v err=%v", ok, err)
	}

	ok, err = store.CompleteExecution(ctx, "e1", domain.StateFinished, nil)
	if err != nil || !ok {
		t.Fatalf("CompleteExecution: ok=%v err=%v", ok, err)
	}

	// A terminal execution cannot be completed or moved again.
	ok, err = store.CompleteExecution(ctx, "e1", domain.StateErrored, []byte(`{"code":"internal_error"}`))
	if err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate completion to lose")
	}
	ok, err = store.UpdateExecutionState(ctx, "e1", domain.StateInvokeReasoner)
	if err != nil {
		t.Fatalf("UpdateExecutionState failed: %v", err)
	}
	if ok {
		t.Fatal("expected state update on terminal execution to lose")
	}

	exec, err := store.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.State != domain.StateFinished {
		t.Fatalf("expected FINISHED, got %s", exec.State)
	}
	if exec.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
}

func TestSQLiteStoreListActiveExecutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")
	seedExecution(t, store, "e2", "s1")

	if _, err := store.CompleteExecution(ctx, "e1", domain.StateFinished, nil); err != nil {
		t.Fatalf("CompleteExecution failed: %v", err)
	}

	active, err := store.ListActiveExecutions(ctx)
	if err != nil {
		t.Fatalf("ListActiveExecutions failed: %v", err)
	}
	if len(active) != 1 || active[0].ExecutionID != "e2" {
		t.Fatalf("unexpected active executions: %+v", active)
	}
}

func TestSQLiteStoreTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")

	token := &domain.TaskToken{
		Token:       "tok_1",
		ExecutionID: "e1",
		Kind:        domain.TokenKindUserResponse,
		Status:      domain.TokenStatusPending,
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	if err := store.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	ok, err := store.ResolveToken(ctx, "tok_1")
	if err != nil || !ok {
		t.Fatalf("ResolveToken: ok=%v err=%v", ok, err)
	}

	// Second resolution loses; so does expiry after resolution.
	ok, err = store.ResolveToken(ctx, "tok_1")
	if err != nil {
		t.Fatalf("ResolveToken failed: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate resolve to lose")
	}
	ok, err = store.ExpireToken(ctx, "tok_1")
	if err != nil {
		t.Fatalf("ExpireToken failed: %v", err)
	}
	if ok {
		t.Fatal("expected expire after resolve to lose")
	}

	got, err := store.GetToken(ctx, "tok_1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got.Status != domain.TokenStatusResolved || got.ResolvedAt == nil {
		t.Fatalf("unexpected token after resolve: %+v", got)
	}
}

func TestSQLiteStoreListExpiredTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")

	now := time.Now()
	tokens := []*domain.TaskToken{
		{Token: "tok_past", ExecutionID: "e1", Kind: domain.TokenKindToolResult, Status: domain.TokenStatusPending, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)},
		{Token: "tok_future", ExecutionID: "e1", Kind: domain.TokenKindToolResult, Status: domain.TokenStatusPending, IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, tok := range tokens {
		if err := store.CreateToken(ctx, tok); err != nil {
			t.Fatalf("CreateToken failed: %v", err)
		}
	}

	expired, err := store.ListExpiredTokens(ctx, 10)
	if err != nil {
		t.Fatalf("ListExpiredTokens failed: %v", err)
	}
	if len(expired) != 1 || expired[0].Token != "tok_past" {
		t.Fatalf("unexpected expired tokens: %+v", expired)
	}
}

func TestSQLiteStoreJobIdempotency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")

	job := &domain.ToolJob{
		JobID:       "j1",
		ExecutionID: "e1",
		Step:        2,
		ToolName:    "causal_analysis",
		Parameters:  json.RawMessage(`{"treatment":"price"}`),
		Status:      domain.JobStatusDispatched,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Re-dispatch at the same step violates the unique index.
	dup := *job
	dup.JobID = "j2"
	if err := store.CreateJob(ctx, &dup); err == nil {
		t.Fatal("expected duplicate (execution, step) insert to fail")
	}

	found, err := store.GetJobByStep(ctx, "e1", 2)
	if err != nil {
		t.Fatalf("GetJobByStep failed: %v", err)
	}
	if found == nil || found.JobID != "j1" {
		t.Fatalf("unexpected job: %+v", found)
	}

	ok, err := store.CompleteJob(ctx, "j1", domain.JobStatusCompleted, []byte(`{"ate":0.42}`), nil)
	if err != nil || !ok {
		t.Fatalf("CompleteJob: ok=%v err=%v", ok, err)
	}
	ok, err = store.CompleteJob(ctx, "j1", domain.JobStatusFailed, nil, []byte(`{"code":"tool_dispatch_failure"}`))
	if err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if ok {
		t.Fatal("expected duplicate completion to lose")
	}

	got, err := store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || string(got.Result) != `{"ate":0.42}` {
		t.Fatalf("unexpected job after completion: %+v", got)
	}
}

func TestSQLiteStoreConnections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	conn := &domain.Connection{
		ConnectionID: "conn_1",
		ConnectedAt:  time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := store.PutConnection(ctx, conn); err != nil {
		t.Fatalf("PutConnection failed: %v", err)
	}

	if err := store.BindConnection(ctx, "conn_1", "u1", "s1"); err != nil {
		t.Fatalf("BindConnection failed: %v", err)
	}

	got, err := store.GetConnection(ctx, "conn_1")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if !got.Authenticated || got.UserID != "u1" || got.SessionID != "s1" {
		t.Fatalf("unexpected connection: %+v", got)
	}

	stale := &domain.Connection{
		ConnectionID: "conn_stale",
		ConnectedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	if err := store.PutConnection(ctx, stale); err != nil {
		t.Fatalf("PutConnection failed: %v", err)
	}
	purged, err := store.PurgeExpiredConnections(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredConnections failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged connection, got %d", purged)
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seedSession(t, store, "s1", "u1")
	seedExecution(t, store, "e1", "s1")

	for i, typ := range []domain.EventType{domain.EventTypeExecutionStarted, domain.EventTypeStateChanged, domain.EventTypeExecutionDone} {
		event := &domain.Event{
			EventID:     fmt.Sprintf("evt_%d", i),
			ExecutionID: "e1",
			Ts:          int64(1000 + i),
			Type:        typ,
		}
		if err := store.CreateEvent(ctx, event); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}

	events, err := store.GetEvents(ctx, "e1", 0, nil, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	events, err = store.GetEvents(ctx, "e1", 1000, []string{string(domain.EventTypeStateChanged)}, 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventTypeStateChanged {
		t.Fatalf("unexpected filtered events: %+v", events)
	}
}
