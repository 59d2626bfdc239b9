package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loopwork/reactor/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			pending_token_id TEXT,
			active_execution_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			execution_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			query TEXT NOT NULL,
			message_id TEXT,
			state TEXT NOT NULL,
			iterations INTEGER NOT NULL DEFAULT 0,
			reasoner_attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_active ON executions(state) WHERE ended_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS task_tokens (
			token TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			issued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			resolved_at DATETIME,
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status_expires ON task_tokens(status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS tool_jobs (
			job_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			tool_name TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL,
			token TEXT,
			result TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_execution_step ON tool_jobs(execution_id, step)`,
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			user_id TEXT,
			session_id TEXT,
			authenticated INTEGER NOT NULL DEFAULT 0,
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_session ON connections(session_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at, updated_at, expires_at, version, pending_token_id, active_execution_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.CreatedAt, session.UpdatedAt, session.ExpiresAt,
		session.Version, nullString(session.PendingTokenID), nullString(session.ActiveExecutionID))
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at, updated_at, expires_at, version, pending_token_id, active_execution_id
		 FROM sessions WHERE session_id = ?`, sessionID))
}

// GetSessionByUser retrieves the most recent unexpired session for a user.
func (s *SQLiteStore) GetSessionByUser(ctx context.Context, userID string) (*domain.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at, updated_at, expires_at, version, pending_token_id, active_execution_id
		 FROM sessions
		 WHERE user_id = ? AND julianday(expires_at) > julianday('now')
		 ORDER BY created_at DESC LIMIT 1`, userID))
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*domain.Session, error) {
	var session domain.Session
	var pendingToken, activeExec sql.NullString
	err := row.Scan(&session.SessionID, &session.UserID, &session.CreatedAt, &session.UpdatedAt,
		&session.ExpiresAt, &session.Version, &pendingToken, &activeExec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if pendingToken.Valid {
		session.PendingTokenID = pendingToken.String
	}
	if activeExec.Valid {
		session.ActiveExecutionID = activeExec.String
	}
	return &session, nil
}

// ClaimSessionForExecution marks the session busy with the given
// execution. Fails when another execution already holds the session.
func (s *SQLiteStore) ClaimSessionForExecution(ctx context.Context, sessionID, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_execution_id = ?, updated_at = ?, version = version + 1
		 WHERE session_id = ? AND (active_execution_id IS NULL OR active_execution_id = '')`,
		executionID, time.Now(), sessionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseSessionExecution frees the session after the named execution
// reaches a terminal state.
func (s *SQLiteStore) ReleaseSessionExecution(ctx context.Context, sessionID, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_execution_id = NULL, pending_token_id = NULL, updated_at = ?, version = version + 1
		 WHERE session_id = ? AND active_execution_id = ?`,
		time.Now(), sessionID, executionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetSessionPendingToken records the user-response token the session is
// waiting on. At most one prompt may be outstanding per session.
func (s *SQLiteStore) SetSessionPendingToken(ctx context.Context, sessionID, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_token_id = ?, updated_at = ?, version = version + 1
		 WHERE session_id = ? AND (pending_token_id IS NULL OR pending_token_id = '')`,
		tokenID, time.Now(), sessionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClearSessionPendingToken clears the pending token if it still matches.
func (s *SQLiteStore) ClearSessionPendingToken(ctx context.Context, sessionID, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pending_token_id = NULL, updated_at = ?, version = version + 1
		 WHERE session_id = ? AND pending_token_id = ?`,
		time.Now(), sessionID, tokenID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// TouchSession bumps the session's updated_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, time.Now(), sessionID)
	return err
}

// PurgeExpiredSessions deletes sessions past their expiry along with
// their turns.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	// Sessions with a live execution are kept regardless of expiry, and
	// sessions referenced by any execution row stay for the audit trail.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (
			SELECT session_id FROM sessions WHERE julianday(expires_at) <= julianday('now')
			AND session_id NOT IN (SELECT DISTINCT session_id FROM executions WHERE ended_at IS NULL)
		)`); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE julianday(expires_at) <= julianday('now')
		 AND session_id NOT IN (SELECT DISTINCT session_id FROM executions WHERE ended_at IS NULL)
		 AND session_id NOT IN (SELECT DISTINCT session_id FROM executions)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendTurn appends a conversation turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *domain.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, session_id, execution_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		turn.TurnID, turn.SessionID, nullString(turn.ExecutionID), turn.Role, turn.Content, turn.CreatedAt)
	return err
}

// ListTurns retrieves the most recent turns for a session in
// chronological order.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	query := `SELECT turn_id, session_id, execution_id, role, content, created_at FROM turns WHERE session_id = ?`
	args := []interface{}{sessionID}
	if limit > 0 {
		// Take the newest rows, then flip back to chronological order.
		query = `SELECT turn_id, session_id, execution_id, role, content, created_at FROM (` +
			query + ` ORDER BY created_at DESC, turn_id DESC LIMIT ?) ORDER BY created_at ASC, turn_id ASC`
		args = append(args, limit)
	} else {
		query += ` ORDER BY created_at ASC, turn_id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var execID sql.NullString
		if err := rows.Scan(&turn.TurnID, &turn.SessionID, &execID, &turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, err
		}
		if execID.Valid {
			turn.ExecutionID = execID.String
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// TrimTurns deletes all but the newest keep turns for a session.
func (s *SQLiteStore) TrimTurns(ctx context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id = ? AND turn_id NOT IN (
			SELECT turn_id FROM turns WHERE session_id = ? ORDER BY created_at DESC, turn_id DESC LIMIT ?
		)`, sessionID, sessionID, keep)
	return err
}

// CreateExecution creates a new execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, session_id, query, message_id, state, iterations, reasoner_attempts, last_error, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ExecutionID, execution.SessionID, execution.Query, nullString(execution.MessageID),
		execution.State, execution.Iterations, execution.ReasonerAttempts,
		nullStringBytes(execution.LastError), execution.CreatedAt, execution.UpdatedAt, execution.EndedAt)
	return err
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	var exec domain.Execution
	var messageID, lastError sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, session_id, query, message_id, state, iterations, reasoner_attempts, last_error, created_at, updated_at, ended_at
		 FROM executions WHERE execution_id = ?`, executionID).
		Scan(&exec.ExecutionID, &exec.SessionID, &exec.Query, &messageID, &exec.State,
			&exec.Iterations, &exec.ReasonerAttempts, &lastError, &exec.CreatedAt, &exec.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if messageID.Valid {
		exec.MessageID = messageID.String
	}
	if lastError.Valid {
		exec.LastError = json.RawMessage(lastError.String)
	}
	if endedAt.Valid {
		exec.EndedAt = &endedAt.Time
	}
	return &exec, nil
}

// UpdateExecutionState moves a live execution to a new state.
func (s *SQLiteStore) UpdateExecutionState(ctx context.Context, executionID string, state domain.ExecutionState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, updated_at = ? WHERE execution_id = ? AND ended_at IS NULL`,
		state, time.Now(), executionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateExecutionProgress records state plus loop counters in one write.
func (s *SQLiteStore) UpdateExecutionProgress(ctx context.Context, executionID string, state domain.ExecutionState, iterations, reasonerAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, iterations = ?, reasoner_attempts = ?, updated_at = ?
		 WHERE execution_id = ? AND ended_at IS NULL`,
		state, iterations, reasonerAttempts, time.Now(), executionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CompleteExecution moves an execution to a terminal state exactly once.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, state domain.ExecutionState, errData []byte) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, last_error = ?, updated_at = ?, ended_at = ?
		 WHERE execution_id = ? AND ended_at IS NULL`,
		state, nullStringBytes(errData), now, now, executionID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListActiveExecutions returns all executions that have not reached a
// terminal state, oldest first.
func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, session_id, query, message_id, state, iterations, reasoner_attempts, last_error, created_at, updated_at, ended_at
		 FROM executions WHERE ended_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		var exec domain.Execution
		var messageID, lastError sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&exec.ExecutionID, &exec.SessionID, &exec.Query, &messageID, &exec.State,
			&exec.Iterations, &exec.ReasonerAttempts, &lastError, &exec.CreatedAt, &exec.UpdatedAt, &endedAt); err != nil {
			return nil, err
		}
		if messageID.Valid {
			exec.MessageID = messageID.String
		}
		if lastError.Valid {
			exec.LastError = json.RawMessage(lastError.String)
		}
		if endedAt.Valid {
			exec.EndedAt = &endedAt.Time
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CreateToken creates a new task token.
func (s *SQLiteStore) CreateToken(ctx context.Context, token *domain.TaskToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_tokens (token, execution_id, kind, status, issued_at, expires_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ExecutionID, token.Kind, token.Status, token.IssuedAt, token.ExpiresAt, token.ResolvedAt)
	return err
}

// GetToken retrieves a task token.
func (s *SQLiteStore) GetToken(ctx context.Context, token string) (*domain.TaskToken, error) {
	var tok domain.TaskToken
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT token, execution_id, kind, status, issued_at, expires_at, resolved_at FROM task_tokens WHERE token = ?`,
		token).Scan(&tok.Token, &tok.ExecutionID, &tok.Kind, &tok.Status, &tok.IssuedAt, &tok.ExpiresAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		tok.ResolvedAt = &resolvedAt.Time
	}
	return &tok, nil
}

// ResolveToken moves a pending token to RESOLVED. The single row
// update is what makes token resumption at-most-once.
func (s *SQLiteStore) ResolveToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_tokens SET status = ?, resolved_at = ? WHERE token = ? AND status = ?`,
		domain.TokenStatusResolved, time.Now(), token, domain.TokenStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExpireToken moves a pending token to EXPIRED.
func (s *SQLiteStore) ExpireToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_tokens SET status = ? WHERE token = ? AND status = ?`,
		domain.TokenStatusExpired, token, domain.TokenStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExpiredTokens returns pending tokens past their deadline.
func (s *SQLiteStore) ListExpiredTokens(ctx context.Context, limit int) ([]domain.TaskToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, execution_id, kind, status, issued_at, expires_at, resolved_at
		FROM task_tokens
		WHERE status = ? AND julianday(expires_at) <= julianday('now')
		ORDER BY expires_at ASC
		LIMIT ?`, domain.TokenStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskToken
	for rows.Next() {
		var tok domain.TaskToken
		var resolvedAt sql.NullTime
		if err := rows.Scan(&tok.Token, &tok.ExecutionID, &tok.Kind, &tok.Status, &tok.IssuedAt, &tok.ExpiresAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			tok.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// CreateJob records a dispatched tool job. The (execution_id, step)
// unique index rejects duplicate dispatch after crash recovery.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.ToolJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_jobs (job_id, execution_id, step, tool_name, parameters, status, token, result, error, created_at, completed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.ExecutionID, job.Step, job.ToolName, nullStringBytes(job.Parameters),
		job.Status, nullString(job.Token), nullStringBytes(job.Result), nullStringBytes(job.Error),
		job.CreatedAt, job.CompletedAt, job.ExpiresAt)
	return err
}

// GetJob retrieves a tool job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.ToolJob, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT job_id, execution_id, step, tool_name, parameters, status, token, result, error, created_at, completed_at, expires_at
		 FROM tool_jobs WHERE job_id = ?`, jobID))
}

// GetJobByStep retrieves the job dispatched at a given execution step.
func (s *SQLiteStore) GetJobByStep(ctx context.Context, executionID string, step int) (*domain.ToolJob, error) {
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT job_id, execution_id, step, tool_name, parameters, status, token, result, error, created_at, completed_at, expires_at
		 FROM tool_jobs WHERE execution_id = ? AND step = ?`, executionID, step))
}

func (s *SQLiteStore) scanJob(row *sql.Row) (*domain.ToolJob, error) {
	var job domain.ToolJob
	var parameters, token, result, errData sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&job.JobID, &job.ExecutionID, &job.Step, &job.ToolName, &parameters,
		&job.Status, &token, &result, &errData, &job.CreatedAt, &completedAt, &job.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if parameters.Valid {
		job.Parameters = json.RawMessage(parameters.String)
	}
	if token.Valid {
		job.Token = token.String
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errData.Valid {
		job.Error = json.RawMessage(errData.String)
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

// CompleteJob finishes a job exactly once.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, status domain.JobStatus, result []byte, errData []byte) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_jobs SET status = ?, result = ?, error = ?, completed_at = ? WHERE job_id = ? AND completed_at IS NULL`,
		status, nullStringBytes(result), nullStringBytes(errData), now, jobID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExpiredJobs returns incomplete jobs past their deadline.
func (s *SQLiteStore) ListExpiredJobs(ctx context.Context, limit int) ([]domain.ToolJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, execution_id, step, tool_name, parameters, status, token, result, error, created_at, completed_at, expires_at
		FROM tool_jobs
		WHERE completed_at IS NULL AND julianday(expires_at) <= julianday('now')
		ORDER BY expires_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolJob
	for rows.Next() {
		var job domain.ToolJob
		var parameters, token, result, errData sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&job.JobID, &job.ExecutionID, &job.Step, &job.ToolName, &parameters,
			&job.Status, &token, &result, &errData, &job.CreatedAt, &completedAt, &job.ExpiresAt); err != nil {
			return nil, err
		}
		if parameters.Valid {
			job.Parameters = json.RawMessage(parameters.String)
		}
		if token.Valid {
			job.Token = token.String
		}
		if result.Valid {
			job.Result = json.RawMessage(result.String)
		}
		if errData.Valid {
			job.Error = json.RawMessage(errData.String)
		}
		if completedAt.Valid {
			job.CompletedAt = &completedAt.Time
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PutConnection inserts or replaces a connection registry record.
func (s *SQLiteStore) PutConnection(ctx context.Context, conn *domain.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO connections (connection_id, user_id, session_id, authenticated, connected_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conn.ConnectionID, nullString(conn.UserID), nullString(conn.SessionID),
		boolToInt(conn.Authenticated), conn.ConnectedAt, conn.ExpiresAt)
	return err
}

// GetConnection retrieves a connection registry record.
func (s *SQLiteStore) GetConnection(ctx context.Context, connectionID string) (*domain.Connection, error) {
	var conn domain.Connection
	var userID, sessionID sql.NullString
	var authenticated int
	err := s.db.QueryRowContext(ctx,
		`SELECT connection_id, user_id, session_id, authenticated, connected_at, expires_at
		 FROM connections WHERE connection_id = ?`, connectionID).
		Scan(&conn.ConnectionID, &userID, &sessionID, &authenticated, &conn.ConnectedAt, &conn.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		conn.UserID = userID.String
	}
	if sessionID.Valid {
		conn.SessionID = sessionID.String
	}
	conn.Authenticated = authenticated != 0
	return &conn, nil
}

// BindConnection marks a connection authenticated and bound to a session.
func (s *SQLiteStore) BindConnection(ctx context.Context, connectionID, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET user_id = ?, session_id = ?, authenticated = 1 WHERE connection_id = ?`,
		userID, sessionID, connectionID)
	return err
}

// DeleteConnection removes a connection registry record.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, connectionID)
	return err
}

// PurgeExpiredConnections removes stale registry records.
func (s *SQLiteStore) PurgeExpiredConnections(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE julianday(expires_at) <= julianday('now')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, execution_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for an execution.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, execution_id, ts, type, payload FROM events WHERE execution_id = ?`
	args := []interface{}{executionID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.ExecutionID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
