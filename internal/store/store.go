// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/loopwork/reactor/internal/domain"
)

// Store defines the interface for data persistence.
//
// Methods returning (bool, error) are conditional writes: the bool
// reports whether this caller won the write. Losing a conditional
// write is not an error, it means another actor already made the
// transition.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSessionByUser(ctx context.Context, userID string) (*domain.Session, error)
	ClaimSessionForExecution(ctx context.Context, sessionID, executionID string) (bool, error)
	ReleaseSessionExecution(ctx context.Context, sessionID, executionID string) (bool, error)
	SetSessionPendingToken(ctx context.Context, sessionID, tokenID string) (bool, error)
	ClearSessionPendingToken(ctx context.Context, sessionID, tokenID string) (bool, error)
	TouchSession(ctx context.Context, sessionID string) error
	PurgeExpiredSessions(ctx context.Context) (int64, error)

	// Turn operations
	AppendTurn(ctx context.Context, turn *domain.Turn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
	TrimTurns(ctx context.Context, sessionID string, keep int) error

	// Execution operations
	CreateExecution(ctx context.Context, execution *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	UpdateExecutionState(ctx context.Context, executionID string, state domain.ExecutionState) (bool, error)
	UpdateExecutionProgress(ctx context.Context, executionID string, state domain.ExecutionState, iterations, reasonerAttempts int) (bool, error)
	CompleteExecution(ctx context.Context, executionID string, state domain.ExecutionState, errData []byte) (bool, error)
	ListActiveExecutions(ctx context.Context) ([]domain.Execution, error)

	// Task token operations
	CreateToken(ctx context.Context, token *domain.TaskToken) error
	GetToken(ctx context.Context, token string) (*domain.TaskToken, error)
	ResolveToken(ctx context.Context, token string) (bool, error)
	ExpireToken(ctx context.Context, token string) (bool, error)
	ListExpiredTokens(ctx context.Context, limit int) ([]domain.TaskToken, error)

	// Tool job operations
	CreateJob(ctx context.Context, job *domain.ToolJob) error
	GetJob(ctx context.Context, jobID string) (*domain.ToolJob, error)
	GetJobByStep(ctx context.Context, executionID string, step int) (*domain.ToolJob, error)
	CompleteJob(ctx context.Context, jobID string, status domain.JobStatus, result []byte, errData []byte) (bool, error)
	ListExpiredJobs(ctx context.Context, limit int) ([]domain.ToolJob, error)

	// Connection registry operations
	PutConnection(ctx context.Context, conn *domain.Connection) error
	GetConnection(ctx context.Context, connectionID string) (*domain.Connection, error)
	BindConnection(ctx context.Context, connectionID, userID, sessionID string) error
	DeleteConnection(ctx context.Context, connectionID string) error
	PurgeExpiredConnections(ctx context.Context) (int64, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, executionID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}
