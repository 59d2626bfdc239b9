// Package dispatch routes tool invocations to their execution
// strategy: in-process sync tools or externally run jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/policy"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/taxonomy"
)

// SyncFunc runs a sync tool in-process.
type SyncFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Tool is one registered tool.
type Tool struct {
	Name string
	Kind domain.ToolKind
	// Run handles sync tools; nil for job tools.
	Run SyncFunc
}

// Starter hands a job to its external backend.
type Starter interface {
	Start(ctx context.Context, job *domain.ToolJob) error
}

// Result is the outcome of one dispatch.
type Result struct {
	// Async is true when the tool runs as an external job; the
	// execution must suspend on its token.
	Async  bool
	JobID  string
	Output json.RawMessage
}

// Dispatcher validates, records, and routes tool invocations.
type Dispatcher struct {
	store   store.Store
	policy  *policy.Engine
	starter Starter
	tools   map[string]Tool
	jobTTL  time.Duration
}

// New creates a dispatcher.
func New(st store.Store, pe *policy.Engine, starter Starter, jobTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		store:   st,
		policy:  pe,
		starter: starter,
		tools:   make(map[string]Tool),
		jobTTL:  jobTTL,
	}
}

// Register adds a tool to the registry.
func (d *Dispatcher) Register(tool Tool) {
	d.tools[tool.Name] = tool
}

// Kind reports the execution strategy of a registered tool.
func (d *Dispatcher) Kind(toolName string) (domain.ToolKind, bool) {
	tool, ok := d.tools[toolName]
	if !ok {
		return "", false
	}
	return tool.Kind, true
}

// Tools lists registered tool names.
func (d *Dispatcher) Tools() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one tool invocation for an execution step. Calling it
// again for the same (execution, step) returns the already recorded
// job instead of invoking the tool twice. token is the tool-result
// token a job tool reports back through; sync tools ignore it.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *domain.Execution, step int, toolName string, params json.RawMessage, userID, token string) (*Result, error) {
	tool, ok := d.tools[toolName]
	if !ok {
		return nil, taxonomy.Newf(taxonomy.CodeUnknownTool, "tool %q is not registered", toolName)
	}

	var args interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, "tool parameters are not valid JSON", err)
		}
	}

	decision, err := d.policy.Evaluate(ctx, &policy.Input{ToolName: toolName, UserID: userID, Args: args})
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, "policy evaluation failed", err)
	}
	if decision != policy.DecisionAllow {
		return nil, taxonomy.Newf(taxonomy.CodeToolDispatchFailure, "tool %q blocked by policy", toolName)
	}

	// Crash between persist and dispatch replays this step; the
	// recorded job is the answer, not a second invocation.
	existing, err := d.store.GetJobByStep(ctx, exec.ExecutionID, step)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job for step: %w", err)
	}
	if existing != nil {
		if existing.CompletedAt != nil {
			return &Result{JobID: existing.JobID, Output: existing.Result}, nil
		}
		return &Result{Async: true, JobID: existing.JobID}, nil
	}

	job := &domain.ToolJob{
		JobID:       "job_" + uuid.New().String()[:8],
		ExecutionID: exec.ExecutionID,
		Step:        step,
		ToolName:    toolName,
		Parameters:  params,
		Status:      domain.JobStatusDispatched,
		Token:       token,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(d.jobTTL),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, "failed to record job", err)
	}

	if tool.Kind == domain.ToolKindSync {
		return d.runSync(ctx, tool, job)
	}

	if err := d.starter.Start(ctx, job); err != nil {
		errData, _ := json.Marshal(map[string]string{"code": string(taxonomy.CodeToolDispatchFailure), "message": err.Error()})
		if _, cerr := d.store.CompleteJob(ctx, job.JobID, domain.JobStatusFailed, nil, errData); cerr != nil {
			log.Printf("ERROR: failed to record job start failure %s: %v", job.JobID, cerr)
		}
		return nil, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, "failed to start job", err)
	}
	log.Printf("Dispatched job %s (%s) for execution %s step %d", job.JobID, toolName, exec.ExecutionID, step)
	return &Result{Async: true, JobID: job.JobID}, nil
}

func (d *Dispatcher) runSync(ctx context.Context, tool Tool, job *domain.ToolJob) (*Result, error) {
	output, err := tool.Run(ctx, job.Parameters)
	if err != nil {
		errData, _ := json.Marshal(map[string]string{"code": string(taxonomy.CodeToolDispatchFailure), "message": err.Error()})
		if _, cerr := d.store.CompleteJob(ctx, job.JobID, domain.JobStatusFailed, nil, errData); cerr != nil {
			log.Printf("ERROR: failed to record sync tool failure %s: %v", job.JobID, cerr)
		}
		return nil, taxonomy.Wrap(taxonomy.CodeToolDispatchFailure, fmt.Sprintf("tool %q failed", tool.Name), err)
	}
	if _, err := d.store.CompleteJob(ctx, job.JobID, domain.JobStatusCompleted, output, nil); err != nil {
		return nil, fmt.Errorf("failed to record sync tool result: %w", err)
	}
	return &Result{JobID: job.JobID, Output: output}, nil
}

// Complete finishes a job exactly once and returns the job row. The
// bool reports whether this call won; a lost call means the job was
// already completed or timed out.
func (d *Dispatcher) Complete(ctx context.Context, jobID string, result, errData []byte) (*domain.ToolJob, bool, error) {
	status := domain.JobStatusCompleted
	if errData != nil {
		status = domain.JobStatusFailed
	}
	won, err := d.store.CompleteJob(ctx, jobID, status, result, errData)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete job: %w", err)
	}
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, false, taxonomy.Newf(taxonomy.CodeTokenNotFound, "job %q not found", jobID)
	}
	if !won {
		log.Printf("WARN: duplicate completion for job %s ignored", jobID)
	}
	return job, won, nil
}

// RunExpirySweep periodically fails jobs that outlived their deadline
// without a callback. Suspended executions are resumed by their token's
// expiry; this catches job rows whose token is already gone.
func (d *Dispatcher) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *Dispatcher) sweepExpired() {
	sweepCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	jobs, err := d.store.ListExpiredJobs(sweepCtx, 100)
	if err != nil {
		log.Printf("ERROR: failed to list expired jobs: %v", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]
		errData, _ := json.Marshal(map[string]string{"message": "job expired without a result"})
		won, err := d.store.CompleteJob(sweepCtx, job.JobID, domain.JobStatusFailed, nil, errData)
		if err != nil {
			log.Printf("ERROR: failed to expire job %s: %v", job.JobID, err)
			continue
		}
		if won {
			log.Printf("WARN: job %s expired without a result", job.JobID)
		}
	}
}
