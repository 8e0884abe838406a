package workflows

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/deepmath-pipeline/internal/dbosruntime"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.PrepareRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution
type WorkflowResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner executes workflows
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
}

// NewWorkflowRunner creates a new workflow runner. A nil runtime limits the
// runner to synchronous execution.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime) *WorkflowRunner {
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

func (r *WorkflowRunner) lookup(req pipeline.PrepareRequest) (Workflow, error) {
	job := req.Job
	if job == "" {
		job = pipeline.JobPrepare
	}
	workflow, ok := r.workflows[job]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, job)
	}
	return workflow, nil
}

// Run executes a workflow synchronously
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*WorkflowResult, error) {
	workflow, err := r.lookup(wctx.Request)
	if err != nil {
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}
	return workflow.Execute(wctx)
}

// RunAsync enqueues a workflow for async execution via DBOS
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.PrepareRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrRuntimeRequired
	}

	// Workflow ID for exactly-once semantics
	job := req.Job
	if job == "" {
		job = pipeline.JobPrepare
	}
	workflowID := fmt.Sprintf("%s-%s-%d", job, req.Mode, time.Now().UnixNano())

	handle, err := dbos.RunWorkflow[pipeline.PrepareRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", err
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps registered workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.PrepareRequest) (*WorkflowResult, error) {
	workflow, err := r.lookup(req)
	if err != nil {
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	// DBOSContext implements context.Context
	wctx := &WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
	}

	return workflow.Execute(wctx)
}

// WorkflowStatus represents the status of a workflow execution
type WorkflowStatus = pipeline.RunStatus

// GetStatus retrieves the status of a workflow execution from the DBOS system tables
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*WorkflowStatus, error) {
	if r.dbosRuntime == nil {
		return nil, ErrRuntimeRequired
	}

	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &WorkflowStatus{
		RunID:     info.WorkflowUUID,
		State:     stateFromDBOS(info.Status),
		Name:      info.Name,
		StartedAt: time.UnixMilli(info.CreatedAt),
		UpdatedAt: time.UnixMilli(info.UpdatedAt),
	}, nil
}

// stateFromDBOS maps a DBOS workflow status to a run state
func stateFromDBOS(status string) string {
	switch strings.ToUpper(status) {
	case "ENQUEUED":
		return pipeline.RunStatePending
	case "PENDING":
		return pipeline.RunStateRunning
	case "SUCCESS":
		return pipeline.RunStateSucceeded
	case "ERROR", "RETRIES_EXCEEDED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		return pipeline.RunStateFailed
	case "CANCELLED":
		return pipeline.RunStateCancelled
	default:
		return strings.ToLower(status)
	}
}
