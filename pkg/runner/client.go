package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tendant/deepmath-pipeline/internal/dbosruntime"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Client provides a client-only API for starting prepare runs without executing them
// Use this in applications that want to enqueue runs for workers to execute
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// NewClient creates a client that can start runs but doesn't execute them
// Workers must be running separately to execute the enqueued runs
func NewClient(cfg Config) (*Client, error) {
	dbosRuntime, err := dbosruntime.NewRuntime(context.Background(), cfg.dbos())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// Enqueue only, no workflows registered
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime)

	if err := dbosRuntime.Launch(); err != nil {
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Client{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunPrepare enqueues a prepare run for workers to execute
func (c *Client) RunPrepare(ctx context.Context, mode string) (string, error) {
	return runPrepare(ctx, c.runner, mode)
}

// Status returns the status of a run
func (c *Client) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeoutSeconds int) {
	if c.runtime != nil {
		_ = c.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
}
