// Package runner embeds durable prepare runs in a host application.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/dbosruntime"
	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner
type Config struct {
	DatabaseURL        string        // DBOS PostgreSQL connection string
	AppName            string        // Application name for DBOS
	QueueName          string        // DBOS queue name
	Concurrency        int           // Number of concurrent prepare runs
	ApplicationVersion string        // Optional: Override binary hash for version matching
	BaseDir            string        // Parent of the per-mode working directories
	FetchTimeout       time.Duration // Per-attempt download timeout, zero for none
	MaxAttempts        int           // Download attempts, including the first
	Logger             *slog.Logger  // Optional, defaults to slog.Default()
}

func (c Config) dbos() dbosruntime.Config {
	return dbosruntime.Config{
		DatabaseURL:        c.DatabaseURL,
		AppName:            c.AppName,
		QueueName:          c.QueueName,
		Concurrency:        c.Concurrency,
		ApplicationVersion: c.ApplicationVersion,
	}
}

// Runner executes prepare runs enqueued through DBOS
type Runner struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// New creates and initializes a new pipeline runner with DBOS integration
func New(cfg Config) (*Runner, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dbosRuntime, err := dbosruntime.NewRuntime(context.Background(), cfg.dbos())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime)

	fetcher := storage.NewHTTPFetcher(
		storage.WithFetchLogger(logger),
		storage.WithAttemptTimeout(cfg.FetchTimeout),
		storage.WithMaxAttempts(cfg.MaxAttempts),
	)
	prepare := workflows.NewPrepareWorkflow(cfg.BaseDir, dataset.NewResolver(nil), fetcher, workflows.WithLogger(logger))
	workflowRunner.Register(pipeline.JobPrepare, prepare)

	// Launch DBOS (must be after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Runner{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunPrepare enqueues a prepare run for mode ("debug" or "standard")
func (r *Runner) RunPrepare(ctx context.Context, mode string) (string, error) {
	return runPrepare(ctx, r.runner, mode)
}

// Status returns the status of a run
func (r *Runner) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return r.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the pipeline runner
func (r *Runner) Shutdown(timeoutSeconds int) {
	if r.runtime != nil {
		_ = r.runtime.Shutdown(time.Duration(timeoutSeconds) * time.Second)
	}
}

type asyncRunner interface {
	RunAsync(ctx context.Context, req pipeline.PrepareRequest) (string, error)
}

func runPrepare(ctx context.Context, r asyncRunner, mode string) (string, error) {
	m, err := dataset.ParseMode(mode)
	if err != nil {
		return "", err
	}
	return r.RunAsync(ctx, pipeline.PrepareRequest{
		Job:  pipeline.JobPrepare,
		Mode: m.String(),
	})
}
