package workflows

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/deepmath-pipeline/internal/archive"
	"github.com/tendant/deepmath-pipeline/internal/config"
	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/metrics"
	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Fetcher retrieves dataset content over the network
type Fetcher interface {
	Fetch(ctx context.Context, desc dataset.Descriptor) (*storage.FetchedContent, error)
}

// Publisher hands a prepared dataset to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, workdir *storage.Workdir, mode string, archivePath string, files []string) (*storage.PublishResult, error)
}

// PrepareResult describes a successful prepare run
type PrepareResult struct {
	RunID          string                 `json:"run_id"`
	Mode           string                 `json:"mode"`
	Workdir        string                 `json:"workdir"`
	ArchivePath    string                 `json:"archive_path"`
	ArchiveBytes   int64                  `json:"archive_bytes"`
	Format         string                 `json:"format"`
	Files          []string               `json:"files"`
	ExtractedBytes int64                  `json:"extracted_bytes"`
	Published      *storage.PublishResult `json:"published,omitempty"`
}

// PrepareWorkflow downloads a dataset archive into a per-mode working
// directory and extracts it there.
type PrepareWorkflow struct {
	baseDir   string
	resolver  *dataset.Resolver
	fetcher   Fetcher
	extractor *archive.Extractor
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// PrepareOption configures a PrepareWorkflow
type PrepareOption func(*PrepareWorkflow)

// WithLogger sets the logger passed to every stage
func WithLogger(l *slog.Logger) PrepareOption {
	return func(w *PrepareWorkflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records stage timings and run outcomes
func WithMetrics(m *metrics.Metrics) PrepareOption {
	return func(w *PrepareWorkflow) {
		w.metrics = m
	}
}

// WithPublisher adds a publish stage after extraction
func WithPublisher(p Publisher) PrepareOption {
	return func(w *PrepareWorkflow) {
		w.publisher = p
	}
}

// NewPrepareWorkflow creates a prepare workflow rooted at baseDir
func NewPrepareWorkflow(baseDir string, resolver *dataset.Resolver, fetcher Fetcher, opts ...PrepareOption) *PrepareWorkflow {
	w := &PrepareWorkflow{
		baseDir:  baseDir,
		resolver: resolver,
		fetcher:  fetcher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.extractor = archive.NewExtractor(w.logger)
	return w
}

// Name returns the workflow name
func (w *PrepareWorkflow) Name() string {
	return "PrepareWorkflow"
}

// Run executes one prepare run for mode under a fresh run ID.
// A failure is returned as *pipeline.RunError carrying the failing stage.
func (w *PrepareWorkflow) Run(ctx context.Context, mode dataset.Mode) (*PrepareResult, error) {
	return w.run(ctx, uuid.New().String(), mode)
}

// Execute runs the workflow for a runner-supplied request
func (w *PrepareWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	mode, err := dataset.ParseMode(wctx.Request.Mode)
	if err != nil {
		runErr := &pipeline.RunError{RunID: wctx.RunID, Stage: pipeline.StageResolve, Err: err}
		w.logger.Error("prepare run failed", "run_id", wctx.RunID, "stage", pipeline.StageResolve, "error", err)
		return &WorkflowResult{Success: false, Error: runErr.Error()}, runErr
	}

	res, err := w.run(wctx.Ctx, wctx.RunID, mode)
	if err != nil {
		return &WorkflowResult{Success: false, Error: err.Error()}, err
	}

	outputs := map[string]interface{}{
		"mode":            res.Mode,
		"workdir":         res.Workdir,
		"archive_path":    res.ArchivePath,
		"archive_bytes":   res.ArchiveBytes,
		"format":          res.Format,
		"files":           len(res.Files),
		"extracted_bytes": res.ExtractedBytes,
	}
	if res.Published != nil {
		outputs["content_id"] = res.Published.ContentID
	}
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

func (w *PrepareWorkflow) run(ctx context.Context, runID string, mode dataset.Mode) (res *PrepareResult, err error) {
	log := w.logger.With("run_id", runID, "mode", mode.String())
	res = &PrepareResult{RunID: runID, Mode: mode.String()}

	var (
		workdir *storage.Workdir
		desc    dataset.Descriptor
		content *storage.FetchedContent
		failed  pipeline.Stage
	)

	log.Info("prepare run started")
	start := time.Now()
	defer func() {
		w.metrics.ObserveRun(mode.String(), err)
		if err != nil {
			log.Error("prepare run failed",
				"stage", failed,
				"kind", errorKind(err),
				"error", err,
			)
			res = nil
			err = &pipeline.RunError{RunID: runID, Stage: failed, Err: err}
			return
		}
		log.Info("prepare run finished", "files", len(res.Files), "duration", time.Since(start))
	}()

	steps := []struct {
		stage pipeline.Stage
		fn    func() error
	}{
		{pipeline.StageInit, func() (err error) {
			workdir, err = storage.InitWorkdir(w.baseDir, mode)
			if err == nil {
				res.Workdir = workdir.Root()
			}
			return err
		}},
		{pipeline.StageResolve, func() (err error) {
			desc, err = w.resolver.Resolve(mode)
			return err
		}},
		{pipeline.StageFetch, func() (err error) {
			content, err = w.fetcher.Fetch(ctx, desc)
			if err == nil {
				w.metrics.AddFetchedBytes(content.Len())
			}
			return err
		}},
		{pipeline.StageWrite, func() (err error) {
			res.ArchiveBytes = content.Len()
			res.ArchivePath, err = storage.NewContentWriter(workdir, log).Write(ctx, content, desc.Filename)
			return err
		}},
		{pipeline.StageExtract, func() error {
			extracted, err := w.extractor.Extract(ctx, res.ArchivePath, workdir)
			if extracted != nil {
				w.metrics.AddExtractedFiles(len(extracted.Paths))
			}
			if err != nil {
				return err
			}
			res.Format = extracted.Format.String()
			res.Files = extracted.Paths
			res.ExtractedBytes = extracted.Bytes
			return nil
		}},
		{pipeline.StagePublish, func() (err error) {
			res.Published, err = w.publisher.Publish(ctx, workdir, mode.String(), res.ArchivePath, res.Files)
			return err
		}},
	}

	for _, step := range steps {
		if step.stage == pipeline.StagePublish && w.publisher == nil {
			continue
		}
		if err := w.runStage(log, step.stage, step.fn); err != nil {
			failed = step.stage
			return res, err
		}
	}
	return res, nil
}

func (w *PrepareWorkflow) runStage(log *slog.Logger, stage pipeline.Stage, fn func() error) error {
	log.Info("stage started", "stage", stage)
	start := time.Now()
	err := fn()
	w.metrics.ObserveStage(string(stage), time.Since(start), err)
	if err != nil {
		return err
	}
	log.Info("stage finished", "stage", stage, "duration", time.Since(start))
	return nil
}

func errorKind(err error) string {
	kind := pipeline.KindOf(err)
	if kind == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "cancelled"
		}
		return "unknown"
	}
	return kind.Error()
}

// NewPrepareWorkflowFromConfig builds a prepare workflow and its HTTP fetcher from cfg
func NewPrepareWorkflowFromConfig(cfg *config.Config, logger *slog.Logger, opts ...PrepareOption) *PrepareWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := storage.NewHTTPFetcher(
		storage.WithFetchLogger(logger),
		storage.WithAttemptTimeout(cfg.FetchTimeout),
		storage.WithMaxAttempts(cfg.MaxAttempts),
		storage.WithRetryInterval(cfg.RetryInterval),
		storage.WithStrictSize(cfg.StrictSize),
	)
	opts = append([]PrepareOption{WithLogger(logger)}, opts...)
	return NewPrepareWorkflow(cfg.BaseDir, dataset.NewResolver(cfg.Sources()), fetcher, opts...)
}
