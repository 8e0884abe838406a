package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// SyncRunner runs a workflow to completion
type SyncRunner interface {
	Run(wctx *workflows.WorkflowContext) (*workflows.WorkflowResult, error)
}

// SyncHandler runs prepare requests inside the HTTP request
type SyncHandler struct {
	runner   SyncRunner
	resolver *dataset.Resolver
	logger   *slog.Logger
}

// NewSyncHandler creates a new synchronous handler
func NewSyncHandler(runner SyncRunner, resolver *dataset.Resolver, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{runner: runner, resolver: resolver, logger: logger}
}

// HandlePrepare handles POST /v1/prepare and responds when the run has finished
func (h *SyncHandler) HandlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, _, ok := decodePrepare(w, r, h.resolver)
	if !ok {
		return
	}

	runID := uuid.New().String()
	h.logger.Info("running prepare", "run_id", runID, "mode", req.Mode)

	result, err := h.runner.Run(&workflows.WorkflowContext{
		Ctx:     r.Context(),
		Request: req,
		RunID:   runID,
	})
	if err != nil {
		h.logger.Error("prepare run failed", "run_id", runID, "error", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, pipeline.PrepareResponse{
		RunID:   runID,
		Outputs: result.Outputs,
	})
}

// statusFor maps a run failure onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNetwork), errors.Is(err, pipeline.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
