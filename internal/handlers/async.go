// Package handlers exposes prepare runs over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/dbosruntime"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// AsyncRunner enqueues prepare runs and reports their status
type AsyncRunner interface {
	RunAsync(ctx context.Context, req pipeline.PrepareRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error)
}

// DedupeRecorder counts repeated prepare requests per dataset
type DedupeRecorder interface {
	Record(ctx context.Context, dataset string, mode string) (int, error)
}

// AsyncHandler handles asynchronous prepare requests
type AsyncHandler struct {
	runner   AsyncRunner
	resolver *dataset.Resolver
	dedupe   DedupeRecorder
	logger   *slog.Logger
}

// NewAsyncHandler creates a new async handler. dedupe may be nil.
func NewAsyncHandler(runner AsyncRunner, resolver *dataset.Resolver, dedupe DedupeRecorder, logger *slog.Logger) *AsyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncHandler{
		runner:   runner,
		resolver: resolver,
		dedupe:   dedupe,
		logger:   logger,
	}
}

// HandlePrepareAsync handles POST /v1/prepare - enqueues a prepare run and returns immediately
func (h *AsyncHandler) HandlePrepareAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, desc, ok := decodePrepare(w, r, h.resolver)
	if !ok {
		return
	}

	seen := 0
	if h.dedupe != nil {
		n, err := h.dedupe.Record(r.Context(), desc.Filename, desc.Mode.String())
		if err != nil {
			// The ledger is informational; a failure does not block the run
			h.logger.Warn("failed to record dedupe", "dataset", desc.Filename, "error", err)
		} else {
			seen = n
		}
	}

	h.logger.Info("enqueueing prepare run", "mode", req.Mode, "dataset", desc.Filename, "seen", seen)

	runID, err := h.runner.RunAsync(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to enqueue prepare run", "mode", req.Mode, "error", err)
		http.Error(w, fmt.Sprintf("Failed to enqueue workflow: %v", err), http.StatusInternalServerError)
		return
	}

	h.logger.Info("prepare run enqueued", "run_id", runID)

	writeJSON(w, http.StatusAccepted, pipeline.PrepareResponse{
		RunID:           runID,
		DedupeSeenCount: seen,
	})
}

// HandleStatus handles GET /v1/runs/{runID} - returns workflow status
func (h *AsyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.runner.GetStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, dbosruntime.ErrWorkflowNotFound) {
			http.Error(w, "Workflow not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get workflow status", "run_id", runID, "error", err)
		http.Error(w, fmt.Sprintf("Failed to get status: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// decodePrepare parses and validates a prepare request body. It writes the
// error response itself and reports whether the caller should continue.
func decodePrepare(w http.ResponseWriter, r *http.Request, resolver *dataset.Resolver) (pipeline.PrepareRequest, dataset.Descriptor, bool) {
	var req pipeline.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return req, dataset.Descriptor{}, false
	}
	if req.Mode == "" {
		http.Error(w, "mode is required", http.StatusBadRequest)
		return req, dataset.Descriptor{}, false
	}
	if req.Job != "" && req.Job != pipeline.JobPrepare {
		http.Error(w, fmt.Sprintf("unsupported job %q", req.Job), http.StatusBadRequest)
		return req, dataset.Descriptor{}, false
	}

	mode, err := dataset.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, dataset.Descriptor{}, false
	}
	desc, err := resolver.Resolve(mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, dataset.Descriptor{}, false
	}

	req.Job = pipeline.JobPrepare
	req.Mode = mode.String()
	return req, desc, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
