package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/deepmath-pipeline/internal/config"
	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/handlers"
	"github.com/tendant/deepmath-pipeline/internal/metrics"
	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Standalone prepare server for quick testing
// Runs each prepare inside the request; no DBOS or PostgreSQL needed
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	log.Printf("Pipeline Standalone Server")
	log.Printf("  Data directory: %s", cfg.BaseDir)
	log.Printf("  HTTP address: %s", cfg.HTTPAddr)

	m := metrics.New(prometheus.NewRegistry())
	opts := []workflows.PrepareOption{workflows.WithMetrics(m)}

	if cfg.PublishContent {
		// In-memory repository + filesystem storage
		svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(cfg.ContentStorageDir))
		if err != nil {
			log.Fatalf("Failed to initialize simple-content service: %v", err)
		}
		defer cleanup()
		opts = append(opts, workflows.WithPublisher(storage.NewPublisher(svc, cfg.ContentOwnerID, cfg.ContentTenantID, logger)))
		log.Printf("✓ simple-content service initialized (storage: %s)", cfg.ContentStorageDir)
	}

	workflowRunner := workflows.NewWorkflowRunner(nil)

	prepareWorkflow := workflows.NewPrepareWorkflowFromConfig(cfg, logger, opts...)
	workflowRunner.Register(pipeline.JobPrepare, prepareWorkflow)
	log.Printf("✓ Registered workflow: %s for job: %s", prepareWorkflow.Name(), pipeline.JobPrepare)

	mux := http.NewServeMux()

	syncHandler := handlers.NewSyncHandler(workflowRunner, dataset.NewResolver(cfg.Sources()), logger)

	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/v1/prepare", syncHandler.HandlePrepare)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("✓ Pipeline server ready on %s", cfg.HTTPAddr)
		log.Printf("")
		log.Printf("Quick test:")
		log.Printf(`  curl -X POST -d '{"mode":"debug"}' http://localhost%s/v1/prepare`, cfg.HTTPAddr)
		log.Printf("")
		log.Printf("Available endpoints:")
		log.Printf("  GET  /health           - Health check")
		log.Printf("  POST /v1/prepare       - Download and extract a dataset (blocks until done)")
		log.Printf("  GET  /metrics          - Prometheus metrics")
		log.Printf("")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// handleHealth returns health status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"mode":   "standalone",
	})
}
