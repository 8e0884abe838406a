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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/deepmath-pipeline/internal/config"
	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/dbosruntime"
	"github.com/tendant/deepmath-pipeline/internal/dedupe"
	"github.com/tendant/deepmath-pipeline/internal/handlers"
	"github.com/tendant/deepmath-pipeline/internal/metrics"
	"github.com/tendant/deepmath-pipeline/internal/storage"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("DBOS_SYSTEM_DATABASE_URL is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []workflows.PrepareOption{workflows.WithMetrics(m)}
	if cfg.PublishContent {
		log.Printf("Publishing to embedded simple-content service (storage: %s)", cfg.ContentStorageDir)
		svc, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(cfg.ContentStorageDir))
		if err != nil {
			log.Fatalf("Failed to initialize simple-content service: %v", err)
		}
		defer cleanup()
		opts = append(opts, workflows.WithPublisher(storage.NewPublisher(svc, cfg.ContentOwnerID, cfg.ContentTenantID, logger)))
	}

	dbosRuntime, err := dbosruntime.NewRuntime(context.Background(), dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            "pipeline-worker",
		QueueName:          cfg.QueueName,
		Concurrency:        cfg.Concurrency,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize DBOS: %v", err)
	}

	// Registers the DBOS workflow function
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime)

	prepareWorkflow := workflows.NewPrepareWorkflowFromConfig(cfg, logger, opts...)
	workflowRunner.Register(pipeline.JobPrepare, prepareWorkflow)
	log.Printf("✓ Registered workflow: %s for job: %s", prepareWorkflow.Name(), pipeline.JobPrepare)

	// Launch DBOS (must be done after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		log.Fatalf("Failed to launch DBOS: %v", err)
	}
	defer dbosRuntime.Shutdown(10 * time.Second)

	log.Printf("✓ DBOS runtime initialized")
	log.Printf("  Queue: %s", dbosRuntime.QueueName())
	log.Printf("  Concurrency: %d", dbosRuntime.Concurrency())
	log.Printf("  Data directory: %s", cfg.BaseDir)

	tracker, err := dedupe.NewTracker(context.Background(), dbosRuntime.DB(), logger)
	if err != nil {
		log.Fatalf("Failed to initialize dedupe ledger: %v", err)
	}

	mux := http.NewServeMux()

	asyncHandler := handlers.NewAsyncHandler(workflowRunner, dataset.NewResolver(cfg.Sources()), tracker, logger)

	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/v1/prepare", asyncHandler.HandlePrepareAsync)
	mux.HandleFunc("/v1/runs/", asyncHandler.HandleStatus)
	mux.Handle("/metrics", m.Handler())

	log.Printf("✓ Registered async endpoints")

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Pipeline worker starting on %s", cfg.HTTPAddr)
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
	})
}
