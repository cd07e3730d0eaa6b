package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/canontab/canontab/internal/blob"
	"github.com/canontab/canontab/internal/config"
	"github.com/canontab/canontab/internal/db"
	"github.com/canontab/canontab/internal/journal"
	"github.com/canontab/canontab/internal/logger"
	"github.com/canontab/canontab/internal/middleware"
	"github.com/canontab/canontab/internal/orchestrator"
	"github.com/canontab/canontab/internal/pipeline"
	"github.com/canontab/canontab/internal/queue"
	"github.com/canontab/canontab/internal/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: logger.LogLevel(cfg.LogLevel), Output: os.Stderr, JSON: cfg.LogJSON})

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database, "./migrations"); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ingestionRepo := repository.NewIngestionRepository(conn.Pool)
	schemaRepo := repository.NewSchemaRepository(conn.Pool)
	decisionRepo := repository.NewDecisionLogRepository(conn.Pool)
	templateRepo := repository.NewMappingTemplateRepository(conn.Pool)

	blobs := blob.NewOsStore(cfg.Blob.Dir)
	jrnl := journal.NewRecorder(decisionRepo)
	pipe := pipeline.New(blobs, jrnl, templateRepo, cfg.Pipeline, log)

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "nats":
		q, err = queue.NewNatsQueue(log, queue.NatsConfig{
			URL:         cfg.Queue.NATSURL,
			Concurrency: cfg.Queue.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			RetryBase:   cfg.Queue.RetryBase,
		})
		if err != nil {
			log.Error("failed to connect queue", "error", err)
			os.Exit(1)
		}
	default:
		q = queue.NewMemoryQueue(log, queue.MemoryConfig{
			Concurrency: cfg.Queue.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			RetryBase:   cfg.Queue.RetryBase,
		})
	}

	service := orchestrator.NewService(ingestionRepo, schemaRepo, blobs, q, jrnl, pipe, log)
	if err := q.Start(ctx); err != nil {
		log.Error("failed to start queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	mux := http.NewServeMux()
	orchestrator.NewHTTPHandler(service).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(middleware.RequestLogger(log)(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr, "queue", cfg.Queue.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "error", err)
	}
	log.Info("server exited")
}
