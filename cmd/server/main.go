// SimuLab - drug discovery agent gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/simulab/internal/agentex"
	"github.com/ashureev/simulab/internal/api"
	"github.com/ashureev/simulab/internal/config"
	"github.com/ashureev/simulab/internal/llm"
	"github.com/ashureev/simulab/internal/middleware"
	"github.com/ashureev/simulab/internal/reference"
	"github.com/ashureev/simulab/internal/simulab"
	"github.com/ashureev/simulab/internal/tracelog"
	"github.com/ashureev/simulab/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "mode", cfg.Mode)
	if !cfg.IsDevelopment() && !cfg.AgentExConfigured() {
		slog.Warn("AgentEx credentials missing, agent calls will fail until AGENTEX_BASE_URL, AGENTEX_API_KEY and AGENTEX_ACCOUNT_ID are set")
	}

	// Initialize dependencies.
	refs, err := reference.Open(cfg.ReferenceDBPath)
	if err != nil {
		slog.Error("Failed to initialize reference dataset", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := refs.Close(); closeErr != nil {
			slog.Error("Failed to close reference dataset", "error", closeErr)
		}
	}()

	if err := refs.Ping(context.Background()); err != nil {
		slog.Error("Reference dataset health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Reference dataset loaded")

	traceLog, err := tracelog.New(tracelog.Config{
		Enabled:   cfg.Trace.Enabled,
		Path:      cfg.Trace.Path,
		QueueSize: cfg.Trace.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize trace log", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{}
	caller := agentex.NewCaller(cfg, httpClient, agentex.DefaultMetrics(), logger)
	platform := agentex.NewPlatform(caller)
	prober := agentex.NewHealthProber(cfg, httpClient)

	tracer := simulab.NewTracer(caller, traceLog, cfg.Trace.QueueSize, logger)
	defer func() {
		if closeErr := tracer.Close(); closeErr != nil {
			slog.Warn("Failed to close tracer", "error", closeErr)
		}
	}()

	svc := simulab.NewService(cfg, caller, simulab.Options{
		Tracer:    tracer,
		LLM:       llm.NewClient(cfg, logger),
		Reference: refs,
		Logger:    logger,
	})

	// Initialize handlers.
	handler := api.NewHandler(cfg, svc, platform, prober, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	r.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}
