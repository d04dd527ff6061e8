// Telecare - counseling session and realtime chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/serenmed/telecare/internal/api"
	"github.com/serenmed/telecare/internal/chat"
	"github.com/serenmed/telecare/internal/conference"
	"github.com/serenmed/telecare/internal/config"
	"github.com/serenmed/telecare/internal/gateway"
	"github.com/serenmed/telecare/internal/hub"
	"github.com/serenmed/telecare/internal/identity"
	"github.com/serenmed/telecare/internal/middleware"
	"github.com/serenmed/telecare/internal/notify"
	"github.com/serenmed/telecare/internal/session"
	"github.com/serenmed/telecare/internal/store"
)

const joinWindow = 15 * time.Minute

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	var repo store.Store
	if cfg.DBPath == "" {
		slog.Warn("DB_PATH not set, using in-memory store: data is lost on restart")
		repo = store.NewMemory()
	} else {
		repo, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	// Initialize services.
	connections := hub.New()
	notifier := notify.NewAsync(notify.LogDispatcher{}, cfg.NotifyQueueSize)
	defer notifier.Close()

	lifecycle := session.NewManager(repo, connections, notifier, session.Options{
		StoreTimeout:   cfg.StoreTimeout,
		CancelTokenTTL: cfg.CancelTokenTTL,
	})
	sequencer := chat.NewSequencer(repo, connections, chat.Options{
		StoreTimeout: cfg.StoreTimeout,
	})
	rooms := conference.NewStatic(joinWindow)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, lifecycle, sequencer, rooms)
	sessionHandler := api.NewSessionHandler(baseHandler)
	chatHandler := api.NewChatHandler(baseHandler)
	wsHandler := gateway.NewHandler(repo, lifecycle, sequencer, connections, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	sessionHandler.RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket connections are long-lived, so no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prune expired cancellation confirmation tokens in the background.
	lifecycle.StartTokenSweeper(ctx, cfg.TokenSweep)
	slog.Info("Cancellation token sweeper started", "interval", cfg.TokenSweep)

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
