// Aether Labs workshop site server.
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

	"github.com/ashureev/aether-labs/internal/agent"
	"github.com/ashureev/aether-labs/internal/api"
	"github.com/ashureev/aether-labs/internal/assessment"
	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/config"
	"github.com/ashureev/aether-labs/internal/domain"
	"github.com/ashureev/aether-labs/internal/identity"
	"github.com/ashureev/aether-labs/internal/middleware"
	"github.com/ashureev/aether-labs/internal/registry"
	"github.com/ashureev/aether-labs/internal/settings"
	"github.com/ashureev/aether-labs/internal/store"
	"github.com/ashureev/aether-labs/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load workshop catalog", "error", err, "path", cfg.CatalogPath)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Chat assistant. Without an API key every reply is the fallback.
	completer := newCompleter(ctx, cfg, cat, logger)
	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	chatService := agent.NewService(completer, cat.Assistant.Greeting, conversationLogger, logger)
	chatHandler := agent.NewHandler(chatService, cfg)
	defer chatHandler.Close()

	// Theme settings.
	defaultTheme, err := domain.ParseTheme(cfg.DefaultTheme)
	if err != nil {
		slog.Error("Invalid default theme", "error", err)
		os.Exit(1)
	}
	themeStore := settings.NewThemeStore(repo, defaultTheme, logger)
	defer func() {
		if closeErr := themeStore.Close(); closeErr != nil {
			slog.Error("Failed to close theme store", "error", closeErr)
		}
	}()
	themeHandler := api.NewThemeHandler(themeStore, api.ThemeConfig{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		RetryDelay:        cfg.SSE.RetryDelay,
		MaxBodySize:       cfg.SSE.MaxRequestBodySize,
	})

	// Assessment wizard.
	assessmentHandler := api.NewAssessmentHandler(cat, api.AssessmentConfig{
		Scheduler:     assessment.WallClock(),
		Submitter:     assessment.SimulatedSubmitter{Logger: logger},
		Logger:        logger,
		MaxBodySize:   cfg.SSE.MaxRequestBodySize,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	})
	defer assessmentHandler.Close()

	healthHandler := api.NewHealthHandler(repo, 5*time.Second, map[string]api.Gauge{
		"chat_sessions":    chatService,
		"assessment_flows": assessmentHandler,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	api.NewCatalogHandler(cat).RegisterRoutes(r)
	chatHandler.RegisterRoutes(r)
	assessmentHandler.RegisterRoutes(r)
	themeHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE and WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}
	srv.RegisterOnShutdown(themeHandler.Close)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return registry.RunSweeper(gctx, cfg.SweepInterval, cfg.SessionTTL, chatService, assessmentHandler)
	})
	g.Go(func() error {
		return store.RunVisitorTTLWorker(gctx, repo, 0, cfg.VisitorTTL)
	})
	if cfg.ThemeSystemFile != "" {
		watcher := settings.NewSystemWatcher(cfg.ThemeSystemFile, themeStore, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	// Wait for shutdown signal or a failed worker.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // deferred closers are best-effort on a failed shutdown.
	}

	slog.Info("Server stopped successfully")
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newCompleter(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, logger *slog.Logger) chat.Completer {
	if !cfg.CompletionEnabled() {
		slog.Info("Chat completion disabled (GEMINI_API_KEY not set), replies use the fallback")
		return agent.Unavailable()
	}
	completer, err := agent.NewGenAICompleter(ctx, agent.Config{
		APIKey:            cfg.Gemini.APIKey,
		Model:             cfg.Gemini.Model,
		Timeout:           cfg.Gemini.Timeout,
		SystemInstruction: cat.Assistant.SystemInstruction,
	}, logger)
	if err != nil {
		slog.Warn("Failed to initialize completion client, replies use the fallback", "error", err)
		return agent.Unavailable()
	}
	slog.Info("Chat completion enabled", "model", cfg.Gemini.Model)
	return completer
}

// openRepository opens the SQLite store. DB_PATH=":memory:" keeps visitors
// and preferences in process memory instead.
func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.DBPath == ":memory:" {
		slog.Warn("Using in-memory repository, visitor data is lost on restart")
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(cfg.DBPath,
		store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return nil, err
	}
	return repo, nil
}
