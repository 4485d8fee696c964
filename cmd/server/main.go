// Course chat server: a topic-scoped tutoring proxy in front of Gemini.
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
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/coursechat/internal/api"
	"github.com/ashureev/coursechat/internal/boundary"
	"github.com/ashureev/coursechat/internal/chat"
	"github.com/ashureev/coursechat/internal/config"
	"github.com/ashureev/coursechat/internal/llm"
	"github.com/ashureev/coursechat/internal/metrics"
	"github.com/ashureev/coursechat/internal/middleware"
	"github.com/ashureev/coursechat/internal/policy"
	"github.com/ashureev/coursechat/internal/prompt"
	"github.com/ashureev/coursechat/internal/session"
	"github.com/ashureev/coursechat/internal/store"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prompt templates and generation policies.
	table, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		slog.Error("Failed to load policy file", "path", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}
	slog.Info("Policies loaded", "path", cfg.PolicyFile, "topics_with_keywords", len(table.TopicKeywords()))

	// Session store.
	sessions, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize session store", "store", cfg.Session.Store, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	slog.Info("Session store ready", "store", cfg.Session.Store, "ttl", cfg.Session.TTL)

	// Transcript archive (optional).
	var archive store.Archive = store.Nop{}
	if cfg.Archive.Enabled {
		sqlite, err := store.NewSQLite(cfg.Archive.DBPath)
		if err != nil {
			slog.Error("Failed to initialize archive database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sqlite.Close(); closeErr != nil {
				slog.Error("Failed to close archive", "error", closeErr)
			}
		}()
		if err := sqlite.Ping(ctx); err != nil {
			slog.Error("Archive health check failed", "error", err)
			os.Exit(1)
		}
		archive = sqlite
		slog.Info("Archive connected", "path", cfg.Archive.DBPath, "retention", cfg.Archive.Retention)
	}

	// Model client.
	client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to initialize Gemini client", "error", err)
		os.Exit(1)
	}
	slog.Info("Gemini client initialized", "model", client.Model())

	recorder := metrics.New(func() float64 {
		return float64(sessions.Len(context.Background()))
	})

	validator := boundary.NewValidator(table.TopicKeywords())
	orchestrator := chat.NewOrchestrator(chat.Deps{
		Sessions:  sessions,
		Policies:  table,
		Prompts:   prompt.NewAssembler(table, validator, logger),
		Validator: validator,
		Client:    client,
		Archive:   archive,
		Metrics:   recorder,
		Logger:    logger,
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	chatHandler := api.NewHandler(api.Deps{
		Chat:               orchestrator,
		Sessions:           sessions,
		Archive:            archive,
		LLM:                client,
		Metrics:            recorder,
		Limiter:            limiter,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		AllowedOrigins:     cfg.AllowedOrigins,
		AdminToken:         cfg.AdminToken,
		Logger:             logger,
	})

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	chatHandler.RegisterRoutes(r)
	if cfg.AdminToken == "" {
		slog.Info("ADMIN_TOKEN not set, session cleanup endpoint disabled")
	}
	r.Handle("/metrics", recorder.Handler())

	// Model calls plus continuation rounds can outlast a short write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Background workers.
	sweepDone := session.StartSweeper(ctx, sessions, cfg.Session.SweepInterval, recorder.SessionsSwept)
	if cfg.Archive.Enabled {
		store.StartRetentionWorker(ctx, archive, cfg.Archive.Retention)
	}

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
	<-sweepDone

	slog.Info("Server stopped successfully")
}

// newSessionStore builds the configured session store. A redis store is
// pinged before use.
func newSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	opts := []session.Option{
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(logger),
	}

	storeType := session.StoreType(cfg.Session.Store)
	if storeType == session.StoreTypeRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		opts = append(opts, session.WithRedisClient(rdb))
	}

	return session.NewStore(storeType, opts...)
}
