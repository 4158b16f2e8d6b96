// chatpact server: confirmation engine for chat-driven wallet and email actions.
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

	"github.com/ashureev/chatpact/internal/agent"
	"github.com/ashureev/chatpact/internal/api"
	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/channels"
	"github.com/ashureev/chatpact/internal/chatws"
	"github.com/ashureev/chatpact/internal/config"
	"github.com/ashureev/chatpact/internal/engine"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/intent"
	"github.com/ashureev/chatpact/internal/middleware"
	"github.com/ashureev/chatpact/internal/store"
	"github.com/ashureev/chatpact/internal/stream"
	"github.com/ashureev/chatpact/internal/telemetry"
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
	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	lexicon := intent.DefaultLexicon()
	if cfg.Engine.IntentLexiconPath != "" {
		if lexicon, err = intent.LoadLexicon(cfg.Engine.IntentLexiconPath); err != nil {
			return err
		}
		slog.Info("Intent lexicon loaded", "path", cfg.Engine.IntentLexiconPath)
	}

	transcript, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transcript.Close(); err != nil {
			slog.Warn("Failed to close conversation logger", "error", err)
		}
	}()

	messages := bus.New()
	opts := []engine.Option{
		engine.WithBus(messages),
		engine.WithTranscript(transcript),
		engine.WithTelemetry(tel),
		engine.WithLogger(logger),
		engine.WithDetector(intent.NewDetector(lexicon)),
	}

	checks := map[string]api.Pinger{"database": repo}
	if cfg.ConversationalAgentAddr != "" {
		client, err := agent.NewGrpcClient(agent.DefaultGrpcClientConfig(cfg.ConversationalAgentAddr), logger)
		if err != nil {
			slog.Warn("Conversational agent unavailable, using canned replies", "error", err)
		} else {
			defer client.Close()
			opts = append(opts, engine.WithFallback(agent.NewFallback(client, repo, cfg.Engine.LookbackWindow, logger)))
			checks["conversation"] = client
		}
	}

	eng, err := engine.New(repo, engine.Config{
		PendingTTL:     cfg.Engine.PendingTTL,
		LookbackWindow: cfg.Engine.LookbackWindow,
		LookbackLimit:  cfg.Engine.LookbackLimit,
	}, opts...)
	if err != nil {
		return err
	}

	reaper, err := eng.StartReaper(cfg.Rooms.ReaperSchedule, cfg.Rooms.IdleTTL)
	if err != nil {
		return err
	}
	defer reaper.Stop()

	if cfg.Telegram.BotToken != "" {
		tg := channels.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.AllowedIDs, cfg.Telegram.AgentID, eng, messages, logger)
		go func() {
			if err := tg.Start(ctx); err != nil {
				slog.Error("Telegram channel stopped", "error", err)
			}
		}()
	}

	limiter := api.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
	defer limiter.Stop()

	sessions := chatws.NewSessionManager()
	defer sessions.CloseAll()

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.DefaultCORSOptions(origins...)))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	api.NewHealthHandler(checks).RegisterHealth(r)
	api.NewHandler(repo, eng, limiter, logger).RegisterRoutes(r)
	stream.NewHandler(repo, messages, stream.Config{
		KeepaliveInterval: cfg.HTTP.SSEKeepalive,
		RetryDelay:        cfg.HTTP.SSERetryDelay,
	}, logger).RegisterRoutes(r)
	chatws.NewHandler(eng, messages, repo, sessions, cfg.FrontendURL, cfg.IsDevelopment()).RegisterRoutes(r)

	// SSE and WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
