// SHSH Chat - agent chat gateway server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/api"
	"github.com/ashureev/shsh-chat/internal/config"
	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/middleware"
	"github.com/ashureev/shsh-chat/internal/retry"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

// echoPause paces the built-in echo agent so clients see streaming.
const echoPause = 40 * time.Millisecond

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
	repo, err := store.NewSQLite(cfg.DBPath)
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

	processor := newProcessor(cfg, logger)

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
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	broker := agent.NewBroker(agent.BrokerConfig{
		ReplaySize: cfg.Stream.ReplaySize,
		Logger:     logger,
	})
	defer broker.Close()

	limiter := agent.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, nil)
	defer limiter.Close()

	svc, err := agent.NewService(agent.ServiceConfig{
		Processor: processor,
		Repo:      repo,
		Broker:    broker,
		Log:       conversationLogger,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to initialize agent service", "error", err)
		os.Exit(1)
	}
	// Runs before the broker and logger close so in-flight runs finish first.
	defer svc.Close()

	var originPatterns []string
	if cfg.FrontendURL != "" {
		originPatterns = append(originPatterns, hostOf(cfg.FrontendURL))
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo, svc, 2*time.Second)
	agentHandler := agent.NewHandler(svc, broker, limiter, agent.HandlerConfig{
		MaxRequestBody:    cfg.MaxRequestBody,
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		RetryDelay:        cfg.Stream.RetryDelay,
		OriginPatterns:    originPatterns,
		Logger:            logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	baseHandler.RegisterConversations(r)
	agentHandler.RegisterRoutes(r)

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

	// Open streams only end when their subscriptions do.
	broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully", "agent_stats", svc.GetStats())
}

// newProcessor connects to the upstream agent when one is configured and
// falls back to the echo agent otherwise.
func newProcessor(cfg *config.Config, logger *slog.Logger) agent.Processor {
	if cfg.AgentUpstreamAddr == "" {
		slog.Info("AGENT_UPSTREAM_ADDR not set, using built-in echo agent")
		return agent.NewEchoProcessor(nil, echoPause)
	}

	slog.Info("Connecting to agent service via gRPC", "address", cfg.AgentUpstreamAddr)
	grpcCfg := agent.DefaultGrpcClientConfig(cfg.AgentUpstreamAddr)
	grpcCfg.Retry = retry.Options{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
	client, err := agent.NewGrpcClient(grpcCfg, logger)
	if err != nil {
		slog.Warn("Failed to connect to agent service, using built-in echo agent", "error", err)
		return agent.NewEchoProcessor(nil, echoPause)
	}
	return client
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
