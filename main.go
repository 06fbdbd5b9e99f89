package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/handlers"
	"github.com/grantgenie/genie-engine/pkg/llm"
	"github.com/grantgenie/genie-engine/pkg/logging"
	"github.com/grantgenie/genie-engine/pkg/mcp"
	mcpauth "github.com/grantgenie/genie-engine/pkg/mcp/auth"
	"github.com/grantgenie/genie-engine/pkg/mcp/tools"
	"github.com/grantgenie/genie-engine/pkg/middleware"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/services"
	"github.com/grantgenie/genie-engine/pkg/services/workflow"
)

// Version is set at build time via ldflags
var Version = "dev"

// shutdownTimeout bounds how long in-flight requests and workflow runs get
// to finish after a termination signal.
const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Bool("redis", cfg.Redis.IsConfigured()),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model))

	// Database
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	sqlDB := db.SQLDB()
	if err := database.RunMigrations(sqlDB, logger); err != nil {
		sqlDB.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	sqlDB.Close()

	// Redis is optional; without it rate limits and worker wake-ups stay in-process.
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Authentication
	jwksClient, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		Audience:           cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authService := auth.NewAuthService(jwksClient, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	// LLM
	llmClient, err := llm.NewClient(llm.Config{
		Provider:    cfg.LLM.Provider,
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, logger)
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}
	breaker := llm.NewCircuitBreaker(llm.CircuitBreakerConfig{
		Threshold:  cfg.LLM.BreakerThreshold,
		ResetAfter: cfg.LLM.BreakerResetAfter,
	})
	guardedLLM := llm.NewBreakerClient(llmClient, breaker, logger)
	tokenizer := llm.NewTokenizer(logger)

	// Repositories
	runRepo := repositories.NewWorkflowRunRepository()
	sessionRepo := repositories.NewGenieSessionRepository()
	activityRepo := repositories.NewActivityLogRepository()
	itemRepo := repositories.NewComplianceItemRepository()
	grantRepo := repositories.NewGrantApplicationRepository()
	notificationRepo := repositories.NewNotificationRepository()

	// Workflow engine and services
	scopes := database.NewScopeProvider(db)
	engine := workflow.NewEngine(runRepo, scopes, cfg.Workflow, logger)
	emitter := services.NewNotificationEmitter(notificationRepo, logger)
	reminderService := services.NewReminderService(itemRepo, emitter, engine, cfg.Reminders, logger)
	proposalService := services.NewProposalService(
		guardedLLM, tokenizer, cfg.LLM.PromptTokenBudget,
		grantRepo, activityRepo, emitter, engine, scopes, logger)
	runService := services.NewWorkflowRunService(engine)
	sessionService := services.NewGenieSessionService(sessionRepo, activityRepo, logger)

	worker := workflow.NewWorker(engine, cfg.Workflow, redisClient, logger)

	// HTTP
	mux := http.NewServeMux()
	protect := protectChain(authMiddleware, newRateLimiter(cfg, redisClient, logger), cfg.RateLimit)
	userScope := handlers.Chain(database.WithUserContext(db, logger))

	handlers.NewHealthHandler(cfg, db.Pool, logger).RegisterRoutes(mux)
	handlers.NewCronHandler(reminderService, cfg.CronSecret, logger).RegisterRoutes(mux)
	handlers.NewWorkflowHandler(reminderService, proposalService, runService, logger).RegisterRoutes(mux, protect)
	handlers.NewGenieSessionHandler(sessionService, logger).RegisterRoutes(mux, protect, userScope)

	mcpServer := mcp.NewServer("genie-engine", cfg.Version, logger)
	mcpServer.RegisterTools(cfg.Version, db.Pool, &tools.WorkflowToolDeps{
		Scopes:    scopes,
		Reminders: reminderService,
		Proposals: proposalService,
		Runs:      runService,
		Logger:    logger,
	})
	mcpAuth := mcpauth.NewMiddleware(authService, logger)
	mux.Handle("/mcp", mcpAuth.RequireAuth(
		middleware.MCPRequestLogger(logger.Named("mcp"))(mcpServer.NewStreamableHTTPServer())))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return reminderService.RunScheduler(gctx) })
	g.Go(func() error {
		logger.Info("Starting genie-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version))
		var err error
		if cfg.TLSCertPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		if err := worker.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Workflow runs still executing at shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newRateLimiter(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *middleware.RateLimiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	var store middleware.RateLimitStore = middleware.NewMemoryStore()
	if redisClient != nil {
		store = middleware.NewRedisStore(redisClient)
	}
	return middleware.NewRateLimiter(store, logger)
}

// protectChain authenticates first so that rate limits are keyed by user.
// limiter may be nil to disable rate limiting.
func protectChain(authMiddleware *auth.Middleware, limiter *middleware.RateLimiter, rl config.RateLimitConfig) handlers.Chain {
	return func(next http.HandlerFunc) http.HandlerFunc {
		inner := next
		if limiter != nil {
			inner = limiter.Limit(middleware.RateLimitPolicy{Limit: rl.Limit, Window: rl.Window})(next).ServeHTTP
		}
		return authMiddleware.RequireAuth(inner)
	}
}
