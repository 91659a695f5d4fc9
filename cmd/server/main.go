package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/guardpost/internal"
	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/backend"
	"github.com/DukeRupert/guardpost/internal/csrf"
	"github.com/DukeRupert/guardpost/internal/handler"
	"github.com/DukeRupert/guardpost/internal/metrics"
	"github.com/DukeRupert/guardpost/internal/middleware"
	"github.com/DukeRupert/guardpost/internal/proxy"
	"github.com/DukeRupert/guardpost/internal/session"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	if cfg.LogFile != "" {
		var closer io.Closer
		logger, closer = internal.NewFileLogger(os.Stdout, cfg.Env, cfg.LogLevel, cfg.LogFile)
		defer closer.Close()
	}

	// Initialize session store
	store, closeStore, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sealer, err := session.NewSealer(cfg.CookiePassword, cfg.CookieTTL)
	if err != nil {
		return fmt.Errorf("cookie sealer initialization failed: %w", err)
	}
	sessions := session.NewManager(sealer, store, session.CookieConfig{
		Name:   cfg.CookieName,
		Secure: cfg.CookieSecure,
		TTL:    cfg.CookieTTL,
	})
	validator := session.NewValidator(sessions, cfg.SessionTTL, cfg.SessionKeepAlive, logger)

	// Initialize authentication backend
	authenticator, closeBackend, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	logger.Info("Authentication backend ready", "backend", cfg.AuthBackend)

	// Initialize template renderer
	renderer, err := handler.NewRenderer(logger)
	if err != nil {
		return fmt.Errorf("renderer initialization failed: %w", err)
	}

	// Initialize gate and middleware
	loginLimiter := middleware.NewLoginRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow, logger)
	defer loginLimiter.Stop()

	gate := auth.NewGate(validator, authenticator, loginLimiter, auth.GateConfig{
		BasePath:   cfg.BasePath,
		AppRoot:    cfg.AppRoot,
		APIRoot:    cfg.APIRoot,
		SessionTTL: cfg.SessionTTL,
	}, logger)
	injector := auth.NewHeaderInjector(authenticator)
	authMw := middleware.NewAuthMiddleware(gate, injector, sessions, logger)

	secure := middleware.NewSecurityHeadersMiddleware(cfg.CookieSecure)
	requestLogger := middleware.NewRequestLoggingMiddleware(logger)
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger)
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		logger.Warn("Metrics endpoint is not protected; set METRICS_USERNAME and METRICS_PASSWORD")
	}

	// Initialize handlers
	authHandler := handler.NewAuthHandler(
		authenticator,
		sessions,
		loginLimiter,
		csrf.New(csrf.Config{
			Path:   cfg.BasePath + cfg.AppRoot,
			Secure: cfg.CookieSecure,
		}),
		renderer,
		handler.AuthConfig{
			BasePath:   cfg.BasePath,
			AppRoot:    cfg.AppRoot,
			APIRoot:    cfg.APIRoot,
			SessionTTL: cfg.SessionTTL,
		},
		logger,
	)

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	upstream := proxy.New(proxy.Config{
		Target:        target,
		SessionCookie: cfg.CookieName,
	}, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// Login and session routes
	authHandler.RegisterRoutes(mux, handler.RouteMiddleware{
		Page:  secure.Handler,
		Limit: loginLimiter.LimitLogin,
		Gate:  authMw.Gate,
	})

	// Everything else is gated and proxied upstream
	mux.Handle("/", authMw.Protect(secure.Transport(upstream)))

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           requestLogger.Handler(metrics.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started",
			"address", server.Addr,
			"env", cfg.Env,
			"upstream", cfg.UpstreamURL,
			"session_store", cfg.SessionStore,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openSessionStore connects the configured server-side session store.
// Cookie sessions need no store and get a nil Store.
func openSessionStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (session.Store, func(), error) {
	switch cfg.SessionStore {
	case internal.StoreSQL:
		db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}

		// Run migrations
		if err := internal.RunMigrations(db, cfg.DatabaseDriver); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database ready", "driver", cfg.DatabaseDriver)

		store := session.NewSQLStore(db)
		sweepCtx, stopSweeper := context.WithCancel(ctx)
		go session.NewSweeper(store, session.DefaultSweepInterval, logger).Run(sweepCtx)

		return store, func() {
			stopSweeper()
			db.Close()
		}, nil

	case internal.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("Redis ready", "addr", opts.Addr)

		return session.NewRedisStore(rdb, "", cfg.CookieTTL), func() { rdb.Close() }, nil

	default:
		return nil, func() {}, nil
	}
}

// newAuthenticator builds the configured authentication backend, instrumented
// with backend metrics.
func newAuthenticator(cfg *internal.Config) (backend.Authenticator, func(), error) {
	switch cfg.AuthBackend {
	case internal.BackendFile:
		file, err := backend.LoadFile(backend.FileConfig{
			Path:     cfg.UsersFile,
			Secret:   cfg.TokenSecret,
			TokenTTL: cfg.TokenTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("file backend initialization failed: %w", err)
		}
		return backend.Instrumented(internal.BackendFile, file), func() {}, nil

	default:
		upstream := backend.NewUpstream(backend.UpstreamConfig{
			BaseURL:      cfg.UpstreamURL,
			AuthInfoPath: cfg.UpstreamAuthInfoPath,
			Timeout:      cfg.UpstreamTimeout,
		}, nil)
		return backend.Instrumented(internal.BackendUpstream, upstream), func() { upstream.Close() }, nil
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
