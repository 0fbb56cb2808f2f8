package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"stagesuite/internal/api"
	"stagesuite/internal/audit"
	"stagesuite/internal/auth"
	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/config"
	"stagesuite/internal/federation"
	"stagesuite/internal/invite"
	"stagesuite/internal/observability"
	"stagesuite/internal/tenancy"
)

func main() {
	logCfg := observability.ConfigFromEnv()
	logger := observability.NewLogger(logCfg)

	configPath := flag.String("config", os.Getenv("STAGESUITE_CONFIG"), "path to YAML config file")
	addr := flag.String("addr", "", "listen address (host:port), overrides config")
	migrate := flag.String("migrate", "", "run migrations: 'up' to apply, 'status' to show status")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized",
				"environment", cfg.SentryEnvironment,
				"release", envOr("APP_VERSION", "dev"),
			)
			sentryEnabled = true
		}
	}

	if *migrate != "" {
		runMigrationsCLI(logger, cfg, *migrate)
		return
	}

	vault, err := oidc.NewVaultFromBase64(cfg.SecretKey)
	if err != nil {
		logger.Error("vault init failed", "error", err)
		os.Exit(1)
	}

	store, err := selectStore(logger, cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled",
			"namespace", metricsCfg.Namespace,
			"version", metricsCfg.Version,
		)
	} else {
		logger.Info("metrics disabled")
	}

	rateCfg := api.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	resolveCfg := api.RateLimitConfig{RequestsPerSecond: cfg.ResolveRateLimitRPS, Burst: cfg.ResolveRateLimitBurst}
	if !rateCfg.Enabled() {
		logger.Info("rate limiting disabled")
	} else {
		logger.Info("rate limiting configured",
			"requests_per_second", rateCfg.RequestsPerSecond,
			"burst", rateCfg.Burst,
			"resolve_requests_per_second", resolveCfg.RequestsPerSecond,
		)
	}

	var proxyConfig *api.TrustedProxyConfig
	if cfg.TrustedProxies != "" {
		proxyConfig, err = api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			logger.Error("invalid trusted_proxies", "error", err)
			os.Exit(1)
		}
		logger.Info("trusted proxies configured", "count", len(proxyConfig.CIDRs))
	}

	auditLogger := audit.NewMemoryAuditLogger()

	hashKey, blockKey := cfg.SessionKeys()
	if hashKey == nil {
		logger.Warn("session_hash_key not set; sessions will not survive a restart")
	}
	sessions := auth.NewSessionManager(hashKey, blockKey,
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithSecureCookies(cfg.Secure()),
	)

	builder, err := federation.NewBuilder(federation.BuilderConfig{
		Store:       store,
		Vault:       vault,
		Static:      cfg.StaticProviders,
		BaseURL:     cfg.BaseURL,
		Concurrency: cfg.RegistryConcurrency,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		logger.Error("registry builder init failed", "error", err)
		os.Exit(1)
	}
	logger.Info("static providers configured", "count", len(cfg.StaticProviders))

	tenants := tenancy.NewService(store,
		tenancy.WithAppAdmins(cfg.AppAdminEmails),
		tenancy.WithAudit(auditLogger),
		tenancy.WithLogger(logger),
	)
	invites := invite.NewManager(store, tenants,
		invite.WithAudit(auditLogger),
		invite.WithLogger(logger),
		invite.WithMetrics(metrics),
	)

	srv, err := api.NewServer(api.Config{
		Store:            store,
		Registry:         builder,
		Resolver:         federation.NewResolver(store, metrics),
		Settings:         federation.NewSettings(store, vault,
			federation.WithSettingsLogger(logger),
			federation.WithSettingsMetrics(metrics),
		),
		Tenancy:          tenants,
		Invites:          invites,
		Sessions:         sessions,
		BaseURL:          cfg.BaseURL,
		Audit:            auditLogger,
		Logger:           logger,
		Metrics:          metrics,
		RateLimit:        rateCfg,
		ResolveRateLimit: resolveCfg,
		TrustedProxies:   proxyConfig,
		SecureCookies:    cfg.Secure(),
	})
	if err != nil {
		logger.Error("api server init failed", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("stagesuite listening", "addr", cfg.Addr, "base_url", cfg.BaseURL)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := store.Close(); err != nil {
		logger.Error("error closing store", "error", err)
	} else {
		logger.Info("database connection closed")
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}

	logger.Info("shutdown complete")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// runMigrationsCLI executes migration commands.
func runMigrationsCLI(logger observability.Logger, cfg *config.Config, cmd string) {
	switch cmd {
	case "up":
		// opening the store applies pending migrations
		st, err := selectStore(logger, cfg)
		if err != nil {
			logger.Error("migrate up failed", "error", err)
			os.Exit(1)
		}
		_ = st.Close()
		runMigrationsCLI(logger, cfg, "status")
	case "status":
		status := "migrations status not available in this build"
		if s := sqliteStatus(sqliteDSN(cfg)); s != "" {
			status = s
		}
		if s := postgresStatus(cfg); s != "" {
			status = s
		}
		logger.Info("migrations status", "status", status)
	default:
		logger.Warn("unknown migrate command", "command", cmd)
	}
}

func sqliteDSN(cfg *config.Config) string {
	if cfg.SQLiteDSN != "" {
		return cfg.SQLiteDSN
	}
	return "file:stagesuite.db?cache=shared"
}
