package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teleop/broker/internal/api"
	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/authz"
	"github.com/teleop/broker/internal/billing"
	"github.com/teleop/broker/internal/config"
	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/dispatch"
	"github.com/teleop/broker/internal/maintenance"
	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/monitor"
	"github.com/teleop/broker/internal/relay"
	"github.com/teleop/broker/internal/repositories"
	"github.com/teleop/broker/internal/sink"
	"github.com/teleop/broker/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagOverrides holds the subset of config.Config that cobra persistent
// flags can override at startup, mirroring arkeep's flag/env pairing —
// env vars are config.Load's defaults, flags win when explicitly set.
type flagOverrides struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	logLevel string
}

func newRootCmd() *cobra.Command {
	overrides := &flagOverrides{}

	root := &cobra.Command{
		Use:   "broker",
		Short: "WebRTC signaling broker for teleoperated robots",
		Long: `broker authenticates bidirectional socket connections from browsers and
robot agents, tracks per-robot presence, enforces ownership/delegation/ACL
authorization, relays WebRTC signaling frames between the intended peers,
and accounts for paid session time against a credit balance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), overrides)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&overrides.httpAddr, "http-addr", "", "HTTP listen address (overrides BROKER_HTTP_ADDR)")
	root.PersistentFlags().StringVar(&overrides.dbDriver, "db-driver", "", "Database driver: sqlite or postgres (overrides BROKER_DB_DRIVER)")
	root.PersistentFlags().StringVar(&overrides.dbDSN, "db-dsn", "", "Database DSN or file path (overrides BROKER_DB_DSN)")
	root.PersistentFlags().StringVar(&overrides.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides BROKER_LOG_LEVEL)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, overrides *flagOverrides) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg, overrides)

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting broker",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("environment", cfg.Environment),
		zap.Bool("allow_no_token", cfg.AllowNoToken),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories ---
	conns := repositories.NewConnectionRepository(gormDB)
	presence := repositories.NewRobotPresenceRepository(gormDB)
	robots := repositories.NewRobotRepository(gormDB)
	operators := repositories.NewRobotOperatorRepository(gormDB)
	sessions := repositories.NewSessionRepository(gormDB, cfg.SessionsEnabled)
	credits := repositories.NewUserCreditRepository(gormDB, cfg.CreditsEnabled)
	settings := repositories.NewPlatformSettingsRepository(gormDB, cfg.PlatformSettingsEnabled)
	revokedTokens := repositories.NewRevokedTokenRepository(gormDB)

	// --- 3. Auth ---
	var verifier *auth.Verifier
	if !cfg.AllowNoToken {
		verifier = auth.NewVerifier(ctx, cfg.JWKSURL, cfg.Issuer)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	// --- 3a. Metrics (built early so auth/billing/relay/dispatch can record
	// against it from construction) ---
	reg := metrics.New(prometheus.DefaultRegisterer)

	revocation := auth.NewRevocationChecker(revokedTokens, redisClient, cfg.RedisTTL, reg, logger)
	resolver := auth.NewResolver(conns, verifier, revocation, cfg.AllowNoToken, reg)

	// --- 4. Domain engines ---
	authzEngine := authz.New(presence, robots, operators, sessions, logger)
	billingSvc := billing.New(sessions, credits, robots, settings, reg, logger)

	// --- 5. Sink ---
	natsSink, err := sink.NewNATSSink(sink.Config{
		URL:             cfg.SinkURL,
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		RequestTimeout:  2 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to sink: %w", err)
	}
	defer natsSink.Close()

	// --- 6. Transport ---
	// The Hub must exist before the Dispatcher: the local-first Sink checks
	// the Hub for a locally-attached client before falling through to NATS,
	// and the Dispatcher needs that Sink. SetDispatcher closes the loop once
	// the Dispatcher is built.
	hub := transport.NewHub(natsSink, logger)
	localSink := transport.NewLocalFirstSink(hub, natsSink)

	fanout := monitor.New(conns, localSink, reg, logger)
	relayEngine := relay.New(presence, conns, authzEngine, fanout, localSink, billingSvc, reg, logger)
	relayEngine.LenientMissingClientTarget = cfg.LenientMissingClientTarget

	d := dispatch.New(resolver, conns, presence, authzEngine, relayEngine, billingSvc, fanout, localSink, reg, logger)
	hub.SetDispatcher(d)

	// --- 7. Process metrics sampler ---
	sampler := metrics.NewProcessSampler(reg)
	samplerStop := make(chan struct{})
	go sampler.Run(samplerStop, 15*time.Second)
	defer close(samplerStop)

	// --- 8. Maintenance ---
	maint, err := maintenance.New(verifier, revokedTokens, presence, cfg.StalePresenceThreshold, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	if err := maint.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer func() {
		if err := maint.Stop(); err != nil {
			logger.Warn("maintenance scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 9. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Hub:        hub,
		Dispatcher: d,
		DB:         gormDB,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the $connect route is a long-lived upgraded connection
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down broker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("broker stopped")
	return nil
}

func applyOverrides(cfg *config.Config, overrides *flagOverrides) {
	if overrides.httpAddr != "" {
		cfg.HTTPAddr = overrides.httpAddr
	}
	if overrides.dbDriver != "" {
		cfg.DBDriver = overrides.dbDriver
	}
	if overrides.dbDSN != "" {
		cfg.DBDSN = overrides.dbDSN
	}
	if overrides.logLevel != "" {
		cfg.LogLevel = overrides.logLevel
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
