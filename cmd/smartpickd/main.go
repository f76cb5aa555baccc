package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/smartpick/engine/internal/core"
	"github.com/smartpick/engine/internal/httpapi"
	"github.com/smartpick/engine/internal/offline"
	"github.com/smartpick/engine/internal/penalty"
	"github.com/smartpick/engine/internal/points"
	"github.com/smartpick/engine/internal/ratelimit"
	"github.com/smartpick/engine/internal/reservation"
	"github.com/smartpick/engine/internal/store/gormstore"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagIdentityHeader   = "identity-header"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyOrigins     = "allowed_origins"
	configKeyIdentity    = "identity_header"
	defaultDatabaseURL   = "sqlite:///tmp/smartpick.db"
	defaultListenAddr    = ":8080"

	expirySweepInterval  = time.Minute
	expirySweepBatch     = 100
	queueDrainInterval   = 30 * time.Second
	cleanupSweepInterval = time.Hour
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	IdentityHeader string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "smartpickd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "smartpickd",
		Short:         "SmartPick reservation and trust engine server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagIdentityHeader, "", "trusted identity header name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "LISTEN_ADDR"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyOrigins, "ALLOWED_ORIGINS"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyIdentity, "IDENTITY_HEADER"); err != nil {
		return err
	}

	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyOrigins, cmd.Flags().Lookup(flagAllowedOrigins)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyIdentity, cmd.Flags().Lookup(flagIdentityHeader)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyOrigins)
	cfg.IdentityHeader = viper.GetString(configKeyIdentity)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := &zapOperationLogger{logger: logger}

	pointsService, err := points.NewService(store, clock, points.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("points service init: %w", err)
	}
	penaltyEngine, err := penalty.NewEngine(store, pointsService, clock, penalty.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("penalty engine init: %w", err)
	}
	serverLimiter, err := ratelimit.NewServerLimiter(store, ratelimit.DefaultPolicy, clock, ratelimit.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("rate limiter init: %w", err)
	}
	limiter := ratelimit.NewHybridLimiter(ratelimit.NewClientLimiter(ratelimit.DefaultPolicy, clock), serverLimiter)
	reservationService, err := reservation.NewService(store, pointsService, penaltyEngine, clock,
		reservation.WithOperationLogger(operationLogger),
		reservation.WithRateLimiter(limiter),
		reservation.WithNotifier(&logNotifier{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("reservation service init: %w", err)
	}
	queue, err := offline.NewQueue(store, reservationService, clock, offline.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("offline queue init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		IdentityHeader: cfg.IdentityHeader,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	router := httpapi.NewRouter(apiConfig, logger, httpapi.Deps{
		Store:        store,
		Points:       pointsService,
		Penalties:    penaltyEngine,
		Reservations: reservationService,
		Limiter:      limiter,
		Queue:        queue,
		NowFn:        clock,
	})

	server := &http.Server{
		Addr:    apiConfig.ListenAddr,
		Handler: router,
	}

	go runExpirySweep(ctx, logger, reservationService)
	go runCleanupSweep(ctx, logger, reservationService, serverLimiter)
	go queue.Run(ctx, nil, queueDrainInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("smartpickd listening", zap.String("listen_addr", apiConfig.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func runExpirySweep(ctx context.Context, logger *zap.Logger, service *reservation.Service) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		report, err := service.ExpireDue(ctx, expirySweepBatch)
		if err != nil {
			logger.Error("expiry sweep failed", zap.Error(err))
			continue
		}
		if report.Expired > 0 || report.Failures > 0 {
			logger.Info("expiry sweep",
				zap.Int("scanned", report.Scanned),
				zap.Int("expired", report.Expired),
				zap.Int("failures", report.Failures),
			)
		}
	}
}

func runCleanupSweep(ctx context.Context, logger *zap.Logger, service *reservation.Service, limiter *ratelimit.ServerLimiter) {
	ticker := time.NewTicker(cleanupSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if deleted, err := service.CleanupHistory(ctx); err != nil {
			logger.Error("history cleanup failed", zap.Error(err))
		} else if deleted > 0 {
			logger.Info("history cleanup", zap.Int64("deleted", deleted))
		}
		if pruned, err := limiter.Prune(ctx); err != nil {
			logger.Error("rate limit prune failed", zap.Error(err))
		} else if pruned > 0 {
			logger.Info("rate limit prune", zap.Int64("pruned", pruned))
		}
	}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "smartpick.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// zapOperationLogger bridges the services' OperationLogger callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry core.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", string(entry.Status)),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.OfferID != "" {
		fields = append(fields, zap.String("offer_id", entry.OfferID))
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("operation", fields...)
		return
	}
	adapter.logger.Info("operation", fields...)
}

// logNotifier logs stock signals instead of delivering push messages.
type logNotifier struct {
	logger *zap.Logger
}

func (notifier *logNotifier) LowStock(_ context.Context, offer core.Offer) {
	notifier.logger.Info("offer low stock",
		zap.String("offer_id", offer.OfferID),
		zap.Int("quantity_available", offer.QuantityAvailable),
	)
}

func (notifier *logNotifier) SoldOut(_ context.Context, offer core.Offer) {
	notifier.logger.Info("offer sold out", zap.String("offer_id", offer.OfferID))
}
