package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/AbhishekGour12/astrova-sub000/internal/billing"
	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
	"github.com/AbhishekGour12/astrova-sub000/internal/httpapi"
	"github.com/AbhishekGour12/astrova-sub000/internal/notify"
	"github.com/AbhishekGour12/astrova-sub000/internal/session"
	"github.com/AbhishekGour12/astrova-sub000/internal/store/gormstore"
	"github.com/AbhishekGour12/astrova-sub000/internal/store/pgstore"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagStoreBackend         = "store-backend"
	flagGracePeriodSeconds   = "grace-period-seconds"
	flagAcceptTimeoutSeconds = "accept-timeout-seconds"
	flagLowBalanceMinutes    = "low-balance-minutes"

	configKeyDatabaseURL          = "database_url"
	configKeyListenAddr           = "listen_addr"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeyStoreBackend         = "store_backend"
	configKeyGracePeriodSeconds   = "grace_period_seconds"
	configKeyAcceptTimeoutSeconds = "accept_timeout_seconds"
	configKeyLowBalanceMinutes    = "low_balance_minutes"

	defaultDatabaseURL = "sqlite:///tmp/consult.db"
	defaultListenAddr  = ":8080"

	backendGorm = "gorm"
	backendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       string
	StoreBackend         string
	GracePeriodSeconds   int64
	AcceptTimeoutSeconds int64
	LowBalanceMinutes    int64
}

// backingStore is the full persistence surface the services need. Both the
// gorm and the raw pgx stores satisfy it.
type backingStore interface {
	wallet.Store
	session.Store
	earning.Store
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "consultd",
		Short:         "Metered consultation billing server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (sqlite path or postgres URL)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagStoreBackend, backendGorm, "persistence backend: gorm or pgx (pgx requires a postgres URL)")
	cmd.Flags().Int64(flagGracePeriodSeconds, 0, "grace window length after a failed debit")
	cmd.Flags().Int64(flagAcceptTimeoutSeconds, 0, "how long a session may wait for provider acceptance")
	cmd.Flags().Int64(flagLowBalanceMinutes, 0, "low balance warning threshold in remaining minutes")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:          "DATABASE_URL",
		configKeyListenAddr:           "LISTEN_ADDR",
		configKeyAllowedOrigins:       "ALLOWED_ORIGINS",
		configKeyStoreBackend:         "STORE_BACKEND",
		configKeyGracePeriodSeconds:   "GRACE_PERIOD_SECONDS",
		configKeyAcceptTimeoutSeconds: "ACCEPT_TIMEOUT_SECONDS",
		configKeyLowBalanceMinutes:    "LOW_BALANCE_MINUTES",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:          flagDatabaseURL,
		configKeyListenAddr:           flagListenAddr,
		configKeyAllowedOrigins:       flagAllowedOrigins,
		configKeyStoreBackend:         flagStoreBackend,
		configKeyGracePeriodSeconds:   flagGracePeriodSeconds,
		configKeyAcceptTimeoutSeconds: flagAcceptTimeoutSeconds,
		configKeyLowBalanceMinutes:    flagLowBalanceMinutes,
	}
	for key, name := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = backendGorm
	}
	cfg.GracePeriodSeconds = viper.GetInt64(configKeyGracePeriodSeconds)
	cfg.AcceptTimeoutSeconds = viper.GetInt64(configKeyAcceptTimeoutSeconds)
	cfg.LowBalanceMinutes = viper.GetInt64(configKeyLowBalanceMinutes)

	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == backendPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %q requires a postgres database url", backendPgx)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }

	walletService, err := wallet.NewService(store, clock,
		wallet.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	earningService, err := earning.NewService(store, clock)
	if err != nil {
		return fmt.Errorf("earning service init: %w", err)
	}
	machine, err := session.NewMachine(store, walletService, earningService, clock)
	if err != nil {
		return fmt.Errorf("session machine init: %w", err)
	}

	broker := notify.NewBroker(logger)
	engine, err := billing.NewEngine(walletService, machine, store, earningService, broker, logger, clock, billing.Config{
		GracePeriod:       time.Duration(cfg.GracePeriodSeconds) * time.Second,
		AcceptTimeout:     time.Duration(cfg.AcceptTimeoutSeconds) * time.Second,
		LowBalanceMinutes: cfg.LowBalanceMinutes,
	})
	if err != nil {
		return fmt.Errorf("billing engine init: %w", err)
	}
	defer engine.Close()

	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("billing restore: %w", err)
	}

	server, err := httpapi.New(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, logger, walletService, machine, engine, earningService, broker)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (backingStore, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return store, cleanup, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
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
	if isPostgresURL(dsn) {
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
			path = "consult.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
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

func prepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// zapOperationLogger adapts zap to the wallet operation log callback.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (opLogger *zapOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("amount_cents", int64(entry.Amount)),
		zap.Int64("new_balance_cents", int64(entry.NewBalanceCents)),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		opLogger.logger.Warn("wallet operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	opLogger.logger.Info("wallet operation", fields...)
}
