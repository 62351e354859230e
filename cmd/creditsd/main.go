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

	"github.com/converteja/creditledger/internal/httpapi"
	"github.com/converteja/creditledger/internal/ratelimit"
	"github.com/converteja/creditledger/internal/store/gormstore"
	"github.com/converteja/creditledger/internal/store/pgstore"
	"github.com/converteja/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagWebhookSecret    = "webhook-secret"
	flagRedisAddr        = "redis-addr"
	flagRateLimit        = "rate-limit-per-min"
	flagRefundWindowDays = "refund-window-days"
	flagAutoRefund       = "auto-refund"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyJWTSigningKey    = "jwt_signing_key"
	configKeyJWTIssuer        = "jwt_issuer"
	configKeyWebhookSecret    = "webhook_secret"
	configKeyRedisAddr        = "redis_addr"
	configKeyRateLimit        = "rate_limit_per_min"
	configKeyRefundWindowDays = "refund_window_days"
	configKeyAutoRefund       = "auto_refund"

	defaultDatabaseURL = "sqlite:///tmp/creditledger.db"
	defaultListenAddr  = ":8090"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	AllowedOrigins   string
	JWTSigningKey    string
	JWTIssuer        string
	WebhookSecret    string
	RedisAddr        string
	RateLimitPerMin  int
	RefundWindowDays int
	AutoRefund       bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credits ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, pgx:// or sqlite://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "HMAC secret for payment webhook signatures")
	cmd.Flags().String(flagRedisAddr, "", "redis address for rate limiting (empty disables)")
	cmd.Flags().Int(flagRateLimit, 60, "requests allowed per account per minute")
	cmd.Flags().Int(flagRefundWindowDays, 30, "days after job creation a refund may be requested")
	cmd.Flags().Bool(flagAutoRefund, false, "automatically refund jobs that failed before processing")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:    "JWT_SIGNING_KEY",
		configKeyJWTIssuer:        "JWT_ISSUER",
		configKeyWebhookSecret:    "WEBHOOK_SECRET",
		configKeyRedisAddr:        "REDIS_ADDR",
		configKeyRateLimit:        "RATE_LIMIT_PER_MIN",
		configKeyRefundWindowDays: "REFUND_WINDOW_DAYS",
		configKeyAutoRefund:       "AUTO_REFUND",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeyJWTSigningKey:    flagJWTSigningKey,
		configKeyJWTIssuer:        flagJWTIssuer,
		configKeyWebhookSecret:    flagWebhookSecret,
		configKeyRedisAddr:        flagRedisAddr,
		configKeyRateLimit:        flagRateLimit,
		configKeyRefundWindowDays: flagRefundWindowDays,
		configKeyAutoRefund:       flagAutoRefund,
	}
	for configKey, flagName := range flags {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
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
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.RateLimitPerMin = viper.GetInt(configKeyRateLimit)
	cfg.RefundWindowDays = viper.GetInt(configKeyRefundWindowDays)
	cfg.AutoRefund = viper.GetBool(configKeyAutoRefund)

	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	persistence, err := openBackend(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = persistence.cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(persistence.store, persistence.accounts, persistence.jobs, credits.Config{
		RefundWindowDays:  cfg.RefundWindowDays,
		AutoRefundEnabled: cfg.AutoRefund,
	}, clock, credits.WithOperationLogger(credits.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		defer redisClient.Close()
		limiter, err = ratelimit.New(redisClient, ratelimit.Config{
			Limit:     cfg.RateLimitPerMin,
			Window:    time.Minute,
			KeyPrefix: "creditledger:ratelimit",
		})
		if err != nil {
			return fmt.Errorf("rate limiter init: %w", err)
		}
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:       cfg.ListenAddr,
		AllowedOrigins:   httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:    cfg.JWTSigningKey,
		JWTIssuer:        cfg.JWTIssuer,
		WebhookSecret:    cfg.WebhookSecret,
		RateLimitPerMin:  cfg.RateLimitPerMin,
		RateLimitEnabled: limiter != nil,
	}, httpapi.Dependencies{
		Logger:  logger,
		Service: service,
		Limiter: limiter,
	})
}

// backend bundles the wired persistence collaborators for one driver.
type backend struct {
	store    credits.Store
	accounts credits.AccountDirectory
	jobs     credits.JobDirectory
	cleanup  func() error
}

func openBackend(ctx context.Context, dsn string) (*backend, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, err
	}

	if driver == "pgx" {
		return openPgxBackend(ctx, "postgres://"+strings.TrimPrefix(dsn, "pgx://"))
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	db = db.WithContext(ctx)
	if err := prepareSchema(db, driver); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	directory := gormstore.NewDirectory(db)
	return &backend{
		store:    gormstore.New(db),
		accounts: directory,
		jobs:     directory,
		cleanup:  func() error { return sqlDB.Close() },
	}, nil
}

// openPgxBackend talks to postgres through pgx directly, skipping gorm. The
// schema is managed with migrations applied out of band, same as the gorm
// postgres path.
func openPgxBackend(ctx context.Context, dsn string) (*backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	directory := pgstore.NewDirectory(pool)
	return &backend{
		store:    pgstore.New(pool),
		accounts: directory,
		jobs:     directory,
		cleanup: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "pgx://") {
		return "pgx", "", nil
	}
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
			path = "creditledger.db"
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

// prepareSchema auto-migrates on sqlite only. Postgres schemas are managed
// with migrations applied out of band.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
