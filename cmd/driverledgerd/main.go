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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	kafkaevents "github.com/teranga-mobility/driverledger/internal/events/kafka"
	"github.com/teranga-mobility/driverledger/internal/httpapi"
	"github.com/teranga-mobility/driverledger/internal/oplog"
	"github.com/teranga-mobility/driverledger/internal/store/gormstore"
	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagWebhookSecret   = "webhook-secret"
	flagWebhookIssuer   = "webhook-issuer"
	flagAllowedOrigins  = "allowed-origins"
	flagDailyLimit      = "daily-limit-cents"
	flagMonthlyLimit    = "monthly-limit-cents"
	flagWithdrawalTTL   = "withdrawal-ttl"
	flagSweepInterval   = "sweep-interval"
	flagKafkaBrokers    = "kafka-brokers"
	flagKafkaTopic      = "kafka-topic"
	flagPlatformAccount = "platform-account"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyWebhookSecret   = "webhook_secret"
	configKeyWebhookIssuer   = "webhook_issuer"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyDailyLimit      = "daily_limit_cents"
	configKeyMonthlyLimit    = "monthly_limit_cents"
	configKeyWithdrawalTTL   = "withdrawal_ttl"
	configKeySweepInterval   = "sweep_interval"
	configKeyKafkaBrokers    = "kafka_brokers"
	configKeyKafkaTopic      = "kafka_topic"
	configKeyPlatformAccount = "platform_account"

	defaultDatabaseURL = "sqlite:///tmp/driverledger.db"
	defaultListenAddr  = ":8080"
	defaultKafkaTopic  = "driver-settlements"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	WebhookSecret    string
	WebhookIssuer    string
	AllowedOrigins   string
	DailyLimitCents  int64
	MonthlyLimit     int64
	WithdrawalTTL    time.Duration
	SweepInterval    time.Duration
	KafkaBrokers     string
	KafkaTopic       string
	PlatformDriverID string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "driverledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "driverledgerd",
		Short:         "Driver account ledger and settlement engine",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "HS256 secret verifying gateway webhooks")
	cmd.Flags().String(flagWebhookIssuer, "", "expected issuer of webhook tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().Int64(flagDailyLimit, ledger.DefaultDailyLimitCents, "daily withdrawal ceiling in cents, 0 disables")
	cmd.Flags().Int64(flagMonthlyLimit, ledger.DefaultMonthlyLimitCents, "monthly withdrawal ceiling in cents, 0 disables")
	cmd.Flags().Duration(flagWithdrawalTTL, ledger.DefaultWithdrawalTTL, "how long a withdrawal reservation stays pending")
	cmd.Flags().Duration(flagSweepInterval, ledger.DefaultSweepInterval, "cadence of the expiry sweep")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-delimited Kafka brokers, empty disables publishing")
	cmd.Flags().String(flagKafkaTopic, defaultKafkaTopic, "Kafka topic for settlement events")
	cmd.Flags().String(flagPlatformAccount, "", "driver id of the platform fee account, empty disables the mirror credit")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyWebhookSecret:   "WEBHOOK_SECRET",
		configKeyWebhookIssuer:   "WEBHOOK_ISSUER",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyDailyLimit:      "DAILY_LIMIT_CENTS",
		configKeyMonthlyLimit:    "MONTHLY_LIMIT_CENTS",
		configKeyWithdrawalTTL:   "WITHDRAWAL_TTL",
		configKeySweepInterval:   "SWEEP_INTERVAL",
		configKeyKafkaBrokers:    "KAFKA_BROKERS",
		configKeyKafkaTopic:      "KAFKA_TOPIC",
		configKeyPlatformAccount: "PLATFORM_ACCOUNT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyWebhookSecret:   flagWebhookSecret,
		configKeyWebhookIssuer:   flagWebhookIssuer,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyDailyLimit:      flagDailyLimit,
		configKeyMonthlyLimit:    flagMonthlyLimit,
		configKeyWithdrawalTTL:   flagWithdrawalTTL,
		configKeySweepInterval:   flagSweepInterval,
		configKeyKafkaBrokers:    flagKafkaBrokers,
		configKeyKafkaTopic:      flagKafkaTopic,
		configKeyPlatformAccount: flagPlatformAccount,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.WebhookIssuer = viper.GetString(configKeyWebhookIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.DailyLimitCents = viper.GetInt64(configKeyDailyLimit)
	cfg.MonthlyLimit = viper.GetInt64(configKeyMonthlyLimit)
	cfg.WithdrawalTTL = viper.GetDuration(configKeyWithdrawalTTL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.KafkaBrokers = viper.GetString(configKeyKafkaBrokers)
	cfg.KafkaTopic = viper.GetString(configKeyKafkaTopic)
	cfg.PlatformDriverID = viper.GetString(configKeyPlatformAccount)

	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.WithdrawalTTL <= 0 {
		cfg.WithdrawalTTL = ledger.DefaultWithdrawalTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = ledger.DefaultSweepInterval
	}
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

	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []ledger.ServiceOption{
		ledger.WithLimits(ledger.LimitConfig{
			DailyCents:   cfg.DailyLimitCents,
			MonthlyCents: cfg.MonthlyLimit,
		}),
		ledger.WithWithdrawalTTL(cfg.WithdrawalTTL),
		ledger.WithOperationLogger(oplog.New(logger)),
	}
	if cfg.PlatformDriverID != "" {
		platformDriverID, err := ledger.NewDriverID(cfg.PlatformDriverID)
		if err != nil {
			return fmt.Errorf("platform account: %w", err)
		}
		options = append(options, ledger.WithPlatformFeeAccount(platformDriverID))
	}
	if cfg.KafkaBrokers != "" {
		publisher := kafkaevents.NewPublisher(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, logger)
		defer func() { _ = publisher.Close() }()
		options = append(options, ledger.WithEventPublisher(publisher))
	}

	service, err := ledger.NewService(store, clock, options...)
	if err != nil {
		return fmt.Errorf("settlement service init: %w", err)
	}

	sweeper, err := ledger.NewSweeper(service, ledger.WithSweepInterval(cfg.SweepInterval))
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	go sweeper.Run(ctx)

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		WebhookSecret:  cfg.WebhookSecret,
		WebhookIssuer:  cfg.WebhookIssuer,
	}
	return httpapi.Run(ctx, apiConfig, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
			path = "driverledger.db"
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
