package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/renderforge/credits/internal/httpapi"
	"github.com/renderforge/credits/internal/store/gormstore"
	"github.com/renderforge/credits/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagInitialGrant   = "initial-grant"
	flagReferralReward = "referral-reward"
	flagAuditInterval  = "audit-interval"
	flagTierSchedule   = "tier-schedule"
	flagPeriodDays     = "period-days"
	flagAllowedOrigins = "allowed-origins"
	flagSessionKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagSessionCookie  = "session-cookie"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyInitialGrant   = "initial_grant"
	configKeyReferralReward = "referral_reward"
	configKeyAuditInterval  = "audit_interval"
	configKeyTierSchedule   = "tier_schedule"
	configKeyPeriodDays     = "period_days"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySessionKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeySessionCookie  = "session_cookie"

	defaultDatabaseURL    = "sqlite:///tmp/credits.db"
	defaultListenAddr     = ":9090"
	defaultInitialGrant   = 100
	defaultReferralReward = 50
	defaultAuditInterval  = time.Hour
	defaultTierSchedule   = "free=0,pro=500,studio=2000"
	defaultPeriodDays     = 30
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	InitialGrant   int64
	ReferralReward int64
	AuditInterval  time.Duration
	TierSchedule   string
	PeriodDays     int
	AllowedOrigins string
	SessionKey     string
	SessionIssuer  string
	SessionCookie  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().Int64(flagInitialGrant, defaultInitialGrant, "credits granted when an account is first created")
	cmd.Flags().Int64(flagReferralReward, defaultReferralReward, "credits granted to an inviter per completed referral")
	cmd.Flags().Duration(flagAuditInterval, defaultAuditInterval, "interval between balance reconciliation sweeps")
	cmd.Flags().String(flagTierSchedule, defaultTierSchedule, "comma-delimited tier=credits entitlements")
	cmd.Flags().Int(flagPeriodDays, defaultPeriodDays, "billing period length in days")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionKey, "", "HMAC key validating session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyInitialGrant:   "INITIAL_GRANT",
		configKeyReferralReward: "REFERRAL_REWARD",
		configKeyAuditInterval:  "AUDIT_INTERVAL",
		configKeyTierSchedule:   "TIER_SCHEDULE",
		configKeyPeriodDays:     "PERIOD_DAYS",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySessionKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeySessionCookie:  "SESSION_COOKIE",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyInitialGrant:   flagInitialGrant,
		configKeyReferralReward: flagReferralReward,
		configKeyAuditInterval:  flagAuditInterval,
		configKeyTierSchedule:   flagTierSchedule,
		configKeyPeriodDays:     flagPeriodDays,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySessionKey:     flagSessionKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeySessionCookie:  flagSessionCookie,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.InitialGrant = viper.GetInt64(configKeyInitialGrant)
	cfg.ReferralReward = viper.GetInt64(configKeyReferralReward)
	cfg.AuditInterval = viper.GetDuration(configKeyAuditInterval)
	cfg.TierSchedule = viper.GetString(configKeyTierSchedule)
	cfg.PeriodDays = viper.GetInt(configKeyPeriodDays)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionKey = viper.GetString(configKeySessionKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.SessionKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.InitialGrant < 0 {
		return fmt.Errorf("initial grant must not be negative")
	}
	if cfg.ReferralReward <= 0 {
		return fmt.Errorf("referral reward must be positive")
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = defaultAuditInterval
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
	initialGrant := credits.AmountCredits(cfg.InitialGrant)

	creditService, err := credits.NewService(store, clock,
		credits.WithInitialGrant(initialGrant),
		credits.WithOperationLogger(credits.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	schedule, err := parseTierSchedule(cfg.TierSchedule, cfg.PeriodDays)
	if err != nil {
		return fmt.Errorf("tier schedule: %w", err)
	}
	grantor, err := credits.NewSubscriptionGrantor(creditService, store, schedule, clock)
	if err != nil {
		return fmt.Errorf("subscription grantor init: %w", err)
	}
	referrals, err := credits.NewReferralDispatcher(creditService, credits.AmountCredits(cfg.ReferralReward))
	if err != nil {
		return fmt.Errorf("referral dispatcher init: %w", err)
	}
	auditor, err := credits.NewAuditor(store, initialGrant, clock, logger)
	if err != nil {
		return fmt.Errorf("auditor init: %w", err)
	}
	go func() {
		if auditErr := auditor.Run(ctx, cfg.AuditInterval); auditErr != nil && !errors.Is(auditErr, context.Canceled) {
			logger.Warn("auditor stopped", zap.Error(auditErr))
		}
	}()

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Dependencies{
		Logger:    logger,
		Service:   creditService,
		Grantor:   grantor,
		Referrals: referrals,
	})
}

func parseTierSchedule(raw string, periodDays int) (credits.TierSchedule, error) {
	entitlements := map[string]credits.AmountCredits{}
	for _, pair := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		name, amount, found := strings.Cut(trimmed, "=")
		if !found {
			return credits.TierSchedule{}, fmt.Errorf("malformed tier entry %q", trimmed)
		}
		value, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || value < 0 {
			return credits.TierSchedule{}, fmt.Errorf("malformed tier credits in %q", trimmed)
		}
		entitlements[strings.TrimSpace(name)] = credits.AmountCredits(value)
	}
	if len(entitlements) == 0 {
		return credits.TierSchedule{}, fmt.Errorf("at least one tier is required")
	}
	return credits.TierSchedule{Entitlements: entitlements, PeriodDays: periodDays}, nil
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
			path = "credits.db"
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
