package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chamalink/chama-service/internal/app"
	"github.com/chamalink/chama-service/internal/config"
	"github.com/chamalink/chama-service/internal/store"
	"github.com/chamalink/chama-service/pkg/auditlog"
	"github.com/chamalink/chama-service/pkg/chaingateway"
	rmrabbit "github.com/chamalink/chama-service/pkg/rabbitmq"
	"github.com/chamalink/chama-service/pkg/whatsappclient"
	"github.com/chamalink/chama-service/pkg/zenoclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// runtime holds everything the subcommands share. close releases it in reverse order.
type runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *pgxpool.Pool
	repo       *store.PostgresRepository
	redis      *redis.Client
	producer   *rmrabbit.EventProducer
	audit      app.AuditRecorder
	provider   *zenoclient.Client
	delivery   *app.NotificationDelivery
	service    *app.Service
	reconciler *app.Reconciler
	closers    []func()
}

func loadConfig(dir string) (config.Config, *slog.Logger, error) {
	// Load .env file for local development. In production, variables are set directly.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "component", "bootstrap", "error", err)
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openDatabase(ctx context.Context, databaseURL string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching so the pool works behind a transaction pooler.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected", "component", "bootstrap")
	return dbpool, nil
}

func openRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; rate limiting and conversations disabled", "component", "bootstrap", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting and conversations disabled", "component", "bootstrap", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting and conversations disabled", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}

func openAudit(cfg config.Config, logger *slog.Logger) (app.AuditRecorder, func()) {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		logger.Info("kafka brokers not configured; audit events go to the log", "component", "bootstrap")
		return &auditlog.LogSink{Logger: logger}, func() {}
	}
	publisher, err := auditlog.NewKafkaPublisher(brokers, cfg.AuditTopic)
	if err != nil {
		logger.Warn("kafka audit publisher unavailable; audit events go to the log", "component", "bootstrap", "error", err)
		return &auditlog.LogSink{Logger: logger}, func() {}
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing kafka audit publisher failed", "component", "bootstrap", "error", err)
		}
	}
}

// newRuntime connects every backing service and builds the engine.
func newRuntime(ctx context.Context, configDir string) (*runtime, error) {
	cfg, logger, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger}

	rt.db, err = openDatabase(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.db.Close)
	rt.repo = store.NewPostgresRepository(rt.db)

	if rt.redis = openRedis(ctx, cfg.RedisURL, logger); rt.redis != nil {
		client := rt.redis
		rt.closers = append(rt.closers, func() { client.Close() })
	}

	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; notifications delivered directly", "component", "bootstrap", "error", err)
	} else {
		rt.producer = producer
		rt.closers = append(rt.closers, producer.Close)
	}

	audit, closeAudit := openAudit(cfg, logger)
	rt.audit = audit
	rt.closers = append(rt.closers, closeAudit)

	whatsapp := whatsappclient.NewClient(cfg.WhatsAppAPIBaseURL, cfg.MetaAccessToken, cfg.MetaPhoneNumberID)
	if !whatsapp.Configured() {
		logger.Warn("whatsapp client not configured; notifications will fail", "component", "bootstrap")
	}
	rt.delivery = app.NewNotificationDelivery(rt.repo, whatsapp, logger)

	var publisher rmrabbit.Publisher
	if rt.producer != nil {
		publisher = rt.producer
	}
	notifier := app.NewMessageNotifier(publisher, cfg.EventsExchange, rt.delivery, logger)

	rt.provider = zenoclient.NewClient(cfg.ZenoAPIURL, cfg.ZenoAPIKey, cfg.ZenoWebhookURL)
	rt.service = app.NewService(app.Dependencies{
		Repo:     rt.repo,
		Balances: rt.repo,
		Gateway:  chaingateway.NewClient(cfg.ChainGatewayURL, cfg.ChainGatewayAPIKey),
		Provider: rt.provider,
		Notifier: notifier,
		Audit:    rt.audit,
		Logger:   logger,
	}, app.LoanPolicy{
		QuorumRatio:     cfg.LoanQuorumRatio,
		CollateralRatio: cfg.LoanCollateralRatio,
		InterestPercent: cfg.LoanInterestPercent,
		MaxDurationDays: cfg.LoanMaxDurationDays,
	}, app.PinPolicy{
		MaxAttempts: cfg.PinMaxAttempts,
		Lockout:     time.Duration(cfg.PinLockoutMinutes) * time.Minute,
	})
	rt.reconciler = app.NewReconciler(rt.repo, notifier, rt.audit, logger)
	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
