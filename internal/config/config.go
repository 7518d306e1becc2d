/**
 * @description
 * This package handles the configuration management for the chama service. It uses
 * Viper to read configuration from environment variables and an optional .env file,
 * then normalizes values that would otherwise break the engine (non-positive ratios,
 * empty prefixes, zero limits).
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the chama service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	RedisURL         string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix   string `mapstructure:"REDIS_KEY_PREFIX"`
	SessionTTLMin    int    `mapstructure:"SESSION_TTL_MINUTES"`
	CommandRateLimit int    `mapstructure:"COMMAND_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	NotificationQueue    string `mapstructure:"NOTIFICATION_QUEUE"`
	PaymentCallbackQueue string `mapstructure:"PAYMENT_CALLBACK_QUEUE"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic   string `mapstructure:"AUDIT_TOPIC"`

	ChainGatewayURL    string `mapstructure:"CHAIN_GATEWAY_URL"`
	ChainGatewayAPIKey string `mapstructure:"CHAIN_GATEWAY_API_KEY"`

	ZenoAPIURL            string `mapstructure:"ZENO_API_URL"`
	ZenoAPIKey            string `mapstructure:"ZENO_API_KEY"`
	ZenoWebhookURL        string `mapstructure:"ZENO_WEBHOOK_URL"`
	PaymentCallbackAPIKey string `mapstructure:"PAYMENT_CALLBACK_API_KEY"`

	WhatsAppAPIBaseURL string `mapstructure:"WHATSAPP_API_BASE_URL"`
	MetaAccessToken    string `mapstructure:"META_ACCESS_TOKEN"`
	MetaPhoneNumberID  string `mapstructure:"META_PHONE_NUMBER_ID"`

	InternalJWTSecret  string   `mapstructure:"INTERNAL_JWT_SECRET"`
	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LoanQuorumRatio     float64 `mapstructure:"LOAN_QUORUM_RATIO"`
	LoanCollateralRatio float64 `mapstructure:"LOAN_COLLATERAL_RATIO"`
	LoanInterestPercent float64 `mapstructure:"LOAN_INTEREST_PERCENT"`
	LoanMaxDurationDays int     `mapstructure:"LOAN_MAX_DURATION_DAYS"`
	LoanVotingTTLHours  int     `mapstructure:"LOAN_VOTING_TTL_HOURS"`

	PinMaxAttempts    int `mapstructure:"PIN_MAX_ATTEMPTS"`
	PinLockoutMinutes int `mapstructure:"PIN_LOCKOUT_MINUTES"`

	PaymentReconcileSchedule   string `mapstructure:"PAYMENT_RECONCILE_SCHEDULE"`
	PaymentReconcileAgeMinutes int    `mapstructure:"PAYMENT_RECONCILE_AGE_MINUTES"`
	LoanExpirySchedule         string `mapstructure:"LOAN_EXPIRY_SCHEDULE"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                   "8080",
	"LOG_LEVEL":                     "info",
	"REDIS_KEY_PREFIX":              "chama",
	"SESSION_TTL_MINUTES":           30,
	"COMMAND_RATE_LIMIT_PER_MINUTE": 20,
	"EVENTS_EXCHANGE":               "chama_events",
	"NOTIFICATION_QUEUE":            "chama_service.notifications",
	"PAYMENT_CALLBACK_QUEUE":        "chama_service.payment_callbacks",
	"AUDIT_TOPIC":                   "chama.audit",
	"ZENO_API_URL":                  "https://api.zeno.africa",
	"WHATSAPP_API_BASE_URL":         "https://graph.facebook.com/v21.0",
	"LOAN_QUORUM_RATIO":             0.51,
	"LOAN_COLLATERAL_RATIO":         1.5,
	"LOAN_INTEREST_PERCENT":         0.0,
	"LOAN_MAX_DURATION_DAYS":        365,
	"LOAN_VOTING_TTL_HOURS":         0,
	"PIN_MAX_ATTEMPTS":              3,
	"PIN_LOCKOUT_MINUTES":           5,
	"PAYMENT_RECONCILE_SCHEDULE":    "*/5 * * * *",
	"PAYMENT_RECONCILE_AGE_MINUTES": 15,
	"LOAN_EXPIRY_SCHEDULE":          "0 * * * *",
}

// LoadConfig reads configuration from environment variables and the optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "LOG_LEVEL",
		"REDIS_URL", "REDIS_KEY_PREFIX", "SESSION_TTL_MINUTES", "COMMAND_RATE_LIMIT_PER_MINUTE",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "NOTIFICATION_QUEUE", "PAYMENT_CALLBACK_QUEUE",
		"KAFKA_BROKERS", "AUDIT_TOPIC",
		"CHAIN_GATEWAY_URL", "CHAIN_GATEWAY_API_KEY",
		"ZENO_API_URL", "ZENO_API_KEY", "ZENO_WEBHOOK_URL",
		"WHATSAPP_API_BASE_URL", "META_ACCESS_TOKEN", "META_PHONE_NUMBER_ID",
		"INTERNAL_JWT_SECRET", "CORS_ALLOWED_ORIGINS",
		"LOAN_QUORUM_RATIO", "LOAN_COLLATERAL_RATIO", "LOAN_INTEREST_PERCENT",
		"LOAN_MAX_DURATION_DAYS", "LOAN_VOTING_TTL_HOURS",
		"PIN_MAX_ATTEMPTS", "PIN_LOCKOUT_MINUTES",
		"PAYMENT_RECONCILE_SCHEDULE", "PAYMENT_RECONCILE_AGE_MINUTES", "LOAN_EXPIRY_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PAYMENT_CALLBACK_API_KEY", "PAYMENT_CALLBACK_API_KEY", "ZENO_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "chama"
	}
	config.PaymentCallbackAPIKey = strings.TrimSpace(config.PaymentCallbackAPIKey)
	config.InternalJWTSecret = strings.TrimSpace(config.InternalJWTSecret)

	if config.LoanQuorumRatio <= 0 || config.LoanQuorumRatio > 1 {
		slog.Warn("loan quorum ratio out of range; using 0.51", "component", "config", "value", config.LoanQuorumRatio)
		config.LoanQuorumRatio = 0.51
	}
	if config.LoanCollateralRatio < 0 {
		slog.Warn("negative collateral ratio configured; coercing to zero", "component", "config", "value", config.LoanCollateralRatio)
		config.LoanCollateralRatio = 0
	}
	if config.LoanInterestPercent < 0 {
		slog.Warn("negative interest configured; coercing to zero", "component", "config", "value", config.LoanInterestPercent)
		config.LoanInterestPercent = 0
	}
	if config.LoanMaxDurationDays <= 0 {
		config.LoanMaxDurationDays = 365
	}
	if config.LoanVotingTTLHours < 0 {
		config.LoanVotingTTLHours = 0
	}
	if config.SessionTTLMin <= 0 {
		config.SessionTTLMin = 30
	}
	if config.CommandRateLimit <= 0 {
		config.CommandRateLimit = 20
	}
	if config.PinMaxAttempts <= 0 {
		config.PinMaxAttempts = 3
	}
	if config.PinLockoutMinutes <= 0 {
		config.PinLockoutMinutes = 5
	}
	if config.PaymentReconcileAgeMinutes <= 0 {
		config.PaymentReconcileAgeMinutes = 15
	}
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
