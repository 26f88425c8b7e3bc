package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all settings for the givecycle service. Every field is read
// from the environment; a .env file in the working directory is loaded first
// when present.
type Config struct {
	Port        int    `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	PaymentProvider    string `mapstructure:"PAYMENT_PROVIDER"`
	MidtransServerKey  string `mapstructure:"MIDTRANS_SERVER_KEY"`
	MidtransProduction bool   `mapstructure:"MIDTRANS_PRODUCTION"`

	SchedulerEnabled     bool          `mapstructure:"SCHEDULER_ENABLED"`
	SettlementInterval   time.Duration `mapstructure:"SETTLEMENT_INTERVAL"`
	SettlementBatchSize  int           `mapstructure:"SETTLEMENT_BATCH_SIZE"`
	SettlementWorkers    int           `mapstructure:"SETTLEMENT_WORKERS"`
	SettlementLease      time.Duration `mapstructure:"SETTLEMENT_LEASE"`
	SettlementLockTTL    time.Duration `mapstructure:"SETTLEMENT_LOCK_TTL"`
	MaxFailedAttempts    int           `mapstructure:"SETTLEMENT_MAX_FAILED_ATTEMPTS"`
	RetryInitialInterval time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`
	RetryMultiplier      float64       `mapstructure:"RETRY_MULTIPLIER"`

	MinimumAmountRaw string          `mapstructure:"MINIMUM_AMOUNT"`
	MinimumAmount    decimal.Decimal `mapstructure:"-"`
	DefaultCurrency  string          `mapstructure:"DEFAULT_CURRENCY"`
	CacheTTL         time.Duration   `mapstructure:"CACHE_TTL"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogProduction bool   `mapstructure:"LOG_PRODUCTION"`
}

var defaults = map[string]interface{}{
	"PORT":                           8080,
	"REDIS_ADDR":                     "",
	"REDIS_PASSWORD":                 "",
	"REDIS_DB":                       0,
	"RABBITMQ_URL":                   "",
	"MINIO_ENDPOINT":                 "",
	"MINIO_ACCESS_KEY":               "",
	"MINIO_SECRET_KEY":               "",
	"MINIO_BUCKET":                   "givecycle-receipts",
	"MINIO_USE_SSL":                  false,
	"PAYMENT_PROVIDER":               "sandbox",
	"MIDTRANS_SERVER_KEY":            "",
	"MIDTRANS_PRODUCTION":            false,
	"SCHEDULER_ENABLED":              true,
	"SETTLEMENT_INTERVAL":            "1h",
	"SETTLEMENT_BATCH_SIZE":          500,
	"SETTLEMENT_WORKERS":             4,
	"SETTLEMENT_LEASE":               "10m",
	"SETTLEMENT_LOCK_TTL":            "30m",
	"SETTLEMENT_MAX_FAILED_ATTEMPTS": 4,
	"RETRY_INITIAL_INTERVAL":         "1h",
	"RETRY_MAX_INTERVAL":             "24h",
	"RETRY_MULTIPLIER":               2.0,
	"MINIMUM_AMOUNT":                 "25.00",
	"DEFAULT_CURRENCY":               "USD",
	"CACHE_TTL":                      "5m",
	"LOG_LEVEL":                      "info",
	"LOG_FILE":                       "",
	"LOG_PRODUCTION":                 false,
}

// LoadConfig reads configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	viper.AutomaticEnv()
	_ = viper.BindEnv("DATABASE_URL")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	if c.PaymentProvider == "midtrans" && c.MidtransServerKey == "" {
		errs = append(errs, errors.New("MIDTRANS_SERVER_KEY is required when PAYMENT_PROVIDER=midtrans"))
	}

	amount, err := decimal.NewFromString(c.MinimumAmountRaw)
	if err != nil || !amount.IsPositive() {
		errs = append(errs, fmt.Errorf("MINIMUM_AMOUNT must be a positive amount, got %q", c.MinimumAmountRaw))
	} else {
		c.MinimumAmount = amount
	}

	c.DefaultCurrency = strings.ToUpper(c.DefaultCurrency)
	if c.PaymentProvider == "midtrans" && c.DefaultCurrency != "IDR" {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY must be IDR when PAYMENT_PROVIDER=midtrans, got %q", c.DefaultCurrency))
	}
	if c.SettlementLease <= 0 || c.SettlementLockTTL <= 0 {
		errs = append(errs, errors.New("SETTLEMENT_LEASE and SETTLEMENT_LOCK_TTL must be positive"))
	}
	if c.MaxFailedAttempts < 1 {
		errs = append(errs, errors.New("SETTLEMENT_MAX_FAILED_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}
