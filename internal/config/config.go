/**
 * @description
 * This package handles the configuration management for the service. It loads an
 * optional `.env` file with godotenv and then uses Viper to read configuration from
 * environment variables, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/joho/godotenv: optional `.env` loading for local development.
 * - github.com/shopspring/decimal: parsing of limit values given in whole reais.
 */

package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transaction-service.
// Monetary values are in centavos.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	AppEnv                   string `mapstructure:"APP_ENV"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	StorageDriver            string `mapstructure:"STORAGE_DRIVER"`
	RunMigrations            bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	CreateRateLimitPerMinute int    `mapstructure:"CREATE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	DepositStatusQueue       string `mapstructure:"DEPOSIT_STATUS_QUEUE"`
	PixAPIBaseURL            string `mapstructure:"PIX_API_BASE_URL"`
	PixAPIToken              string `mapstructure:"PIX_API_TOKEN"`
	PixAPITimeoutSeconds     int    `mapstructure:"PIX_API_TIMEOUT_SECONDS"`
	ProcessorWebhookSecret   string `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	SecretEncryptionKey      string `mapstructure:"SECRET_ENCRYPTION_KEY"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LimitsEnabled             bool   `mapstructure:"LIMITS_ENABLED"`
	LimitsRequireKYC          bool   `mapstructure:"LIMITS_REQUIRE_KYC"`
	LimitsTimezone            string `mapstructure:"LIMITS_TIMEZONE"`
	FirstDayDepositCeiling    int64  `mapstructure:"FIRST_DAY_DEPOSIT_CEILING"`
	HighRiskMultiplierPercent int64  `mapstructure:"HIGH_RISK_MULTIPLIER_PERCENT"`
	DefaultDepositDaily       int64  `mapstructure:"DEFAULT_DEPOSIT_DAILY_LIMIT"`
	DefaultDepositMonthly     int64  `mapstructure:"DEFAULT_DEPOSIT_MONTHLY_LIMIT"`
	DefaultDepositPerTx       int64  `mapstructure:"DEFAULT_DEPOSIT_PER_TRANSACTION_LIMIT"`
	DefaultWithdrawDaily      int64  `mapstructure:"DEFAULT_WITHDRAW_DAILY_LIMIT"`
	DefaultWithdrawMonthly    int64  `mapstructure:"DEFAULT_WITHDRAW_MONTHLY_LIMIT"`
	DefaultWithdrawPerTx      int64  `mapstructure:"DEFAULT_WITHDRAW_PER_TRANSACTION_LIMIT"`
	DefaultTransferDaily      int64  `mapstructure:"DEFAULT_TRANSFER_DAILY_LIMIT"`
	DefaultTransferMonthly    int64  `mapstructure:"DEFAULT_TRANSFER_MONTHLY_LIMIT"`
	DefaultTransferPerTx      int64  `mapstructure:"DEFAULT_TRANSFER_PER_TRANSACTION_LIMIT"`

	ValidatePixKeys             bool   `mapstructure:"VALIDATE_PIX_KEYS"`
	SweepSchedule               string `mapstructure:"SWEEP_SCHEDULE"`
	BackupSweepSchedule         string `mapstructure:"BACKUP_SWEEP_SCHEDULE"`
	WebhookRetrySchedule        string `mapstructure:"WEBHOOK_RETRY_SCHEDULE"`
	WebhookMaxAttempts          int    `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookDisableAfterFailures int    `mapstructure:"WEBHOOK_DISABLE_AFTER_FAILURES"`
	WebhookWorkers              int    `mapstructure:"WEBHOOK_WORKERS"`
	WebhookQueueSize            int    `mapstructure:"WEBHOOK_QUEUE_SIZE"`
}

// IsProduction reports whether the service runs with production safeguards.
func (c Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "prod" || env == "production"
}

// wholeReaisAliases lets operators give limits in reais ("5000.00") instead of centavos.
var wholeReaisAliases = map[string]string{
	"FIRST_DAY_DEPOSIT_CEILING":     "FIRST_DAY_DEPOSIT_CEILING_BRL",
	"DEFAULT_DEPOSIT_DAILY_LIMIT":   "DEFAULT_DEPOSIT_DAILY_LIMIT_BRL",
	"DEFAULT_DEPOSIT_MONTHLY_LIMIT": "DEFAULT_DEPOSIT_MONTHLY_LIMIT_BRL",
	"DEFAULT_WITHDRAW_DAILY_LIMIT":  "DEFAULT_WITHDRAW_DAILY_LIMIT_BRL",
	"DEFAULT_TRANSFER_DAILY_LIMIT":  "DEFAULT_TRANSFER_DAILY_LIMIT_BRL",
}

// LoadConfig reads configuration from the environment, after loading an optional
// `.env` file from the given path.
func LoadConfig(path string) (config Config, err error) {
	if loadErr := godotenv.Load(filepath.Join(path, ".env")); loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		log.Printf("level=warn component=config msg=\"failed to read .env file; using environment values\" err=%v", loadErr)
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "dev")
	viper.SetDefault("STORAGE_DRIVER", "postgres")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "pixgate:rate_limit")
	viper.SetDefault("CREATE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("EVENTS_EXCHANGE", "pixgate.events")
	viper.SetDefault("DEPOSIT_STATUS_QUEUE", "transaction_service.deposit_status")
	viper.SetDefault("PIX_API_TIMEOUT_SECONDS", 30)
	viper.SetDefault("JWT_ISSUER", "pixgate")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	viper.SetDefault("LIMITS_ENABLED", true)
	viper.SetDefault("LIMITS_REQUIRE_KYC", false)
	viper.SetDefault("LIMITS_TIMEZONE", "America/Sao_Paulo")
	viper.SetDefault("FIRST_DAY_DEPOSIT_CEILING", 50000)
	viper.SetDefault("HIGH_RISK_MULTIPLIER_PERCENT", 50)
	viper.SetDefault("DEFAULT_DEPOSIT_DAILY_LIMIT", 500000)
	viper.SetDefault("DEFAULT_DEPOSIT_MONTHLY_LIMIT", 5000000)
	viper.SetDefault("DEFAULT_DEPOSIT_PER_TRANSACTION_LIMIT", 500000)
	viper.SetDefault("DEFAULT_WITHDRAW_DAILY_LIMIT", 300000)
	viper.SetDefault("DEFAULT_WITHDRAW_MONTHLY_LIMIT", 3000000)
	viper.SetDefault("DEFAULT_WITHDRAW_PER_TRANSACTION_LIMIT", 300000)
	viper.SetDefault("DEFAULT_TRANSFER_DAILY_LIMIT", 300000)
	viper.SetDefault("DEFAULT_TRANSFER_MONTHLY_LIMIT", 3000000)
	viper.SetDefault("DEFAULT_TRANSFER_PER_TRANSACTION_LIMIT", 300000)

	viper.SetDefault("VALIDATE_PIX_KEYS", false)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("BACKUP_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("WEBHOOK_RETRY_SCHEDULE", "@every 1m")
	viper.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	viper.SetDefault("WEBHOOK_DISABLE_AFTER_FAILURES", 20)
	viper.SetDefault("WEBHOOK_WORKERS", 4)
	viper.SetDefault("WEBHOOK_QUEUE_SIZE", 256)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "APP_ENV", "DATABASE_URL", "STORAGE_DRIVER", "RUN_MIGRATIONS",
		"REDIS_RATE_LIMIT_PREFIX", "CREATE_RATE_LIMIT_PER_MINUTE",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "DEPOSIT_STATUS_QUEUE",
		"PIX_API_BASE_URL", "PIX_API_TOKEN", "PIX_API_TIMEOUT_SECONDS", "PROCESSOR_WEBHOOK_SECRET",
		"JWT_SECRET", "JWT_ISSUER", "SECRET_ENCRYPTION_KEY", "CORS_ALLOWED_ORIGINS",
		"LIMITS_ENABLED", "LIMITS_REQUIRE_KYC", "LIMITS_TIMEZONE",
		"FIRST_DAY_DEPOSIT_CEILING", "HIGH_RISK_MULTIPLIER_PERCENT",
		"DEFAULT_DEPOSIT_DAILY_LIMIT", "DEFAULT_DEPOSIT_MONTHLY_LIMIT", "DEFAULT_DEPOSIT_PER_TRANSACTION_LIMIT",
		"DEFAULT_WITHDRAW_DAILY_LIMIT", "DEFAULT_WITHDRAW_MONTHLY_LIMIT", "DEFAULT_WITHDRAW_PER_TRANSACTION_LIMIT",
		"DEFAULT_TRANSFER_DAILY_LIMIT", "DEFAULT_TRANSFER_MONTHLY_LIMIT", "DEFAULT_TRANSFER_PER_TRANSACTION_LIMIT",
		"VALIDATE_PIX_KEYS", "SWEEP_SCHEDULE", "BACKUP_SWEEP_SCHEDULE", "WEBHOOK_RETRY_SCHEDULE",
		"WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_DISABLE_AFTER_FAILURES", "WEBHOOK_WORKERS", "WEBHOOK_QUEUE_SIZE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSACTION_REDIS_URL")
	_ = viper.BindEnv("PORT")

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "pixgate:rate_limit"
	}
	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))

	applyWholeReaisAliases(&config)
	normalizeLimits(&config)

	if config.PixAPITimeoutSeconds <= 0 {
		config.PixAPITimeoutSeconds = 30
	}
	if config.WebhookMaxAttempts <= 0 {
		config.WebhookMaxAttempts = 5
	}
	if config.WebhookDisableAfterFailures <= 0 {
		config.WebhookDisableAfterFailures = 20
	}
	if config.WebhookWorkers <= 0 {
		config.WebhookWorkers = 4
	}
	if config.WebhookQueueSize <= 0 {
		config.WebhookQueueSize = 256
	}

	return
}

// applyWholeReaisAliases overrides centavo values with the `_BRL` variants when set.
func applyWholeReaisAliases(config *Config) {
	targets := map[string]*int64{
		"FIRST_DAY_DEPOSIT_CEILING":     &config.FirstDayDepositCeiling,
		"DEFAULT_DEPOSIT_DAILY_LIMIT":   &config.DefaultDepositDaily,
		"DEFAULT_DEPOSIT_MONTHLY_LIMIT": &config.DefaultDepositMonthly,
		"DEFAULT_WITHDRAW_DAILY_LIMIT":  &config.DefaultWithdrawDaily,
		"DEFAULT_TRANSFER_DAILY_LIMIT":  &config.DefaultTransferDaily,
	}
	for key, alias := range wholeReaisAliases {
		raw := strings.TrimSpace(os.Getenv(alias))
		if raw == "" {
			continue
		}
		value, parseErr := decimal.NewFromString(raw)
		if parseErr != nil {
			log.Printf("level=warn component=config msg=\"invalid %s\" value=%q err=%v", alias, raw, parseErr)
			continue
		}
		*targets[key] = value.Shift(2).Round(0).IntPart()
	}
}

func normalizeLimits(config *Config) {
	for name, v := range map[string]*int64{
		"FIRST_DAY_DEPOSIT_CEILING":              &config.FirstDayDepositCeiling,
		"DEFAULT_DEPOSIT_DAILY_LIMIT":            &config.DefaultDepositDaily,
		"DEFAULT_DEPOSIT_MONTHLY_LIMIT":          &config.DefaultDepositMonthly,
		"DEFAULT_DEPOSIT_PER_TRANSACTION_LIMIT":  &config.DefaultDepositPerTx,
		"DEFAULT_WITHDRAW_DAILY_LIMIT":           &config.DefaultWithdrawDaily,
		"DEFAULT_WITHDRAW_MONTHLY_LIMIT":         &config.DefaultWithdrawMonthly,
		"DEFAULT_WITHDRAW_PER_TRANSACTION_LIMIT": &config.DefaultWithdrawPerTx,
		"DEFAULT_TRANSFER_DAILY_LIMIT":           &config.DefaultTransferDaily,
		"DEFAULT_TRANSFER_MONTHLY_LIMIT":         &config.DefaultTransferMonthly,
		"DEFAULT_TRANSFER_PER_TRANSACTION_LIMIT": &config.DefaultTransferPerTx,
	} {
		if *v < 0 {
			log.Printf("level=warn component=config msg=\"negative limit configured; coercing to zero\" key=%s value=%d", name, *v)
			*v = 0
		}
	}

	if config.HighRiskMultiplierPercent < 0 {
		config.HighRiskMultiplierPercent = 0
	}
	if config.HighRiskMultiplierPercent > 100 {
		log.Printf("level=warn component=config msg=\"high-risk multiplier too high; capping at 100\" percent=%d", config.HighRiskMultiplierPercent)
		config.HighRiskMultiplierPercent = 100
	}
	if strings.TrimSpace(config.LimitsTimezone) == "" {
		config.LimitsTimezone = "America/Sao_Paulo"
	}
}
