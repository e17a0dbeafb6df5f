/**
 * @description
 * Configuration for the raffle service. Values come from environment variables
 * and an optional .env file, read through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the raffle service.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	AutoMigrate               bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	ReserveRateLimitPerMinute int    `mapstructure:"RESERVE_RATE_LIMIT_PER_MINUTE"`
	RateLimitKeyPrefix        string `mapstructure:"RATE_LIMIT_KEY_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	CallbackQueue             string `mapstructure:"CALLBACK_QUEUE"`
	PayPhoneAPIBaseURL        string `mapstructure:"PAYPHONE_API_BASE_URL"`
	PayPhoneAPIToken          string `mapstructure:"PAYPHONE_API_TOKEN"`
	PayPhoneStoreID           string `mapstructure:"PAYPHONE_STORE_ID"`
	PayPhoneResponseURL       string `mapstructure:"PAYPHONE_RESPONSE_URL"`
	PayPhoneCancellationURL   string `mapstructure:"PAYPHONE_CANCELLATION_URL"`
	PayPhoneTimeoutSeconds    int    `mapstructure:"PAYPHONE_TIMEOUT_SECONDS"`
	PayPhoneCreateMaxAttempts int    `mapstructure:"PAYPHONE_CREATE_MAX_ATTEMPTS"`
	StorefrontJWTSecret       string `mapstructure:"STOREFRONT_JWT_SECRET"`
	StorefrontJWTIssuer       string `mapstructure:"STOREFRONT_JWT_ISSUER"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	MaxTicketsPerOrder        int    `mapstructure:"MAX_TICKETS_PER_ORDER"`
	ReserveMaxAttempts        int    `mapstructure:"RESERVE_MAX_ATTEMPTS"`
	AmountToleranceCents      int64  `mapstructure:"AMOUNT_TOLERANCE_CENTS"`
	ReservationTTLMinutes     int    `mapstructure:"RESERVATION_TTL_MINUTES"`
	ExpirySweepSchedule       string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ExpirySweepBatchSize      int    `mapstructure:"EXPIRY_SWEEP_BATCH_SIZE"`
	ReconcileSchedule         string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileLookbackHours    int    `mapstructure:"RECONCILE_LOOKBACK_HOURS"`
	ReconcileBatchSize        int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileCallDelayMS      int    `mapstructure:"RECONCILE_CALL_DELAY_MS"`
	ReconcileMaxFailures      int    `mapstructure:"RECONCILE_MAX_CONSECUTIVE_FAILURES"`
	TelegramBotToken          string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAlertChatID       int64  `mapstructure:"TELEGRAM_ALERT_CHAT_ID"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("RESERVE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RATE_LIMIT_KEY_PREFIX", "raffle:ratelimit")
	viper.SetDefault("EVENTS_EXCHANGE", "raffle_events")
	viper.SetDefault("CALLBACK_QUEUE", "raffle_service_payment_callbacks")
	viper.SetDefault("PAYPHONE_API_BASE_URL", "https://pay.payphonetodoesposible.com")
	viper.SetDefault("PAYPHONE_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PAYPHONE_CREATE_MAX_ATTEMPTS", 3)
	viper.SetDefault("MAX_TICKETS_PER_ORDER", 1000)
	viper.SetDefault("RESERVE_MAX_ATTEMPTS", 3)
	viper.SetDefault("AMOUNT_TOLERANCE_CENTS", 1)
	viper.SetDefault("RESERVATION_TTL_MINUTES", 30)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("EXPIRY_SWEEP_BATCH_SIZE", 200)
	viper.SetDefault("RECONCILE_SCHEDULE", "@hourly")
	viper.SetDefault("RECONCILE_LOOKBACK_HOURS", 24)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 500)
	viper.SetDefault("RECONCILE_CALL_DELAY_MS", 250)
	viper.SetDefault("RECONCILE_MAX_CONSECUTIVE_FAILURES", 3)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RESERVE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RATE_LIMIT_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CALLBACK_QUEUE")
	_ = viper.BindEnv("PAYPHONE_API_BASE_URL")
	_ = viper.BindEnv("PAYPHONE_API_TOKEN")
	_ = viper.BindEnv("PAYPHONE_STORE_ID")
	_ = viper.BindEnv("PAYPHONE_RESPONSE_URL")
	_ = viper.BindEnv("PAYPHONE_CANCELLATION_URL")
	_ = viper.BindEnv("PAYPHONE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYPHONE_CREATE_MAX_ATTEMPTS")
	_ = viper.BindEnv("STOREFRONT_JWT_SECRET")
	_ = viper.BindEnv("STOREFRONT_JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CRON_SECRET")
	_ = viper.BindEnv("MAX_TICKETS_PER_ORDER")
	_ = viper.BindEnv("RESERVE_MAX_ATTEMPTS")
	_ = viper.BindEnv("AMOUNT_TOLERANCE_CENTS")
	_ = viper.BindEnv("AMOUNT_TOLERANCE")
	_ = viper.BindEnv("RESERVATION_TTL_MINUTES")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_LOOKBACK_HOURS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_CALL_DELAY_MS")
	_ = viper.BindEnv("RECONCILE_MAX_CONSECUTIVE_FAILURES")
	_ = viper.BindEnv("TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("TELEGRAM_ALERT_CHAT_ID")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CRON_SECRET"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RateLimitKeyPrefix = strings.TrimSpace(config.RateLimitKeyPrefix)
	if config.RateLimitKeyPrefix == "" {
		config.RateLimitKeyPrefix = "raffle:ratelimit"
	}
	config.PayPhoneAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.PayPhoneAPIBaseURL), "/")

	// AMOUNT_TOLERANCE is expressed in whole currency units.
	if viper.IsSet("AMOUNT_TOLERANCE") {
		toleranceStr := strings.TrimSpace(viper.GetString("AMOUNT_TOLERANCE"))
		if toleranceStr != "" {
			value, parseErr := strconv.ParseFloat(toleranceStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid AMOUNT_TOLERANCE\" value=%q err=%v", toleranceStr, parseErr)
			} else {
				config.AmountToleranceCents = int64(math.Round(value * 100))
			}
		}
	}
	if config.AmountToleranceCents < 0 {
		log.Printf("level=warn component=config msg=\"negative amount tolerance configured; coercing to zero\" tolerance_cents=%d", config.AmountToleranceCents)
		config.AmountToleranceCents = 0
	}

	if config.MaxTicketsPerOrder <= 0 {
		config.MaxTicketsPerOrder = 1000
	}
	if config.ReserveMaxAttempts <= 0 {
		config.ReserveMaxAttempts = 3
	}
	if config.ReserveRateLimitPerMinute < 0 {
		config.ReserveRateLimitPerMinute = 0
	}
	if config.PayPhoneTimeoutSeconds <= 0 {
		config.PayPhoneTimeoutSeconds = 30
	}
	if config.PayPhoneCreateMaxAttempts <= 0 {
		config.PayPhoneCreateMaxAttempts = 3
	}
	if config.ReservationTTLMinutes <= 0 {
		config.ReservationTTLMinutes = 30
	}
	if config.ExpirySweepBatchSize <= 0 {
		config.ExpirySweepBatchSize = 200
	}
	if config.ReconcileLookbackHours <= 0 {
		config.ReconcileLookbackHours = 24
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 500
	}
	if config.ReconcileCallDelayMS < 0 {
		config.ReconcileCallDelayMS = 0
	}
	if config.ReconcileMaxFailures <= 0 {
		config.ReconcileMaxFailures = 3
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
