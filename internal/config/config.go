package config

import (
	"log"

	"github.com/spf13/viper"
)

// Load reads .env and environment variables into viper. Environment
// variables take precedence over the .env file.
func Load() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.BindEnv("xmoney.base_url", "XMONEY_BASE_URL")
	viper.BindEnv("xmoney.api_key", "XMONEY_API_KEY")
	viper.BindEnv("xmoney.webhook_secret", "XMONEY_WEBHOOK_SECRET")

	viper.BindEnv("issuer.base_url", "ISSUER_BASE_URL")
	viper.BindEnv("issuer.api_key", "ISSUER_API_KEY")

	viper.BindEnv("queue.retry_base_ms", "QUEUE_RETRY_BASE_MS")
	viper.BindEnv("queue.retry_cap_ms", "QUEUE_RETRY_CAP_MS")
	viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	viper.BindEnv("queue.lease_seconds", "QUEUE_LEASE_SECONDS")

	viper.BindEnv("orders.max_pending_hours", "ORDERS_MAX_PENDING_HOURS")
	viper.BindEnv("orders.max_age_days", "ORDERS_MAX_AGE_DAYS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("queue.retry_base_ms", 2000)
	viper.SetDefault("queue.retry_cap_ms", 300000)
	viper.SetDefault("queue.max_attempts", 5)
	viper.SetDefault("queue.lease_seconds", 60)
	viper.SetDefault("orders.max_pending_hours", 4)
	viper.SetDefault("orders.max_age_days", 7)
}
