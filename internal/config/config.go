package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Verification authority configuration
	VerifyURL              string
	VerifyAPIKey           string
	VerifyTimeoutSeconds   int
	FinalizeTimeoutSeconds int
	MaxVerifyAttempts      int
	RetryBaseSeconds       int
	MaxConcurrency         int

	// API authentication
	APIKey string

	// Google Play settlement configuration
	GooglePlayPackageName        string
	GooglePlayServiceAccountJSON string

	// App Store settlement bridge
	AppStoreFinishURL string

	// Brevo operator alert configuration
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string
	AlertEmail     string

	// Downstream webhook configuration
	WebhookCallbackURL string
	WebhookSecret      string

	ServiceName string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                         getEnv("PORT", "8080"),
		Mode:                         getEnv("GIN_MODE", "debug"),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		RedisURL:                     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		VerifyURL:                    getEnv("VERIFY_URL", ""),
		VerifyAPIKey:                 getEnv("VERIFY_API_KEY", ""),
		VerifyTimeoutSeconds:         getEnvInt("VERIFY_TIMEOUT_SECONDS", 10),
		FinalizeTimeoutSeconds:       getEnvInt("FINALIZE_TIMEOUT_SECONDS", 10),
		MaxVerifyAttempts:            getEnvInt("MAX_VERIFY_ATTEMPTS", 5),
		RetryBaseSeconds:             getEnvInt("RETRY_BASE_SECONDS", 2),
		MaxConcurrency:               getEnvInt("MAX_CONCURRENCY", 8),
		APIKey:                       getEnv("API_KEY", ""),
		GooglePlayPackageName:        getEnv("GOOGLE_PLAY_PACKAGE_NAME", ""),
		GooglePlayServiceAccountJSON: getEnv("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON", ""),
		AppStoreFinishURL:            getEnv("APPSTORE_FINISH_URL", ""),
		BrevoAPIKey:                  getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:               getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:                getEnv("BREVO_FROM_NAME", "Entitlement Engine"),
		AlertEmail:                   getEnv("ALERT_EMAIL", ""),
		WebhookCallbackURL:           getEnv("WEBHOOK_CALLBACK_URL", ""),
		WebhookSecret:                getEnv("WEBHOOK_SECRET", ""),
		ServiceName:                  getEnv("SERVICE_NAME", "Entitlement Engine"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
