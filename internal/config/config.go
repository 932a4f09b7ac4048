package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	// ProvisionerURL is the base URL of the VM provisioner service.
	ProvisionerURL     string
	ProvisionerTimeout time.Duration

	// BillingServiceKey is the pre-shared bearer credential required to
	// trigger a billing cycle over HTTP.
	BillingServiceKey string

	BillingInterval time.Duration
	InstanceTimeout time.Duration

	// RatesConfigPath points at an optional rates.yml overriding the
	// built-in hourly rate table.
	RatesConfigPath string

	MarkupFactor  float64
	CreditsPerUSD float64

	RedisAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "metered"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		ProvisionerURL:     getenv("VM_PROVISIONER_URL", "http://localhost:8090"),
		ProvisionerTimeout: getenvDuration("VM_PROVISIONER_TIMEOUT", 30*time.Second),

		BillingServiceKey: strings.TrimSpace(getenv("BILLING_SERVICE_API_KEY", "")),

		BillingInterval: getenvDuration("BILLING_INTERVAL", time.Minute),
		InstanceTimeout: getenvDuration("BILLING_INSTANCE_TIMEOUT", 15*time.Second),

		RatesConfigPath: getenv("RATES_CONFIG_PATH", ""),

		MarkupFactor:  getenvFloat("BILLING_MARKUP_FACTOR", 1.5),
		CreditsPerUSD: getenvFloat("BILLING_CREDITS_PER_USD", 100),

		RedisAddr: strings.TrimSpace(getenv("REDIS_ADDR", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "metered"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
