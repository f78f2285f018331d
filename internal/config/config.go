package config

import (
	"fmt"
	"os"
	"time"
)

// Config is built once at startup and handed to components explicitly.
// Nothing reads the environment after Load returns.
type Config struct {
	// HTTP
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Kafka
	KafkaBrokers string

	// Payment processor
	GatewayBaseURL string
	PaymentKeyID   string
	PaymentSecret  string
	WebhookSecret  string
	GatewayTimeout time.Duration

	// Auth
	JWTSecret string
}

// Load reads configuration from the environment. Secrets have no defaults:
// a missing secret fails startup rather than the first request that needs it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("ORDER_SERVICE_PORT", "8081"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "orderservice"),
		DBPassword:     getEnv("DB_PASSWORD", "orderservice"),
		DBName:         getEnv("DB_NAME", "orders"),
		KafkaBrokers:   getEnv("KAFKA_BROKERS", "localhost:9092"),
		GatewayBaseURL: getEnv("PAYMENT_GATEWAY_URL", "http://localhost:8090"),
		GatewayTimeout: 10 * time.Second,
	}

	required := map[string]*string{
		"PAYMENT_KEY_ID":     &cfg.PaymentKeyID,
		"PAYMENT_KEY_SECRET": &cfg.PaymentSecret,
		"WEBHOOK_SECRET":     &cfg.WebhookSecret,
		"JWT_SECRET":         &cfg.JWTSecret,
	}
	for name, dst := range required {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", name)
		}
		*dst = v
	}

	if v := os.Getenv("PAYMENT_GATEWAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PAYMENT_GATEWAY_TIMEOUT %q: %w", v, err)
		}
		cfg.GatewayTimeout = d
	}

	return cfg, nil
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
