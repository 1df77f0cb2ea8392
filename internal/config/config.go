package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the collaboration server settings.
type Config struct {
	Port        string
	Environment string
	JWTSecret   string

	// empty disables the relational store
	DatabaseURL string
	// empty disables the document cache and the presence relay
	RedisAddr string

	AuthTimeout      time.Duration
	HeartbeatTimeout time.Duration
	HistoryLimit     int
	SendBuffer       int
	RateLimit        float64
	RateBurst        int

	PersistWorkers int
	FlushSchedule  string
	DocCacheTTL    time.Duration

	CORSOrigins []string
}

// Load reads configuration from the environment, after loading the first
// .env file found in the working directory or its parents.
func Load() (*Config, error) {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
			break
		}
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Environment:      getEnv("APP_ENV", "production"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		AuthTimeout:      getDuration("AUTH_TIMEOUT", 10*time.Second),
		HeartbeatTimeout: getDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
		HistoryLimit:     getInt("DOC_HISTORY_LIMIT", 256),
		SendBuffer:       getInt("SEND_BUFFER", 256),
		RateLimit:        getFloat("RATE_LIMIT", 50),
		RateBurst:        getInt("RATE_BURST", 100),
		PersistWorkers:   getInt("PERSIST_WORKERS", 4),
		FlushSchedule:    getEnv("FLUSH_SCHEDULE", "@every 30s"),
		DocCacheTTL:      getDuration("DOC_CACHE_TTL", 24*time.Hour),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.HistoryLimit <= 0 {
		return errors.New("DOC_HISTORY_LIMIT must be positive")
	}
	if cfg.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	if cfg.PersistWorkers <= 0 {
		return errors.New("PERSIST_WORKERS must be positive")
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return errors.New("RATE_LIMIT and RATE_BURST must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
