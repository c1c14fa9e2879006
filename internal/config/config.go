package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURI   string
	TelegramToken string
	WorkerCount   int
	PollInterval  time.Duration
	NagInterval   time.Duration
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional in production
	}

	return &Config{
		DatabaseURI:   os.Getenv("DATABASE_URI"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		WorkerCount:   getEnvIntOrDefault("WORKER_COUNT", 2),
		PollInterval:  getEnvDurationOrDefault("POLL_INTERVAL", time.Second),
		NagInterval:   getEnvDurationOrDefault("NAG_INTERVAL", 5*time.Minute),
	}, nil
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
