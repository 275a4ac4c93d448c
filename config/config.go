package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	jww "github.com/spf13/jwalterweatherman"
)

type Config struct {
	Port         int    // TCP line-transport listener
	WSPort       int    // WebSocket transport listener
	DBPath       string
	TokenSecret  string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	RateLimit    int // frames per second per connection
	HistoryLimit int // public messages replayed on join
}

func Load() *Config {
	// .env is optional; real deployments use plain environment variables.
	if err := godotenv.Load(); err == nil {
		jww.INFO.Printf("Loaded configuration from .env")
	}

	cfg := &Config{
		Port:         3216,
		WSPort:       8000,
		DBPath:       "clichat.db",
		TokenSecret:  "change-me-in-production",
		ReadTimeout:  120,
		WriteTimeout: 30,
		RateLimit:    20,
		HistoryLimit: 100,
	}

	if v := os.Getenv("CHAT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}

	if v := os.Getenv("CHAT_WS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.WSPort = port
		}
	}

	if v := os.Getenv("CHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("CHAT_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}

	if v := os.Getenv("CHAT_READ_TIMEOUT"); v != "" {
		if timeout, err := strconv.Atoi(v); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if v := os.Getenv("CHAT_WRITE_TIMEOUT"); v != "" {
		if timeout, err := strconv.Atoi(v); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if v := os.Getenv("CHAT_RATE_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			cfg.RateLimit = limit
		}
	}

	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit >= 0 {
			cfg.HistoryLimit = limit
		}
	}

	return cfg
}
