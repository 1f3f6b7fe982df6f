package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port        string
	DBPath      string
	CORSOrigin  string
	Development bool

	// Connection gateway limits.
	MaxMessageBytes   int64
	MessagesPerSecond int
	MessageBurst      int
}

func Load() *Config {
	return &Config{
		Port:        envStr("PORT", "8080"),
		DBPath:      envStr("CODECOLLAB_DB_PATH", "./data/codecollab.db"),
		CORSOrigin:  envStr("CODECOLLAB_CORS_ORIGIN", "*"),
		Development: envBool("CODECOLLAB_DEV", false),

		MaxMessageBytes:   int64(envInt("CODECOLLAB_MAX_MESSAGE_BYTES", 1024*1024)),
		MessagesPerSecond: envInt("CODECOLLAB_MSG_PER_SECOND", 100),
		MessageBurst:      envInt("CODECOLLAB_MSG_BURST", 200),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
