package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr        string        `envconfig:"ADDR" default:":8080"`
	DatabaseDSN string        `envconfig:"DB_DSN" required:"true"`
	RedisAddr   string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	JWTSecret   string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL    time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	SendBuffer  int           `envconfig:"SEND_BUFFER" default:"256"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads RELAY_-prefixed environment variables, after loading a local
// .env file when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("relay", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
