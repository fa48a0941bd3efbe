// Package config loads the process configuration from the environment. A .env
// file in the working directory is honoured when present.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/logging"
	"github.com/foodfast/realtime/internal/messaging"
	"github.com/foodfast/realtime/internal/stream"
	"github.com/foodfast/realtime/internal/ws"
)

// Config is the root configuration for the realtime and imageworker binaries.
type Config struct {
	Server   ServerConfig         `envPrefix:"SERVER_"`
	WS       ws.ServerConfig      `envPrefix:"WS_"`
	Redis    RedisConfig          `envPrefix:"REDIS_"`
	Postgres PostgresConfig       `envPrefix:"POSTGRES_"`
	NATS     messaging.NATSConfig `envPrefix:"NATS_"`
	AMQP     jobs.AMQPConfig      `envPrefix:"AMQP_"`
	Auth     auth.Config          `envPrefix:"AUTH_"`
	Fanout   fanout.Config        `envPrefix:"FANOUT_"`
	Stream   stream.Config        `envPrefix:"STREAM_"`
	Log      logging.Config       `envPrefix:"LOG_"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	NodeID          string        `env:"NODE_ID"` // generated when empty
	UploadDir       string        `env:"UPLOAD_DIR" envDefault:"/tmp/foodfast/uploads"`
	ImageDir        string        `env:"IMAGE_DIR" envDefault:"/tmp/foodfast/images"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// RedisConfig holds Redis connection settings. An empty Addr selects the
// in-memory fallbacks.
type RedisConfig struct {
	Addr          string        `env:"ADDR"`
	Password      string        `env:"PASSWORD"`
	DB            int           `env:"DB" envDefault:"0"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"1s"`
}

// ErrRedisNotReady is returned when every connection attempt failed.
var ErrRedisNotReady = errors.New("config: redis not ready")

// Connect dials Redis, retrying up to RetryAttempts times.
func (c RedisConfig) Connect(ctx context.Context) (*redis.Client, error) {
	attempts := max(c.RetryAttempts, 1)
	var lastErr error
	for i := range attempts {
		client := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(c.RetryInterval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// PostgresConfig holds the system-of-record connection. An empty DSN selects
// the in-memory stores.
type PostgresConfig struct {
	DSN          string `env:"DSN"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"20"`
	Migrate      bool   `env:"MIGRATE" envDefault:"true"`
}

var errNoSecret = errors.New("config: AUTH_SECRET is required")

// Load reads .env (if present) and parses the environment into a Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return Config{}, errNoSecret
	}
	return cfg, nil
}
