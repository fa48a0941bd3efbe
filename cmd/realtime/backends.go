package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/config"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/messaging"
	"github.com/foodfast/realtime/internal/store/postgres"
)

// backends holds the external connections. A nil field means the matching
// address was not configured and in-process fallbacks are used instead.
type backends struct {
	redis *redis.Client
	db    *sql.DB
	nats  *messaging.NATSClient
	amqp  *jobs.AMQPQueue
}

func connect(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.Redis.Addr != "" {
		client, err := cfg.Redis.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		b.redis = client
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-memory cache, presence and rate limits")
	}

	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.db = db
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(db, logger.With().Str("component", "migrate").Logger()); err != nil {
				b.close(logger)
				return nil, err
			}
		}
		logger.Info().Msg("connected to Postgres")
	} else {
		logger.Warn().Msg("POSTGRES_DSN not set, using in-memory stores")
	}

	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS, logger)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.nats = nc
	} else {
		logger.Warn().Msg("NATS_URL not set, events stay on this node")
	}

	if cfg.AMQP.URL != "" {
		q, err := jobs.NewAMQPQueue(cfg.AMQP, logger)
		if err != nil {
			b.close(logger)
			return nil, err
		}
		b.amqp = q
	} else {
		logger.Warn().Msg("AMQP_URL not set, image jobs run in-process")
	}

	return b, nil
}

func (b *backends) close(logger zerolog.Logger) {
	if b.amqp != nil {
		if err := b.amqp.Close(); err != nil {
			logger.Warn().Err(err).Msg("close amqp")
		}
	}
	if b.nats != nil {
		b.nats.Close()
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			logger.Warn().Err(err).Msg("close postgres")
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("close redis")
		}
	}
}

// checks returns a /health probe for every configured backend.
func (b *backends) checks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	if b.db != nil {
		checks["postgres"] = b.db.PingContext
	}
	if b.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !b.nats.Connected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	if b.amqp != nil {
		checks["amqp"] = b.amqp.Ping
	}
	return checks
}
