// Command imageworker processes uploaded menu images queued by the realtime
// nodes and publishes each result to the item's menu images topic.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/foodfast/realtime/internal/config"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/logging"
	"github.com/foodfast/realtime/internal/messaging"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("imageworker exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.AMQP.URL == "" {
		return errors.New("imageworker: AMQP_URL is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("imageworker: REDIS_ADDR is required for job progress")
	}
	node := cfg.Server.NodeID
	if node == "" {
		node = "imageworker-" + uuid.NewString()[:8]
	}
	logger = logger.With().Str("node", node).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := cfg.Redis.Connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	queue, err := jobs.NewAMQPQueue(cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	// Results reach subscribers through the realtime nodes, so the worker
	// only forwards. A local registry with no subscribers stands in when
	// NATS is not configured.
	reg := fanout.New(cfg.Fanout, fanout.WithLogger(logger))
	defer reg.Close()
	var pub fanout.Publisher = reg
	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = messaging.NewRelay(reg, nc, cfg.NATS.Subject, node, logger)
	} else {
		logger.Warn().Msg("NATS_URL not set, image results are not published")
	}

	processor := jobs.NewImageProcessor(
		jobs.NewRedisProgressStore(rdb),
		jobs.FileResizer{Dir: cfg.Server.ImageDir},
		pub,
		logger,
	)

	logger.Info().Str("queue", jobs.KindImage).Msg("imageworker started")
	if err := queue.Consume(ctx, jobs.KindImage, processor.Handle); err != nil {
		return err
	}
	logger.Info().Msg("imageworker stopped")
	return nil
}
