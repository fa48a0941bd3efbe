// Command realtime runs a FoodFast real-time node: the WebSocket endpoint,
// the push streams, the order long poll and the REST operations that feed
// them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/foodfast/realtime/internal/announce"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/cache"
	"github.com/foodfast/realtime/internal/config"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/httpapi"
	"github.com/foodfast/realtime/internal/hub"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/logging"
	"github.com/foodfast/realtime/internal/messaging"
	"github.com/foodfast/realtime/internal/notify"
	"github.com/foodfast/realtime/internal/order"
	"github.com/foodfast/realtime/internal/presence"
	"github.com/foodfast/realtime/internal/ratelimit"
	"github.com/foodfast/realtime/internal/store/postgres"
	"github.com/foodfast/realtime/internal/stream"
	"github.com/foodfast/realtime/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("realtime exited")
	}
}

func nodeID(cfg config.ServerConfig) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "realtime"
	}
	return host + "-" + uuid.NewString()[:8]
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
	node := nodeID(cfg.Server)
	logger = logger.With().Str("node", node).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	// Registry, last-value cache and cross-node relay.
	var lastValues fanout.LastValueCache = cache.NewMemoryStore()
	if b.redis != nil {
		lastValues = cache.NewRedisStore(b.redis)
	}
	reg := fanout.New(cfg.Fanout,
		fanout.WithCache(lastValues),
		fanout.WithCacheable(fanout.EventAnnouncement),
		fanout.WithLogger(logger))

	var pub fanout.Publisher = reg
	if b.nats != nil {
		relay := messaging.NewRelay(reg, b.nats, cfg.NATS.Subject, node, logger)
		if err := relay.Start(); err != nil {
			reg.Close()
			return err
		}
		defer func() {
			if err := relay.Stop(); err != nil {
				logger.Warn().Err(err).Msg("stop relay")
			}
		}()
		pub = relay
	}

	// Systems of record.
	var (
		chatStore     conversation.Store = conversation.NewMemoryStore()
		orderStore    order.Store        = order.NewMemoryStore()
		announceStore announce.Store     = announce.NewMemoryStore()
	)
	if b.db != nil {
		chatStore = postgres.NewConversationStore(b.db)
		orderStore = postgres.NewOrderStore(b.db)
		announceStore = postgres.NewAnnouncementStore(b.db)
	}

	// Ephemeral state.
	var (
		locations order.LocationStore = order.NewMemoryLocationStore()
		tracker   presence.Tracker    = presence.NewMemory()
		limiter   ratelimit.Allower   = ratelimit.NewMemory()
		progress  jobs.ProgressStore  = jobs.NewMemoryProgressStore()
	)
	if b.redis != nil {
		locations = order.NewRedisLocationStore(b.redis)
		tracker = presence.NewStore(b.redis, node)
		limiter = ratelimit.NewLimiter(b.redis, logger)
		progress = jobs.NewRedisProgressStore(b.redis)
	}

	var queue jobs.Queue
	var local *jobs.MemoryQueue
	if b.amqp != nil {
		queue = b.amqp
	} else {
		local = jobs.NewMemoryQueue(0)
		queue = local
	}

	chats := conversation.NewService(chatStore, pub, logger)
	orders := order.NewService(orderStore, locations, notify.NewAssembler(orderStore, pub, logger), pub, cfg.Stream, logger)
	announcements := announce.NewService(announceStore, pub, logger)

	groups := stream.NewGroups(reg, logger)
	streams := stream.NewStreams(reg, cfg.Stream, logger)

	wsServer := ws.NewServer(cfg.WS, hub.New(groups, chats, pub, limiter, tracker, logger), limiter, logger)
	if err := wsServer.Start(); err != nil {
		reg.Close()
		return fmt.Errorf("websocket: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Tokens:        auth.NewTokenService(cfg.Auth),
		Chats:         chats,
		Orders:        orders,
		Announcements: announcements,
		Streams:       streams,
		Queue:         queue,
		Progress:      progress,
		Menu:          orderStore,
		UploadDir:     cfg.Server.UploadDir,
		WebSocket:     wsServer,
		Connections:   wsServer.Count,
		Checks:        b.checks(),
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if local != nil {
		processor := jobs.NewImageProcessor(progress, jobs.FileResizer{Dir: cfg.Server.ImageDir}, pub, logger)
		g.Go(func() error {
			return local.Consume(gctx, jobs.KindImage, processor.Handle)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("websocket shutdown")
		}
		// Closing the registry ends every open push stream so the HTTP
		// server can drain.
		reg.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("stopped")
	return err
}

