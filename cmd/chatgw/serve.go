package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/chatgw/internal/api"
	"github.com/eldtechnologies/chatgw/internal/api/middleware"
	"github.com/eldtechnologies/chatgw/internal/config"
	"github.com/eldtechnologies/chatgw/internal/dispatch"
	"github.com/eldtechnologies/chatgw/internal/gateway"
	"github.com/eldtechnologies/chatgw/internal/handlers"
	"github.com/eldtechnologies/chatgw/internal/lock"
	"github.com/eldtechnologies/chatgw/internal/pipeline"
	"github.com/eldtechnologies/chatgw/internal/retry"
	"github.com/eldtechnologies/chatgw/internal/router"
	"github.com/eldtechnologies/chatgw/internal/sequence"
	"github.com/eldtechnologies/chatgw/internal/session"
	"github.com/eldtechnologies/chatgw/internal/snowflake"
	"github.com/eldtechnologies/chatgw/internal/workers"
)

const httpShutdownTimeout = 30 * time.Second

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (TCP listener and admin HTTP API)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	msgStore, err := openMessageStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer msgStore.Close()

	redisStore, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer redisStore.Close()

	validator, err := newValidator(cfg, logger)
	if err != nil {
		return err
	}
	ids, err := snowflake.New(cfg.DatacenterID, cfg.WorkerID)
	if err != nil {
		return err
	}
	syncMode, err := pipeline.ParseSyncMode(cfg.WALSync)
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		logger.Warn().Msg("admin_token not set, messages for users on other nodes cannot be forwarded")
	}

	pool := workers.NewPool(cfg.IntakeWorkers, 0, logger)
	registry := session.NewRegistry(logger)

	table := router.NewTable(redisStore, cfg.AdvertisedAdminAddr(), pool, router.Options{
		CacheSize: cfg.RouteCacheSize,
		CacheTTL:  cfg.RouteCacheTTL,
	}, logger)
	registry.AddListener(table)

	engine := retry.NewEngine(registry, retry.Options{
		Base:       cfg.RetryBase,
		MaxRetries: cfg.RetryMax,
		Unit:       cfg.RetryUnit,
	}, logger)

	members := dispatch.NewMembers(redisStore, msgStore, dispatch.MemberOptions{
		LocalTTL:  cfg.MemberCacheTTL,
		LocalSize: cfg.MemberCacheSize,
		SharedTTL: cfg.MemberTTL,
	}, logger)
	forwarder := router.NewForwarder(table, cfg.AdminToken, nil, logger)
	dispatcher := dispatch.New(registry, engine, forwarder, members, logger)

	locker := lock.NewClient(redisStore.Client(), lock.Options{
		Lease:        cfg.LockLease,
		PollInterval: cfg.LockPoll,
	}, logger)
	alloc := sequence.NewAllocator(redisStore, msgStore, locker, sequence.Options{
		CounterTTL: cfg.CounterTTL,
		LockWait:   cfg.LockWait,
	}, logger)

	pipe, err := pipeline.New(msgStore, pipeline.Options{
		QueueCapacity:     cfg.QueueCapacity,
		FlushInterval:     cfg.FlushInterval,
		WALDir:            cfg.WALDir,
		SegmentSize:       cfg.WALSegmentSize,
		Sync:              syncMode,
		DeadLetterDir:     cfg.DeadLetterDir,
		DeadLetterMaxSize: cfg.DeadLetterMaxSize,
		FlushWorkers:      cfg.FlushWorkers,
		ShutdownGrace:     cfg.ShutdownGrace,
	}, logger)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	gw := gateway.NewServer(gateway.Options{
		Addr:         cfg.TCPAddr(),
		MaxFrameSize: uint32(cfg.MaxFrameSize),
		IdleTimeout:  cfg.ReadIdleTimeout,
		AuthDeadline: cfg.AuthDeadline,
		WriteTimeout: cfg.WriteTimeout,
		FrameRate:    cfg.FrameRate,
		FrameBurst:   cfg.FrameBurst,
	}, gateway.Deps{
		Registry:  registry,
		Validator: validator,
		Allocator: alloc,
		Saver:     pipe,
		Fanout:    dispatcher,
		Pool:      pool,
	}, logger)

	h := handlers.NewHandler(dispatcher, ids, map[string]handlers.Pinger{
		"redis": redisStore,
		"store": msgStore,
	}, handlers.Addresses{
		TCP:   cfg.AdvertisedTCPAddr(),
		Admin: cfg.AdvertisedAdminAddr(),
	}, logger)
	adminAuth := middleware.NewAdminAuth(cfg.AdminToken, cfg.AdminTokenHash, logger)
	limiter := middleware.NewRateLimiter(redisStore.Client(), api.DefaultLimits(), logger)

	srv := &http.Server{
		Addr:         cfg.AdminAddr(),
		Handler:      api.NewRouter(logger, h, adminAuth, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info().
		Str("tcp", cfg.TCPAddr()).
		Str("admin", cfg.AdminAddr()).
		Str("advertise", cfg.AdvertisedAdminAddr()).
		Str("env", cfg.Env).
		Msg("starting chat gateway")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.ListenAndServe(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return engine.Run(gctx) })
	if cfg.StreamEnabled {
		hostname, _ := os.Hostname()
		consumer := dispatch.NewConsumer(redisStore, msgStore, dispatcher, dispatch.ConsumerOptions{
			Stream:    cfg.StreamKey,
			Group:     cfg.StreamGroup,
			Consumer:  hostname + "-" + cfg.TCPPort,
			BatchSize: cfg.StreamBatch,
		}, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	runErr := g.Wait()
	logger.Info().Msg("shutting down...")

	// The gateway has closed every connection. Drain intake work, which may
	// still submit to the pipeline, then flush what the pipeline holds.
	pool.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := pipe.Close(closeCtx); err != nil {
		logger.Error().Err(err).Msg("pipeline shutdown incomplete")
	}
	engine.Close()
	registry.CloseAll()

	logger.Info().Msg("gateway stopped")
	return runErr
}
