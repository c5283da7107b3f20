package main

import (
	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/position"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("POOL_CONFIG"), "path to TOML config")
	envFile := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	logger := observability.NewLogger("poolledger")
	if err := run(*configPath, *envFile, logger); err != nil {
		logger.Fatal().Err(err).Msg("poolledger failed")
	}
}

func run(configPath, envFile string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	params, err := cfg.PoolParams()
	if err != nil {
		return err
	}
	roles, err := cfg.RoleTable()
	if err != nil {
		return err
	}
	marketID := params.MarketID
	logger = logger.With().Str("market_id", marketID).Logger()
	logger.Info().Msg("PoolLedger starting")

	// --- Context with graceful shutdown ---
	// ingressCtx stops everything that feeds the engine; workerCtx outlives it
	// so the output channels can drain.
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	defer stopIngress()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ingressCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ingressCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Market data ---
	var (
		prices interface {
			oracle.View
			oracle.Sink
			marketStore
		}
		pnl interface {
			position.PnlSource
			position.Sink
			marketStore
		}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ingressCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		prices = oracle.NewRedisView(rdb, marketID, cfg.Redis.PriceTTL)
		pnl = position.NewRedisStore(rdb, marketID, cfg.Redis.PriceTTL)
		logger.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.PriceTTL).Msg("Redis market data connected")
	} else {
		prices = oracle.NewMemoryStore()
		pnl = position.NewMemoryStore()
		logger.Warn().Msg("market data kept in memory; pending requests need prices and pnl republished after a restart")
	}
	clock := core.NewBlockClock(nil)

	// --- Channels ---
	// Persist channel blocks (backpressure), projection channel drops
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Channels.Publish)
	wsChan := make(chan ingestion.PublishableEvent, cfg.Channels.Publish)

	// --- Engine ---
	engine, err := core.NewPoolEngine(core.Config{
		Params:         params,
		Oracle:         prices,
		Positions:      pnl,
		Custody:        custody.NewRecorder(),
		Access:         roles,
		Clock:          clock,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core").With().Str("market_id", marketID).Logger(),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if _, err := persistence.Recover(ingressCtx, engine, snapMgr, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := seedClock(ingressCtx, clock, engine, prices, logger); err != nil {
		return err
	}

	var archiver persistence.Archiver
	if cfg.S3.Enabled {
		s3, err := persistence.NewS3Archiver(ingressCtx, persistence.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = s3
	}
	snapshotter := persistence.NewSnapshotter(engine, snapMgr, archiver, cfg.Snapshot.Interval, cfg.Snapshot.CheckEvery, metrics, logger)
	snapshotter.SetPruners(prices, pnl)
	healthChecker.AddCheck("oracle", engine.CurrentBlockPriced)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ingressCtx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ingressCtx, js, logger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.Channels.Ingest)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, logger)
	if err := natsSubscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects(marketID)); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	feed := ingestion.NewFeed(marketID, prices, pnl, clock, metrics, logger)
	router := ingestion.NewRouter(marketID, engine, feed, rawEventChan, metrics, logger)

	// --- gRPC + HTTP gateway ---
	hub := server.NewHub(wsChan, metrics, logger)
	svc := server.NewPoolService(server.ServiceDeps{
		MarketID:   marketID,
		Engine:     engine,
		Feed:       feed,
		Queries:    query.NewQueryService(db),
		Snapshots:  snapshotter,
		AdminToken: cfg.Server.AdminToken,
		Logger:     observability.NewLogger("server"),

		TrustCallerHeader: cfg.Server.TrustCallerHeader,
	})
	if cfg.Server.TrustCallerHeader {
		logger.Warn().Str("grpc", cfg.Server.GRPCAddr).Str("http", cfg.Server.HTTPAddr).
			Msg("caller header trusted without signatures; listeners must only be reachable by the router")
	}
	grpcServer, err := server.NewGRPCServer(svc, server.ServerDeps{
		GRPCAddr:      cfg.Server.GRPCAddr,
		HTTPAddr:      cfg.Server.HTTPAddr,
		Hub:           hub,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("grpc server: %w", err)
	}

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	var ingress, workers sync.WaitGroup
	spawn := func(wg *sync.WaitGroup, name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// Workers: drain engine output
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, logger, publishChan, wsChan)
	persistDone := make(chan struct{})
	spawn(&workers, "persistence worker", func() error {
		defer close(persistDone)
		return persistWorker.Run(workerCtx)
	})
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)
	spawn(&workers, "projection worker", func() error { return projWorker.Run(workerCtx) })
	outbound := ingestion.NewOutboundPublisher(js, publishChan, logger)
	spawn(&workers, "outbound publisher", func() error { return outbound.Run(workerCtx) })
	spawn(&workers, "websocket hub", func() error { return hub.Run(workerCtx) })

	// Ingress: everything that submits to the engine
	spawn(&ingress, "router", func() error { return router.Run(ingressCtx) })
	spawn(&ingress, "grpc server", func() error { return grpcServer.StartGRPC(ingressCtx) })
	spawn(&ingress, "http gateway", func() error { return grpcServer.StartHTTPGateway(ingressCtx) })
	spawn(&ingress, "snapshotter", func() error { return snapshotter.Run(ingressCtx) })
	spawn(&ingress, "metrics server", func() error { return serveMetrics(ingressCtx, cfg.Server.MetricsAddr, logger) })
	spawn(&ingress, "channel monitor", func() error {
		monitorChannels(ingressCtx, metrics, persistChan, projectionChan, publishChan)
		return nil
	})

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PoolLedger ready")

	// --- Wait for shutdown signal ---
	var failure error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case failure = <-errChan:
		logger.Error().Err(failure).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress, drain the output channels, take a final snapshot, then
	// stop the workers.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	stopIngress()
	ingress.Wait()

	close(persistChan)
	close(projectionChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence worker did not drain in time")
	}
	close(publishChan)
	close(wsChan)

	if seq, err := snapshotter.Take(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not drain in time, cancelling")
		stopWorkers()
		<-drained
	}

	logger.Info().Msg("PoolLedger shutdown complete")
	return failure
}

// marketStore is the block-versioned side of a price or pnl store
type marketStore interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Prune(ctx context.Context, keepFrom uint64) (int, error)
}

// seedClock moves a cold block clock to the last block the ledger or the
// oracle has seen, so creates after a restart bind to a priced block.
func seedClock(ctx context.Context, clock *core.BlockClock, engine *core.PoolEngine, prices marketStore, logger zerolog.Logger) error {
	clock.Observe(engine.LastBlock())
	latest, err := prices.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest price block: %w", err)
	}
	clock.Observe(latest)
	logger.Info().
		Uint64("last_envelope_block", engine.LastBlock()).
		Uint64("latest_price_block", latest).
		Uint64("current_block", clock.CurrentBlock()).
		Msg("block clock seeded")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func monitorChannels(ctx context.Context, m *observability.Metrics, persist, projection chan core.CoreOutput, publish chan ingestion.PublishableEvent) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetChannelMetrics("persist", len(persist), cap(persist))
			m.SetChannelMetrics("projection", len(projection), cap(projection))
			m.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}
