package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StableLedger/internal/engine"
	"StableLedger/internal/ingestion"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
	"StableLedger/internal/persistence"
	"StableLedger/internal/projection"
	"StableLedger/internal/query"
	"StableLedger/internal/registry"
	"StableLedger/internal/risk"
	"StableLedger/internal/server"
	"StableLedger/internal/token"
	"StableLedger/migrations"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: StableLedger starting...")

	cfg := LoadConfig()
	logger := observability.NewLogger("stableledger")

	assets, err := loadAssetsFile(cfg.AssetsFile)
	if err != nil {
		log.Fatalf("FATAL: load assets: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	applied, err := persistence.NewMigrator(db, migrations.FS).Up(ctx)
	if err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Printf("INFO: %d migrations applied", applied)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Collateral registry and oracle ---
	addrs := make([]common.Address, 0, len(assets.Assets))
	feeds := make([]common.Address, 0, len(assets.Assets))
	for _, a := range assets.Assets {
		addrs = append(addrs, common.HexToAddress(a.Address))
		feeds = append(feeds, common.HexToAddress(a.PriceFeed))
	}
	reg, err := registry.New(addrs, feeds)
	if err != nil {
		log.Fatalf("FATAL: registry: %v", err)
	}

	prices, closeOracle, err := buildOracle(ctx, cfg, assets, healthChecker, logger)
	if err != nil {
		log.Fatalf("FATAL: oracle: %v", err)
	}
	defer closeOracle()

	// --- Tokens ---
	self := common.HexToAddress(assets.Engine)
	debtAddr := common.HexToAddress(assets.DebtToken.Address)
	tokens := map[string]*token.Token{assets.DebtToken.Symbol: token.New(assets.DebtToken.Symbol, self)}
	ports := token.NewPortSet(debtAddr, tokens[assets.DebtToken.Symbol].Port(self))
	for _, a := range assets.Assets {
		tok := token.New(a.Symbol, self)
		tokens[a.Symbol] = tok
		ports.AddCollateral(common.HexToAddress(a.Address), tok.Port(self))
	}

	// --- Engine ---
	persistCoreChan := make(chan engine.Output, cfg.PersistChanSize)
	projectionCoreChan := make(chan engine.Output, cfg.ProjectionChanSize)

	store := ledger.NewStore(debtAddr)
	valuator := risk.NewValuator(reg, prices, metrics)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	engCfg := engine.DefaultConfig(self)
	engCfg.DedupCapacity = cfg.IdempotencyLRUCapacity
	engCfg.AggregateCheckInterval = cfg.AggregateCheckInterval

	eng, err := engine.New(engCfg, engine.Deps{
		Store:          store,
		Valuator:       valuator,
		Ports:          ports,
		DBChecker:      dbChecker,
		Metrics:        metrics,
		Logger:         logger,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})
	if err != nil {
		log.Fatalf("FATAL: engine: %v", err)
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, eng, snapMgr, dbChecker, cfg.WarmKeys, metrics); err != nil {
		log.Fatalf("FATAL: recovery: %v", err)
	}
	seedTokens(store, reg, assets, tokens, self)

	// Outputs committed before a crash never reached the projection worker.
	if err := catchUpProjections(ctx, db, eng.Sequence()); err != nil {
		log.Fatalf("FATAL: projections: %v", err)
	}

	// --- Bridge channels ---
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	errChan := make(chan error, 16)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, logger)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Engine output bridge
	publish := cfg.NATSURL != ""
	go bridgeOutputs(ctx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, publish, metrics)

	// 4. NATS ingestion and outbound publishing
	var natsSubscriber *ingestion.NATSSubscriber
	if publish {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		log.Println("INFO: NATS connected")
		healthChecker.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}

		commandChan := make(chan ingestion.RawCommand, cfg.CommandChanSize)
		natsSubscriber = ingestion.NewNATSSubscriber(js, commandChan)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}

		processor := ingestion.NewCommandProcessor(eng, commandChan, metrics, logger)
		go func() {
			errChan <- processor.Run(ctx)
		}()

		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
		go func() {
			errChan <- publisher.Run(ctx)
		}()
	} else {
		log.Println("WARN: STABLE_NATS_URL is empty, command ingestion and outbound events disabled")
	}

	// 5. gRPC + HTTP gateway
	snapshotter := func(ctx context.Context) (int64, int, error) {
		return takeSnapshot(ctx, eng, snapMgr, cfg.SnapshotKeep, metrics)
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        eng,
		DB:            db,
		QueryService:  query.NewQueryService(db),
		SnapshotMgr:   snapMgr,
		Snapshotter:   snapshotter,
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 6. Periodic snapshots and solvency audit
	go runPeriodicSnapshots(ctx, eng, snapMgr, cfg, metrics)
	if cfg.AuditInterval > 0 {
		go runAudit(ctx, risk.NewAuditor(store, valuator), cfg.AuditInterval, metrics, logger)
	}

	// 7. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: StableLedger ready (sequence=%d, grpc=%s, http=%s, metrics=%s)",
		eng.Sequence(), cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()

	// Workers flush on cancellation; give them a moment before the final
	// snapshot so it can be verified against the log.
	time.Sleep(500 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if seq, _, err := takeSnapshot(shutdownCtx, eng, snapMgr, cfg.SnapshotKeep, metrics); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Printf("INFO: final snapshot saved at sequence %d", seq)
	}

	log.Println("INFO: StableLedger shutdown complete")
}

// buildOracle reads Chainlink feeds over RPC when configured, otherwise the
// static prices of the assets file, optionally behind a Redis cache.
func buildOracle(ctx context.Context, cfg Config, assets *AssetsFile, health *observability.HealthChecker, logger zerolog.Logger) (oracle.PriceOracle, func(), error) {
	var (
		prices oracle.PriceOracle
		closer = func() {}
	)

	if cfg.EthRPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", cfg.EthRPCURL, err)
		}
		chainlink, err := oracle.NewChainlink(client, cfg.OracleMaxAge)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		health.AddCheck("eth_rpc", func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		})
		prices, closer = chainlink, client.Close
		log.Printf("INFO: reading Chainlink feeds from %s", cfg.EthRPCURL)
	} else {
		static := oracle.NewStatic()
		for _, a := range assets.Assets {
			if a.Price == "" {
				continue
			}
			static.SetPrice(common.HexToAddress(a.PriceFeed), uint256.MustFromDecimal(a.Price))
		}
		prices = static
		log.Println("WARN: STABLE_ETH_RPC_URL is empty, using static prices from the assets file")
	}

	if cfg.RedisAddr == "" {
		return prices, closer, nil
	}
	cacheCfg := oracle.CacheConfigDefaults()
	cacheCfg.Addr = cfg.RedisAddr
	cacheCfg.TTL = cfg.QuoteTTL
	cache, err := oracle.NewRedisCache(prices, cacheCfg, logger)
	if err != nil {
		closer()
		return nil, nil, err
	}
	health.AddCheck("redis", cache.Ping)
	next := closer
	return cache, func() { cache.Close(); next() }, nil
}

// recoverEngine restores the newest verified snapshot, replays the event log
// after it and warms the dedup tier.
func recoverEngine(
	ctx context.Context,
	eng *engine.PositionEngine,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	warmKeys int,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := eng.Restore(snap.Ledger); err != nil {
			return err
		}
		eng.WarmIdempotency(snap.IdempotencyKeys)
		log.Printf("INFO: loaded snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 0")
	}

	const batchSize = 1000
	var replayed int
	for {
		batches, err := snapMgr.LoadBatchesFrom(ctx, eng.Sequence(), batchSize)
		if err != nil {
			return fmt.Errorf("load batches after %d: %w", eng.Sequence(), err)
		}
		if len(batches) == 0 {
			break
		}
		for _, rb := range batches {
			if err := eng.Replay(rb.Batch, rb.StateHash); err != nil {
				return err
			}
			metrics.ReplayBatchesTotal.Inc()
		}
		replayed += len(batches)
	}
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	if replayed > 0 {
		log.Printf("INFO: replayed %d batches (sequence now at %d)", replayed, eng.Sequence())
	}

	keys, err := dbChecker.RecentKeys(ctx, warmKeys)
	if err != nil {
		return fmt.Errorf("warm idempotency: %w", err)
	}
	eng.WarmIdempotency(keys)
	return nil
}

// seedTokens rebuilds the in-memory token balances after recovery: the engine
// custodies all deposited collateral and every debtor holds its minted debt
// tokens. Configured development balances are credited and approved on top.
func seedTokens(store *ledger.Store, reg *registry.Registry, assets *AssetsFile, tokens map[string]*token.Token, self common.Address) {
	for _, a := range assets.Assets {
		addr := common.HexToAddress(a.Address)
		if held := store.TotalCollateral(addr); !held.IsZero() {
			if err := tokens[a.Symbol].Credit(self, held); err != nil {
				log.Fatalf("FATAL: seed %s custody: %v", a.Symbol, err)
			}
		}
	}
	debtTok := tokens[assets.DebtToken.Symbol]
	for _, user := range store.Users() {
		if debt := store.Debts().DebtOf(user); !debt.IsZero() {
			if err := debtTok.Credit(user, debt); err != nil {
				log.Fatalf("FATAL: seed debt token: %v", err)
			}
		}
	}

	for _, b := range assets.Balances {
		account := common.HexToAddress(b.Account)
		amount := uint256.MustFromDecimal(b.Amount)
		tok := tokens[b.Symbol]
		if err := tok.Credit(account, amount); err != nil {
			log.Fatalf("FATAL: seed balance %s/%s: %v", b.Account, b.Symbol, err)
		}
		tok.Approve(account, self, tok.BalanceOf(account))
	}
	log.Printf("INFO: seeded token balances (%d collateral assets, %d development balances)", reg.Len(), len(assets.Balances))
}

// catchUpProjections rebuilds the projections from the log when their
// watermark trails the recovered sequence.
func catchUpProjections(ctx context.Context, db *sql.DB, seq int64) error {
	wm, err := projection.LoadWatermark(ctx, db)
	if err != nil {
		return err
	}
	if wm >= seq {
		return nil
	}
	log.Printf("INFO: projections at %d behind log at %d, rebuilding", wm, seq)
	return projection.RebuildProjections(ctx, db)
}

// bridgeOutputs converts engine outputs into persistence, projection and
// publish formats. This keeps the engine free of those packages.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan engine.Output,
	projectionIn <-chan engine.Output,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	publish bool,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case out := <-persistIn:
			select {
			case persistOut <- persistence.NewCoreOutput(out.Op, out.Envelope, out.Batch):
			case <-ctx.Done():
				return
			}
			if !publish {
				continue
			}
			select {
			case publishOut <- ingestion.NewPublishableEvent(out.Op, out.Envelope):
			default:
				metrics.PublishDrops.Inc()
			}

		case out := <-projectionIn:
			select {
			case projectionOut <- projection.NewProjectionOutput(out.Op, out.Envelope, out.Event, out.Batch):
			case <-ctx.Done():
				return
			}
		}
	}
}

// runPeriodicSnapshots snapshots the ledger every SnapshotInterval commits.
func runPeriodicSnapshots(ctx context.Context, eng *engine.PositionEngine, snapMgr *persistence.SnapshotManager, cfg Config, metrics *observability.Metrics) {
	if cfg.SnapshotInterval <= 0 {
		return
	}
	lastSnapshotSeq := eng.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if eng.Sequence()-lastSnapshotSeq < cfg.SnapshotInterval {
				continue
			}
			seq, _, err := takeSnapshot(ctx, eng, snapMgr, cfg.SnapshotKeep, metrics)
			if err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			lastSnapshotSeq = seq
			log.Printf("INFO: periodic snapshot at sequence %d", seq)
		}
	}
}

// takeSnapshot persists the ledger and marks it verified once the event log
// holds the same state hash at that sequence. Unverified snapshots are
// never used for recovery.
func takeSnapshot(ctx context.Context, eng *engine.PositionEngine, snapMgr *persistence.SnapshotManager, keep int, metrics *observability.Metrics) (int64, int, error) {
	start := time.Now()

	snap := persistence.NewSnapshotData(eng.Snapshot(), eng.IdempotencyKeys(), time.Now())
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, 0, fmt.Errorf("save snapshot: %w", err)
	}

	verified, err := snapMgr.VerifyAgainstLog(ctx, snap.Sequence)
	if err != nil {
		return 0, 0, fmt.Errorf("verify snapshot: %w", err)
	}
	if !verified {
		log.Printf("WARN: snapshot at sequence %d not yet verifiable against the event log", snap.Sequence)
	} else if pruned, err := snapMgr.PruneSnapshots(ctx, keep); err != nil {
		log.Printf("WARN: prune snapshots: %v", err)
	} else if pruned > 0 {
		log.Printf("INFO: pruned %d snapshots", pruned)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, size, nil
}

// runAudit periodically values every account and publishes solvency gauges.
func runAudit(ctx context.Context, auditor *risk.Auditor, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) {
	logger = observability.ComponentLogger(logger, "auditor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := auditor.Scan(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("audit scan failed")
				}
				continue
			}
			metrics.UnhealthyAccounts.Set(float64(len(report.Unhealthy)))
			metrics.TotalDebt.Set(fpmath.ToFloat(report.TotalDebt))
			metrics.TotalCollateralUsd.Set(fpmath.ToFloat(report.TotalCollateralUsd))

			for _, v := range report.Unhealthy {
				logger.Info().
					Str("user", v.User.Hex()).
					Str("debt", v.Debt.Dec()).
					Str("health_factor", v.HealthFactor.Dec()).
					Msg("account below minimum health factor")
			}
			if !report.Solvent() {
				metrics.SolvencyViolations.WithLabelValues("protocol").Inc()
				logger.Warn().
					Int64("sequence", report.Sequence).
					Str("total_debt", report.TotalDebt.Dec()).
					Str("total_collateral_usd", report.TotalCollateralUsd.Dec()).
					Msg("protocol undercollateralized at the liquidation threshold")
			}
		}
	}
}
