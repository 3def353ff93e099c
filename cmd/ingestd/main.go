// Command ingestd runs the confirmed-transaction ingestion pipeline: it
// wires together the upstream feed, classifier, lifecycle state machine,
// adaptive batcher and persistence layer, and exits cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solgrad/ingestor/pkg/batcher"
	"github.com/solgrad/ingestor/pkg/cache"
	"github.com/solgrad/ingestor/pkg/classifier"
	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/config"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/feed"
	"github.com/solgrad/ingestor/pkg/lifecycle"
	"github.com/solgrad/ingestor/pkg/logging"
	"github.com/solgrad/ingestor/pkg/metrics"
	"github.com/solgrad/ingestor/pkg/model"
	"github.com/solgrad/ingestor/pkg/oracle"
	"github.com/solgrad/ingestor/pkg/persistence"
	"github.com/solgrad/ingestor/pkg/price"
	"github.com/solgrad/ingestor/pkg/reconciler"
	"github.com/solgrad/ingestor/pkg/registry"
	"github.com/solgrad/ingestor/pkg/solrpc"
	"github.com/solgrad/ingestor/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file")
	redisAddr := flag.String("redis", "localhost:6379", "redis address backing the bounded account cache")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel, JSON: true})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, *redisAddr, logger); err != nil {
		logger.Fatal("ingestd exited with error", zap.Error(err))
	}
}

func run(configPath, redisAddr string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	reg := metrics.New()
	bus := eventbus.New(1024)

	store, err := persistence.Open(ctx, cfg.Persistence.ConnectionString, cfg.Persistence.PoolSize)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	accountCache := cache.New(cache.Config{
		Capacity:                  cfg.Cache.MaxBytes,
		Policy:                    parsePolicy(cfg.Cache.EvictionPolicy),
		DefaultTTLSeconds:         int64(cfg.Cache.DefaultTTLMS / 1000),
		MinTTLMultiplier:          0.25,
		MaxTTLMultiplier:          4,
		CompressionThresholdBytes: cfg.Cache.CompressionThreshold,
		KeyPrefix:                 "ingestd",
	}, redisClient)

	rpcClient := solrpc.New(cfg.Upstream.Endpoint, 20)
	mintRegistry := registry.New(rpcClient, accountCache)

	priceOracle := oracle.New(oracle.Config{
		Endpoint:       cfg.Oracle.Endpoint,
		PollInterval:   config.Millis(cfg.Oracle.PollIntervalMS),
		RequestTimeout: config.Millis(cfg.Oracle.TimeoutMS),
		DefaultUSD:     cfg.Oracle.FallbackUSD,
	}, clk, bus)
	go priceOracle.Run(ctx)

	persistBatch := batcher.New(batcher.Config{
		MinBatch:      cfg.Batcher.MinBatch,
		MaxBatch:      cfg.Batcher.MaxBatch,
		BatchTimeout:  config.Millis(cfg.Batcher.BatchTimeoutMS),
		AgingWindow:   5 * time.Second,
		TargetLatency: 250 * time.Millisecond,
		OnDegraded: func(err error) {
			reg.PersistenceDegraded.Inc()
			logger.Error("trade batch flush degraded", zap.Error(err))
		},
	}, clk, func(ctx context.Context, items []any) error {
		trades := make([]model.Trade, 0, len(items))
		for _, it := range items {
			if tr, ok := it.(model.Trade); ok {
				trades = append(trades, tr)
			}
		}
		start := clk.Now()
		_, err := store.BatchInsertTrades(ctx, trades)
		reg.BatchFlushLatency.Observe(clk.Now().Sub(start).Seconds())
		return err
	})
	persistBatch.Start(ctx)

	lifecycleHandler := lifecycle.New(
		lifecycle.DefaultConfig(cfg.Monitor.BCSaveThresholdUSD, cfg.Monitor.AMMSaveThresholdUSD, cfg.Monitor.SaveAllTokens),
		clk, bus, tradeSinkFunc(persistBatch.Enqueue), store,
	)

	classifierCfg := classifier.DefaultConfig(cfg.Programs.BondingCurve, cfg.Programs.AmmPool)
	txClassifier := classifier.New(classifierCfg)

	source := feed.NewGRPCSource(cfg.Upstream.Endpoint, cfg.Upstream.Token, false)

	onTx := func(ctx context.Context, connectionID string, tx *feed.ConfirmedTransaction) error {
		return processTransaction(ctx, tx, txClassifier, lifecycleHandler, mintRegistry, priceOracle, store, reg, logger)
	}

	accountReconciler := reconciler.New(reconciler.Config{
		PollInterval:        config.Millis(cfg.Reconciler.PollIntervalMS),
		BondingCurveProgram: cfg.Programs.BondingCurve,
	}, rpcClient, mintRegistry, lifecycleHandler, clk, reg, logger)
	if err := accountReconciler.Backfill(ctx); err != nil {
		logger.Warn("bonding curve backfill failed", zap.Error(err))
	}
	go accountReconciler.Run(ctx)

	sup := supervisor.New(supervisor.Config{
		FailureThreshold:         uint32(cfg.Supervisor.FailureThreshold),
		RecoveryTimeout:          config.Millis(cfg.Supervisor.RecoveryTimeoutMS),
		HalfOpenRequests:         uint32(cfg.Supervisor.HalfOpenRequests),
		MonitoringWindow:         config.Millis(cfg.Supervisor.MonitoringWindowMS),
		CheckpointInterval:       config.Millis(cfg.Supervisor.CheckpointIntervalMS),
		MaxRecoveryAttempts:      cfg.Supervisor.MaxRecoveryAttempts,
		RecoveryBackoff:          config.Millis(cfg.Supervisor.RecoveryBackoffMS),
		HealthyParseRateFloor:    0.8,
		DegradedParseRateFloor:   0.5,
		DegradedLatencyThreshold: 500 * time.Millisecond,
	}, clk, bus, source, store, onTx)

	sup.AddConnection("primary", []string{cfg.Programs.BondingCurve, cfg.Programs.AmmPool}, nil)

	if err := sup.Restore(ctx); err != nil {
		logger.Warn("no prior checkpoint restored", zap.Error(err))
	}

	logBusActivity(ctx, bus, logger)

	sup.Run(ctx)
	persistBatch.Stop()
	return nil
}

// tradeSinkFunc adapts a plain func to lifecycle.TradeSink.
type tradeSinkFunc func(priority batcher.Priority, payload any)

func (f tradeSinkFunc) Enqueue(trade model.Trade) {
	f(batcher.PriorityNormal, trade)
}

// poolSnapshotSink records an AMM pool-reserves observation alongside every
// AMM trade; persistence.Store satisfies it.
type poolSnapshotSink interface {
	InsertPoolSnapshot(ctx context.Context, snap model.PoolStateSnapshot) error
}

func processTransaction(
	ctx context.Context,
	tx *feed.ConfirmedTransaction,
	txClassifier *classifier.Classifier,
	lifecycleHandler *lifecycle.Handler,
	mintRegistry *registry.Registry,
	priceOracle *oracle.Oracle,
	snapshots poolSnapshotSink,
	reg *metrics.Registry,
	logger *zap.Logger,
) error {
	events, errs := txClassifier.Classify(tx)
	for _, err := range errs {
		reg.ClassificationErrors.Inc()
		logger.Debug("classification error", zap.String("signature", tx.Signature), zap.Error(err))
	}
	reg.TransactionsClassified.Inc()

	blockTime := time.Unix(tx.BlockTime, 0)
	for _, ev := range events {
		if ev.Partial {
			continue
		}
		switch ev.Kind {
		case classifier.EventBcCreate:
			// The per-instruction create event (no mint attached) and the
			// new-mint-detection event for the same account both carry
			// EventBcCreate; only the latter names the mint.
			if ev.MintAddress == "" {
				continue
			}
			mintRegistry.RegisterBondingCurve(ev.BondingCurveAccount, ev.MintAddress)
			if err := lifecycleHandler.HandleCreate(ctx, lifecycle.CreateInput{
				Mint:            ev.MintAddress,
				Creator:         ev.Creator,
				BondingCurveKey: ev.BondingCurveAccount,
				Slot:            ev.Slot,
				BlockTime:       blockTime,
			}); err != nil {
				return err
			}

		case classifier.EventBcTrade:
			mint, ok := mintRegistry.MintForBondingCurve(ev.BondingCurveAccount)
			if !ok || ev.TradeEvent == nil {
				continue
			}
			reg.TradesProcessed.WithLabelValues(string(model.ProgramBondingCurve)).Inc()
			if err := applyTrade(ctx, lifecycleHandler, snapshots, mint, model.ProgramBondingCurve, ev, priceOracle.Current(), logger); err != nil {
				return err
			}

		case classifier.EventAmmTrade:
			mint, err := mintRegistry.MintForPool(ctx, ev.Pool)
			if err != nil || ev.TradeEvent == nil {
				logger.Debug("could not resolve pool mint", zap.String("pool", ev.Pool), zap.Error(err))
				continue
			}
			reg.TradesProcessed.WithLabelValues(string(model.ProgramAmmPool)).Inc()
			if err := applyTrade(ctx, lifecycleHandler, snapshots, mint, model.ProgramAmmPool, ev, priceOracle.Current(), logger); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyTrade(ctx context.Context, h *lifecycle.Handler, snapshots poolSnapshotSink, mint string, program model.Program, ev classifier.ClassifiedEvent, solUSD float64, logger *zap.Logger) error {
	te := ev.TradeEvent
	side := model.SideSell
	if te.IsBuy {
		side = model.SideBuy
	}

	result, err := price.Compute(te.VirtualSolReserves, te.VirtualTokenReserves, te.RealSolReserves, solUSD, price.CeilingForProgram(program))
	if err != nil {
		return nil // invalid/out-of-range reserves: skip this trade, never fail the connection
	}

	if err := h.HandleTrade(ctx, lifecycle.TradeInput{
		Mint:                 mint,
		Program:              program,
		Side:                 side,
		User:                 te.User,
		Signature:            ev.Signature,
		Slot:                 ev.Slot,
		BlockTime:            time.Unix(ev.BlockTime, 0),
		SOLAmount:            te.SolAmount,
		TokenAmount:          te.TokenAmount,
		VirtualSOLReserves:   te.VirtualSolReserves,
		VirtualTokenReserves: te.VirtualTokenReserves,
		RealSOLReserves:      te.RealSolReserves,
		PriceSOL:             result.PriceSOL,
		PriceUSD:             result.PriceUSD,
		MarketCapUSD:         result.MarketCapUSD,
		Progress:             result.Progress,
		BondingCurveKey:      ev.BondingCurveAccount,
	}); err != nil {
		return err
	}

	if program == model.ProgramAmmPool {
		realSOL := te.RealSolReserves
		realToken := te.RealTokenReserves
		snap := model.PoolStateSnapshot{
			MintAddress:          mint,
			PoolAddress:          ev.Pool,
			VirtualSOLReserves:   te.VirtualSolReserves,
			VirtualTokenReserves: te.VirtualTokenReserves,
			RealSOLReserves:      &realSOL,
			RealTokenReserves:    &realToken,
			PoolOpen:             true,
			Slot:                 ev.Slot,
			CreatedAt:            time.Unix(ev.BlockTime, 0),
		}
		if err := snapshots.InsertPoolSnapshot(ctx, snap); err != nil {
			logger.Debug("pool snapshot insert failed", zap.String("pool", ev.Pool), zap.Error(err))
		}
	}

	return nil
}

func parsePolicy(name string) cache.EvictionPolicy {
	switch name {
	case "lfu":
		return cache.PolicyLFU
	case "fifo":
		return cache.PolicyFIFO
	default:
		return cache.PolicyLRU
	}
}

// logBusActivity drains a handful of high-signal topics to structured logs;
// trade/price volume is intentionally not logged per-event.
func logBusActivity(ctx context.Context, bus *eventbus.Bus, logger *zap.Logger) {
	topics := []eventbus.Topic{
		eventbus.TopicTokenGraduated,
		eventbus.TopicFailover,
		eventbus.TopicEmergency,
		eventbus.TopicEmergencyRecovery,
		eventbus.TopicPerformanceDegradation,
		eventbus.TopicCheckpointFailed,
	}
	for _, topic := range topics {
		ch := bus.Subscribe(topic)
		go func(topic eventbus.Topic, ch <-chan eventbus.Event) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					logger.Info("supervisor event", zap.String("topic", string(topic)), zap.Any("payload", ev.Payload))
				}
			}
		}(topic, ch)
	}
}
