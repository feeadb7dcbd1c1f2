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

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-raffle/internal/alert"
	"github.com/0gfoundation/0g-raffle/internal/api"
	"github.com/0gfoundation/0g-raffle/internal/chain"
	"github.com/0gfoundation/0g-raffle/internal/clock"
	"github.com/0gfoundation/0g-raffle/internal/config"
	"github.com/0gfoundation/0g-raffle/internal/credit"
	"github.com/0gfoundation/0g-raffle/internal/ingest"
	"github.com/0gfoundation/0g-raffle/internal/metrics"
	"github.com/0gfoundation/0g-raffle/internal/notify"
	"github.com/0gfoundation/0g-raffle/internal/randomness"
	"github.com/0gfoundation/0g-raffle/internal/settlement"
	"github.com/0gfoundation/0g-raffle/internal/statemachine"
	"github.com/0gfoundation/0g-raffle/internal/store"
)

const (
	pendingInterval   = 30 * time.Second
	pendingStaleAfter = 10 * time.Minute
	alertBuffer       = 256
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Database ──────────────────────────────────────────────────────────────
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	st := store.New(db)
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		log.Fatal("database migrate failed", zap.Error(err))
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	m := metrics.New()
	clk := clock.Real()
	ids, err := snowflake.NewNode(cfg.Engine.NodeID)
	if err != nil {
		log.Fatal("snowflake node init failed", zap.Error(err))
	}

	// ── Ledger gateway (operator key + contract binding) ──────────────────────
	onchain, err := chain.NewClient(cfg, rdb, m, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	log.Info("ledger gateway ready",
		zap.String("contract", onchain.ContractAddress().Hex()),
		zap.String("operator", onchain.OperatorAddress().Hex()),
	)

	// ── Outbound: alerts and fulfillment queues ───────────────────────────────
	alerts := alert.NewNotifier(rdb, alertBuffer, log)
	publisher := notify.NewPublisher(rdb, log)

	// ── Engine components ─────────────────────────────────────────────────────
	bridge := randomness.NewBridge(st, onchain, alerts, m, clk,
		cfg.Engine.RandomnessTimeout(), cfg.Engine.RandomnessMaxAttempts, log)

	settler := settlement.NewEngine(st, publisher, alerts, m, clk, ids, settlement.Policy{
		GeneralTTL: cfg.Engine.LossRecoveryTTL(),
		ItemTTL:    cfg.Engine.ItemCreditTTL(),
	}, log)

	ledger := credit.NewLedger(st, publisher, m, clk, ids, log)

	machine := statemachine.New(statemachine.Deps{
		Store:      st,
		Ledger:     onchain,
		Randomness: bridge,
		Settler:    settler,
		Broadcast:  publisher,
		Alerts:     alerts,
		Metrics:    m,
		Clock:      clk,
		IDs:        ids,
	}, log)

	// ── Ingestion ─────────────────────────────────────────────────────────────
	parker := ingest.NewParker(rdb, st, machine, clk, log)
	pipeline := ingest.NewPipeline(onchain, machine, st, parker, m, clk, ingest.Options{
		WatcherID:     "raffle:" + onchain.ContractAddress().Hex(),
		StartBlock:    cfg.Chain.StartBlock,
		Confirmations: cfg.Chain.Confirmations,
		BatchSize:     cfg.Chain.BatchSize,
		Workers:       cfg.Engine.Workers,
		PollInterval:  cfg.Chain.PollInterval(),
	}, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go alerts.Run(ctx)
	go alerts.RecoverPending(ctx)
	go onchain.RunPendingTracker(ctx, pendingInterval, pendingStaleAfter)
	go bridge.RunWatchdog(ctx, cfg.Engine.WatchdogInterval())
	go settler.RunRecovery(ctx, cfg.Engine.RecoveryInterval())
	go ledger.RunExpirySweep(ctx, cfg.Engine.SweepInterval())
	go pipeline.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "database unreachable"})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
	api.NewHandler(machine, ledger, parker, rdb, cfg.Server.AdminKey, log).Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
