package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-ledger/internal/chain"
	"github.com/0gfoundation/0g-subscription-ledger/internal/config"
	"github.com/0gfoundation/0g-subscription-ledger/internal/ledger"
	"github.com/0gfoundation/0g-subscription-ledger/internal/oracle"
	"github.com/0gfoundation/0g-subscription-ledger/internal/server"
	"github.com/0gfoundation/0g-subscription-ledger/internal/store"
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

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client (only needed for feed oracle or chain vault) ─────────────
	var onchain *chain.Client
	if cfg.Oracle.Mode == "feed" || cfg.Vault.Mode == "chain" {
		onchain, err = chain.Dial(cfg.Vault.RPCURL, cfg.Vault.CustodyKey, cfg.Vault.ChainID)
		if err != nil {
			log.Fatal("chain client init failed", zap.Error(err))
		}
	}

	// ── Quote source ──────────────────────────────────────────────────────────
	var source oracle.QuoteSource
	switch cfg.Oracle.Mode {
	case "feed":
		source, err = chain.NewFeedSource(onchain, common.HexToAddress(cfg.Oracle.FeedAddress))
		if err != nil {
			log.Fatal("feed source init failed", zap.Error(err))
		}
	default:
		price, ok := new(big.Int).SetString(cfg.Oracle.StaticPrice, 10)
		if !ok {
			log.Fatal("invalid ORACLE_STATIC_PRICE")
		}
		source = oracle.Static{Price: price, Decimals: cfg.Oracle.StaticDecimals}
	}

	// ── Vault ─────────────────────────────────────────────────────────────────
	var vault ledger.Vault
	if cfg.Vault.Mode == "chain" {
		v, err := chain.NewVault(onchain, common.HexToAddress(cfg.Vault.TokenAddress))
		if err != nil {
			log.Fatal("vault init failed", zap.Error(err))
		}
		vault = v
	}

	// ── Restore state and build the ledger ────────────────────────────────────
	st := store.New(rdb)
	state, err := st.Load(ctx)
	if err != nil {
		log.Fatal("state load failed", zap.Error(err))
	}

	led := ledger.New(ledger.Params{
		Admin:                common.HexToAddress(cfg.Ledger.AdminAddress),
		NetworkID:            cfg.Ledger.NetworkID,
		MaxProviders:         cfg.Ledger.MaxProviders,
		MinProviderFee:       cfg.Ledger.MinProviderFee,
		MinSubscriberDeposit: cfg.Ledger.MinSubscriberDeposit,
	}, state, ledger.Deps{
		Store:    st,
		Vault:    vault,
		Valuator: oracle.NewValuator(source),
		Events:   store.NewEventQueue(rdb),
		Log:      log,
	})
	log.Info("ledger restored",
		zap.Uint64("providers", led.ProviderCount()),
		zap.Bool("paused", led.Paused()),
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api", server.Auth(rdb))
	server.NewHandler(led, log).Register(api)

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
