package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"croissant/internal/config"
	"croissant/internal/idempotency"
	"croissant/internal/logger"
	"croissant/internal/server"
	"croissant/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// devAccount is the account the fake wallet reports when no RPC signer is
// configured.
var devAccount = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config error: " + err.Error())
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON}); err != nil {
		panic("logger error: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("idempotency store error", zap.Error(err))
	}
	defer closeStore()

	var (
		opts   []server.Option
		health wallet.HealthChecker
	)
	providers := wallet.Factory(func() (wallet.Provider, error) {
		return wallet.NewFakeProvider(devAccount), nil
	})
	switch {
	case cfg.Chain.RPCURL != "" && cfg.Chain.PrivateKey != "":
		providers = func() (wallet.Provider, error) {
			return wallet.NewKeyProvider(cfg.Chain.RPCURL, cfg.Chain.PrivateKey, log)
		}
		probe, err := wallet.NewKeyProvider(cfg.Chain.RPCURL, cfg.Chain.PrivateKey, log.Named("health"))
		if err != nil {
			log.Fatal("key provider error", zap.Error(err))
		}
		defer func() { _ = probe.Disconnect(context.Background()) }()
		health = probe
	case cfg.Chain.RPCURL != "":
		providers = func() (wallet.Provider, error) {
			return wallet.NewRPCProvider(cfg.Chain.RPCURL, log)
		}
		probe, err := wallet.NewRPCProvider(cfg.Chain.RPCURL, log.Named("health"))
		if err != nil {
			log.Fatal("rpc provider error", zap.Error(err))
		}
		defer func() { _ = probe.Disconnect(context.Background()) }()
		health = probe
	default:
		log.Warn("CHAIN_RPC_URL not set, using fake wallet", zap.String("account", devAccount.Hex()))
	}
	if health != nil {
		opts = append(opts, server.WithRPCHealth(health))
	}

	apiServer := server.NewServer(cfg, providers, store, log, opts...)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (idempotency.Store, func(), error) {
	if cfg.Service.IdempotencyDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.IdempotencyDSN)
		if err != nil {
			return nil, nil, err
		}
		go purgeLoop(ctx, pg, time.Minute, log)
		return pg, pg.Close, nil
	}

	mem := idempotency.NewMemoryStore()
	mem.StartSweeper(ctx, time.Minute)
	return mem, func() {}, nil
}

func purgeLoop(ctx context.Context, pg *idempotency.PostgresStore, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := pg.Purge(ctx, now)
			if err != nil {
				log.Warn("purge replay records", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged replay records", zap.Int64("count", n))
			}
		}
	}
}
