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
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ap2 "github.com/agentpay/ap2-go"
	"github.com/agentpay/ap2-go/authorizer"
	"github.com/agentpay/ap2-go/config"
	"github.com/agentpay/ap2-go/keys"
	"github.com/agentpay/ap2-go/ledger"
	"github.com/agentpay/ap2-go/mandate"
	"github.com/agentpay/ap2-go/meter"
	"github.com/agentpay/ap2-go/retry"
	"github.com/agentpay/ap2-go/server"
	"github.com/agentpay/ap2-go/settlement"
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

	chain, ok := ap2.ChainByNetwork(cfg.Chain.Network)
	if !ok {
		log.Fatal("unknown network", zap.String("network", cfg.Chain.Network))
	}
	chain.USDCAddress = cfg.Chain.USDCAddress

	merchantKey, err := keys.ParsePrivateKey(cfg.Chain.MerchantPrivateKey)
	if err != nil {
		log.Fatal("merchant key parse failed", zap.Error(err))
	}
	merchant := keys.Address(merchantKey)
	log.Info("merchant account loaded", zap.String("address", merchant.Hex()))

	// ── Store ─────────────────────────────────────────────────────────────────
	var store ledger.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		store = ledger.NewRedisStore(rdb)
		log.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = ledger.NewMemStore()
		log.Info("using in-memory store")
	}
	usageLedger := ledger.New(store)

	// ── Mandate authority ─────────────────────────────────────────────────────
	authority, err := mandate.NewAuthority(
		merchant,
		big.NewInt(chain.ChainID),
		common.HexToAddress(chain.USDCAddress),
		mandate.Config{
			PricePerMessageMicroUSDC: cfg.Billing.PricePerMessageMicroUSDC,
			DailyCapMicroUSDC:        cfg.Billing.DailyCapMicroUSDC,
			BatchThreshold:           cfg.Billing.BatchThreshold,
			ServiceType:              cfg.Billing.ServiceType,
			ModelName:                cfg.Billing.ModelName,
			Validity:                 time.Duration(cfg.Billing.MandateValiditySec) * time.Second,
		},
	)
	if err != nil {
		log.Fatal("mandate authority init failed", zap.Error(err))
	}

	// ── Delegated transfer authorizer (merchant-held key) ─────────────────────
	auth, err := authorizer.New(merchantKey, authorizer.TokenDomain{
		Address: common.HexToAddress(chain.USDCAddress),
		Name:    chain.USDCName,
		Version: chain.USDCVersion,
		ChainID: big.NewInt(chain.ChainID),
	}, time.Duration(cfg.Billing.BatchTimeoutSec)*time.Second)
	if err != nil {
		log.Fatal("authorizer init failed", zap.Error(err))
	}

	// ── Settlement pipeline ───────────────────────────────────────────────────
	var waiter settlement.ReceiptWaiter
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.Fatal("rpc dial failed", zap.Error(err))
		}
		defer client.Close()
		waiter = settlement.NewRPCReceiptWaiter(client, 0, 0)
	} else {
		log.Warn("no RPC_URL configured, trusting facilitator block numbers")
	}

	facilitator := settlement.NewFacilitatorClient(cfg.Facilitator.URL)
	coordinator := settlement.NewCoordinator(
		usageLedger,
		auth,
		facilitator,
		waiter,
		chain,
		time.Duration(cfg.Billing.BatchTimeoutSec)*time.Second,
		log,
	)

	// The facilitator may come up after us; retry the handshake briefly
	// before giving up.
	if _, err := retry.Do(ctx, retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}, func(err error) bool {
		return errors.Is(err, ap2.ErrFacilitatorUnavailable)
	}, func() (struct{}, error) {
		return struct{}{}, coordinator.HealthCheck(ctx)
	}); err != nil {
		log.Fatal("facilitator health check failed", zap.Error(err))
	}
	log.Info("facilitator ready",
		zap.String("url", cfg.Facilitator.URL),
		zap.String("network", chain.NetworkID),
	)

	billing := meter.New(authority, usageLedger, coordinator, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api")
	server.NewHandler(authority, usageLedger, billing, nil, log).Register(api)

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
