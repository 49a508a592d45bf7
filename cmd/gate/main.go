package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/audit"
	"github.com/iron-cage/budget-gate/internal/engine"
	"github.com/iron-cage/budget-gate/internal/gate/handler"
	"github.com/iron-cage/budget-gate/internal/gate/server"
	"github.com/iron-cage/budget-gate/internal/infra"
	"github.com/iron-cage/budget-gate/internal/infra/auth"
	"github.com/iron-cage/budget-gate/internal/infra/cryptobox"
	"github.com/iron-cage/budget-gate/internal/repository/postgres"
	"github.com/iron-cage/budget-gate/internal/vault"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Database.URL == "" {
		logger.Fatal("database.url (or DATABASE_URL) is required")
	}
	if len(cfg.Auth.TokenSecret) == 0 {
		logger.Fatal("IC token secret is not configured")
	}
	if len(cfg.Crypto.VaultKey) == 0 || len(cfg.Crypto.TransportKey) == 0 {
		logger.Fatal("vault and transport keys must both be configured")
	}

	// Контекст жизненного цикла фоновых горутин: SIGTERM снимает слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилище (Postgres) и Redis
	store, err := postgres.NewStore(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// 3. Control Plane: отзыв агентов (warmup + Pub/Sub дельты)
	revocation := engine.NewRevocationManager(rdb, logger)
	if err := revocation.Init(appCtx); err != nil {
		logger.Fatal("failed to warm up revocation set", zap.Error(err))
	}
	go revocation.StartListener(appCtx)

	// 4. Криптография: два независимых ключа — at-rest и транспортный
	vaultBox, err := cryptobox.New(cfg.Crypto.VaultKey, cryptobox.InfoVaultAtRest)
	if err != nil {
		logger.Fatal("failed to init vault cipher", zap.Error(err))
	}
	transportBox, err := cryptobox.New(cfg.Crypto.TransportKey, cryptobox.InfoTransport)
	if err != nil {
		logger.Fatal("failed to init transport cipher", zap.Error(err))
	}

	tokens, err := auth.NewTokenService(cfg.Auth.TokenSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal("failed to init token service", zap.Error(err))
	}
	encoder := auth.NewEphemeralEncoder(transportBox)
	credVault := vault.New(store, vaultBox, logger)

	// 5. Протокольный аудит: буферизованный трейл с батч-записью
	trail := audit.NewTrail(store, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval)
	trail.Start()
	defer trail.Stop()

	// 6. Метрики на отдельном порту
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 7. Сборка ядра
	ledger := engine.NewLedgerGuard(store, postgres.IsTransient, engine.LedgerGuardConfig{
		Attempts:      cfg.Engine.ReserveAttempts,
		BaseDelay:     cfg.Engine.ReserveBaseDelay,
		MaxDelay:      cfg.Engine.ReserveMaxDelay,
		RateLimit:     cfg.Engine.RateLimit,
		RateBurst:     cfg.Engine.RateBurst,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
	}, metrics, logger)

	core := engine.NewEngine(
		tokens,
		encoder,
		credVault,
		ledger,
		store,
		store,
		revocation,
		trail,
		metrics,
		logger,
		engine.Config{
			MaxHandshakeBudget:     cfg.Engine.MaxHandshakeBudget,
			DefaultHandshakeBudget: cfg.Engine.DefaultHandshakeBudget,
			LeaseTTL:               cfg.Engine.LeaseTTL,
		},
	)

	// 8. HTTP Server
	gate := server.NewGateServer(logger, handler.NewBudgetHandler(core, logger), store)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gate.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("budget gate listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown: дожидаемся хвоста запросов, затем сливаем
	// буфер аудита (defer trail.Stop) и закрываем пулы
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	logger.Info("budget gate stopped")
}
