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

	"github.com/xela07ax/agent-authz/internal/acl"
	"github.com/xela07ax/agent-authz/internal/audit"
	"github.com/xela07ax/agent-authz/internal/infra"
	"github.com/xela07ax/agent-authz/internal/infra/auth"
	"github.com/xela07ax/agent-authz/internal/metrics"
	"github.com/xela07ax/agent-authz/internal/permission"
	"github.com/xela07ax/agent-authz/internal/repository/postgres"
	"github.com/xela07ax/agent-authz/internal/server"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	// Контекст для управления жизненным циклом фоновых горутин.
	// При SIGTERM cancel() остановит слушателей Redis
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	if cfg.Database.URL == "" {
		logger.Fatal("database.url (or DATABASE_URL env) is required")
	}
	store, err := postgres.NewStore(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()

	// Проверяем соединение с таймаутом
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Ключи операторской авторизации
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse RSA public key", zap.Error(err))
	}
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse RSA private key", zap.Error(err))
	}

	// Метрики
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// 3. Аудит-трейл: ретраи и circuit breaker вокруг Postgres,
	// дальше асинхронная батч-запись
	reliable := audit.NewReliableStorage(store, logger, audit.BreakerSettings{
		MaxRequests:   cfg.Audit.CBMaxRequests,
		Interval:      cfg.Audit.CBInterval,
		Timeout:       cfg.Audit.CBTimeout,
		RetryAttempts: cfg.Audit.RetryAttempts,
	})
	trail := audit.NewTrail(reliable, logger, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		FillGauge:     m.AuditBufferFill,
	})
	trail.Start()
	defer trail.Stop() // Дренируем буфер при остановке

	// 4. Control Plane (менеджеры авторизации)
	aclManager := acl.NewManager(store, acl.SettingsFunc(func() infra.ACLConfig { return cfg.ACL }), trail, m, logger)
	if err := aclManager.Init(appCtx); err != nil {
		logger.Fatal("failed to init ACL manager", zap.Error(err))
	}
	go aclManager.StartInvalidationListener(appCtx, rdb)

	permManager := permission.NewManager(store, trail, rdb, m, cfg.Permission, logger)
	go permManager.StartRevocationListener(appCtx, rdb)

	// 5. HTTP Server
	authValidator := auth.NewBaseValidator(publicKey)
	authService := server.NewAuthService(store, privateKey, cfg.Auth.TokenTTL)

	api := server.New(cfg.Server, logger, authValidator, authService, aclManager, permManager, store, rdb)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus на отдельном порту
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("authz service started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("authz service stopping...")
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("authz service exited properly")
}
