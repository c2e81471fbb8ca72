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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"circulation/internal/cache"
	"circulation/internal/clock"
	"circulation/internal/config"
	"circulation/internal/events"
	"circulation/internal/gateway"
	"circulation/internal/handlers"
	"circulation/internal/logger"
	"circulation/internal/metrics"
	"circulation/internal/models"
	"circulation/internal/repositories"
	"circulation/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get generic DB: %w", err)
	}
	defer sqlDB.Close()

	profiles, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := services.Options{
		DB:         db,
		Repos:      repositories.NewSet(db),
		Clock:      clock.System(),
		Policy:     cfg.Policy,
		Bus:        events.NewBus(log),
		Cache:      profiles,
		ProfileTTL: cfg.Redis.ProfileTTL,
		Metrics:    metrics.New(registry),
		Log:        log,
	}
	libraryService := services.NewLibraryService(opts)
	paymentService := services.NewPaymentService(opts, newGateway(cfg.Gateway, log), cfg.Gateway)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.GinMiddleware(log))

	routes := handlers.Config{
		CallbackKey: cfg.Gateway.APIKey,
		Gatherer:    registry,
		Log:         log,
	}
	if cfg.Auth.Secret != "" {
		routes.Verifier = handlers.NewTokenVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	}
	handlers.RegisterRoutes(router, libraryService, paymentService, routes)

	go sweepPayments(ctx, paymentService, cfg.Gateway.SweepInterval, log)

	srv := &http.Server{
		Addr:         cfg.App.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", cfg.App.Addr), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.NewGormLogger(log, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get generic DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		log.Info("Schema migrated")
	}
	return db, nil
}

// openCache connects to redis when configured and otherwise keeps profiles
// in process.
func openCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (cache.Cache, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Info("Redis not configured, using in-process profile cache")
		return cache.NewMemory(), func() {}, nil
	}
	client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Connected to redis", zap.String("addr", cfg.Redis.Addr))
	return cache.NewRedisCache(client, cfg.App.Name+":"), func() { _ = client.Close() }, nil
}

func newGateway(cfg config.GatewayConfig, log *zap.Logger) gateway.Gateway {
	if cfg.Mode == "http" {
		log.Info("Using HTTP payment gateway", zap.String("url", cfg.URL))
		return gateway.NewHTTPGateway(cfg.URL, cfg.APIKey)
	}
	log.Warn("Using simulated payment gateway")
	return gateway.NewSimulated(200 * time.Millisecond)
}

// sweepPayments expires PENDING payments the gateway never confirmed.
func sweepPayments(ctx context.Context, payments services.PaymentService, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := payments.ExpireStalePayments(ctx)
			if err != nil {
				log.Error("Sweep: failed to expire payments", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("Sweep: expired stale payments", zap.Int("count", n))
			}
		}
	}
}
