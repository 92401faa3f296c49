package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/shovinmd/arcular-plus-backend-sub000/auth"
	"github.com/shovinmd/arcular-plus-backend-sub000/config"
	"github.com/shovinmd/arcular-plus-backend-sub000/db"
	"github.com/shovinmd/arcular-plus-backend-sub000/directory"
	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
	"github.com/shovinmd/arcular-plus-backend-sub000/logger"
	"github.com/shovinmd/arcular-plus-backend-sub000/notify"
	"github.com/shovinmd/arcular-plus-backend-sub000/sos"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "sos-api")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	directoryRepo := directory.NewRepository(pool)

	// The matcher reads through a Redis cache; when Redis is down every
	// lookup silently falls back to PostgreSQL.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	finder := directory.NewCachedFinder(directoryRepo, redisClient, cfg.Redis.DirectoryTTL, log)
	matcher := geo.NewMatcher(finder, log)

	gateway := notify.NewWebhookGateway(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, log)

	caseRepo := sos.NewCaseRepository(pool)
	ledgerRepo := sos.NewLedgerRepository(pool)

	sosService := sos.NewService(caseRepo, ledgerRepo, matcher, gateway, log).
		WithAcceptDeadline(cfg.Dispatch.AcceptDeadline)
	monitor := sos.NewMonitor(caseRepo, ledgerRepo, sosService, gateway, sos.MonitorConfig{
		EmergencyLine:  cfg.Gateway.EmergencyLine,
		EscalateAfter:  cfg.Dispatch.EscalationAfter,
		RetryInterval:  cfg.Dispatch.RetryInterval,
		AcceptDeadline: cfg.Dispatch.AcceptDeadline,
	}, log)
	resolver := sos.NewResolver(caseRepo, gateway, log)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	approvals := directory.NewApprovalRegistry(directoryRepo)

	server := NewServer(sosService, monitor, resolver, authService, approvals, log)

	go monitor.Run(ctx, cfg.Dispatch.SweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	log.Info("sos api listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("http server", zap.Error(err))
	}
	log.Info("sos api stopped")
}
