package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"realtyhub/internal/audit"
	"realtyhub/internal/config"
	"realtyhub/internal/events"
	"realtyhub/internal/identityclient"
	"realtyhub/internal/listingclient"
	"realtyhub/internal/realtorclient"
	"realtyhub/internal/server"
	"realtyhub/internal/upload"
	"realtyhub/internal/usertoken"
	"realtyhub/internal/util"
	"realtyhub/internal/workflow"
	"realtyhub/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	store, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var tokenVerifier *usertoken.Verifier
	if cfg.IdentityJWKSURL != "" {
		leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			log.Fatalf("failed to parse jwt leeway: %v", err)
		}
		tokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.IdentityJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   leeway,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() {
			_ = redisClient.Close()
		}()
	}

	var recorder workflow.Recorder
	if cfg.AuditDatabaseDSN != "" {
		auditStore, err := audit.NewStore(cfg.AuditDatabaseDSN)
		if err != nil {
			log.Fatalf("failed to init audit store: %v", err)
		}
		recorder = auditStore
	}

	var publisher workflow.Publisher
	if cfg.AMQPURL != "" {
		eventPublisher, err := events.NewPublisher(events.Config{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		defer func() {
			_ = eventPublisher.Close()
		}()
		publisher = eventPublisher
	}

	limits := upload.Limits{
		MaxFiles:         cfg.MaxImageCount,
		MaxBytes:         cfg.MaxImageBytes,
		AllowedMIMETypes: cfg.AllowedImageTypes,
	}
	wf := workflow.New(workflow.Config{
		Identity: identityclient.NewClient(cfg.IdentityServiceURL, 5*time.Second),
		Realtors: realtorclient.NewClient(cfg.RealtorServiceURL, 5*time.Second),
		Limits:   limits,
		Uploader: upload.NewOrchestrator(store),
		Rollback: upload.NewCoordinator(store),
		Listings: listingclient.NewClient(cfg.ListingServiceURL, 10*time.Second),
		Audit:    recorder,
		Events:   publisher,
	})

	httpServer, err := server.New(server.Config{
		Workflow:                 wf,
		TokenVerifier:            tokenVerifier,
		Redis:                    redisClient,
		CreateRateLimitPerMinute: cfg.CreateRateLimitPerMinute,
		ImageLimits:              limits,
		TrustedProxies:           trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
