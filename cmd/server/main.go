package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sellerstudio/api/internal/archive"
	"github.com/sellerstudio/api/internal/auth"
	"github.com/sellerstudio/api/internal/client"
	"github.com/sellerstudio/api/internal/config"
	"github.com/sellerstudio/api/internal/events"
	"github.com/sellerstudio/api/internal/history"
	"github.com/sellerstudio/api/internal/logger"
	"github.com/sellerstudio/api/internal/middleware"
	"github.com/sellerstudio/api/internal/notify"
	"github.com/sellerstudio/api/internal/poller"
	"github.com/sellerstudio/api/internal/server"
	"github.com/sellerstudio/api/internal/service"
	"github.com/sellerstudio/api/internal/taskstore"
	ws "github.com/sellerstudio/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Server.LogLevel, os.Stdout)
	log := logger.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	// Task store and its snapshot persistence
	storeOpts := []taskstore.Option{}
	switch cfg.TaskStore.Driver {
	case "redis":
		storeOpts = append(storeOpts, taskstore.WithPersister(taskstore.NewRedisPersister(redisClient, cfg.TaskStore.RedisKey)))
	case "sqlite":
		sqlite, err := taskstore.OpenSQLite(cfg.TaskStore.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open task snapshot database: %v", err)
		}
		defer sqlite.Close()
		storeOpts = append(storeOpts, taskstore.WithPersister(sqlite))
	case "none", "":
	default:
		log.Fatalf("Unknown task store driver %q", cfg.TaskStore.Driver)
	}
	store := taskstore.New(storeOpts...)

	restored, err := store.Restore(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to restore task snapshot, starting empty")
	}

	// History backend
	var historyStore history.Store
	switch cfg.History.Driver {
	case "memory":
		historyStore = history.NewMemoryStore()
	case "redis":
		historyStore = history.NewRedisStore(redisClient)
	case "mongo":
		mongoClient, err := history.ConnectMongo(ctx, &cfg.Mongo)
		if err != nil {
			log.Fatalf("Failed to connect history database: %v", err)
		}
		defer func() {
			_ = mongoClient.Disconnect(context.Background())
		}()
		historyStore, err = history.NewMongoStore(ctx, mongoClient.Database(cfg.Mongo.Database), cfg.Mongo.Collection)
		if err != nil {
			log.Fatalf("Failed to initialize history store: %v", err)
		}
	default:
		log.Fatalf("Unknown history driver %q", cfg.History.Driver)
	}

	// Media archiving (optional)
	var storage client.StorageClient
	switch cfg.Storage.Driver {
	case "r2":
		r2Client, err := client.NewR2Client(&cfg.Storage.R2)
		if err != nil {
			log.WithError(err).Warn("R2 client not initialized, media stays at the provider")
		} else {
			storage = r2Client
		}
	case "minio":
		minioClient, err := client.NewMinIOClient(ctx, &cfg.Storage.MinIO)
		if err != nil {
			log.WithError(err).Warn("MinIO client not initialized, media stays at the provider")
		} else {
			storage = minioClient
		}
	}

	// Event bus and the optional Kafka forwarder
	bus := events.NewBus()
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.For("kafka"))
		defer sink.Close()
		go sink.Run(ctx, bus.Subscribe(nil))
		log.Infof("Forwarding task events to Kafka topic %s", cfg.Kafka.Topic)
	}

	// Provider client and background polling
	queueClient := client.NewQueueClient(&cfg.Provider)
	if !queueClient.IsConfigured() {
		log.Warn("Provider API key not configured, requests must supply their own")
	}

	pollerOpts := []poller.Option{}
	serviceOpts := []service.Option{}
	if storage != nil {
		archiver := archive.New(storage)
		pollerOpts = append(pollerOpts, poller.WithArchiver(archiver))
		serviceOpts = append(serviceOpts, service.WithMediaRemover(archiver))
	}
	jobPoller := poller.New(cfg.Poller, store, queueClient, historyStore, bus, pollerOpts...)

	generationService := service.NewGenerationService(ctx, queueClient, store, historyStore, jobPoller, serviceOpts...)
	generationService.ResumePending(restored)

	// Notification panel and WebSocket push
	panel := notify.NewPanel(store)
	hub := ws.NewHub(panel)
	go hub.Run(ctx)

	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()
	go hub.Follow(ctx, changes, bus.Subscribe(nil))

	// the snapshot loop outlives the pollers so their last writes are flushed
	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan struct{})
	go func() {
		store.Run(storeCtx)
		close(storeDone)
	}()

	// Token verification: Zitadel JWKS first, legacy HMAC secret as fallback
	var verifiers auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.WithError(err).Warn("JWKS verifier not initialized")
		} else {
			verifiers = append(verifiers, jwksVerifier)
		}
	}
	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	if cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
	}

	accessLog := logger.For("http").WriterLevel(logrus.InfoLevel)
	defer accessLog.Close()

	app := server.New(server.Deps{
		Config:      cfg,
		Generations: generationService,
		Panel:       panel,
		Hub:         hub,
		Verifier:    verifiers,
		RateLimiter: middleware.NewRateLimiter(redisClient),
		Validator:   validator.New(),
		Services: map[string]bool{
			"provider": queueClient.IsConfigured(),
			"storage":  storage != nil,
			"kafka":    len(cfg.Kafka.Brokers) > 0,
			"auth":     len(verifiers) > 0 || cfg.Gateway.Enabled,
		},
		AccessLog: accessLog,
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Infof("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
		stop()
	}

	jobPoller.Wait()
	stopStore()
	<-storeDone
	log.Info("Shutdown complete")
}
