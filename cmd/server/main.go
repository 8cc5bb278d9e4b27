package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"replybridge-backend/internal/api"
	"replybridge-backend/internal/config"
	"replybridge-backend/internal/crypto"
	"replybridge-backend/internal/events"
	"replybridge-backend/internal/handlers"
	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/llm"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
	"replybridge-backend/internal/services"
	"replybridge-backend/internal/store/postgres"
)

func main() {
	log.Println("Starting ReplyBridge Backend...")

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Database Connection Pool
	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	dbpool, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Unable to create database connection pool: %v", err)
	}
	defer dbpool.Close()

	if err := dbpool.Ping(dbCtx); err != nil {
		log.Fatalf("FATAL: Unable to ping database: %v", err)
	}
	log.Println("Database connection pool established and pinged successfully.")

	pgStore := postgres.NewPostgresStore(dbpool)
	if err := pgStore.EnsureSchema(dbCtx); err != nil {
		log.Fatalf("FATAL: Unable to apply schema: %v", err)
	}
	log.Println("Postgres store initialized.")

	aead, err := crypto.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("FATAL: Failed to create AES-GCM cipher: %v", err)
	}

	// 3. Event publishers
	publishers := events.Multi{events.LogPublisher{}}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		if err := rdb.Ping(dbCtx).Err(); err != nil {
			log.Printf("WARN: Redis ping failed, events will still be attempted: %v", err)
		}
		publishers = append(publishers, events.NewRedisPublisher(rdb, events.DefaultStream))
		log.Printf("Publishing scheduler events to Redis stream %s", events.DefaultStream)
	}

	// 4. Initialize Services
	authService := services.NewAuthService(pgStore, cfg)
	credentialService := services.NewCredentialsService(pgStore, aead, nil)
	conversationService := services.NewConversationService(pgStore)
	limiter := ratelimit.NewSlidingWindow(cfg.RateLimitPerMinute)
	senderService := services.NewSenderService(credentialService, limiter, conversationService,
		services.WithBulkDelay(cfg.BulkSendDelay))
	schedulerService := services.NewSchedulerService(pgStore, senderService, publishers,
		services.WithSweepInterval(cfg.SchedulerSweepInterval))
	completer := llm.NewCompleter(cfg.LLMMode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	dispatcherService := services.NewDispatcherService(completer, senderService, schedulerService, conversationService)
	autoResponder := services.NewAutoResponderService(pgStore, conversationService, senderService, completer, dispatcherService)
	log.Println("Services initialized.")

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := schedulerService.Start(startCtx); err != nil {
		log.Fatalf("FATAL: Scheduler recovery failed: %v", err)
	}

	// System-wide adapters for broadcast and status.
	manager := integrations.NewManager()
	if err := manager.InitializeFromCredentials(startCtx, services.SystemBundles(cfg)); err != nil {
		if !errors.Is(err, models.ErrNoPlatforms) {
			log.Fatalf("FATAL: Messaging manager: %v", err)
		}
		log.Printf("WARN: No system platforms connected, broadcast is disabled: %v", err)
	}

	broadcastService := services.NewBroadcastService(manager, limiter)

	// 5. Initialize Handlers
	webhookHandlers := handlers.NewWebhookHandlers(autoResponder, handlers.WebhookSecrets{
		SlackSigningSecret:  cfg.SlackSigningSecret,
		WhatsAppVerifyToken: cfg.WhatsAppVerifyToken,
		WhatsAppAppSecret:   cfg.WhatsAppAppSecret,
	})
	// Bulk sends are paced, so one request may only carry what fits in its deadline.
	messagingHandlers := handlers.NewMessagingHandlers(senderService, schedulerService, broadcastService, dispatcherService, conversationService,
		handlers.WithMaxRecipients(handlers.BulkRecipientLimit(cfg.APITimeout(), cfg.BulkSendDelay)))
	routerDeps := api.RouterDependencies{
		AuthHandler:          handlers.NewAuthHandler(authService),
		CredentialsHandler:   handlers.NewCredentialsHandler(credentialService),
		MessagingHandlers:    messagingHandlers,
		ConversationHandlers: handlers.NewConversationHandlers(conversationService),
		PlatformHandlers:     handlers.NewPlatformHandlers(manager),
		WebhookHandlers:      webhookHandlers,
		Config:               cfg,
	}
	router := api.NewRouter(routerDeps)
	if cfg.PublicBaseURL != "" {
		log.Printf("Webhook endpoints: %s/webhooks/{platform}/{routingKey}", cfg.PublicBaseURL)
	}

	// 6. Configure and Start HTTP Server
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.DispatchTimeout() + 10*time.Second, // longest route deadline plus slack
		IdleTimeout:  120 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting and listening on port %s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: Could not listen on %s: %v", cfg.HTTPPort, err)
		}
		log.Println("Server listener routine stopped.")
	}()

	<-stopChan
	log.Println("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: Server graceful shutdown failed: %v", err)
	}
	if err := webhookHandlers.Drain(shutdownCtx); err != nil {
		log.Printf("WARN: Webhook processing did not finish: %v", err)
	}
	schedulerService.Stop()
	manager.DisconnectAll(shutdownCtx)
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("WARN: Redis close: %v", err)
		}
	}

	log.Println("Server shutdown complete.")
}
