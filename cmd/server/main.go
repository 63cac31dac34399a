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

	"github.com/gin-gonic/gin"
	"github.com/google/generative-ai-go/genai"
	"github.com/pixelarcade/chat/config"
	"github.com/pixelarcade/chat/internal/auth"
	"github.com/pixelarcade/chat/internal/automod"
	"github.com/pixelarcade/chat/internal/cache"
	"github.com/pixelarcade/chat/internal/chat"
	"github.com/pixelarcade/chat/internal/database"
	"github.com/pixelarcade/chat/internal/delivery"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/pixelarcade/chat/internal/handlers"
	"github.com/pixelarcade/chat/internal/logging"
	"github.com/pixelarcade/chat/internal/memstore"
	"github.com/pixelarcade/chat/internal/middleware"
	"github.com/pixelarcade/chat/internal/models"
	"github.com/pixelarcade/chat/internal/moderation"
	"github.com/pixelarcade/chat/internal/oracle"
	"github.com/pixelarcade/chat/internal/repository"
	"github.com/pixelarcade/chat/internal/store"
	"github.com/pixelarcade/chat/internal/websocket"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// backend is the set of stores and transports picked by STORE.
type backend struct {
	messages   store.MessageStore
	direct     store.DirectMessageStore
	profiles   store.ProfileStore
	moderation store.ModerationStore
	publisher  feed.Publisher
	subscriber feed.Subscriber
	redis      *cache.RedisClient
	closers    []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("store", cfg.Server.Store), zap.Error(err))
	}
	defer be.Close()

	// System moderator used as the actor of automated actions
	systemUser := &models.Profile{ID: cfg.Automod.SystemUserID, DisplayName: "ArcadeBot", Role: models.RoleAdmin}
	if err := be.profiles.EnsureProfile(ctx, systemUser); err != nil {
		logger.Warn("Failed to ensure system moderator profile", zap.Error(err))
	}

	classifier, closeOracle, err := buildOracle(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create moderation oracle", zap.Error(err))
	}
	defer closeOracle()

	messages := store.WithFeed(be.messages, be.publisher, logger)
	gate := automod.NewGate(classifier, messages, be.moderation, automod.Config{
		Timeout:         cfg.Automod.Timeout,
		MaxConcurrent:   cfg.Automod.MaxConcurrent,
		BreakerFailures: cfg.Automod.BreakerFailures,
		BreakerCooldown: cfg.Automod.BreakerCooldown,
	}, logger)

	modService := moderation.NewService(be.profiles, be.moderation, cfg.Automod.SystemUserID, logger)
	spamGuard := moderation.NewSpamGuard(modService, logger)

	var shared middleware.DistributedLimiter
	var relay websocket.DirectRelay
	if be.redis != nil {
		shared = be.redis
		relay = be.redis
	}
	sendLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec, cfg.API.RateLimitBurst, shared, logger)
	automodLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec*5, cfg.API.RateLimitBurst*5, nil, logger)
	sendLimiter.Cleanup(ctx, 10*time.Minute)
	automodLimiter.Cleanup(ctx, 10*time.Minute)

	chatService := chat.NewService(messages, be.direct, be.profiles, gate, modService, chat.Options{
		MaxContentLength: cfg.Chat.MaxContentLength,
		PageSize:         cfg.Chat.PageSize,
		Spam:             spamGuard,
		Limiter:          sendLimiter,
	}, logger)

	hub := websocket.NewHub(relay, logger)
	go hub.Run(ctx)
	chatService.SetNotifier(hub)

	go sweepSpam(ctx, spamGuard)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	// Initialize handlers
	automodHandler := handlers.NewAutomodHandler(gate, logger)
	chatHandler := handlers.NewChatHandler(chatService, logger)
	modHandler := handlers.NewModerationHandler(modService, logger)
	wsHandler := websocket.NewHandler(hub, chatService, messages, be.profiles, be.subscriber, delivery.Config{
		PageSize:     cfg.Chat.PageSize,
		ReconnectMin: cfg.Chat.ReconnectMin,
		ReconnectMax: cfg.Chat.ReconnectMax,
	}, cfg.CORS.AllowedOrigins, logger)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"store":   cfg.Server.Store,
			"clients": len(hub.GetOnlineUsers()),
		})
	})

	authRequired := middleware.AuthMiddleware(jwtService, be.profiles)

	// WebSocket endpoint, token passed as query parameter
	router.GET("/ws", authRequired, wsHandler.HandleWebSocket)

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(authRequired)
	{
		api.POST("/automod", middleware.RateLimitMiddleware(automodLimiter), automodHandler.Moderate)

		// Global chat
		api.GET("/chat/messages", chatHandler.GetMessages)
		api.POST("/chat/messages", chatHandler.SendMessage)
		api.DELETE("/chat/messages/:id", chatHandler.DeleteMessage)

		// Direct messages
		api.POST("/dm/:user_id", chatHandler.SendDirect)
		api.GET("/dm/:user_id", chatHandler.GetDirect)

		api.GET("/online-users", wsHandler.GetOnlineUsers)

		// Moderation
		mod := api.Group("/moderation", middleware.RequireModerator())
		mod.POST("/actions", modHandler.ApplyAction)
		mod.GET("/users/:id/logs", modHandler.GetLogs)
		mod.GET("/users/:id/ban-state", modHandler.GetBanState)
		mod.GET("/users/:id/automod", modHandler.GetAutomodRecords)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting arcade chat server",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Server.Env),
			zap.String("store", cfg.Server.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	// Let in-flight moderation finish before the stores close.
	gate.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Server.Store == "memory" {
		mem := memstore.New()
		broker := feed.NewBroker(256)
		logger.Warn("Using in-memory store, data is lost on restart")
		return &backend{
			messages:   mem,
			direct:     mem,
			profiles:   mem,
			moderation: mem,
			publisher:  broker,
			subscriber: broker,
			closers:    []func() error{func() error { broker.Close(); return nil }},
		}, nil
	}

	// Connect to database
	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		return nil, err
	}

	logger.Info("Running database migrations")
	if err := database.RunMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	// Redis carries the change feed across instances
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	profiles := repository.NewProfileRepository(db)
	return &backend{
		messages:   repository.NewMessageRepository(db),
		direct:     repository.NewDirectMessageRepository(db),
		profiles:   profiles,
		moderation: repository.NewModerationRepository(db),
		publisher:  redis,
		subscriber: redis,
		redis:      redis,
		closers:    []func() error{db.Close, redis.Close},
	}, nil
}

// buildOracle chains the banned word list in front of Gemini. Without an API
// key only the word list runs.
func buildOracle(ctx context.Context, cfg *config.Config, logger *zap.Logger) (oracle.Oracle, func(), error) {
	chain := oracle.Chain{oracle.NewWordlistOracle(cfg.Automod.BannedWords)}
	if cfg.Automod.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, automod uses the banned word list only")
		return chain, func() {}, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Automod.GeminiAPIKey))
	if err != nil {
		return nil, nil, err
	}
	model := oracle.NewGeminiModel(client, cfg.Automod.Model)
	chain = append(chain, oracle.NewGeminiOracle(model, logger))
	return chain, func() { client.Close() }, nil
}

func sweepSpam(ctx context.Context, guard *moderation.SpamGuard) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			guard.Sweep()
		}
	}
}
