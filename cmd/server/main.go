package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/groupbuy-api/internal/auth"
	"github.com/ksred/groupbuy-api/internal/database"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/lock"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/refund"
	"github.com/ksred/groupbuy-api/internal/scheduler"
	"github.com/ksred/groupbuy-api/internal/settlement"
	"github.com/ksred/groupbuy-api/internal/trade"
	"github.com/ksred/groupbuy-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the group-buy API server with graceful shutdown
// support. It wires the engine: database, locks, delay transport, event bus,
// the join/settlement/refund services and the background schedulers.
func main() {
	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DATABASE_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "groupbuy-secret-key"
	}

	// Redis backs the distributed lock and the delay queue. Without it the
	// in-process implementations keep a single node fully functional.
	var (
		locker    lock.Locker
		transport delay.Transport
	)
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		locker = lock.NewRedsyncLocker(client)
		transport = delay.NewRedisTransport(client)
		zlog.Info().Str("addr", redisAddr).Msg("using redis lock and delay queue")
	} else {
		locker = lock.NewMemoryLocker()
		transport = delay.NewMemoryTransport()
		zlog.Warn().Msg("REDIS_ADDR not set, using in-process lock and delay queue")
	}

	bus := events.NewBus()
	payGW := gateway.NewMockPaymentGateway()
	inventory := gateway.NewMemoryInventory()

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	orderService := order.NewService(db)
	orderHandlers := order.NewGinHandlers(orderService)

	tradeService := trade.NewService(db, bus, transport,
		gateway.StandardDiscountCalculator{}, gateway.NewStaticCrowdTag(), inventory)
	tradeHandlers := trade.NewGinHandlers(tradeService)

	// Channels that no longer accept payments, e.g.
	// BLACKLISTED_CHANNELS="app:wallet,h5:legacy"
	blacklisted := parseChannelBlacklist(os.Getenv("BLACKLISTED_CHANNELS"))
	if len(blacklisted) > 0 {
		zlog.Info().Strs("channels", blacklisted).Msg("payment channel blacklist active")
	}

	settlementService := settlement.NewService(db, bus, locker, inventory, blacklisted)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	refundService := refund.NewService(db, bus, locker, transport, payGW, inventory)
	refundHandlers := refund.NewGinHandlers(refundService)

	settlementService.SetReleaser(refundService)
	settlementService.RegisterSubscribers(bus)

	// Background jobs: deadline sweep and delay-queue consumer
	manager, err := scheduler.NewManager(
		scheduler.NewDeadlineSweepJob(db, settlementService, refundService),
		scheduler.NewDelayConsumerJob(transport, refundService),
	)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	manager.RegisterJobs()
	manager.Start()
	defer manager.Stop()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, orderHandlers, tradeHandlers,
		settlementHandlers, refundHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// parseChannelBlacklist splits the comma-separated "source:channel" pairs
// from the environment, dropping empties and surrounding whitespace.
func parseChannelBlacklist(raw string) []string {
	var channels []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		channels = append(channels, entry)
	}
	return channels
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Team and trade-order routes: Protected by JWT authentication
// - Payment callback: Public endpoint for the gateway's notifications
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	orderHandlers *order.GinHandlers,
	tradeHandlers *trade.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	refundHandlers *refund.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Team routes: joining and progress
		teams := v1.Group("/teams")
		teams.Use(middleware.JWTAuth(jwtSecret))
		{
			teams.POST("/join", tradeHandlers.LockOrderHandler())
			teams.GET("/:team_id/progress", orderHandlers.GetTeamProgressHandler())
		}

		// Trade order routes: status and refunds
		tradeOrders := v1.Group("/trade-orders")
		tradeOrders.Use(middleware.JWTAuth(jwtSecret))
		{
			tradeOrders.GET("/:trade_order_id", tradeHandlers.GetTradeOrderHandler())
			tradeOrders.POST("/:trade_order_id/refund", refundHandlers.RefundTradeOrderHandler())
		}

		// Payment gateway callback (authenticated by the gateway's signature
		// in production; left open here as the mock carries none)
		payments := v1.Group("/payments")
		{
			payments.POST("/callback", settlementHandlers.PaymentCallbackHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.GET("/orders/:order_id", orderHandlers.GetOrderHandler())
			internal.POST("/settlement/:order_id", settlementHandlers.SettleOrderHandler())
			internal.POST("/refund/orders/:order_id", refundHandlers.RefundOrderHandler())
			internal.GET("/refund/dead-letters", refundHandlers.ListDeadLettersHandler())
			internal.GET("/users/:user_id/trade-orders", tradeHandlers.ListUserTradeOrdersHandler())
		}
	}
}
