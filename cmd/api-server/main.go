package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/analytics"
	"github.com/enterprise/fraud-engine/internal/auth"
	"github.com/enterprise/fraud-engine/internal/country"
	"github.com/enterprise/fraud-engine/internal/generator"
	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/patterns"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
	"github.com/enterprise/fraud-engine/internal/ws"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Fraud Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// The VPN blacklist is a startup resource: refusing to boot without it
	// beats silently skipping the VPN rule.
	blacklist, err := geo.LoadVPNBlacklist(cfg.Engine.VPNBlacklistPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Engine.VPNBlacklistPath).Msg("Failed to load VPN blacklist")
	}
	log.Info().Int("prefixes", blacklist.Size()).Msg("VPN blacklist loaded")

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	cardRepo := repositories.NewCardRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	txRepo := repositories.NewTransactionRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	patternRepo := repositories.NewPatternRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(userRepo, jwtManager, auditRepo)

	resolver := country.NewCachedResolverWithLimits(
		country.NewHTTPResolver(cfg.Resolver.BaseURL, cfg.Resolver.Timeout),
		cfg.Resolver.CacheEntries,
		cfg.Resolver.CacheTTL,
	)
	engine := scoring.NewEngine(resolver, blacklist, cfg.Engine.RuleWorkers)
	gen := generator.New(cardRepo, deviceRepo, txRepo, blacklist, 0)
	loader := scoring.NewSnapshotLoader(txRepo, deviceRepo)
	decisions := services.NewDecisionService(txRepo, cardRepo, alertRepo)
	builder := patterns.NewBuilder(txRepo, patternRepo, cacheClient)
	paymentService := services.NewPaymentService(db, gen, txRepo, loader, engine, decisions, builder, deviceRepo, auditRepo, streamClient)
	resetService := services.NewResetService(cardRepo, deviceRepo, txRepo, alertRepo, patternRepo, auditRepo, 0)
	backtestService := scoring.NewBacktestService(engine, txRepo, cardRepo, deviceRepo, services.Decide)
	analyticsService := analytics.NewAnalyticsService(txRepo, alertRepo, db, cacheClient)

	// Live alert feed: the hub fans evaluation events with alerts out to
	// connected WebSocket clients.
	hub := ws.NewHub()
	go hub.Run()

	tailCtx, tailCancel := context.WithCancel(context.Background())
	defer tailCancel()
	go hub.Tail(tailCtx, streamClient)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	// Setup routes
	deps := &apiDeps{
		jwtManager: jwtManager,
		auth:       authService,
		payments:   paymentService,
		reset:      resetService,
		backtest:   backtestService,
		analytics:  analyticsService,
		patterns:   builder,
		stream:     streamClient,
		db:         db,
		hub:        hub,
		txRepo:     txRepo,
		cardRepo:   cardRepo,
		deviceRepo: deviceRepo,
		alertRepo:  alertRepo,
		auditRepo:  auditRepo,
	}
	setupRoutes(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	tailCancel()
	hub.Close()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// apiDeps bundles everything the route handlers need.
type apiDeps struct {
	jwtManager *auth.JWTManager
	auth       *services.AuthService
	payments   *services.PaymentService
	reset      *services.ResetService
	backtest   *scoring.BacktestService
	analytics  *analytics.AnalyticsService
	patterns   *patterns.Builder
	stream     *queue.RedisStreamClient
	db         *repositories.Database
	hub        *ws.Hub
	txRepo     *repositories.TransactionRepository
	cardRepo   *repositories.CardRepository
	deviceRepo *repositories.DeviceRepository
	alertRepo  *repositories.AlertRepository
	auditRepo  *repositories.AuditRepository
}

func setupRoutes(router *gin.Engine, d *apiDeps) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Readiness: verifies the backing stores, not just the process
	router.GET("/ready", readyHandler(d.db, d.stream))

	// Live alert feed (WebSocket). Browser clients cannot set headers on
	// the upgrade request, so auth is attached when present, not required.
	router.GET("/ws/alerts", auth.OptionalAuthMiddleware(d.jwtManager), d.hub.Subscribe)

	// API v1 routes
	v1 := router.Group("/api/v1")

	// Auth routes (public)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(d.auth))
		authRoutes.POST("/login", loginHandler(d.auth))
		authRoutes.POST("/refresh", auth.AuthMiddleware(d.jwtManager), refreshTokenHandler(d.auth))
		authRoutes.GET("/me", auth.AuthMiddleware(d.jwtManager), currentUserHandler(d.auth))
	}

	// Protected routes
	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(d.jwtManager))

	// Payment evaluation routes
	paymentRoutes := protected.Group("/payments")
	{
		paymentRoutes.POST("", processPaymentHandler(d.payments, d.stream))
		paymentRoutes.POST("/manual", processManualPaymentHandler(d.payments, d.stream))
	}

	// Transaction routes
	txRoutes := protected.Group("/transactions")
	{
		txRoutes.GET("/recent", getRecentTransactionsHandler(d.txRepo))
		txRoutes.GET("/flagged", getFlaggedTransactionsHandler(d.analytics))
		txRoutes.GET("/:id", getTransactionHandler(d.txRepo))
		txRoutes.PATCH("/:id/reimburse", reimburseTransactionHandler(d.txRepo, d.auditRepo))
	}

	// Card routes
	cardRoutes := protected.Group("/cards")
	{
		cardRoutes.GET("", listCardsHandler(d.cardRepo))
		cardRoutes.POST("", createCardHandler(d.reset))
		cardRoutes.GET("/:id", getCardHandler(d.cardRepo))
		cardRoutes.PATCH("/:id/status", updateCardStatusHandler(d.cardRepo, d.auditRepo))
		cardRoutes.GET("/:id/transactions", getCardTransactionsHandler(d.txRepo))
		cardRoutes.GET("/:id/pattern", getCardPatternHandler(d.patterns))
		cardRoutes.GET("/:id/devices", getCardDevicesHandler(d.deviceRepo))
		cardRoutes.POST("/:id/devices", addCardDeviceHandler(d.reset, d.auditRepo))
		cardRoutes.GET("/:id/alerts", getCardAlertsHandler(d.alertRepo))
	}

	// Alert routes
	alertRoutes := protected.Group("/alerts")
	{
		alertRoutes.GET("", listAlertsHandler(d.alertRepo))
		alertRoutes.GET("/:id", getAlertHandler(d.alertRepo))
		alertRoutes.PATCH("/:id/status", updateAlertStatusHandler(d.alertRepo, d.auditRepo))
	}

	// Analytics routes
	analyticsRoutes := protected.Group("/analytics")
	{
		analyticsRoutes.GET("/decisions", getDecisionDistributionHandler(d.analytics))
		analyticsRoutes.GET("/alerts/top", getTopAlertTypesHandler(d.analytics))
		analyticsRoutes.GET("/volume/hourly", getHourlyVolumeHandler(d.analytics))
		analyticsRoutes.GET("/summary/daily", getDailySummaryHandler(d.analytics))
		analyticsRoutes.GET("/cards/:id", getCardProfileHandler(d.analytics))
	}

	// Metrics routes (admin only)
	metricsRoutes := protected.Group("/metrics")
	metricsRoutes.Use(auth.RoleMiddleware("admin", "analyst"))
	{
		metricsRoutes.GET("/system", getSystemMetricsHandler(d.analytics, d.stream))
	}

	// Backtest routes (admin only)
	backtestRoutes := protected.Group("/backtest")
	backtestRoutes.Use(auth.RoleMiddleware("admin", "analyst"))
	{
		backtestRoutes.POST("/run", runBacktestHandler(d.backtest))
	}

	// Admin routes
	adminRoutes := protected.Group("/admin")
	adminRoutes.Use(auth.RoleMiddleware("admin"))
	{
		adminRoutes.GET("/audit", listAuditLogsHandler(d.auditRepo))
		adminRoutes.POST("/reset", resetDatasetHandler(d.reset))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func readyHandler(db *repositories.Database, stream *queue.RedisStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "database"})
			return
		}
		if _, err := stream.GetStreamInfo(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "redis"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) || errors.Is(err, repositories.ErrUserAlreadyExists) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req, c.GetString("request_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 {
			token = token[7:] // Remove "Bearer "
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func currentUserHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.GetUserIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		user, err := authService.GetUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, user)
	}
}

// processPaymentRequest is the normal-mode evaluation request: the engine
// synthesizes the transaction itself.
type processPaymentRequest struct {
	SuccessForce bool `json:"success_force"`
	Async        bool `json:"async"`
}

func processPaymentHandler(paymentService *services.PaymentService, stream *queue.RedisStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processPaymentRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		requestID := c.GetString("request_id")

		if req.Async {
			msgID, err := stream.PublishRequest(c.Request.Context(), &models.PaymentRequested{
				RequestID:    requestID,
				SuccessForce: req.SuccessForce,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"status":     "queued",
				"message_id": msgID,
				"request_id": requestID,
			})
			return
		}

		resp, err := paymentService.Process(c.Request.Context(), req.SuccessForce, requestID)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// manualPaymentRequest wraps the manual payload with the evaluation flags.
type manualPaymentRequest struct {
	services.ManualPaymentRequest
	SuccessForce bool `json:"success_force"`
	Async        bool `json:"async"`
}

func processManualPaymentHandler(paymentService *services.PaymentService, stream *queue.RedisStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req manualPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		requestID := c.GetString("request_id")

		if req.Async {
			msgID, err := stream.PublishRequest(c.Request.Context(), &models.PaymentRequested{
				RequestID:    requestID,
				Manual:       true,
				SuccessForce: req.SuccessForce,
				CardID:       req.CardID,
				DeviceID:     req.DeviceID,
				Amount:       req.Amount,
				Category:     req.MerchantCategory,
				IPAddress:    req.IPAddress,
				Latitude:     req.Latitude,
				Longitude:    req.Longitude,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"status":     "queued",
				"message_id": msgID,
				"request_id": requestID,
			})
			return
		}

		resp, err := paymentService.ProcessManual(c.Request.Context(), &req.ManualPaymentRequest, req.SuccessForce, requestID)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func getRecentTransactionsHandler(txRepo *repositories.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		transactions, total, err := txRepo.GetRecent(c.Request.Context(), page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"transactions": transactions,
			"pagination": gin.H{
				"page":      page,
				"page_size": pageSize,
				"total":     total,
			},
		})
	}
}

func getFlaggedTransactionsHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		resp, err := analyticsService.GetFlaggedTransactions(c.Request.Context(), page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getTransactionHandler(txRepo *repositories.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
			return
		}

		tx, err := txRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, tx)
	}
}

// reimburseRequest toggles the only field that stays mutable once a
// transaction has a terminal decision.
type reimburseRequest struct {
	Reimbursed *bool `json:"reimbursed"`
}

func reimburseTransactionHandler(txRepo *repositories.TransactionRepository, auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
			return
		}

		reimbursed := true
		var req reimburseRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Reimbursed != nil {
				reimbursed = *req.Reimbursed
			}
		}

		if err := txRepo.UpdateReimbursed(c.Request.Context(), id, reimbursed); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		recordAudit(c, auditRepo, models.AuditEventCardUpdate, id, "transaction",
			fmt.Sprintf("reimbursed=%t", reimbursed), nil)

		c.JSON(http.StatusOK, gin.H{"id": id, "reimbursed": reimbursed})
	}
}

func listCardsHandler(cardRepo *repositories.CardRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 50)

		cards, total, err := cardRepo.List(c.Request.Context(), page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"cards":      maskCards(cards),
			"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
		})
	}
}

func createCardHandler(resetService *services.ResetService) gin.HandlerFunc {
	return func(c *gin.Context) {
		card, err := resetService.CreateCard(c.Request.Context())
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, maskCard(card))
	}
}

func getCardHandler(cardRepo *repositories.CardRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		card, err := cardRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, maskCard(card))
	}
}

// updateCardStatusRequest moves a card between ACTIVE, BLOCKED and LOST.
type updateCardStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=ACTIVE BLOCKED LOST"`
}

func updateCardStatusHandler(cardRepo *repositories.CardRepository, auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		var req updateCardStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := cardRepo.UpdateStatus(c.Request.Context(), id, req.Status); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		recordAudit(c, auditRepo, models.AuditEventCardUpdate, id, "card",
			"status:"+req.Status, nil)

		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
	}
}

func getCardTransactionsHandler(txRepo *repositories.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		transactions, total, err := txRepo.GetByCardID(c.Request.Context(), id, page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"transactions": transactions,
			"pagination":   gin.H{"page": page, "page_size": pageSize, "total": total},
		})
	}
}

func getCardPatternHandler(builder *patterns.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		pattern, err := builder.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, pattern)
	}
}

func getCardDevicesHandler(deviceRepo *repositories.DeviceRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		devices, err := deviceRepo.GetByCard(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
	}
}

func addCardDeviceHandler(resetService *services.ResetService, auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		device, err := resetService.AddDevice(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		recordAudit(c, auditRepo, models.AuditEventDeviceLink, device.ID, "device",
			"linked", models.JSONB{"card_id": id.String()})

		c.JSON(http.StatusCreated, device)
	}
}

func getCardAlertsHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)

		alerts, total, err := alertRepo.GetByCardID(c.Request.Context(), id, page, pageSize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alerts":     alerts,
			"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
		})
	}
}

func listAlertsHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 20)
		status := c.Query("status")

		var (
			alerts []*models.FraudAlert
			total  int
			err    error
		)
		if status != "" {
			alerts, total, err = alertRepo.GetByStatus(c.Request.Context(), status, page, pageSize)
		} else {
			alerts, total, err = alertRepo.GetRecent(c.Request.Context(), page, pageSize)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alerts":     alerts,
			"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
		})
	}
}

func getAlertHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		alert, err := alertRepo.GetByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

// updateAlertStatusRequest drives the manual review workflow.
type updateAlertStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=PENDING REVIEWED CONFIRMED DISMISSED"`
}

func updateAlertStatusHandler(alertRepo *repositories.AlertRepository, auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		var req updateAlertStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := alertRepo.UpdateStatus(c.Request.Context(), id, req.Status); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		recordAudit(c, auditRepo, models.AuditEventAlertReview, id, "fraud_alert",
			"status:"+req.Status, nil)

		c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
	}
}

func getDecisionDistributionHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		distribution, err := analyticsService.GetDecisionDistribution(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, distribution)
	}
}

func getTopAlertTypesHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)
		limit := getIntParam(c, "limit", 10)

		alertTypes, err := analyticsService.GetTopAlertTypes(c.Request.Context(), days, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"alert_types": alertTypes})
	}
}

func getHourlyVolumeHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDateQuery(c, "date")
		if !ok {
			return
		}

		volumes, err := analyticsService.GetHourlyVolume(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"volumes": volumes})
	}
}

func getDailySummaryHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDateQuery(c, "date")
		if !ok {
			return
		}

		summary, err := analyticsService.GetDailySummary(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func getCardProfileHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUIDParam(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid card id"})
			return
		}

		profile, err := analyticsService.GetCardProfile(c.Request.Context(), id.String())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, profile)
	}
}

func getSystemMetricsHandler(analyticsService *analytics.AnalyticsService, streamClient *queue.RedisStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := analyticsService.GetSystemMetrics(c.Request.Context(), streamClient)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, metrics)
	}
}

func runBacktestHandler(backtestService *scoring.BacktestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scoring.BacktestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.SampleSize == 0 {
			req.SampleSize = 100
		}

		result, err := backtestService.Run(c.Request.Context(), &req)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func resetDatasetHandler(resetService *services.ResetService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.ResetRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		summary, err := resetService.Reset(c.Request.Context(), &req)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

// listAuditLogsHandler serves the compliance trail. An entity filter takes
// precedence over an event-type filter when both are supplied.
func listAuditLogsHandler(auditRepo *repositories.AuditRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := getIntParam(c, "page", 1)
		pageSize := getIntParam(c, "page_size", 50)
		ctx := c.Request.Context()

		var (
			logs  []*models.AuditLog
			total int
			err   error
		)
		switch {
		case c.Query("entity_type") != "":
			entityID, idErr := uuid.Parse(c.Query("entity_id"))
			if idErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "entity filter requires a valid entity_id"})
				return
			}
			logs, total, err = auditRepo.GetByEntity(ctx, c.Query("entity_type"), entityID, page, pageSize)
		case c.Query("event_type") != "":
			logs, total, err = auditRepo.GetByEventType(ctx, c.Query("event_type"), page, pageSize)
		default:
			logs, err = auditRepo.GetRecent(ctx, pageSize)
			total = len(logs)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"audit_logs": logs,
			"pagination": gin.H{"page": page, "page_size": pageSize, "total": total},
		})
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}

func parseUUIDParam(c *gin.Context, key string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(key))
}

// parseDateQuery reads an optional YYYY-MM-DD query parameter, defaulting
// to today. It writes the error response itself when the value is malformed.
func parseDateQuery(c *gin.Context, key string) (time.Time, bool) {
	dateStr := c.Query(key)
	if dateStr == "" {
		return time.Now(), true
	}

	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
		return time.Time{}, false
	}
	return date, true
}

// maskedCard is the wire form of a card: the PAN never leaves the server,
// only its masked rendering does.
type maskedCard struct {
	*models.Card
	MaskedNumber string `json:"masked_number"`
}

func maskCard(card *models.Card) maskedCard {
	return maskedCard{Card: card, MaskedNumber: card.MaskedNumber()}
}

func maskCards(cards []*models.Card) []maskedCard {
	out := make([]maskedCard, 0, len(cards))
	for _, card := range cards {
		out = append(out, maskCard(card))
	}
	return out
}

// recordAudit writes one audit entry for an admin action. Audit failures
// are logged, never surfaced: the action itself already succeeded.
func recordAudit(c *gin.Context, auditRepo *repositories.AuditRepository, eventType string, entityID uuid.UUID, entityType, action string, payload models.JSONB) {
	entry := &models.AuditLog{
		EventType:  eventType,
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Payload:    payload,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		RequestID:  c.GetString("request_id"),
	}
	if userID, ok := auth.GetUserIDFromContext(c); ok {
		entry.UserID = &userID
	}

	if err := auditRepo.Create(c.Request.Context(), entry); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to write audit entry")
	}
}

// statusForError maps the service error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, repositories.ErrCardNotFound),
		errors.Is(err, repositories.ErrDeviceNotFound),
		errors.Is(err, repositories.ErrTransactionNotFound),
		errors.Is(err, repositories.ErrAlertNotFound),
		errors.Is(err, repositories.ErrPatternNotFound),
		errors.Is(err, repositories.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrDeviceNotLinked),
		errors.Is(err, generator.ErrCardBlockedOrLost):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repositories.ErrNoCardsAvailable),
		errors.Is(err, services.ErrCardQuantityMax),
		errors.Is(err, services.ErrDeviceMaxSupported):
		return http.StatusConflict
	case errors.Is(err, services.ErrManualPayloadMissing),
		errors.Is(err, geo.ErrMalformedCoordinate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
