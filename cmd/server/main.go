package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"opendum/internal/accountant"
	"opendum/internal/auth"
	"opendum/internal/concurrency"
	"opendum/internal/config"
	"opendum/internal/crypto"
	"opendum/internal/handler"
	"opendum/internal/metrics"
	"opendum/internal/middleware"
	"opendum/internal/provider"
	"opendum/internal/ratelimit"
	"opendum/internal/ratelimitledger"
	"opendum/internal/refresher"
	"opendum/internal/selector"
	"opendum/internal/store"
	"opendum/internal/usagelog"
	"opendum/pkg/jwt"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	logFile, err := os.OpenFile("opendum.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open log file")
	}
	defer logFile.Close()

	multi := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		logFile,
	)
	log.Logger = log.Output(multi)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("JWT secret is required (set OPENDUM_JWT_SECRET)")
	}
	if cfg.Admin.Key == "" {
		log.Fatal().Msg("admin key is required (set OPENDUM_ADMIN_KEY)")
	}
	if cfg.Encryption.MasterKey == "" {
		log.Fatal().Msg("encryption master key is required (set OPENDUM_ENCRYPTION_MASTER_KEY)")
	}

	db, err := store.New(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	envelope := crypto.NewEnvelope(cfg.Encryption.MasterKey)
	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	coord := provider.NewRefreshCoordinator()

	var ledger ratelimitledger.Ledger
	switch cfg.Ledger.Backend {
	case "redis":
		redisLedger, err := ratelimitledger.NewRedisLedger(ratelimitledger.RedisLedgerConfig{
			Addr:     cfg.Ledger.Redis.Addr,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			PoolSize: cfg.Ledger.Redis.PoolSize,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis ledger")
		}
		ledger = redisLedger
	default:
		ledger = ratelimitledger.NewMemoryLedger()
	}

	acctSelector := selector.NewSelector(db, ledger)
	acct := accountant.NewAccountant(db)

	dispatcher := usagelog.NewDispatcher(db, cfg.UsageLog.BufferSize, cfg.UsageLog.Workers)
	aggregator := usagelog.NewAggregator(db, cfg.UsageLog.AggregationInterval)

	refresh := refresher.New(refresher.Config{
		Enabled:       cfg.Refresher.Enabled,
		CheckInterval: cfg.Refresher.CheckInterval,
		RefreshBefore: cfg.Refresher.RefreshBefore,
	}, db, envelope, coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	aggregator.Start(ctx)
	defer aggregator.Stop()

	refresh.Start(ctx)
	defer refresh.Stop()

	concurrencyMgr := concurrency.NewManager(concurrency.ConcurrencyConfig{
		UserMax:       cfg.Concurrency.UserMax,
		AccountMax:    cfg.Concurrency.AccountMax,
		MaxWaitQueue:  cfg.Concurrency.MaxWaitQueue,
		WaitTimeout:   cfg.Concurrency.WaitTimeout,
		BackoffBase:   cfg.Concurrency.BackoffBase,
		BackoffMax:    cfg.Concurrency.BackoffMax,
		BackoffJitter: cfg.Concurrency.BackoffJitter,
		PingInterval:  cfg.Concurrency.PingInterval,
	})
	defer concurrencyMgr.Close()

	limiter := ratelimit.NewMultiMemoryLimiter(ratelimit.DefaultRateLimitConfig())

	metricsCollector := metrics.NewMetrics(metrics.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
		Path:    cfg.Metrics.Path,
	})

	authMiddleware := auth.NewMiddleware(db, envelope)
	adminSessionMiddleware := middleware.NewAdminSessionMiddleware(jwtManager)
	adminKeyMiddleware := middleware.NewAdminMiddleware(cfg.Admin.Key)

	orchestrator := handler.NewOrchestrator(db, envelope, acctSelector, ledger, acct, coord, dispatcher)
	proxyKeyHandler := handler.NewProxyKeyHandler(db, envelope)
	accountHandler := handler.NewAccountHandler(db, envelope)
	usageLogsHandler := handler.NewUsageLogsHandler(db)
	statsHandler := handler.NewStatsHandler(db)
	adminAuthHandler := handler.NewAdminAuthHandler(jwtManager, cfg.JWT.DefaultExpiry)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, metricsCollector.Handler())
	}

	admin := router.Group("/api/admin")
	admin.POST("/login", adminKeyMiddleware.Auth(), adminAuthHandler.Login)

	adminAPI := router.Group("/api/admin")
	adminAPI.Use(adminSessionMiddleware.Auth())
	{
		adminAPI.POST("/proxy-keys", proxyKeyHandler.Create)
		adminAPI.GET("/proxy-keys", proxyKeyHandler.List)
		adminAPI.GET("/proxy-keys/:id", proxyKeyHandler.Get)
		adminAPI.DELETE("/proxy-keys/:id", proxyKeyHandler.Revoke)

		adminAPI.POST("/accounts/oauth/start", accountHandler.StartOAuth)
		adminAPI.POST("/accounts/oauth/complete", accountHandler.CompleteOAuth)
		adminAPI.POST("/accounts/apikey", accountHandler.CreateAPIKeyAccount)
		adminAPI.GET("/accounts", accountHandler.ListAccounts)
		adminAPI.GET("/accounts/:id", accountHandler.GetAccount)
		adminAPI.PUT("/accounts/:id", accountHandler.UpdateAccount)
		adminAPI.DELETE("/accounts/:id", accountHandler.DeleteAccount)
		adminAPI.POST("/accounts/:id/deactivate", accountHandler.DeactivateAccount)
		adminAPI.POST("/accounts/:id/refresh", accountHandler.RefreshToken)

		adminAPI.GET("/usage-logs", usageLogsHandler.ListUsageLogs)
		adminAPI.DELETE("/usage-logs", usageLogsHandler.DeleteOldUsageLogs)
		adminAPI.GET("/usage-logs/export", usageLogsHandler.ExportUsageLogs)

		adminAPI.GET("/stats/proxy-keys/:id", statsHandler.GetProxyKeyStats)
		adminAPI.GET("/stats/accounts/:id", statsHandler.GetAccountStats)
		adminAPI.GET("/stats/overview", statsHandler.GetOverview)
		adminAPI.GET("/stats/daily", statsHandler.GetDailyTrend)
	}

	v1 := router.Group("/v1")
	v1.Use(authMiddleware.Authenticate())
	v1.Use(admissionMiddleware(concurrencyMgr, limiter))
	v1.Use(metricsMiddleware(metricsCollector, "chat_completions"))
	{
		v1.POST("/chat/completions", orchestrator.ChatCompletions)
	}

	anthropicGroup := router.Group("/")
	anthropicGroup.Use(authMiddleware.Authenticate())
	anthropicGroup.Use(admissionMiddleware(concurrencyMgr, limiter))
	anthropicGroup.Use(metricsMiddleware(metricsCollector, "messages"))
	{
		anthropicGroup.POST("v1/messages", orchestrator.Messages)
	}

	responsesGroup := router.Group("/")
	responsesGroup.Use(authMiddleware.Authenticate())
	responsesGroup.Use(admissionMiddleware(concurrencyMgr, limiter))
	responsesGroup.Use(metricsMiddleware(metricsCollector, "responses"))
	{
		responsesGroup.POST("v1/responses", orchestrator.Responses)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting server")
		log.Info().
			Bool("concurrency", true).
			Bool("ratelimit", true).
			Bool("metrics", cfg.Metrics.Enabled).
			Bool("refresher", cfg.Refresher.Enabled).
			Str("ledger_backend", cfg.Ledger.Backend).
			Msg("features enabled")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// admissionMiddleware gates a dialect route behind the per-user concurrency
// slot and the multi-scope QPS limiter before the request reaches the
// Request Orchestrator, releasing the slot once the handler returns.
func admissionMiddleware(mgr concurrency.Manager, limiter ratelimit.MultiLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.FromContext(c)
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"type": "authentication_error", "message": "missing authenticated caller"}})
			return
		}

		result, err := limiter.CheckAll(c.Request.Context(), key.UserID, "", c.ClientIP())
		if err != nil || (result != nil && !result.Allowed) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"type": "rate_limit_error", "message": "rate limit exceeded"}})
			return
		}

		if _, err := mgr.AcquireUserSlot(c.Request.Context(), key.UserID); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{"type": "concurrency_error", "message": "too many concurrent requests"}})
			return
		}
		defer mgr.ReleaseUserSlot(key.UserID)

		c.Next()
	}
}

// metricsMiddleware records gin-level status/duration for a dialect route.
// The model isn't known at this layer without re-parsing the request body
// the Orchestrator already parses, so it's recorded as "-".
func metricsMiddleware(m *metrics.Metrics, dialectLabel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordRequest(dialectLabel, "-", c.Writer.Status(), time.Since(start))
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
