// Package httpapi exposes the credits ledger over HTTP for the conversion
// frontend, the admin console, and the payment processor's webhook.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/converteja/creditledger/internal/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies carries the wired collaborators for the HTTP facade.
type Dependencies struct {
	Logger  *zap.Logger
	Service CreditService
	// Limiter is optional; without it requests are not throttled.
	Limiter *ratelimit.Limiter
}

// Run boots the HTTP facade and blocks until ctx is canceled or the server
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Logger == nil || deps.Service == nil {
		return errors.New("httpapi: logger and service are required")
	}

	handler := &httpHandler{
		logger:  deps.Logger,
		service: deps.Service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, deps.Limiter)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, limiter *ratelimit.Limiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The processor authenticates with a body signature, not a session.
	router.POST("/webhooks/payment", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))
	if cfg.RateLimitEnabled && limiter != nil {
		api.Use(rateLimitMiddleware(handler.logger, limiter))
	}

	api.GET("/credits/balance", handler.handleBalance)
	api.GET("/credits/transactions", handler.handleTransactions)
	api.GET("/credits/sufficient", handler.handleSufficient)
	api.GET("/conversions/costs", handler.handleCosts)
	api.POST("/conversions/charge", handler.handleCharge)
	api.POST("/refunds", handler.handleCreateRefund)

	admin := api.Group("/admin")
	admin.Use(requireAdmin())
	admin.GET("/refunds", handler.handleListRefunds)
	admin.POST("/refunds/:id/approve", handler.handleApproveRefund)
	admin.POST("/refunds/:id/reject", handler.handleRejectRefund)

	return router
}

// rateLimitMiddleware throttles per account. Redis outages fail open: credit
// safety lives in the ledger transactions, not here.
func rateLimitMiddleware(logger *zap.Logger, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.Next()
			return
		}
		allowed, err := limiter.Allow(ctx.Request.Context(), claims.AccountID())
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			ctx.Next()
			return
		}
		if !allowed {
			rateLimited.Inc()
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("RATE_LIMITED", "Muitas requisições, tente novamente em instantes"))
			return
		}
		ctx.Next()
	}
}
