// Package httpapi exposes the settlement engine over HTTP for the ride system
// and the payment gateways.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teranga-mobility/driverledger/pkg/ledger"
)

// Run boots the HTTP API and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg Config, service *ledger.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := NewRouter(cfg, service, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(cfg Config, service *ledger.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		service: service,
		logger:  logger,
		cfg:     cfg,
	}

	v1 := router.Group("/v1")
	v1.POST("/commissions", handler.handleDebitCommission)
	v1.POST("/earnings", handler.handleCreditEarnings)
	v1.POST("/recharges", handler.handleInitiateRecharge)
	v1.POST("/withdrawals", handler.handleRequestWithdrawal)
	v1.POST("/adjustments", handler.handleAdminAdjust)
	v1.GET("/drivers/:driver_id/summary", handler.handleAccountSummary)
	v1.GET("/drivers/:driver_id/entries", handler.handleListEntries)
	v1.PUT("/drivers/:driver_id/destination", handler.handleSetDestination)
	v1.PUT("/drivers/:driver_id/auto-recharge", handler.handleConfigureAutoRecharge)
	v1.PUT("/drivers/:driver_id/prepaid-enrollment", handler.handleSetEnrollment)

	webhooks := v1.Group("/webhooks")
	webhooks.Use(webhookAuth(cfg.WebhookSecret, cfg.WebhookIssuer))
	webhooks.POST("/recharge", handler.handleRechargeWebhook)
	webhooks.POST("/withdrawal", handler.handleWithdrawalWebhook)

	return router
}
