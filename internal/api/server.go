// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/logging"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/order"
	"github.com/hashbrotherhood/hashmarket/internal/user"
	"github.com/hashbrotherhood/hashmarket/internal/version"
)

// Server is the HTTP control plane: the public marketplace surface, the
// proxy ingress callbacks, and the admin console, all on one listener.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	orders   *order.Service
	listings *market.Store
	users    *user.Store
	ledger   *ledger.Engine
	notifier *notify.Notifier
	router   *gin.Engine
	srv      *http.Server
}

func NewServer(
	cfg *config.Config,
	orders *order.Service,
	listings *market.Store,
	users *user.Store,
	engine *ledger.Engine,
	notifier *notify.Notifier,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logging.GetLogger().With("component", "api"),
		orders:   orders,
		listings: listings,
		users:    users,
		ledger:   engine,
		notifier: notifier,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled route tree
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves in the background. A bind
// failure is returned synchronously so the caller can bail out.
func (s *Server) Start() error {
	addr := fmt.Sprintf(
		"%s:%d",
		s.cfg.Api.ListenAddress,
		s.cfg.Api.ListenPort,
	)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind api listener: %w", err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", "address", addr)
	go func() {
		err := s.srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/healthcheck", s.handleHealthcheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	proxy := api.Group("/proxy")
	proxy.GET("/order/:worker_id", s.handleProxyOrder)
	proxy.POST("/connect", s.handleProxyConnect)
	proxy.POST("/share", s.handleProxyShare)
	proxy.POST("/hashrate", s.handleProxyHashrate)
	proxy.POST("/disconnect", s.handleProxyDisconnect)

	api.GET("/algorithms", s.handleAlgorithms)
	api.POST("/listings", s.handleCreateListing)
	api.POST("/listings/:id/status", s.handleListingStatus)
	api.POST("/orders", s.handleCreateOrder)
	api.GET("/orders/:code", s.handleGetOrder)
	api.POST("/orders/:code/confirm", s.handleConfirmOrder)
	api.POST("/orders/:code/dispute", s.handleOpenDispute)
	api.GET("/users/:wallet/orders", s.handleUserOrders)
	api.GET("/balance/:wallet", s.handleBalance)
	api.GET("/balance/:wallet/transactions", s.handleTransactions)
	api.POST("/balance/deposit", s.handleDeposit)
	api.POST("/balance/withdraw", s.handleWithdraw)
	api.GET("/deposit/qr", s.handleDepositQr)

	admin := api.Group("/admin")
	admin.POST("/login", s.handleAdminLogin)
	guarded := admin.Group("", s.adminAuth())
	guarded.GET("/review", s.handleReviewQueue)
	guarded.GET("/disputes", s.handleOpenDisputes)
	guarded.POST("/orders/:code/action", s.handleAdminAction)
	guarded.POST("/disputes/:id/resolve", s.handleResolveDispute)
	guarded.GET("/withdrawals", s.handlePendingWithdrawals)
	guarded.POST("/withdrawals/:id/approve", s.handleApproveWithdrawal)
	guarded.POST("/withdrawals/:id/reject", s.handleRejectWithdrawal)
	guarded.POST("/users/:wallet/ban", s.handleBanUser)
	guarded.GET("/stats", s.handleAdminStats)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(
			"http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"client", c.ClientIP(),
		)
	}
}

func (s *Server) handleHealthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.GetVersionString(),
	})
}

// Error codes returned in the "error" field of failure responses
const (
	codeNotFound          = "NOT_FOUND"
	codeInvalidRequest    = "INVALID_REQUEST"
	codeForbidden         = "FORBIDDEN"
	codeConflict          = "CONFLICT"
	codeOrderTerminal     = "ORDER_TERMINAL"
	codeInsufficientFunds = "INSUFFICIENT_FUNDS"
	codeUnauthorized      = "UNAUTHORIZED"
	codeInternal          = "INTERNAL"
)

// respondError maps the service layer's sentinel errors onto HTTP statuses.
// Anything unrecognized is a 500 with the detail kept out of the response.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(
			"request failed",
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.AbortWithStatusJSON(status, gin.H{
			"error":   code,
			"message": "internal error",
		})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, order.ErrDisputeNotFound),
		errors.Is(err, market.ErrNotFound),
		errors.Is(err, user.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownUser):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, order.ErrNotParticipant),
		errors.Is(err, order.ErrBuyerBanned),
		errors.Is(err, market.ErrNotOwner):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, order.ErrOrderTerminal):
		return http.StatusConflict, codeOrderTerminal
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrDisputeInvalidState),
		errors.Is(err, market.ErrNotActive),
		errors.Is(err, market.ErrRented),
		errors.Is(err, ledger.ErrWithdrawNotPending):
		return http.StatusConflict, codeConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, codeInsufficientFunds
	case errors.Is(err, market.ErrValidation),
		errors.Is(err, order.ErrInvalidPool),
		errors.Is(err, order.ErrHoursOutOfRange),
		errors.Is(err, order.ErrSelfOrder),
		errors.Is(err, order.ErrInvalidAction),
		errors.Is(err, order.ErrInvalidPercent),
		errors.Is(err, order.ErrInvalidReason),
		errors.Is(err, order.ErrInvalidResolution),
		errors.Is(err, order.ErrInvalidOutcome),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAmountOverflow):
		return http.StatusBadRequest, codeInvalidRequest
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) respondBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   codeInvalidRequest,
		"message": err.Error(),
	})
}
