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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/order"
	"github.com/hashbrotherhood/hashmarket/internal/user"
)

type algorithmEntry struct {
	Algorithm   string `json:"algorithm"`
	DisplayName string `json:"display_name"`
	Dialect     string `json:"dialect"`
	DefaultUnit string `json:"default_unit"`
}

// handleAlgorithms lists the algorithms listings can be created for
func (s *Server) handleAlgorithms(c *gin.Context) {
	profiles := config.GetAlgorithmProfiles()
	entries := make([]algorithmEntry, 0, len(profiles))
	for _, name := range config.GetAvailableAlgorithms() {
		profile := profiles[name]
		entries = append(entries, algorithmEntry{
			Algorithm:   name,
			DisplayName: profile.DisplayName,
			Dialect:     profile.Dialect.String(),
			DefaultUnit: profile.DefaultUnit,
		})
	}
	c.JSON(http.StatusOK, gin.H{"algorithms": entries})
}

type createListingRequest struct {
	SellerWallet string        `json:"seller_wallet" binding:"required"`
	Algorithm    string        `json:"algorithm"`
	Hashrate     float64       `json:"hashrate"`
	HashrateUnit string        `json:"hashrate_unit"`
	PricePerHour ledger.Amount `json:"price_per_hour"`
	MinHours     int           `json:"min_hours"`
	MaxHours     int           `json:"max_hours"`
	Region       string        `json:"region"`
}

func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	u, err := s.users.EnsureByWallet(ctx, req.SellerWallet)
	if err != nil {
		s.respondError(c, err)
		return
	}
	listing, err := s.listings.Create(ctx, market.CreateParams{
		SellerId:     u.Id,
		Algorithm:    req.Algorithm,
		Hashrate:     req.Hashrate,
		HashrateUnit: req.HashrateUnit,
		PricePerHour: req.PricePerHour,
		MinHours:     req.MinHours,
		MaxHours:     req.MaxHours,
		Region:       req.Region,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

type listingStatusRequest struct {
	SellerWallet string `json:"seller_wallet" binding:"required"`
	Action       string `json:"action" binding:"required"`
}

func (s *Server) handleListingStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.respondBindError(c, errors.New("invalid listing id"))
		return
	}
	var req listingStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	u, err := s.users.GetByWallet(ctx, req.SellerWallet)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			err = market.ErrNotOwner
		}
		s.respondError(c, err)
		return
	}
	listing, err := s.listings.SetStatus(ctx, id, u.Id, req.Action)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

type createOrderRequest struct {
	BuyerWallet    string `json:"buyer_wallet" binding:"required"`
	ListingId      int64  `json:"listing_id" binding:"required"`
	Hours          int    `json:"hours" binding:"required"`
	PoolHost       string `json:"pool_host"`
	PoolPort       int    `json:"pool_port"`
	PoolWallet     string `json:"pool_wallet"`
	PoolWorker     string `json:"pool_worker"`
	PoolPassword   string `json:"pool_password"`
	PoolBackupHost string `json:"pool_backup_host"`
	PoolBackupPort int    `json:"pool_backup_port"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	o, err := s.orders.Create(c.Request.Context(), order.CreateParams{
		BuyerWallet:    req.BuyerWallet,
		ListingId:      req.ListingId,
		Hours:          req.Hours,
		PoolHost:       req.PoolHost,
		PoolPort:       req.PoolPort,
		PoolWallet:     req.PoolWallet,
		PoolWorker:     req.PoolWorker,
		PoolPassword:   req.PoolPassword,
		PoolBackupHost: req.PoolBackupHost,
		PoolBackupPort: req.PoolBackupPort,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// handleGetOrder returns the order with its connection telemetry so the
// buyer can watch delivery without shelling into the proxy
func (s *Server) handleGetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := s.orders.GetOrder(ctx, c.Param("code"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	sessions, err := s.orders.GetOrderSessions(ctx, o.Id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":    o,
		"sessions": sessions,
	})
}

type confirmOrderRequest struct {
	BuyerWallet string `json:"buyer_wallet" binding:"required"`
}

func (s *Server) handleConfirmOrder(c *gin.Context) {
	var req confirmOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	o, err := s.orders.Confirm(
		c.Request.Context(),
		c.Param("code"),
		req.BuyerWallet,
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type openDisputeRequest struct {
	Wallet string `json:"wallet" binding:"required"`
	Reason string `json:"reason" binding:"required"`
	Detail string `json:"detail"`
}

func (s *Server) handleOpenDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	d, err := s.orders.OpenDispute(
		c.Request.Context(),
		c.Param("code"),
		req.Wallet,
		req.Reason,
		req.Detail,
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleUserOrders(c *gin.Context) {
	list, err := s.orders.ListUserOrders(
		c.Request.Context(),
		c.Param("wallet"),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleBalance(c *gin.Context) {
	bal, err := s.ledger.GetBalance(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":    user.NormalizeWallet(c.Param("wallet")),
		"available": bal.Available,
		"escrow":    bal.Escrow,
		"pending":   bal.Pending,
	})
}

// txnView is the wire shape of one ledger row; the nullable columns
// collapse into omitted fields
type txnView struct {
	Id            int64         `json:"id"`
	UserId        int64         `json:"user_id"`
	OrderId       int64         `json:"order_id,omitempty"`
	Kind          string        `json:"kind"`
	Compartment   string        `json:"compartment"`
	Amount        ledger.Amount `json:"amount"`
	BalanceBefore ledger.Amount `json:"balance_before"`
	BalanceAfter  ledger.Amount `json:"balance_after"`
	Fee           ledger.Amount `json:"fee,omitempty"`
	TxHash        string        `json:"tx_hash,omitempty"`
	Destination   string        `json:"destination,omitempty"`
	Status        string        `json:"status,omitempty"`
	Reference     string        `json:"reference,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func toTxnView(t ledger.Transaction) txnView {
	v := txnView{
		Id:            t.Id,
		UserId:        t.UserId,
		Kind:          t.Kind,
		Compartment:   t.Compartment,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Fee:           t.Fee,
		CreatedAt:     t.CreatedAt,
	}
	if t.OrderId.Valid {
		v.OrderId = t.OrderId.Int64
	}
	if t.TxHash.Valid {
		v.TxHash = t.TxHash.String
	}
	if t.Destination.Valid {
		v.Destination = t.Destination.String
	}
	if t.Status.Valid {
		v.Status = t.Status.String
	}
	if t.Reference.Valid {
		v.Reference = t.Reference.String
	}
	return v
}

func (s *Server) handleTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	u, err := s.users.GetByWallet(ctx, c.Param("wallet"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	txns, err := s.ledger.ListTransactions(ctx, u.Id, int(limit))
	if err != nil {
		s.respondError(c, err)
		return
	}
	views := make([]txnView, 0, len(txns))
	for _, t := range txns {
		views = append(views, toTxnView(t))
	}
	c.JSON(http.StatusOK, views)
}

type depositRequest struct {
	Wallet string        `json:"wallet" binding:"required"`
	Amount ledger.Amount `json:"amount"`
	TxHash string        `json:"tx_hash" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	res, err := s.ledger.CreditDeposit(
		c.Request.Context(),
		req.Wallet,
		req.Amount,
		req.TxHash,
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"txn_id":    res.TxnId,
		"balance":   res.Balance,
		"duplicate": res.Duplicate,
	})
}

type withdrawRequest struct {
	Wallet      string        `json:"wallet" binding:"required"`
	Amount      ledger.Amount `json:"amount"`
	Destination string        `json:"destination" binding:"required"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	ctx := c.Request.Context()
	u, err := s.users.GetByWallet(ctx, req.Wallet)
	if err != nil {
		s.respondError(c, err)
		return
	}
	res, err := s.ledger.DebitWithdraw(ctx, u.Id, req.Amount, req.Destination)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if res.Status == ledger.WithdrawStatusPending {
		s.notifier.Publish(ctx, &notify.Event{
			Type:    notify.EventWithdrawPending,
			Wallet:  u.WalletAddress,
			Message: "withdrawal queued for admin approval",
		})
	}
	c.JSON(http.StatusAccepted, gin.H{
		"txn_id":    res.TxnId,
		"reference": res.Reference,
		"status":    res.Status,
		"fee":       res.Fee,
		"balance":   res.Balance,
	})
}

// handleDepositQr renders the platform deposit address as a PNG QR code
func (s *Server) handleDepositQr(c *gin.Context) {
	address := s.cfg.Market.DepositAddress
	if address == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":   codeNotFound,
			"message": "deposit address not configured",
		})
		return
	}
	size, err := queryInt(c, "size")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	if size < 64 || size > 1024 {
		size = 256
	}
	png, err := qrcode.Encode(address, qrcode.Medium, int(size))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}
