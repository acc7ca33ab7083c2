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

	"github.com/gin-gonic/gin"

	"github.com/hashbrotherhood/hashmarket/internal/ledger"
)

// handleReviewQueue lists orders waiting on an admin decision: flagged
// mid-delivery or past their window without buyer confirmation
func (s *Server) handleReviewQueue(c *gin.Context) {
	list, err := s.orders.ReviewQueue(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleOpenDisputes(c *gin.Context) {
	list, err := s.orders.OpenDisputes(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type adminActionRequest struct {
	Action  string `json:"action" binding:"required"`
	Percent int    `json:"percent"`
}

// handleAdminAction settles an order: approve, reject, or a partial
// payout. Re-settling a finished order returns its stored outcome.
func (s *Server) handleAdminAction(c *gin.Context) {
	var req adminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	o, err := s.orders.AdminAction(
		c.Request.Context(),
		c.Param("code"),
		req.Action,
		req.Percent,
		s.adminUser(c),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Percent    int    `json:"percent"`
}

func (s *Server) handleResolveDispute(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.respondBindError(c, errors.New("invalid dispute id"))
		return
	}
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondBindError(c, err)
		return
	}
	d, err := s.orders.ResolveDispute(
		c.Request.Context(),
		id,
		req.Resolution,
		req.Percent,
		s.adminUser(c),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handlePendingWithdrawals(c *gin.Context) {
	txns, err := s.ledger.ListPendingWithdrawals(c.Request.Context())
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

func (s *Server) handleApproveWithdrawal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.respondBindError(c, errors.New("invalid withdrawal id"))
		return
	}
	err = s.ledger.ApproveWithdrawal(c.Request.Context(), id, s.adminUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txn_id": id,
		"status": ledger.WithdrawStatusProcessing,
	})
}

func (s *Server) handleRejectWithdrawal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.respondBindError(c, errors.New("invalid withdrawal id"))
		return
	}
	err = s.ledger.RejectWithdrawal(c.Request.Context(), id, s.adminUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txn_id": id,
		"status": ledger.WithdrawStatusRejected,
	})
}

type banRequest struct {
	Banned *bool `json:"banned"`
}

// handleBanUser flips the banned flag; an empty body bans
func (s *Server) handleBanUser(c *gin.Context) {
	banned := true
	var req banRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.Banned != nil {
		banned = *req.Banned
	}
	wallet := c.Param("wallet")
	err := s.users.SetBanned(c.Request.Context(), wallet, banned)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info(
		"user ban updated",
		"wallet", wallet,
		"banned", banned,
		"admin", s.adminUser(c),
	)
	c.JSON(http.StatusOK, gin.H{
		"wallet": wallet,
		"banned": banned,
	})
}

func (s *Server) handleAdminStats(c *gin.Context) {
	stats, err := s.orders.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
