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
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hashbrotherhood/hashmarket/internal/order"
)

// The proxy ingress endpoints take their parameters on the query string:
// the proxy fires them from inside its relay loops and a query build is
// cheaper than a JSON encode on every share.

// handleProxyOrder resolves a worker id to its order for a connecting
// miner. Anything not currently rentable is a 404; the proxy turns that
// into a rejected authorization.
func (s *Server) handleProxyOrder(c *gin.Context) {
	wo, err := s.orders.WorkerLookup(
		c.Request.Context(),
		c.Param("worker_id"),
	)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

func (s *Server) handleProxyConnect(c *gin.Context) {
	params := order.ConnectParams{
		WorkerId:   c.Query("worker_id"),
		SessionUid: c.Query("session_uid"),
		MinerIp:    c.Query("ip"),
		UserAgent:  c.Query("user_agent"),
		Region:     c.Query("region"),
	}
	if params.WorkerId == "" {
		s.respondError(c, fmt.Errorf(
			"%w: missing worker_id", order.ErrOrderNotFound,
		))
		return
	}
	if params.MinerIp == "" {
		params.MinerIp = c.ClientIP()
	}
	if err := s.orders.HandleConnect(c.Request.Context(), params); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProxyShare(c *gin.Context) {
	difficulty, err := queryFloat(c, "difficulty")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	hashrate, err := queryFloat(c, "hashrate")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	params := order.ShareParams{
		WorkerId:   c.Query("worker_id"),
		SessionUid: c.Query("session_uid"),
		Outcome:    c.Query("outcome"),
		Difficulty: difficulty,
		Hashrate:   hashrate,
	}
	if err := s.orders.HandleShare(c.Request.Context(), params); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProxyHashrate(c *gin.Context) {
	hashrate, err := queryFloat(c, "hashrate")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	accepted, err := queryInt(c, "accepted")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	rejected, err := queryInt(c, "rejected")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	params := order.SnapshotParams{
		WorkerId: c.Query("worker_id"),
		Hashrate: hashrate,
		Unit:     c.Query("unit"),
		Accepted: accepted,
		Rejected: rejected,
	}
	if err := s.orders.HandleHashrate(c.Request.Context(), params); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProxyDisconnect(c *gin.Context) {
	accepted, err := queryInt(c, "accepted")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	rejected, err := queryInt(c, "rejected")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	stale, err := queryInt(c, "stale")
	if err != nil {
		s.respondBindError(c, err)
		return
	}
	params := order.DisconnectParams{
		WorkerId:   c.Query("worker_id"),
		SessionUid: c.Query("session_uid"),
		Reason:     c.Query("reason"),
		Accepted:   accepted,
		Rejected:   rejected,
		Stale:      stale,
	}
	err = s.orders.HandleDisconnect(c.Request.Context(), params)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryFloat(c *gin.Context, name string) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return val, nil
}

func queryInt(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return val, nil
}
