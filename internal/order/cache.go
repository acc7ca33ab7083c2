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

package order

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hashbrotherhood/hashmarket/internal/logging"
)

// WorkerOrder is the worker-id lookup response served to the proxy: the
// destination pool tuple plus enough order context to run the session
type WorkerOrder struct {
	OrderId        int64  `json:"order_id"`
	OrderCode      string `json:"order_code"`
	Status         string `json:"status"`
	Algorithm      string `json:"algorithm"`
	Hours          int    `json:"hours"`
	PoolHost       string `json:"pool_host"`
	PoolPort       int    `json:"pool_port"`
	PoolWallet     string `json:"pool_wallet"`
	PoolWorker     string `json:"pool_worker"`
	PoolPassword   string `json:"pool_password"`
	PoolBackupHost string `json:"pool_backup_host,omitempty"`
	PoolBackupPort int    `json:"pool_backup_port,omitempty"`
	Region         string `json:"region"`
}

const (
	workerCachePrefix = "hashmarket:worker:"
	workerCacheTtl    = 30 * time.Second
)

// Cache is the Redis-backed worker-id lookup cache. The proxy hits the
// lookup endpoint on every handshake; caching keeps that off the orders
// table. Entries are invalidated on every order transition and expire on
// their own after 30 seconds. A nil Redis client disables caching.
type Cache struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewCache(redisClient *redis.Client) *Cache {
	return &Cache{
		redis:  redisClient,
		logger: logging.GetLogger().With("component", "order-cache"),
	}
}

func (c *Cache) Get(ctx context.Context, workerId string) (*WorkerOrder, bool) {
	if c.redis == nil {
		return nil, false
	}
	payload, err := c.redis.Get(ctx, workerCachePrefix+workerId).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "workerId", workerId, "error", err)
		}
		return nil, false
	}
	var info WorkerOrder
	if err := json.Unmarshal(payload, &info); err != nil {
		c.logger.Warn("cache entry corrupt", "workerId", workerId, "error", err)
		return nil, false
	}
	return &info, true
}

func (c *Cache) Set(ctx context.Context, workerId string, info *WorkerOrder) {
	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	err = c.redis.Set(ctx, workerCachePrefix+workerId, payload, workerCacheTtl).Err()
	if err != nil {
		c.logger.Warn("cache write failed", "workerId", workerId, "error", err)
	}
}

func (c *Cache) Del(ctx context.Context, workerId string) {
	if c.redis == nil {
		return
	}
	err := c.redis.Del(ctx, workerCachePrefix+workerId).Err()
	if err != nil {
		c.logger.Warn("cache invalidation failed", "workerId", workerId, "error", err)
	}
}
