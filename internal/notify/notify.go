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

// Package notify fans out marketplace events to in-process subscribers and
// to Redis pub/sub. Delivery is best effort on both paths; nothing here is
// allowed to block or fail a state transition.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hashbrotherhood/hashmarket/internal/logging"
)

const (
	EventOrderCreated    = "order_created"
	EventOrderActive     = "order_active"
	EventOrderDelivering = "order_delivering"
	EventOrderCompleted  = "order_completed"
	EventOrderCancelled  = "order_cancelled"
	EventDisputeOpened   = "dispute_opened"
	EventHashrateLow     = "hashrate_low"
	EventWithdrawPending = "withdraw_pending"
)

// ChannelPrefix is the Redis pub/sub channel prefix; the recipient wallet
// is appended
const ChannelPrefix = "hashmarket:notify:"

type Event struct {
	Type      string    `json:"type"`
	Wallet    string    `json:"wallet"`
	OrderId   int64     `json:"order_id,omitempty"`
	OrderCode string    `json:"order_code,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

type Notifier struct {
	redis  *redis.Client
	logger *slog.Logger

	// mu guards both subscribers and stopped; channel sends happen under
	// the read lock so Stop cannot close a channel mid-publish
	mu          sync.RWMutex
	subscribers []chan *Event
	stopped     bool
}

// NewNotifier creates a notifier. The Redis client may be nil, in which
// case only in-process subscribers see events.
func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{
		redis:  redisClient,
		logger: logging.GetLogger().With("component", "notify"),
	}
}

// Publish delivers an event to every subscriber and to the recipient's
// Redis channel
func (n *Notifier) Publish(ctx context.Context, evt *Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	n.mu.RLock()
	if n.stopped {
		n.mu.RUnlock()
		return
	}
	for _, ch := range n.subscribers {
		select {
		case ch <- evt:
		default:
			// Channel full, skip
		}
	}
	n.mu.RUnlock()

	if n.redis == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("failed to encode event", "error", err)
		return
	}
	err = n.redis.Publish(ctx, ChannelPrefix+evt.Wallet, payload).Err()
	if err != nil {
		n.logger.Warn(
			"failed to publish event",
			"type", evt.Type,
			"wallet", evt.Wallet,
			"error", err,
		)
	}
}

// Subscribe returns a channel that receives published events. After Stop
// the returned channel is already closed.
func (n *Notifier) Subscribe() <-chan *Event {
	ch := make(chan *Event, 100)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it
func (n *Notifier) Unsubscribe(ch <-chan *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, sub := range n.subscribers {
		if sub == ch {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Stop stops the notifier (idempotent - safe to call multiple times)
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	for _, ch := range n.subscribers {
		close(ch)
	}
	n.subscribers = nil
}
