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
	"time"
)

// Share outcomes
const (
	ShareAccepted = "accepted"
	ShareRejected = "rejected"
	ShareStale    = "stale"
)

// Session statuses
const (
	SessionConnected    = "connected"
	SessionMining       = "mining"
	SessionDisconnected = "disconnected"
)

// Session is the control-plane record of one physical miner connection.
// An order accumulates sessions across reconnects; the proxy-generated
// session uid makes connect and disconnect callbacks idempotent.
type Session struct {
	Id               int64      `db:"id"                json:"id"`
	SessionUid       string     `db:"session_uid"       json:"session_uid"`
	OrderId          int64      `db:"order_id"          json:"order_id"`
	OrderCode        string     `db:"order_code"        json:"order_code"`
	MinerIp          string     `db:"miner_ip"          json:"miner_ip"`
	UserAgent        string     `db:"user_agent"        json:"user_agent"`
	Region           string     `db:"region"            json:"region"`
	Status           string     `db:"status"            json:"status"`
	SharesAccepted   int64      `db:"shares_accepted"   json:"shares_accepted"`
	SharesRejected   int64      `db:"shares_rejected"   json:"shares_rejected"`
	SharesStale      int64      `db:"shares_stale"      json:"shares_stale"`
	DisconnectReason *string    `db:"disconnect_reason" json:"disconnect_reason,omitempty"`
	ConnectedAt      time.Time  `db:"connected_at"      json:"connected_at"`
	DisconnectedAt   *time.Time `db:"disconnected_at"   json:"disconnected_at,omitempty"`
	LastShareAt      *time.Time `db:"last_share_at"     json:"last_share_at,omitempty"`
}

// registerSession records a new connection. Returns false when the session
// uid was already registered, making connect retries harmless.
func (s *Store) registerSession(ctx context.Context, sess *Session) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO proxy_sessions (session_uid, order_id, order_code,
		    miner_ip, user_agent, region)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_uid) DO NOTHING`,
		sess.SessionUid,
		sess.OrderId,
		sess.OrderCode,
		sess.MinerIp,
		sess.UserAgent,
		sess.Region,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// bumpSessionShare updates the live counters on the session row. A share
// arriving after disconnect is dropped here; its share log row survives.
func (s *Store) bumpSessionShare(
	ctx context.Context,
	sessionUid string,
	outcome string,
) error {
	var column string
	switch outcome {
	case ShareAccepted:
		column = "shares_accepted"
	case ShareRejected:
		column = "shares_rejected"
	case ShareStale:
		column = "shares_stale"
	default:
		return ErrInvalidOutcome
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE proxy_sessions
		    SET `+column+` = `+column+` + 1, last_share_at = NOW(),
		        status = $1
		  WHERE session_uid = $2 AND status != $3`,
		SessionMining,
		sessionUid,
		SessionDisconnected,
	)
	return err
}

// finalizeSession records the disconnect with the proxy's final counters.
// Only the first delivery lands; replays keep the earlier numbers.
func (s *Store) finalizeSession(
	ctx context.Context,
	sessionUid string,
	reason string,
	accepted int64,
	rejected int64,
	stale int64,
) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE proxy_sessions
		    SET status = $1, disconnect_reason = $2, shares_accepted = $3,
		        shares_rejected = $4, shares_stale = $5,
		        disconnected_at = NOW()
		  WHERE session_uid = $6 AND status != $1`,
		SessionDisconnected,
		reason,
		accepted,
		rejected,
		stale,
		sessionUid,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ListSessions returns the connection history of an order, newest first
func (s *Store) ListSessions(
	ctx context.Context,
	orderId int64,
	limit int,
) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	sessions := []Session{}
	err := s.db.SelectContext(
		ctx,
		&sessions,
		`SELECT id, session_uid, order_id, order_code, miner_ip, user_agent,
		        region, status, shares_accepted, shares_rejected,
		        shares_stale, disconnect_reason, connected_at,
		        disconnected_at, last_share_at
		   FROM proxy_sessions
		  WHERE order_id = $1
		  ORDER BY connected_at DESC LIMIT $2`,
		orderId,
		limit,
	)
	return sessions, err
}

// insertShareLog appends one share record
func (s *Store) insertShareLog(
	ctx context.Context,
	orderId int64,
	sessionUid string,
	outcome string,
	difficulty float64,
	hashrate float64,
) error {
	var uid *string
	if sessionUid != "" {
		uid = &sessionUid
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO share_logs (order_id, session_uid, outcome, difficulty,
		    hashrate)
		 VALUES ($1, $2, $3, $4, $5)`,
		orderId,
		uid,
		outcome,
		difficulty,
		hashrate,
	)
	return err
}
