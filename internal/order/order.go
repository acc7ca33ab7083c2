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

// Package order implements the rental order state machine: creation with
// escrow lock, activation on first proxy contact, delivery tracking, review,
// disputes, and admin settlement. Order status is owned here; balances are
// owned by the ledger and session telemetry by the proxy ingress.
package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashbrotherhood/hashmarket/internal/ledger"
)

// Order lifecycle states
const (
	StatusPaid       = "paid"
	StatusActive     = "active"
	StatusDelivering = "delivering"
	StatusDispute    = "dispute"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// AccuracyLowWater is the delivery accuracy (percent of ordered hashrate)
// below which an order is flagged
const AccuracyLowWater = 50.0

type Order struct {
	Id                 int64          `db:"id"                   json:"id"`
	OrderCode          string         `db:"order_code"           json:"order_code"`
	BuyerId            int64          `db:"buyer_id"             json:"buyer_id"`
	SellerId           int64          `db:"seller_id"            json:"seller_id"`
	ListingId          int64          `db:"listing_id"           json:"listing_id"`
	Algorithm          string         `db:"algorithm"            json:"algorithm"`
	OrderedHashrate    float64        `db:"ordered_hashrate"     json:"ordered_hashrate"`
	HashrateUnit       string         `db:"hashrate_unit"        json:"hashrate_unit"`
	Hours              int            `db:"hours"                json:"hours"`
	PricePerHour       ledger.Amount  `db:"price_per_hour"       json:"price_per_hour"`
	Subtotal           ledger.Amount  `db:"subtotal"             json:"subtotal"`
	Commission         ledger.Amount  `db:"commission"           json:"commission"`
	TotalPaid          ledger.Amount  `db:"total_paid"           json:"total_paid"`
	PoolHost           string         `db:"pool_host"            json:"pool_host"`
	PoolPort           int            `db:"pool_port"            json:"pool_port"`
	PoolWallet         string         `db:"pool_wallet"          json:"pool_wallet"`
	PoolWorker         string         `db:"pool_worker"          json:"pool_worker"`
	PoolPassword       string         `db:"pool_password"        json:"pool_password"`
	PoolBackupHost     *string        `db:"pool_backup_host"     json:"pool_backup_host,omitempty"`
	PoolBackupPort     *int           `db:"pool_backup_port"     json:"pool_backup_port,omitempty"`
	ProxyRegion        string         `db:"proxy_region"         json:"proxy_region"`
	Status             string         `db:"status"               json:"status"`
	CurrentHashrate    float64        `db:"current_hashrate"     json:"current_hashrate"`
	AvgHashrate        float64        `db:"avg_hashrate"         json:"avg_hashrate"`
	Accuracy           float64        `db:"accuracy"             json:"accuracy"`
	SharesAccepted     int64          `db:"shares_accepted"      json:"shares_accepted"`
	SharesRejected     int64          `db:"shares_rejected"      json:"shares_rejected"`
	LastShareAt        *time.Time     `db:"last_share_at"        json:"last_share_at,omitempty"`
	LowHashrateFlagged bool           `db:"low_hashrate_flagged" json:"low_hashrate_flagged"`
	AdminAction        *string        `db:"admin_action"         json:"admin_action,omitempty"`
	PayoutAmount       *ledger.Amount `db:"payout_amount"        json:"payout_amount,omitempty"`
	RefundAmount       *ledger.Amount `db:"refund_amount"        json:"refund_amount,omitempty"`
	PaidAt             time.Time      `db:"paid_at"              json:"paid_at"`
	StartedAt          *time.Time     `db:"started_at"           json:"started_at,omitempty"`
	ExpectedEndAt      *time.Time     `db:"expected_end_at"      json:"expected_end_at,omitempty"`
	ReviewAt           *time.Time     `db:"review_at"            json:"review_at,omitempty"`
	CompletedAt        *time.Time     `db:"completed_at"         json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `db:"cancelled_at"         json:"cancelled_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"           json:"updated_at"`
}

const orderColumns = `id, order_code, buyer_id, seller_id, listing_id,
	algorithm, ordered_hashrate, hashrate_unit, hours, price_per_hour,
	subtotal, commission, total_paid, pool_host, pool_port, pool_wallet,
	pool_worker, pool_password, pool_backup_host, pool_backup_port,
	proxy_region, status, current_hashrate, avg_hashrate, accuracy,
	shares_accepted, shares_rejected, last_share_at, low_hashrate_flagged,
	admin_action, payout_amount, refund_amount, paid_at, started_at,
	expected_end_at, review_at, completed_at, cancelled_at, created_at,
	updated_at`

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// insertTx writes a new paid order and fills in its generated fields
func (s *Store) insertTx(tx *sqlx.Tx, o *Order) error {
	return tx.QueryRowx(
		`INSERT INTO orders (order_code, buyer_id, seller_id, listing_id,
		    algorithm, ordered_hashrate, hashrate_unit, hours, price_per_hour,
		    subtotal, commission, total_paid, pool_host, pool_port,
		    pool_wallet, pool_worker, pool_password, pool_backup_host,
		    pool_backup_port, proxy_region)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		    $14, $15, $16, $17, $18, $19, $20)
		 RETURNING id, status, paid_at, created_at, updated_at`,
		o.OrderCode,
		o.BuyerId,
		o.SellerId,
		o.ListingId,
		o.Algorithm,
		o.OrderedHashrate,
		o.HashrateUnit,
		o.Hours,
		o.PricePerHour,
		o.Subtotal,
		o.Commission,
		o.TotalPaid,
		o.PoolHost,
		o.PoolPort,
		o.PoolWallet,
		o.PoolWorker,
		o.PoolPassword,
		o.PoolBackupHost,
		o.PoolBackupPort,
		o.ProxyRegion,
	).Scan(&o.Id, &o.Status, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
}

func (s *Store) GetByCode(ctx context.Context, code string) (*Order, error) {
	var o Order
	err := s.db.GetContext(
		ctx,
		&o,
		`SELECT `+orderColumns+` FROM orders WHERE order_code = $1`,
		code,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetByCodeForUpdateTx locks the order row so concurrent transitions
// serialize on it
func (s *Store) GetByCodeForUpdateTx(
	tx *sqlx.Tx,
	code string,
) (*Order, error) {
	var o Order
	err := tx.Get(
		&o,
		`SELECT `+orderColumns+` FROM orders WHERE order_code = $1 FOR UPDATE`,
		code,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ListByUser returns recent orders where the wallet is buyer or seller
func (s *Store) ListByUser(
	ctx context.Context,
	userId int64,
	limit int,
) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	orders := []Order{}
	err := s.db.SelectContext(
		ctx,
		&orders,
		`SELECT `+orderColumns+` FROM orders
		  WHERE buyer_id = $1 OR seller_id = $1
		  ORDER BY created_at DESC LIMIT $2`,
		userId,
		limit,
	)
	return orders, err
}

// activate moves paid to active exactly once; losing a race is not an
// error, the winner has already set the schedule
func (s *Store) activate(
	ctx context.Context,
	id int64,
	startedAt time.Time,
	expectedEndAt time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE orders
		    SET status = $1, started_at = $2, expected_end_at = $3,
		        updated_at = NOW()
		  WHERE id = $4 AND status = $5`,
		StatusActive,
		startedAt,
		expectedEndAt,
		id,
		StatusPaid,
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

// confirmDelivering moves active to delivering on buyer confirm
func (s *Store) confirmDelivering(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE orders
		    SET status = $1, review_at = NOW(), updated_at = NOW()
		  WHERE id = $2 AND status = $3`,
		StatusDelivering,
		id,
		StatusActive,
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

// recordShare bumps the order share counters
func (s *Store) recordShare(
	ctx context.Context,
	id int64,
	outcome string,
) error {
	var column string
	switch outcome {
	case ShareAccepted:
		column = "shares_accepted"
	case ShareRejected:
		column = "shares_rejected"
	case ShareStale:
		// Stale shares only exist in the share log
		return nil
	default:
		return ErrInvalidOutcome
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE orders
		    SET `+column+` = `+column+` + 1, last_share_at = NOW(),
		        updated_at = NOW()
		  WHERE id = $1`,
		id,
	)
	return err
}

// expireDue sweeps active orders whose rental window has elapsed into
// delivering and returns them for notification
func (s *Store) expireDue(ctx context.Context) ([]Order, error) {
	orders := []Order{}
	err := s.db.SelectContext(
		ctx,
		&orders,
		`UPDATE orders
		    SET status = $1, review_at = NOW(), updated_at = NOW()
		  WHERE status = $2 AND expected_end_at < NOW()
		 RETURNING `+orderColumns,
		StatusDelivering,
		StatusActive,
	)
	return orders, err
}

// CountByStatus returns order counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}{}
	err := s.db.SelectContext(
		ctx,
		&rows,
		`SELECT status, COUNT(*) AS count FROM orders GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// GrossVolume sums the total paid across all orders
func (s *Store) GrossVolume(ctx context.Context) (ledger.Amount, error) {
	var volume ledger.Amount
	err := s.db.GetContext(
		ctx,
		&volume,
		`SELECT COALESCE(SUM(total_paid), 0) FROM orders`,
	)
	return volume, err
}
