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
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Dispute reasons
const (
	ReasonLowHashrate = "low_hashrate"
	ReasonOffline     = "offline"
	ReasonWrongPool   = "wrong_pool"
	ReasonWrongWallet = "wrong_wallet"
	ReasonOther       = "other"
)

// Dispute statuses
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Opener roles
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

func ValidReason(reason string) bool {
	switch reason {
	case ReasonLowHashrate, ReasonOffline, ReasonWrongPool,
		ReasonWrongWallet, ReasonOther:
		return true
	}
	return false
}

// Dispute captures a delivery complaint along with the order telemetry at
// the moment it was opened, so the admin sees what the opener saw
type Dispute struct {
	Id                  int64      `db:"id"                    json:"id"`
	OrderId             int64      `db:"order_id"              json:"order_id"`
	OrderCode           string     `db:"order_code"            json:"order_code"`
	OpenedBy            int64      `db:"opened_by"             json:"opened_by"`
	OpenerRole          string     `db:"opener_role"           json:"opener_role"`
	Reason              string     `db:"reason"                json:"reason"`
	Detail              string     `db:"detail"                json:"detail"`
	TeleCurrentHashrate float64    `db:"tele_current_hashrate" json:"tele_current_hashrate"`
	TeleAvgHashrate     float64    `db:"tele_avg_hashrate"     json:"tele_avg_hashrate"`
	TeleAccuracy        float64    `db:"tele_accuracy"         json:"tele_accuracy"`
	TeleSharesAccepted  int64      `db:"tele_shares_accepted"  json:"tele_shares_accepted"`
	TeleSharesRejected  int64      `db:"tele_shares_rejected"  json:"tele_shares_rejected"`
	Status              string     `db:"status"                json:"status"`
	Resolution          *string    `db:"resolution"            json:"resolution,omitempty"`
	ResolvedBy          *string    `db:"resolved_by"           json:"resolved_by,omitempty"`
	CreatedAt           time.Time  `db:"created_at"            json:"created_at"`
	ResolvedAt          *time.Time `db:"resolved_at"           json:"resolved_at,omitempty"`
}

const disputeColumns = `d.id, d.order_id, o.order_code, d.opened_by,
	d.opener_role, d.reason, d.detail, d.tele_current_hashrate,
	d.tele_avg_hashrate, d.tele_accuracy, d.tele_shares_accepted,
	d.tele_shares_rejected, d.status, d.resolution, d.resolved_by,
	d.created_at, d.resolved_at`

// insertDisputeTx writes the dispute row with telemetry copied off the
// locked order
func (s *Store) insertDisputeTx(tx *sqlx.Tx, d *Dispute, o *Order) error {
	d.OrderId = o.Id
	d.OrderCode = o.OrderCode
	d.TeleCurrentHashrate = o.CurrentHashrate
	d.TeleAvgHashrate = o.AvgHashrate
	d.TeleAccuracy = o.Accuracy
	d.TeleSharesAccepted = o.SharesAccepted
	d.TeleSharesRejected = o.SharesRejected
	return tx.QueryRowx(
		`INSERT INTO disputes (order_id, opened_by, opener_role, reason,
		    detail, tele_current_hashrate, tele_avg_hashrate, tele_accuracy,
		    tele_shares_accepted, tele_shares_rejected)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, status, created_at`,
		d.OrderId,
		d.OpenedBy,
		d.OpenerRole,
		d.Reason,
		d.Detail,
		d.TeleCurrentHashrate,
		d.TeleAvgHashrate,
		d.TeleAccuracy,
		d.TeleSharesAccepted,
		d.TeleSharesRejected,
	).Scan(&d.Id, &d.Status, &d.CreatedAt)
}

func (s *Store) GetDisputeById(ctx context.Context, id int64) (*Dispute, error) {
	var d Dispute
	err := s.db.GetContext(
		ctx,
		&d,
		`SELECT `+disputeColumns+` FROM disputes d
		   JOIN orders o ON o.id = d.order_id
		  WHERE d.id = $1`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	return &d, nil
}

// resolveDisputesTx closes any open dispute on the order. Settling an
// order through the review queue resolves its dispute as a side effect.
func (s *Store) resolveDisputesTx(
	tx *sqlx.Tx,
	orderId int64,
	resolution string,
	resolvedBy string,
) error {
	_, err := tx.Exec(
		`UPDATE disputes
		    SET status = $1, resolution = $2, resolved_by = $3,
		        resolved_at = NOW()
		  WHERE order_id = $4 AND status = $5`,
		DisputeResolved,
		resolution,
		resolvedBy,
		orderId,
		DisputeOpen,
	)
	return err
}

// ListOpenDisputes returns open disputes, oldest first
func (s *Store) ListOpenDisputes(ctx context.Context) ([]Dispute, error) {
	disputes := []Dispute{}
	err := s.db.SelectContext(
		ctx,
		&disputes,
		`SELECT `+disputeColumns+` FROM disputes d
		   JOIN orders o ON o.id = d.order_id
		  WHERE d.status = $1
		  ORDER BY d.created_at ASC`,
		DisputeOpen,
	)
	return disputes, err
}

// ReviewQueue returns orders awaiting an admin decision: delivered orders
// in their review window plus active orders that have outrun their rental
// window but have not been swept yet
func (s *Store) ReviewQueue(ctx context.Context) ([]Order, error) {
	orders := []Order{}
	err := s.db.SelectContext(
		ctx,
		&orders,
		`SELECT `+orderColumns+` FROM orders
		  WHERE (status = $1 AND review_at IS NOT NULL)
		     OR (status = $2 AND expected_end_at < NOW())
		  ORDER BY COALESCE(review_at, expected_end_at) ASC`,
		StatusDelivering,
		StatusActive,
	)
	return orders, err
}
