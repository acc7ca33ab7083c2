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

// Package ledger owns all user balances. Its primitives are the only code
// paths that mutate a balance field, each one a single serializable database
// transaction paired with append-only transaction log rows.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hashbrotherhood/hashmarket/internal/logging"
)

const (
	// PlatformWallet is the reserved wallet address of the revenue account
	PlatformWallet = "platform"

	// WithdrawFee is the flat fee charged on every withdrawal (0.50 USDT)
	WithdrawFee = Amount(50)

	// WithdrawApprovalThreshold is the amount above which a withdrawal
	// waits for admin approval (500.00 USDT)
	WithdrawApprovalThreshold = Amount(50000)

	// CommissionRateNum / CommissionRateDen is the platform commission (3%)
	CommissionRateNum = 3
	CommissionRateDen = 100
)

// Transaction log kinds
const (
	TxnKindDeposit        = "deposit"
	TxnKindWithdraw       = "withdraw"
	TxnKindWithdrawRefund = "withdraw_refund"
	TxnKindEscrowLock     = "escrow_lock"
	TxnKindEscrowRelease  = "escrow_release"
	TxnKindPayout         = "payout"
	TxnKindRefund         = "refund"
	TxnKindCommission     = "commission"
)

// Balance compartments
const (
	CompartmentAvailable = "available"
	CompartmentEscrow    = "escrow"
	CompartmentPending   = "pending"
)

// Withdrawal states
const (
	WithdrawStatusPending    = "pending"
	WithdrawStatusProcessing = "processing"
	WithdrawStatusCompleted  = "completed"
	WithdrawStatusRejected   = "rejected"
)

// Transaction is one append-only ledger row
type Transaction struct {
	Id            int64          `db:"id"`
	UserId        int64          `db:"user_id"`
	OrderId       sql.NullInt64  `db:"order_id"`
	Kind          string         `db:"kind"`
	Compartment   string         `db:"compartment"`
	Amount        Amount         `db:"amount"`
	BalanceBefore Amount         `db:"balance_before"`
	BalanceAfter  Amount         `db:"balance_after"`
	Fee           Amount         `db:"fee"`
	TxHash        sql.NullString `db:"tx_hash"`
	Destination   sql.NullString `db:"destination"`
	Status        sql.NullString `db:"status"`
	Reference     sql.NullString `db:"reference"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Balance is the compartment triple for one user
type Balance struct {
	UserId    int64  `db:"id"`
	Available Amount `db:"balance_available"`
	Escrow    Amount `db:"balance_escrow"`
	Pending   Amount `db:"balance_pending"`
}

// DepositResult reports the outcome of a deposit credit
type DepositResult struct {
	TxnId     int64
	UserId    int64
	Balance   Amount
	Duplicate bool
}

// WithdrawResult reports the outcome of a withdrawal debit
type WithdrawResult struct {
	TxnId     int64
	Reference string
	Status    string
	Fee       Amount
	Balance   Amount
}

// ReleaseParams carries the settlement amounts for one terminal order
type ReleaseParams struct {
	OrderId    int64
	BuyerId    int64
	SellerId   int64
	TotalPaid  Amount
	Payout     Amount
	Refund     Amount
	Commission Amount
}

type Engine struct {
	db         *sqlx.DB
	platformId int64
	logger     *slog.Logger
}

// NewEngine creates the ledger engine and resolves the platform revenue
// account seeded by the schema migration
func NewEngine(db *sqlx.DB) (*Engine, error) {
	e := &Engine{
		db:     db,
		logger: logging.GetLogger().With("component", "ledger"),
	}
	err := db.Get(
		&e.platformId,
		`SELECT id FROM users WHERE wallet_address = $1`,
		PlatformWallet,
	)
	if err != nil {
		return nil, fmt.Errorf("error resolving platform account: %w", err)
	}
	return e, nil
}

// PlatformUserId returns the id of the platform revenue account
func (e *Engine) PlatformUserId() int64 {
	return e.platformId
}

// CommissionOn quantizes the 3% commission on the given amount
func CommissionOn(amount Amount) (Amount, error) {
	return amount.MulRatio(CommissionRateNum, CommissionRateDen)
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockBalance loads one user's balance row under FOR UPDATE
func lockBalance(
	ctx context.Context,
	tx *sqlx.Tx,
	userId int64,
) (*Balance, error) {
	var bal Balance
	err := tx.GetContext(
		ctx,
		&bal,
		`SELECT id, balance_available, balance_escrow, balance_pending
		   FROM users WHERE id = $1 FOR UPDATE`,
		userId,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return &bal, nil
}

// lockBalances locks multiple user rows in ascending id order so that
// concurrent settlements can never deadlock against each other
func lockBalances(
	ctx context.Context,
	tx *sqlx.Tx,
	userIds ...int64,
) (map[int64]*Balance, error) {
	sorted := make([]int64, 0, len(userIds))
	seen := make(map[int64]bool)
	for _, id := range userIds {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	ret := make(map[int64]*Balance, len(sorted))
	for _, id := range sorted {
		bal, err := lockBalance(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		ret[id] = bal
	}
	return ret, nil
}

func appendTxn(ctx context.Context, tx *sqlx.Tx, t *Transaction) (int64, error) {
	var id int64
	err := tx.QueryRowContext(
		ctx,
		`INSERT INTO transactions
		   (user_id, order_id, kind, compartment, amount,
		    balance_before, balance_after, fee, tx_hash, destination,
		    status, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		t.UserId,
		t.OrderId,
		t.Kind,
		t.Compartment,
		t.Amount,
		t.BalanceBefore,
		t.BalanceAfter,
		t.Fee,
		t.TxHash,
		t.Destination,
		t.Status,
		t.Reference,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error appending transaction log: %w", err)
	}
	return id, nil
}

// LockEscrow moves amount from the user's available balance into escrow
func (e *Engine) LockEscrow(
	ctx context.Context,
	userId int64,
	amount Amount,
	orderId int64,
) error {
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		return e.LockEscrowTx(ctx, tx, userId, amount, orderId)
	})
}

// LockEscrowTx is LockEscrow inside a caller-owned transaction, so the
// order machine can lock funds atomically with its own writes
func (e *Engine) LockEscrowTx(
	ctx context.Context,
	tx *sqlx.Tx,
	userId int64,
	amount Amount,
	orderId int64,
) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	bal, err := lockBalance(ctx, tx, userId)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return ErrInsufficientFunds
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE users
		    SET balance_available = balance_available - $1,
		        balance_escrow = balance_escrow + $1,
		        updated_at = NOW()
		  WHERE id = $2`,
		amount,
		userId,
	)
	if err != nil {
		return err
	}
	_, err = appendTxn(ctx, tx, &Transaction{
		UserId:        userId,
		OrderId:       sql.NullInt64{Int64: orderId, Valid: orderId != 0},
		Kind:          TxnKindEscrowLock,
		Compartment:   CompartmentAvailable,
		Amount:        -amount,
		BalanceBefore: bal.Available,
		BalanceAfter:  bal.Available - amount,
	})
	if err != nil {
		return err
	}
	e.logger.Debug(
		"locked escrow",
		"userId", userId,
		"orderId", orderId,
		"amount", amount.String(),
	)
	return nil
}

// ReleaseEscrow settles one terminal order: the buyer's escrow hold is
// released and split between seller payout, buyer refund, and platform
// commission. The emitted transaction rows sum to zero.
func (e *Engine) ReleaseEscrow(ctx context.Context, params ReleaseParams) error {
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		return e.ReleaseEscrowTx(ctx, tx, params)
	})
}

func (e *Engine) ReleaseEscrowTx(
	ctx context.Context,
	tx *sqlx.Tx,
	params ReleaseParams,
) error {
	if params.TotalPaid <= 0 || params.Payout < 0 || params.Refund < 0 ||
		params.Commission < 0 {
		return ErrInvalidAmount
	}
	if params.Payout+params.Refund != params.TotalPaid {
		return ErrReleaseImbalance
	}
	if params.Commission > params.Payout {
		return ErrCommissionExceedsPayout
	}
	balances, err := lockBalances(
		ctx, tx,
		params.BuyerId, params.SellerId, e.platformId,
	)
	if err != nil {
		return err
	}
	buyer := balances[params.BuyerId]
	seller := balances[params.SellerId]
	platform := balances[e.platformId]
	if buyer.Escrow < params.TotalPaid {
		return fmt.Errorf(
			"%w: escrow balance %s below release %s",
			ErrInsufficientFunds,
			buyer.Escrow.String(),
			params.TotalPaid.String(),
		)
	}
	orderId := sql.NullInt64{Int64: params.OrderId, Valid: true}
	sellerNet := params.Payout - params.Commission

	// Buyer: escrow hold released, refund (if any) returned to available
	_, err = tx.ExecContext(
		ctx,
		`UPDATE users
		    SET balance_escrow = balance_escrow - $1,
		        balance_available = balance_available + $2,
		        total_spent = total_spent + $3,
		        updated_at = NOW()
		  WHERE id = $4`,
		params.TotalPaid,
		params.Refund,
		params.TotalPaid-params.Refund,
		params.BuyerId,
	)
	if err != nil {
		return err
	}
	_, err = appendTxn(ctx, tx, &Transaction{
		UserId:        params.BuyerId,
		OrderId:       orderId,
		Kind:          TxnKindEscrowRelease,
		Compartment:   CompartmentEscrow,
		Amount:        -params.TotalPaid,
		BalanceBefore: buyer.Escrow,
		BalanceAfter:  buyer.Escrow - params.TotalPaid,
	})
	if err != nil {
		return err
	}

	// Seller: net payout. The row is written even for a zero payout so
	// every settlement records the adjudicated seller outcome.
	_, err = tx.ExecContext(
		ctx,
		`UPDATE users
		    SET balance_available = balance_available + $1,
		        total_earned = total_earned + $1,
		        updated_at = NOW()
		  WHERE id = $2`,
		sellerNet,
		params.SellerId,
	)
	if err != nil {
		return err
	}
	_, err = appendTxn(ctx, tx, &Transaction{
		UserId:        params.SellerId,
		OrderId:       orderId,
		Kind:          TxnKindPayout,
		Compartment:   CompartmentAvailable,
		Amount:        sellerNet,
		BalanceBefore: seller.Available,
		BalanceAfter:  seller.Available + sellerNet,
	})
	if err != nil {
		return err
	}

	if params.Refund > 0 {
		_, err = appendTxn(ctx, tx, &Transaction{
			UserId:        params.BuyerId,
			OrderId:       orderId,
			Kind:          TxnKindRefund,
			Compartment:   CompartmentAvailable,
			Amount:        params.Refund,
			BalanceBefore: buyer.Available,
			BalanceAfter:  buyer.Available + params.Refund,
		})
		if err != nil {
			return err
		}
	}

	if params.Commission > 0 {
		_, err = tx.ExecContext(
			ctx,
			`UPDATE users
			    SET balance_available = balance_available + $1,
			        updated_at = NOW()
			  WHERE id = $2`,
			params.Commission,
			e.platformId,
		)
		if err != nil {
			return err
		}
		_, err = appendTxn(ctx, tx, &Transaction{
			UserId:        e.platformId,
			OrderId:       orderId,
			Kind:          TxnKindCommission,
			Compartment:   CompartmentAvailable,
			Amount:        params.Commission,
			BalanceBefore: platform.Available,
			BalanceAfter:  platform.Available + params.Commission,
		})
		if err != nil {
			return err
		}
	}

	e.logger.Info(
		"released escrow",
		"orderId", params.OrderId,
		"payout", params.Payout.String(),
		"refund", params.Refund.String(),
		"commission", params.Commission.String(),
	)
	return nil
}

// CreditDeposit credits a confirmed on-chain deposit. Idempotent on the
// external transaction hash: a repeat delivery returns the original result
// without touching any balance.
func (e *Engine) CreditDeposit(
	ctx context.Context,
	wallet string,
	amount Amount,
	txHash string,
) (*DepositResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fmt.Errorf("%w: missing deposit tx hash", ErrInvalidAmount)
	}
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	var result *DepositResult
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		if prior, err := findDeposit(ctx, tx, txHash); err != nil {
			return err
		} else if prior != nil {
			result = prior
			return nil
		}
		// Deposits may arrive before the wallet has done anything else,
		// so the user row is created on first contact
		var userId int64
		err := tx.GetContext(
			ctx,
			&userId,
			`INSERT INTO users (wallet_address) VALUES ($1)
			 ON CONFLICT (wallet_address) DO UPDATE SET updated_at = NOW()
			 RETURNING id`,
			wallet,
		)
		if err != nil {
			return err
		}
		bal, err := lockBalance(ctx, tx, userId)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE users
			    SET balance_available = balance_available + $1,
			        updated_at = NOW()
			  WHERE id = $2`,
			amount,
			userId,
		)
		if err != nil {
			return err
		}
		txnId, err := appendTxn(ctx, tx, &Transaction{
			UserId:        userId,
			Kind:          TxnKindDeposit,
			Compartment:   CompartmentAvailable,
			Amount:        amount,
			BalanceBefore: bal.Available,
			BalanceAfter:  bal.Available + amount,
			TxHash:        sql.NullString{String: txHash, Valid: true},
		})
		if err != nil {
			return err
		}
		result = &DepositResult{
			TxnId:   txnId,
			UserId:  userId,
			Balance: bal.Available + amount,
		}
		return nil
	})
	if err != nil {
		// A concurrent delivery of the same hash loses the race on the
		// unique index; surface the winner's result instead
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" &&
			pqErr.Constraint == "transactions_tx_hash_idx" {
			var prior *DepositResult
			dupErr := e.inTx(ctx, func(tx *sqlx.Tx) error {
				var innerErr error
				prior, innerErr = findDeposit(ctx, tx, txHash)
				return innerErr
			})
			if dupErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}
	if result.Duplicate {
		e.logger.Info(
			"ignoring duplicate deposit",
			"txHash", txHash,
			"wallet", wallet,
		)
	}
	return result, nil
}

func findDeposit(
	ctx context.Context,
	tx *sqlx.Tx,
	txHash string,
) (*DepositResult, error) {
	var prior Transaction
	err := tx.GetContext(
		ctx,
		&prior,
		`SELECT id, user_id, balance_after
		   FROM transactions WHERE tx_hash = $1`,
		txHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &DepositResult{
		TxnId:     prior.Id,
		UserId:    prior.UserId,
		Balance:   prior.BalanceAfter,
		Duplicate: true,
	}, nil
}

// DebitWithdraw debits amount plus the flat fee from available balance.
// Withdrawals above the approval threshold start in the pending state and
// wait for an admin; smaller ones go straight to processing.
func (e *Engine) DebitWithdraw(
	ctx context.Context,
	userId int64,
	amount Amount,
	destination string,
) (*WithdrawResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, fmt.Errorf("%w: missing destination", ErrInvalidAmount)
	}
	total := amount + WithdrawFee
	status := WithdrawStatusProcessing
	if amount > WithdrawApprovalThreshold {
		status = WithdrawStatusPending
	}
	var result *WithdrawResult
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		bal, err := lockBalance(ctx, tx, userId)
		if err != nil {
			return err
		}
		if bal.Available < total {
			return ErrInsufficientFunds
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE users
			    SET balance_available = balance_available - $1,
			        updated_at = NOW()
			  WHERE id = $2`,
			total,
			userId,
		)
		if err != nil {
			return err
		}
		reference := uuid.NewString()
		txnId, err := appendTxn(ctx, tx, &Transaction{
			UserId:        userId,
			Kind:          TxnKindWithdraw,
			Compartment:   CompartmentAvailable,
			Amount:        -total,
			BalanceBefore: bal.Available,
			BalanceAfter:  bal.Available - total,
			Fee:           WithdrawFee,
			Destination:   sql.NullString{String: destination, Valid: true},
			Status:        sql.NullString{String: status, Valid: true},
			Reference:     sql.NullString{String: reference, Valid: true},
		})
		if err != nil {
			return err
		}
		result = &WithdrawResult{
			TxnId:     txnId,
			Reference: reference,
			Status:    status,
			Fee:       WithdrawFee,
			Balance:   bal.Available - total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(
		"withdrawal requested",
		"userId", userId,
		"amount", amount.String(),
		"status", status,
	)
	return result, nil
}

// ApproveWithdrawal moves a pending withdrawal to processing
func (e *Engine) ApproveWithdrawal(
	ctx context.Context,
	txnId int64,
	adminName string,
) error {
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE transactions SET status = $1
			  WHERE id = $2 AND kind = $3 AND status = $4`,
			WithdrawStatusProcessing,
			txnId,
			TxnKindWithdraw,
			WithdrawStatusPending,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrWithdrawNotPending
		}
		e.logger.Info(
			"withdrawal approved",
			"txnId", txnId,
			"admin", adminName,
		)
		return nil
	})
}

// RejectWithdrawal cancels a pending withdrawal and returns amount plus
// fee to the user's available balance
func (e *Engine) RejectWithdrawal(
	ctx context.Context,
	txnId int64,
	adminName string,
) error {
	return e.inTx(ctx, func(tx *sqlx.Tx) error {
		var wd Transaction
		err := tx.GetContext(
			ctx,
			&wd,
			`SELECT id, user_id, amount
			   FROM transactions
			  WHERE id = $1 AND kind = $2 AND status = $3
			    FOR UPDATE`,
			txnId,
			TxnKindWithdraw,
			WithdrawStatusPending,
		)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrWithdrawNotPending
			}
			return err
		}
		refund := -wd.Amount
		bal, err := lockBalance(ctx, tx, wd.UserId)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE users
			    SET balance_available = balance_available + $1,
			        updated_at = NOW()
			  WHERE id = $2`,
			refund,
			wd.UserId,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE transactions SET status = $1 WHERE id = $2`,
			WithdrawStatusRejected,
			txnId,
		)
		if err != nil {
			return err
		}
		_, err = appendTxn(ctx, tx, &Transaction{
			UserId:        wd.UserId,
			Kind:          TxnKindWithdrawRefund,
			Compartment:   CompartmentAvailable,
			Amount:        refund,
			BalanceBefore: bal.Available,
			BalanceAfter:  bal.Available + refund,
		})
		if err != nil {
			return err
		}
		e.logger.Info(
			"withdrawal rejected",
			"txnId", txnId,
			"admin", adminName,
		)
		return nil
	})
}

// GetBalance returns the balance triple for a wallet
func (e *Engine) GetBalance(
	ctx context.Context,
	wallet string,
) (*Balance, error) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	var bal Balance
	err := e.db.GetContext(
		ctx,
		&bal,
		`SELECT id, balance_available, balance_escrow, balance_pending
		   FROM users WHERE wallet_address = $1`,
		wallet,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return &bal, nil
}

// ListTransactions returns the most recent ledger rows for a user
func (e *Engine) ListTransactions(
	ctx context.Context,
	userId int64,
	limit int,
) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txns []Transaction
	err := e.db.SelectContext(
		ctx,
		&txns,
		`SELECT id, user_id, order_id, kind, compartment, amount,
		        balance_before, balance_after, fee, tx_hash, destination,
		        status, reference, created_at
		   FROM transactions
		  WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		userId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return txns, nil
}

// ListPendingWithdrawals returns withdrawals waiting for admin approval
func (e *Engine) ListPendingWithdrawals(
	ctx context.Context,
) ([]Transaction, error) {
	var txns []Transaction
	err := e.db.SelectContext(
		ctx,
		&txns,
		`SELECT id, user_id, order_id, kind, compartment, amount,
		        balance_before, balance_after, fee, tx_hash, destination,
		        status, reference, created_at
		   FROM transactions
		  WHERE kind = $1 AND status = $2
		  ORDER BY created_at`,
		TxnKindWithdraw,
		WithdrawStatusPending,
	)
	if err != nil {
		return nil, err
	}
	return txns, nil
}
