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

// Package user provides the marketplace account store. Balances on the
// user row are owned by the ledger; nothing here mutates them.
package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashbrotherhood/hashmarket/internal/ledger"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	Id               int64         `db:"id"`
	WalletAddress    string        `db:"wallet_address"`
	BalanceAvailable ledger.Amount `db:"balance_available"`
	BalanceEscrow    ledger.Amount `db:"balance_escrow"`
	BalancePending   ledger.Amount `db:"balance_pending"`
	Banned           bool          `db:"banned"`
	TotalOrders      int64         `db:"total_orders"`
	TotalSpent       ledger.Amount `db:"total_spent"`
	TotalEarned      ledger.Amount `db:"total_earned"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NormalizeWallet lowercases and trims a wallet address
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

const userColumns = `id, wallet_address, balance_available, balance_escrow,
	balance_pending, banned, total_orders, total_spent, total_earned,
	created_at, updated_at`

func (s *Store) GetByWallet(ctx context.Context, wallet string) (*User, error) {
	var u User
	err := s.db.GetContext(
		ctx,
		&u,
		`SELECT `+userColumns+` FROM users WHERE wallet_address = $1`,
		NormalizeWallet(wallet),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetById(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(
		ctx,
		&u,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// EnsureByWallet fetches the user for a wallet, creating the row on first
// contact
func (s *Store) EnsureByWallet(
	ctx context.Context,
	wallet string,
) (*User, error) {
	wallet = NormalizeWallet(wallet)
	if wallet == "" {
		return nil, ErrNotFound
	}
	var u User
	err := s.db.GetContext(
		ctx,
		&u,
		`INSERT INTO users (wallet_address) VALUES ($1)
		 ON CONFLICT (wallet_address) DO UPDATE SET updated_at = NOW()
		 RETURNING `+userColumns,
		wallet,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetBanned flips the ban flag enforced at order creation
func (s *Store) SetBanned(
	ctx context.Context,
	wallet string,
	banned bool,
) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE users SET banned = $1, updated_at = NOW()
		  WHERE wallet_address = $2`,
		banned,
		NormalizeWallet(wallet),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of registered users (platform account excluded)
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(
		ctx,
		&count,
		`SELECT COUNT(*) FROM users WHERE wallet_address != $1`,
		ledger.PlatformWallet,
	)
	return count, err
}
