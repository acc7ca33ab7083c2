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

// Package market owns hashpower listings. A listing advertises a seller's
// rig: algorithm, sustained hashrate, hourly price, and the rentable hours
// window. The order machine flips listings between active and rented; the
// seller controls pause/resume/remove.
package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/stratum"
)

const (
	ListingStatusActive  = "active"
	ListingStatusRented  = "rented"
	ListingStatusPaused  = "paused"
	ListingStatusRemoved = "removed"
)

const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionRemove = "remove"
)

var (
	ErrNotFound   = errors.New("listing not found")
	ErrNotActive  = errors.New("listing is not active")
	ErrNotOwner   = errors.New("listing belongs to another seller")
	ErrRented     = errors.New("listing is currently rented")
	ErrValidation = errors.New("invalid listing parameters")
)

type Listing struct {
	Id           int64         `db:"id"             json:"id"`
	SellerId     int64         `db:"seller_id"      json:"seller_id"`
	Algorithm    string        `db:"algorithm"      json:"algorithm"`
	Hashrate     float64       `db:"hashrate"       json:"hashrate"`
	HashrateUnit string        `db:"hashrate_unit"  json:"hashrate_unit"`
	PricePerHour ledger.Amount `db:"price_per_hour" json:"price_per_hour"`
	MinHours     int           `db:"min_hours"      json:"min_hours"`
	MaxHours     int           `db:"max_hours"      json:"max_hours"`
	Region       string        `db:"region"         json:"region"`
	Status       string        `db:"status"         json:"status"`
	CreatedAt    time.Time     `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"     json:"updated_at"`
}

// HashrateRaw returns the advertised hashrate in H/s
func (l *Listing) HashrateRaw() (float64, error) {
	return stratum.NormalizeHashrate(l.Hashrate, l.HashrateUnit)
}

type CreateParams struct {
	SellerId     int64
	Algorithm    string
	Hashrate     float64
	HashrateUnit string
	PricePerHour ledger.Amount
	MinHours     int
	MaxHours     int
	Region       string
}

func (p *CreateParams) validate() error {
	if _, ok := config.LookupAlgorithm(p.Algorithm); !ok {
		return fmt.Errorf("%w: unknown algorithm %q", ErrValidation, p.Algorithm)
	}
	if _, err := stratum.NormalizeHashrate(p.Hashrate, p.HashrateUnit); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if p.PricePerHour <= 0 {
		return fmt.Errorf("%w: price per hour must be positive", ErrValidation)
	}
	if p.MinHours < 1 {
		return fmt.Errorf("%w: min hours must be at least 1", ErrValidation)
	}
	if p.MaxHours < p.MinHours {
		return fmt.Errorf(
			"%w: max hours must not be below min hours",
			ErrValidation,
		)
	}
	if strings.TrimSpace(p.Region) == "" {
		return fmt.Errorf("%w: region is required", ErrValidation)
	}
	return nil
}

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const listingColumns = `id, seller_id, algorithm, hashrate, hashrate_unit,
	price_per_hour, min_hours, max_hours, region, status, created_at,
	updated_at`

func (s *Store) Create(
	ctx context.Context,
	params CreateParams,
) (*Listing, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	var l Listing
	err := s.db.GetContext(
		ctx,
		&l,
		`INSERT INTO listings (seller_id, algorithm, hashrate, hashrate_unit,
		    price_per_hour, min_hours, max_hours, region)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+listingColumns,
		params.SellerId,
		strings.ToLower(strings.TrimSpace(params.Algorithm)),
		params.Hashrate,
		params.HashrateUnit,
		params.PricePerHour,
		params.MinHours,
		params.MaxHours,
		strings.ToLower(strings.TrimSpace(params.Region)),
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetById(ctx context.Context, id int64) (*Listing, error) {
	var l Listing
	err := s.db.GetContext(
		ctx,
		&l,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// GetByIdTx locks the listing row for the duration of the transaction so
// only one order can rent it
func (s *Store) GetByIdTx(tx *sqlx.Tx, id int64) (*Listing, error) {
	var l Listing
	err := tx.Get(
		&l,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// SetStatus applies a seller action. Rented listings cannot be removed;
// renting and reopening are the order machine's to do.
func (s *Store) SetStatus(
	ctx context.Context,
	id int64,
	sellerId int64,
	action string,
) (*Listing, error) {
	var target string
	var from []string
	switch action {
	case ActionPause:
		target = ListingStatusPaused
		from = []string{ListingStatusActive}
	case ActionResume:
		target = ListingStatusActive
		from = []string{ListingStatusPaused}
	case ActionRemove:
		target = ListingStatusRemoved
		from = []string{ListingStatusActive, ListingStatusPaused}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
	query, args, err := sqlx.In(
		`UPDATE listings SET status = ?, updated_at = NOW()
		  WHERE id = ? AND seller_id = ? AND status IN (?)`,
		target,
		id,
		sellerId,
		from,
	)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Work out which precondition failed
		l, err := s.GetById(ctx, id)
		if err != nil {
			return nil, err
		}
		if l.SellerId != sellerId {
			return nil, ErrNotOwner
		}
		if l.Status == ListingStatusRented {
			return nil, ErrRented
		}
		return nil, fmt.Errorf(
			"%w: cannot %s a %s listing",
			ErrValidation,
			action,
			l.Status,
		)
	}
	return s.GetById(ctx, id)
}

// MarkRentedTx moves an active listing to rented inside the order-creation
// transaction. Any other current status fails the order.
func (s *Store) MarkRentedTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(
		`UPDATE listings SET status = $1, updated_at = NOW()
		  WHERE id = $2 AND status = $3`,
		ListingStatusRented,
		id,
		ListingStatusActive,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotActive
	}
	return nil
}

// ReopenTx returns a rented listing to the market at terminal settlement.
// A listing no longer in rented is left alone.
func (s *Store) ReopenTx(tx *sqlx.Tx, id int64) error {
	_, err := tx.Exec(
		`UPDATE listings SET status = $1, updated_at = NOW()
		  WHERE id = $2 AND status = $3`,
		ListingStatusActive,
		id,
		ListingStatusRented,
	)
	return err
}
