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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/logging"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/stratum"
	"github.com/hashbrotherhood/hashmarket/internal/user"
)

const (
	// sweepInterval is how often active orders are checked against their
	// rental window
	sweepInterval = 60 * time.Second

	// codeAttempts bounds order-code regeneration on collision
	codeAttempts = 5
)

// Service drives the order state machine. All status transitions go
// through here; ledger movements ride in the same database transaction as
// the status change they settle.
type Service struct {
	db       *sqlx.DB
	store    *Store
	users    *user.Store
	listings *market.Store
	ledger   *ledger.Engine
	cache    *Cache
	notifier *notify.Notifier
	logger   *slog.Logger

	stopChan chan struct{}
	stopped  bool
	stateMu  sync.Mutex
	sweepWg  sync.WaitGroup
}

func NewService(
	db *sqlx.DB,
	users *user.Store,
	listings *market.Store,
	engine *ledger.Engine,
	cache *Cache,
	notifier *notify.Notifier,
) *Service {
	return &Service{
		db:       db,
		store:    NewStore(db),
		users:    users,
		listings: listings,
		ledger:   engine,
		cache:    cache,
		notifier: notifier,
		logger:   logging.GetLogger().With("component", "order"),
		stopChan: make(chan struct{}),
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" &&
		pqErr.Constraint == constraint
}

// CreateParams is a buyer's rental request: which listing, for how long,
// and where the hashpower should be pointed
type CreateParams struct {
	BuyerWallet    string
	ListingId      int64
	Hours          int
	PoolHost       string
	PoolPort       int
	PoolWallet     string
	PoolWorker     string
	PoolPassword   string
	PoolBackupHost string
	PoolBackupPort int
}

func (p *CreateParams) validate() error {
	if strings.TrimSpace(p.PoolHost) == "" {
		return fmt.Errorf("%w: pool host is required", ErrInvalidPool)
	}
	if p.PoolPort < 1 || p.PoolPort > 65535 {
		return fmt.Errorf("%w: pool port out of range", ErrInvalidPool)
	}
	if strings.TrimSpace(p.PoolWallet) == "" {
		return fmt.Errorf("%w: pool wallet is required", ErrInvalidPool)
	}
	if p.PoolBackupHost != "" &&
		(p.PoolBackupPort < 1 || p.PoolBackupPort > 65535) {
		return fmt.Errorf("%w: backup pool port out of range", ErrInvalidPool)
	}
	return nil
}

// Create places a rental order: price breakdown frozen from the listing,
// escrow locked, listing marked rented, all in one transaction. The order
// comes back in paid, waiting for the first miner connection.
func (s *Service) Create(
	ctx context.Context,
	params CreateParams,
) (*Order, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	buyer, err := s.users.EnsureByWallet(ctx, params.BuyerWallet)
	if err != nil {
		return nil, err
	}
	if buyer.Banned {
		return nil, ErrBuyerBanned
	}

	var o *Order
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := GenerateOrderCode()
		if err != nil {
			return nil, err
		}
		err = s.inTx(ctx, func(tx *sqlx.Tx) error {
			listing, err := s.listings.GetByIdTx(tx, params.ListingId)
			if err != nil {
				return err
			}
			if listing.Status != market.ListingStatusActive {
				return market.ErrNotActive
			}
			if listing.SellerId == buyer.Id {
				return ErrSelfOrder
			}
			if params.Hours < listing.MinHours ||
				params.Hours > listing.MaxHours {
				return ErrHoursOutOfRange
			}
			rawHashrate, err := listing.HashrateRaw()
			if err != nil {
				return err
			}
			subtotal, err := hoursSubtotal(listing.PricePerHour, params.Hours)
			if err != nil {
				return err
			}
			commission, err := ledger.CommissionOn(subtotal)
			if err != nil {
				return err
			}
			password := strings.TrimSpace(params.PoolPassword)
			if password == "" {
				password = "x"
			}
			o = &Order{
				OrderCode:       code,
				BuyerId:         buyer.Id,
				SellerId:        listing.SellerId,
				ListingId:       listing.Id,
				Algorithm:       listing.Algorithm,
				OrderedHashrate: rawHashrate,
				HashrateUnit:    listing.HashrateUnit,
				Hours:           params.Hours,
				PricePerHour:    listing.PricePerHour,
				Subtotal:        subtotal,
				Commission:      commission,
				TotalPaid:       subtotal + commission,
				PoolHost:        strings.TrimSpace(params.PoolHost),
				PoolPort:        params.PoolPort,
				PoolWallet:      strings.TrimSpace(params.PoolWallet),
				PoolWorker:      strings.TrimSpace(params.PoolWorker),
				PoolPassword:    password,
				ProxyRegion:     listing.Region,
			}
			if params.PoolBackupHost != "" {
				host := strings.TrimSpace(params.PoolBackupHost)
				port := params.PoolBackupPort
				o.PoolBackupHost = &host
				o.PoolBackupPort = &port
			}
			if err := s.store.insertTx(tx, o); err != nil {
				return err
			}
			err = s.ledger.LockEscrowTx(ctx, tx, buyer.Id, o.TotalPaid, o.Id)
			if err != nil {
				return err
			}
			if err := s.listings.MarkRentedTx(tx, listing.Id); err != nil {
				return err
			}
			_, err = tx.Exec(
				`UPDATE users
				    SET total_orders = total_orders + 1, updated_at = NOW()
				  WHERE id = $1`,
				buyer.Id,
			)
			return err
		})
		if err == nil {
			break
		}
		if isUniqueViolation(err, "orders_order_code_key") {
			o = nil
			continue
		}
		return nil, err
	}
	if o == nil || o.Id == 0 {
		return nil, fmt.Errorf("failed to allocate an order code")
	}

	s.logger.Info(
		"order created",
		"orderCode", o.OrderCode,
		"buyerId", o.BuyerId,
		"sellerId", o.SellerId,
		"hours", o.Hours,
		"totalPaid", o.TotalPaid.String(),
	)
	s.notifyUser(ctx, o.SellerId, notify.EventOrderCreated, o,
		fmt.Sprintf("your listing was rented for %d hours", o.Hours))
	return o, nil
}

// hoursSubtotal multiplies the hourly price out over the rental window
func hoursSubtotal(price ledger.Amount, hours int) (ledger.Amount, error) {
	if hours <= 0 {
		return 0, ErrHoursOutOfRange
	}
	product := int64(price) * int64(hours)
	if product/int64(hours) != int64(price) {
		return 0, ledger.ErrAmountOverflow
	}
	return ledger.Amount(product), nil
}

func (s *Service) GetOrder(ctx context.Context, code string) (*Order, error) {
	return s.store.GetByCode(ctx, code)
}

func (s *Service) GetOrderSessions(
	ctx context.Context,
	orderId int64,
) ([]Session, error) {
	return s.store.ListSessions(ctx, orderId, 20)
}

// ListUserOrders returns recent orders for a wallet, as buyer or seller
func (s *Service) ListUserOrders(
	ctx context.Context,
	wallet string,
) ([]Order, error) {
	u, err := s.users.GetByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return []Order{}, nil
		}
		return nil, err
	}
	return s.store.ListByUser(ctx, u.Id, 50)
}

// WorkerLookup resolves a worker id to its rentable order for the proxy.
// Only orders still expecting hashpower resolve; everything else is not
// found. Results are served through the Redis cache.
func (s *Service) WorkerLookup(
	ctx context.Context,
	workerId string,
) (*WorkerOrder, error) {
	if !stratum.ValidWorkerId(workerId) {
		return nil, ErrOrderNotFound
	}
	if info, ok := s.cache.Get(ctx, workerId); ok {
		return info, nil
	}
	o, err := s.store.GetByCode(ctx, workerId)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPaid && o.Status != StatusActive {
		return nil, ErrOrderNotFound
	}
	info := &WorkerOrder{
		OrderId:      o.Id,
		OrderCode:    o.OrderCode,
		Status:       o.Status,
		Algorithm:    o.Algorithm,
		Hours:        o.Hours,
		PoolHost:     o.PoolHost,
		PoolPort:     o.PoolPort,
		PoolWallet:   o.PoolWallet,
		PoolWorker:   o.PoolWorker,
		PoolPassword: o.PoolPassword,
		Region:       o.ProxyRegion,
	}
	if o.PoolBackupHost != nil {
		info.PoolBackupHost = *o.PoolBackupHost
	}
	if o.PoolBackupPort != nil {
		info.PoolBackupPort = *o.PoolBackupPort
	}
	s.cache.Set(ctx, workerId, info)
	return info, nil
}

type ConnectParams struct {
	WorkerId   string
	SessionUid string
	MinerIp    string
	UserAgent  string
	Region     string
}

// HandleConnect records a miner connection and starts the rental clock on
// the first one
func (s *Service) HandleConnect(ctx context.Context, params ConnectParams) error {
	o, err := s.store.GetByCode(ctx, params.WorkerId)
	if err != nil {
		return err
	}
	if o.Status != StatusPaid && o.Status != StatusActive {
		return ErrOrderNotFound
	}
	if params.SessionUid == "" {
		params.SessionUid = uuid.NewString()
	}
	inserted, err := s.store.registerSession(ctx, &Session{
		SessionUid: params.SessionUid,
		OrderId:    o.Id,
		OrderCode:  o.OrderCode,
		MinerIp:    params.MinerIp,
		UserAgent:  params.UserAgent,
		Region:     params.Region,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Duplicate delivery of the same session
		return nil
	}
	s.logger.Info(
		"miner connected",
		"orderCode", o.OrderCode,
		"sessionUid", params.SessionUid,
		"minerIp", params.MinerIp,
	)
	if o.Status == StatusPaid {
		return s.activateOrder(ctx, o)
	}
	return nil
}

// activateOrder starts the rental window exactly once
func (s *Service) activateOrder(ctx context.Context, o *Order) error {
	startedAt := time.Now().UTC()
	expectedEndAt := startedAt.Add(time.Duration(o.Hours) * time.Hour)
	won, err := s.store.activate(ctx, o.Id, startedAt, expectedEndAt)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	s.cache.Del(ctx, o.OrderCode)
	s.logger.Info(
		"order active",
		"orderCode", o.OrderCode,
		"expectedEndAt", expectedEndAt,
	)
	s.notifyUser(ctx, o.BuyerId, notify.EventOrderActive, o,
		"hashpower delivery has started")
	return nil
}

type ShareParams struct {
	WorkerId   string
	SessionUid string
	Outcome    string
	Difficulty float64
	Hashrate   float64
}

// HandleShare appends a share record and bumps the live counters. A share
// on a paid order activates it; the connect callback evidently went
// missing.
func (s *Service) HandleShare(ctx context.Context, params ShareParams) error {
	switch params.Outcome {
	case ShareAccepted, ShareRejected, ShareStale:
	default:
		return ErrInvalidOutcome
	}
	o, err := s.store.GetByCode(ctx, params.WorkerId)
	if err != nil {
		return err
	}
	switch o.Status {
	case StatusPaid:
		if err := s.activateOrder(ctx, o); err != nil {
			return err
		}
	case StatusActive, StatusDelivering:
	default:
		return ErrOrderNotFound
	}
	err = s.store.insertShareLog(
		ctx,
		o.Id,
		params.SessionUid,
		params.Outcome,
		params.Difficulty,
		params.Hashrate,
	)
	if err != nil {
		return err
	}
	if err := s.store.recordShare(ctx, o.Id, params.Outcome); err != nil {
		return err
	}
	if params.SessionUid != "" {
		err = s.store.bumpSessionShare(ctx, params.SessionUid, params.Outcome)
		if err != nil {
			return err
		}
	}
	return nil
}

type SnapshotParams struct {
	WorkerId string
	Hashrate float64
	Unit     string
	Accepted int64
	Rejected int64
}

// HandleHashrate stores a periodic hashrate snapshot and refreshes the
// order's delivery accuracy. Crossing below the low-water mark flags the
// order and notifies the buyer once per crossing.
func (s *Service) HandleHashrate(
	ctx context.Context,
	params SnapshotParams,
) error {
	var notifyLow bool
	var o *Order
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		o, err = s.store.GetByCodeForUpdateTx(tx, params.WorkerId)
		if err != nil {
			return err
		}
		if o.Status != StatusActive && o.Status != StatusDelivering {
			return ErrOrderNotFound
		}
		_, err = tx.Exec(
			`INSERT INTO hashrate_snapshots (order_id, hashrate, unit,
			    shares_accepted, shares_rejected)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.Id,
			params.Hashrate,
			params.Unit,
			params.Accepted,
			params.Rejected,
		)
		if err != nil {
			return err
		}
		var avg float64
		err = tx.Get(
			&avg,
			`SELECT COALESCE(AVG(hashrate), 0) FROM hashrate_snapshots
			  WHERE order_id = $1`,
			o.Id,
		)
		if err != nil {
			return err
		}
		accuracy := deliveryAccuracy(avg, o.OrderedHashrate)
		flagged := o.LowHashrateFlagged
		if accuracy < AccuracyLowWater && !flagged {
			flagged = true
			notifyLow = true
		} else if accuracy >= AccuracyLowWater && flagged {
			flagged = false
		}
		_, err = tx.Exec(
			`UPDATE orders
			    SET current_hashrate = $1, avg_hashrate = $2, accuracy = $3,
			        low_hashrate_flagged = $4, updated_at = NOW()
			  WHERE id = $5`,
			params.Hashrate,
			avg,
			accuracy,
			flagged,
			o.Id,
		)
		if err != nil {
			return err
		}
		o.CurrentHashrate = params.Hashrate
		o.AvgHashrate = avg
		o.Accuracy = accuracy
		o.LowHashrateFlagged = flagged
		return nil
	})
	if err != nil {
		return err
	}
	if notifyLow {
		value, unit := stratum.FormatHashrate(o.AvgHashrate)
		s.notifyUser(ctx, o.BuyerId, notify.EventHashrateLow, o,
			fmt.Sprintf(
				"delivered hashrate %.2f %s is %.0f%% of the ordered rate",
				value, unit, o.Accuracy,
			))
	}
	return nil
}

// deliveryAccuracy is the delivered share of the ordered hashrate, capped
// at 100
func deliveryAccuracy(avg float64, ordered float64) float64 {
	if ordered <= 0 || avg <= 0 {
		return 0
	}
	accuracy := 100 * avg / ordered
	if accuracy > 100 {
		return 100
	}
	return accuracy
}

type DisconnectParams struct {
	WorkerId   string
	SessionUid string
	Reason     string
	Accepted   int64
	Rejected   int64
	Stale      int64
}

// HandleDisconnect closes the session record with the proxy's final
// counters. Replays and sessions we never saw are ignored; the order's
// status is not touched, reconnecting is the miner's business.
func (s *Service) HandleDisconnect(
	ctx context.Context,
	params DisconnectParams,
) error {
	if params.SessionUid == "" {
		return nil
	}
	first, err := s.store.finalizeSession(
		ctx,
		params.SessionUid,
		params.Reason,
		params.Accepted,
		params.Rejected,
		params.Stale,
	)
	if err != nil {
		return err
	}
	if first {
		s.logger.Info(
			"miner disconnected",
			"workerId", params.WorkerId,
			"sessionUid", params.SessionUid,
			"reason", params.Reason,
			"accepted", params.Accepted,
			"rejected", params.Rejected,
			"stale", params.Stale,
		)
	}
	return nil
}

// Confirm is the buyer accepting delivery, moving the order into its
// review window
func (s *Service) Confirm(
	ctx context.Context,
	code string,
	buyerWallet string,
) (*Order, error) {
	u, err := s.users.GetByWallet(ctx, buyerWallet)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	o, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if o.BuyerId != u.Id {
		return nil, ErrNotParticipant
	}
	confirmed, err := s.store.confirmDelivering(ctx, o.Id)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, ErrInvalidTransition
	}
	s.cache.Del(ctx, code)
	o, err = s.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order confirmed", "orderCode", code)
	s.notifyUser(ctx, o.SellerId, notify.EventOrderDelivering, o,
		"the buyer confirmed delivery; settlement is in review")
	return o, nil
}

// OpenDispute freezes an order in dispute and records the complaint with
// the telemetry as it stood. Disputes win ties against the expiry sweep:
// the order row is locked while the status flips.
func (s *Service) OpenDispute(
	ctx context.Context,
	code string,
	openerWallet string,
	reason string,
	detail string,
) (*Dispute, error) {
	if !ValidReason(reason) {
		return nil, ErrInvalidReason
	}
	u, err := s.users.GetByWallet(ctx, openerWallet)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	var d *Dispute
	var counterpartyId int64
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		o, err := s.store.GetByCodeForUpdateTx(tx, code)
		if err != nil {
			return err
		}
		var role string
		switch u.Id {
		case o.BuyerId:
			role = RoleBuyer
			counterpartyId = o.SellerId
		case o.SellerId:
			role = RoleSeller
			counterpartyId = o.BuyerId
		default:
			return ErrNotParticipant
		}
		if IsTerminal(o.Status) {
			// The settlement already happened; its outcome stands
			return ErrOrderTerminal
		}
		if o.Status != StatusActive && o.Status != StatusDelivering {
			return ErrInvalidTransition
		}
		_, err = tx.Exec(
			`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
			StatusDispute,
			o.Id,
		)
		if err != nil {
			return err
		}
		d = &Dispute{
			OpenedBy:   u.Id,
			OpenerRole: role,
			Reason:     reason,
			Detail:     detail,
		}
		return s.store.insertDisputeTx(tx, d, o)
	})
	if err != nil {
		return nil, err
	}
	s.cache.Del(ctx, code)
	s.logger.Info(
		"dispute opened",
		"orderCode", code,
		"reason", reason,
		"openerRole", d.OpenerRole,
	)
	o := &Order{Id: d.OrderId, OrderCode: d.OrderCode}
	s.notifyUser(ctx, counterpartyId, notify.EventDisputeOpened, o,
		fmt.Sprintf("a dispute was opened: %s", reason))
	return d, nil
}

// AdminAction settles an order under review or in dispute. Approve pays
// the seller, reject refunds the buyer, partial splits by percent; the
// escrow release, status change, listing reopen, and dispute resolution
// commit together. Acting on an already settled order returns the stored
// outcome and moves no money.
func (s *Service) AdminAction(
	ctx context.Context,
	code string,
	action string,
	percent int,
	adminUser string,
) (*Order, error) {
	var result *Order
	var settled bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		o, err := s.store.GetByCodeForUpdateTx(tx, code)
		if err != nil {
			return err
		}
		if IsTerminal(o.Status) {
			result = o
			return nil
		}
		if o.Status != StatusDelivering && o.Status != StatusDispute {
			return ErrInvalidTransition
		}
		settle, err := ComputeSettlement(action, percent, o.Subtotal, o.TotalPaid)
		if err != nil {
			return err
		}
		err = s.ledger.ReleaseEscrowTx(ctx, tx, ledger.ReleaseParams{
			OrderId:    o.Id,
			BuyerId:    o.BuyerId,
			SellerId:   o.SellerId,
			TotalPaid:  o.TotalPaid,
			Payout:     settle.Payout,
			Refund:     settle.Refund,
			Commission: settle.Commission,
		})
		if err != nil {
			return err
		}
		newStatus := StatusCompleted
		tsColumn := "completed_at"
		if settle.Payout == 0 {
			newStatus = StatusCancelled
			tsColumn = "cancelled_at"
		}
		_, err = tx.Exec(
			`UPDATE orders
			    SET status = $1, admin_action = $2, payout_amount = $3,
			        refund_amount = $4, `+tsColumn+` = NOW(),
			        updated_at = NOW()
			  WHERE id = $5`,
			newStatus,
			settle.Action,
			settle.Payout,
			settle.Refund,
			o.Id,
		)
		if err != nil {
			return err
		}
		if err := s.listings.ReopenTx(tx, o.ListingId); err != nil {
			return err
		}
		// The cumulative spent/earned totals ride along inside the
		// escrow release
		err = s.store.resolveDisputesTx(
			tx, o.Id, resolutionForAction(settle), adminUser,
		)
		if err != nil {
			return err
		}
		var updated Order
		err = tx.Get(
			&updated,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
			o.Id,
		)
		if err != nil {
			return err
		}
		result = &updated
		settled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !settled {
		return result, nil
	}
	s.cache.Del(ctx, code)
	s.logger.Info(
		"order settled",
		"orderCode", code,
		"action", action,
		"status", result.Status,
		"payout", result.PayoutAmount,
		"refund", result.RefundAmount,
		"admin", adminUser,
	)
	evt := notify.EventOrderCompleted
	message := "the order completed and the escrow was settled"
	if result.Status == StatusCancelled {
		evt = notify.EventOrderCancelled
		message = "the order was cancelled and the escrow refunded"
	}
	s.notifyUser(ctx, result.BuyerId, evt, result, message)
	s.notifyUser(ctx, result.SellerId, evt, result, message)
	return result, nil
}

func resolutionForAction(settle *Settlement) string {
	switch settle.Action {
	case ActionApprove:
		return ResolutionFullPayout
	case ActionReject:
		return ResolutionFullRefund
	}
	return ResolutionPartial
}

// ResolveDispute settles the disputed order per the resolution, or, for
// cancelled, dismisses the dispute and returns the order to review
func (s *Service) ResolveDispute(
	ctx context.Context,
	disputeId int64,
	resolution string,
	percent int,
	adminUser string,
) (*Dispute, error) {
	d, err := s.store.GetDisputeById(ctx, disputeId)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, ErrDisputeInvalidState
	}
	if resolution == ResolutionCancelled {
		err = s.inTx(ctx, func(tx *sqlx.Tx) error {
			o, err := s.store.GetByCodeForUpdateTx(tx, d.OrderCode)
			if err != nil {
				return err
			}
			if o.Status == StatusDispute {
				_, err = tx.Exec(
					`UPDATE orders
					    SET status = $1, review_at = NOW(), updated_at = NOW()
					  WHERE id = $2`,
					StatusDelivering,
					o.Id,
				)
				if err != nil {
					return err
				}
			}
			_, err = tx.Exec(
				`UPDATE disputes
				    SET status = $1, resolution = $2, resolved_by = $3,
				        resolved_at = NOW()
				  WHERE id = $4 AND status = $5`,
				DisputeResolved,
				ResolutionCancelled,
				adminUser,
				disputeId,
				DisputeOpen,
			)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.cache.Del(ctx, d.OrderCode)
		s.logger.Info(
			"dispute dismissed",
			"disputeId", disputeId,
			"orderCode", d.OrderCode,
			"admin", adminUser,
		)
		return s.store.GetDisputeById(ctx, disputeId)
	}
	action, ok := ActionForResolution(resolution)
	if !ok {
		return nil, ErrInvalidResolution
	}
	if _, err := s.AdminAction(ctx, d.OrderCode, action, percent, adminUser); err != nil {
		return nil, err
	}
	return s.store.GetDisputeById(ctx, disputeId)
}

// ExpireDueOrders sweeps active orders past their rental window into
// delivering. Returns how many moved.
func (s *Service) ExpireDueOrders(ctx context.Context) (int, error) {
	expired, err := s.store.expireDue(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		o := &expired[i]
		s.cache.Del(ctx, o.OrderCode)
		s.notifyUser(ctx, o.BuyerId, notify.EventOrderDelivering, o,
			"the rental window elapsed; confirm delivery or open a dispute")
	}
	return len(expired), nil
}

// ReviewQueue lists orders awaiting an admin decision
func (s *Service) ReviewQueue(ctx context.Context) ([]Order, error) {
	return s.store.ReviewQueue(ctx)
}

// OpenDisputes lists open disputes, oldest first
func (s *Service) OpenDisputes(ctx context.Context) ([]Dispute, error) {
	return s.store.ListOpenDisputes(ctx)
}

// AdminStats is the dashboard summary
type AdminStats struct {
	Users              int64            `json:"users"`
	OrdersByStatus     map[string]int64 `json:"orders_by_status"`
	GrossVolume        ledger.Amount    `json:"gross_volume"`
	OpenDisputes       int64            `json:"open_disputes"`
	PendingWithdrawals int64            `json:"pending_withdrawals"`
}

func (s *Service) Stats(ctx context.Context) (*AdminStats, error) {
	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	volume, err := s.store.GrossVolume(ctx)
	if err != nil {
		return nil, err
	}
	var openDisputes int64
	err = s.db.GetContext(
		ctx,
		&openDisputes,
		`SELECT COUNT(*) FROM disputes WHERE status = $1`,
		DisputeOpen,
	)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.ListPendingWithdrawals(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminStats{
		Users:              users,
		OrdersByStatus:     byStatus,
		GrossVolume:        volume,
		OpenDisputes:       openDisputes,
		PendingWithdrawals: int64(len(pending)),
	}, nil
}

// StartSweeper launches the background expiry sweep
func (s *Service) StartSweeper() {
	s.sweepWg.Add(1)
	go func() {
		defer s.sweepWg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				count, err := s.ExpireDueOrders(context.Background())
				if err != nil {
					s.logger.Error("expiry sweep failed", "error", err)
					continue
				}
				if count > 0 {
					s.logger.Info("orders moved to review", "count", count)
				}
			}
		}
	}()
}

// Stop stops the sweeper (idempotent - safe to call multiple times)
func (s *Service) Stop() {
	s.stateMu.Lock()
	if s.stopped {
		s.stateMu.Unlock()
		return
	}
	s.stopped = true
	s.stateMu.Unlock()

	close(s.stopChan)
	s.sweepWg.Wait()
}

// notifyUser resolves the wallet and publishes; notification failures
// never fail the transition that produced them
func (s *Service) notifyUser(
	ctx context.Context,
	userId int64,
	eventType string,
	o *Order,
	message string,
) {
	u, err := s.users.GetById(ctx, userId)
	if err != nil {
		s.logger.Warn(
			"cannot notify user",
			"userId", userId,
			"event", eventType,
			"error", err,
		)
		return
	}
	s.notifier.Publish(ctx, &notify.Event{
		Type:      eventType,
		Wallet:    u.WalletAddress,
		OrderId:   o.Id,
		OrderCode: o.OrderCode,
		Message:   message,
	})
}
