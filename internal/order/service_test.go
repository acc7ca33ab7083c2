package order

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/user"
)

var testOrderColumns = []string{
	"id", "order_code", "buyer_id", "seller_id", "listing_id", "algorithm",
	"ordered_hashrate", "hashrate_unit", "hours", "price_per_hour",
	"subtotal", "commission", "total_paid", "pool_host", "pool_port",
	"pool_wallet", "pool_worker", "pool_password", "pool_backup_host",
	"pool_backup_port", "proxy_region", "status", "current_hashrate",
	"avg_hashrate", "accuracy", "shares_accepted", "shares_rejected",
	"last_share_at", "low_hashrate_flagged", "admin_action",
	"payout_amount", "refund_amount", "paid_at", "started_at",
	"expected_end_at", "review_at", "completed_at", "cancelled_at",
	"created_at", "updated_at",
}

// orderRow builds a plausible order row; a 24h rental at 1.00/h with 3%
// commission, overridable per test
func orderRow(overrides map[string]driver.Value) *sqlmock.Rows {
	now := time.Now()
	vals := map[string]driver.Value{
		"id":                   int64(7),
		"order_code":           "hb_ord_test5678",
		"buyer_id":             int64(2),
		"seller_id":            int64(3),
		"listing_id":           int64(4),
		"algorithm":            "sha256",
		"ordered_hashrate":     float64(100e12),
		"hashrate_unit":        "TH/s",
		"hours":                int64(24),
		"price_per_hour":       int64(100),
		"subtotal":             int64(2400),
		"commission":           int64(72),
		"total_paid":           int64(2472),
		"pool_host":            "pool.example.com",
		"pool_port":            int64(3333),
		"pool_wallet":          "poolwallet",
		"pool_worker":          "",
		"pool_password":        "x",
		"pool_backup_host":     nil,
		"pool_backup_port":     nil,
		"proxy_region":         "us-east",
		"status":               StatusActive,
		"current_hashrate":     float64(0),
		"avg_hashrate":         float64(0),
		"accuracy":             float64(0),
		"shares_accepted":      int64(0),
		"shares_rejected":      int64(0),
		"last_share_at":        nil,
		"low_hashrate_flagged": false,
		"admin_action":         nil,
		"payout_amount":        nil,
		"refund_amount":        nil,
		"paid_at":              now,
		"started_at":           nil,
		"expected_end_at":      nil,
		"review_at":            nil,
		"completed_at":         nil,
		"cancelled_at":         nil,
		"created_at":           now,
		"updated_at":           now,
	}
	for column, value := range overrides {
		vals[column] = value
	}
	row := make([]driver.Value, len(testOrderColumns))
	for i, column := range testOrderColumns {
		row[i] = vals[column]
	}
	return sqlmock.NewRows(testOrderColumns).AddRow(row...)
}

var testUserColumns = []string{
	"id", "wallet_address", "balance_available", "balance_escrow",
	"balance_pending", "banned", "total_orders", "total_spent",
	"total_earned", "created_at", "updated_at",
}

func userRow(id int64, wallet string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testUserColumns).AddRow(
		id, wallet, int64(0), int64(0), int64(0), false,
		int64(0), int64(0), int64(0), now, now,
	)
}

func expectUserById(mock sqlmock.Sqlmock, id int64, wallet string) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, wallet_address")).
		WithArgs(id).
		WillReturnRows(userRow(id, wallet))
}

func expectLockBalance(
	mock sqlmock.Sqlmock,
	userId int64,
	available int64,
	escrow int64,
) {
	mock.ExpectQuery(
		regexp.QuoteMeta(
			"SELECT id, balance_available, balance_escrow, balance_pending",
		),
	).
		WithArgs(userId).
		WillReturnRows(
			sqlmock.NewRows(
				[]string{
					"id",
					"balance_available",
					"balance_escrow",
					"balance_pending",
				},
			).AddRow(userId, available, escrow, int64(0)),
		)
}

func expectAppendTxn(mock sqlmock.Sqlmock, txnId int64) {
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(txnId))
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDb.Close() })
	db := sqlx.NewDb(mockDb, "sqlmock")
	mock.ExpectQuery(
		regexp.QuoteMeta(`SELECT id FROM users WHERE wallet_address = $1`),
	).
		WithArgs(ledger.PlatformWallet).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	engine, err := ledger.NewEngine(db)
	require.NoError(t, err)
	svc := NewService(
		db,
		user.NewStore(db),
		market.NewStore(db),
		engine,
		NewCache(nil),
		notify.NewNotifier(nil),
	)
	return svc, mock
}

func TestHandleConnectActivatesPaidOrder(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{"status": StatusPaid}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proxy_sessions")).
		WithArgs(
			"sess-1", int64(7), "hb_ord_test5678",
			"198.51.100.7", "cgminer/4.12", "us-east",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(
			StatusActive, sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(7), StatusPaid,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectUserById(mock, 2, "0xbuyer")

	err := svc.HandleConnect(context.Background(), ConnectParams{
		WorkerId:   "hb_ord_test5678",
		SessionUid: "sess-1",
		MinerIp:    "198.51.100.7",
		UserAgent:  "cgminer/4.12",
		Region:     "us-east",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Redelivered connect callbacks are absorbed by the session uid and do
// not touch the order
func TestHandleConnectDuplicateSession(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{"status": StatusPaid}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proxy_sessions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.HandleConnect(context.Background(), ConnectParams{
		WorkerId:   "hb_ord_test5678",
		SessionUid: "sess-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerLookup(t *testing.T) {
	svc, mock := newTestService(t)

	// A worker id without the order prefix never reaches the database
	_, err := svc.WorkerLookup(context.Background(), "rig1")
	require.ErrorIs(t, err, ErrOrderNotFound)

	// A settled order no longer resolves
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(
			orderRow(map[string]driver.Value{"status": StatusCompleted}),
		)
	_, err = svc.WorkerLookup(context.Background(), "hb_ord_test5678")
	require.ErrorIs(t, err, ErrOrderNotFound)

	// A paid order resolves to its pool tuple
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{"status": StatusPaid}))
	info, err := svc.WorkerLookup(context.Background(), "hb_ord_test5678")
	require.NoError(t, err)
	assert.Equal(t, "pool.example.com", info.PoolHost)
	assert.Equal(t, 3333, info.PoolPort)
	assert.Equal(t, "poolwallet", info.PoolWallet)
	assert.Equal(t, StatusPaid, info.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmRejectsNonBuyer(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE wallet_address = $1")).
		WithArgs("0xeve").
		WillReturnRows(userRow(9, "0xeve"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(nil))

	_, err := svc.Confirm(context.Background(), "hb_ord_test5678", "0xeve")
	require.ErrorIs(t, err, ErrNotParticipant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Approving a delivered order releases the escrow, reopens the listing,
// resolves any dispute, and lands the order in completed, all in one
// transaction
func TestAdminActionApproveSettles(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(
			orderRow(map[string]driver.Value{"status": StatusDelivering}),
		)
	// Escrow release: users locked in ascending id order
	expectLockBalance(mock, 1, 0, 0)
	expectLockBalance(mock, 2, 0, 2472)
	expectLockBalance(mock, 3, 0, 0)
	// Buyer: hold released, commission share refunded
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users")).
		WithArgs(int64(2472), int64(72), int64(2400), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppendTxn(mock, 201)
	// Seller: payout net of commission
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users")).
		WithArgs(int64(2328), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppendTxn(mock, 202)
	// Buyer refund row
	expectAppendTxn(mock, 203)
	// Platform commission
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users")).
		WithArgs(int64(72), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppendTxn(mock, 204)
	// Order settles, listing reopens, dispute (if any) resolves
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(
			StatusCompleted, ActionApprove, int64(2400), int64(72), int64(7),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE listings")).
		WithArgs(market.ListingStatusActive, int64(4), market.ListingStatusRented).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE disputes")).
		WithArgs(
			DisputeResolved, ResolutionFullPayout, "admin",
			int64(7), DisputeOpen,
		).
		WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(orderRow(map[string]driver.Value{
			"status":        StatusCompleted,
			"admin_action":  ActionApprove,
			"payout_amount": int64(2400),
			"refund_amount": int64(72),
			"completed_at":  now,
		}))
	mock.ExpectCommit()
	expectUserById(mock, 2, "0xbuyer")
	expectUserById(mock, 3, "0xseller")

	o, err := svc.AdminAction(
		context.Background(), "hb_ord_test5678", ActionApprove, 0, "admin",
	)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	require.NotNil(t, o.PayoutAmount)
	assert.Equal(t, ledger.Amount(2400), *o.PayoutAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A second admin action returns the first outcome and moves no money
func TestAdminActionTerminalReturnsStoredOutcome(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{
			"status":        StatusCompleted,
			"admin_action":  ActionApprove,
			"payout_amount": int64(2400),
			"refund_amount": int64(72),
			"completed_at":  now,
		}))
	mock.ExpectCommit()

	o, err := svc.AdminAction(
		context.Background(), "hb_ord_test5678", ActionReject, 0, "admin",
	)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	require.NotNil(t, o.AdminAction)
	assert.Equal(t, ActionApprove, *o.AdminAction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminActionRejectsActiveOrder(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{"status": StatusActive}))
	mock.ExpectRollback()

	_, err := svc.AdminAction(
		context.Background(), "hb_ord_test5678", ActionApprove, 0, "admin",
	)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsSelfOrder(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("0xseller").
		WillReturnRows(userRow(5, "0xseller"))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM listings WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "seller_id", "algorithm", "hashrate", "hashrate_unit",
			"price_per_hour", "min_hours", "max_hours", "region", "status",
			"created_at", "updated_at",
		}).AddRow(
			int64(4), int64(5), "sha256", float64(100), "TH/s",
			int64(100), int64(1), int64(72), "us-east",
			market.ListingStatusActive, time.Now(), time.Now(),
		))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), CreateParams{
		BuyerWallet: "0xseller",
		ListingId:   4,
		Hours:       24,
		PoolHost:    "pool.example.com",
		PoolPort:    3333,
		PoolWallet:  "poolwallet",
	})
	require.ErrorIs(t, err, ErrSelfOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A snapshot dragging average delivery below half the ordered rate flags
// the order and tells the buyer once
func TestHandleHashrateFlagsLowDelivery(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO hashrate_snapshots")).
		WithArgs(int64(7), float64(28e12), "H/s", int64(140), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(AVG(hashrate), 0)")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(float64(30e12)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(float64(28e12), float64(30e12), float64(30), true, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUserById(mock, 2, "0xbuyer")

	err := svc.HandleHashrate(context.Background(), SnapshotParams{
		WorkerId: "hb_ord_test5678",
		Hashrate: 28e12,
		Unit:     "H/s",
		Accepted: 140,
		Rejected: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDisputeCapturesTelemetry(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE wallet_address = $1")).
		WithArgs("0xbuyer").
		WillReturnRows(userRow(2, "0xbuyer"))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{
			"current_hashrate": float64(42e12),
			"avg_hashrate":     float64(40e12),
			"accuracy":         float64(40),
			"shares_accepted":  int64(120),
			"shares_rejected":  int64(6),
		}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(StatusDispute, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO disputes")).
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "status", "created_at"}).
				AddRow(int64(11), DisputeOpen, time.Now()),
		)
	mock.ExpectCommit()
	expectUserById(mock, 3, "0xseller")

	d, err := svc.OpenDispute(
		context.Background(),
		"hb_ord_test5678",
		"0xbuyer",
		ReasonLowHashrate,
		"barely a third of what I paid for",
	)
	require.NoError(t, err)
	assert.Equal(t, RoleBuyer, d.OpenerRole)
	assert.Equal(t, int64(120), d.TeleSharesAccepted)
	assert.Equal(t, float64(40), d.TeleAccuracy)
	assert.Equal(t, DisputeOpen, d.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenDisputeUnknownReason(t *testing.T) {
	svc, mock := newTestService(t)
	_, err := svc.OpenDispute(
		context.Background(), "hb_ord_test5678", "0xbuyer", "vibes", "",
	)
	require.ErrorIs(t, err, ErrInvalidReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Once an order settles, its outcome stands; a late dispute is refused
// without touching the order
func TestOpenDisputeAfterSettlement(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE wallet_address = $1")).
		WithArgs("0xbuyer").
		WillReturnRows(userRow(2, "0xbuyer"))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(orderRow(map[string]driver.Value{
			"status":        StatusCompleted,
			"admin_action":  ActionApprove,
			"payout_amount": int64(2400),
			"refund_amount": int64(72),
		}))
	mock.ExpectRollback()

	_, err := svc.OpenDispute(
		context.Background(),
		"hb_ord_test5678",
		"0xbuyer",
		ReasonLowHashrate,
		"",
	)
	require.ErrorIs(t, err, ErrOrderTerminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireDueOrders(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(StatusDelivering, StatusActive).
		WillReturnRows(orderRow(map[string]driver.Value{
			"status":    StatusDelivering,
			"review_at": time.Now(),
		}))
	expectUserById(mock, 2, "0xbuyer")

	count, err := svc.ExpireDueOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Late or duplicate disconnects must not clobber the first final counters
func TestHandleDisconnectReplay(t *testing.T) {
	svc, mock := newTestService(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE proxy_sessions")).
		WithArgs(
			SessionDisconnected, "idle_timeout",
			int64(5), int64(1), int64(0), "sess-1",
		).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.HandleDisconnect(context.Background(), DisconnectParams{
		WorkerId:   "hb_ord_test5678",
		SessionUid: "sess-1",
		Reason:     "idle_timeout",
		Accepted:   5,
		Rejected:   1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
