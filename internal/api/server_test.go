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

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
	"github.com/hashbrotherhood/hashmarket/internal/market"
	"github.com/hashbrotherhood/hashmarket/internal/notify"
	"github.com/hashbrotherhood/hashmarket/internal/order"
	"github.com/hashbrotherhood/hashmarket/internal/user"
)

const testAdminPassword = "hunter2"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword(
		[]byte(testAdminPassword),
		bcrypt.MinCost,
	)
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Admin.Username = "admin"
	cfg.Admin.PasswordHash = string(hash)
	cfg.Admin.JwtSecret = "test-secret"
	cfg.Admin.TokenTtl = 3600
	cfg.Market.DepositAddress = "TPlatformDeposit123"
	return cfg
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
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
	users := user.NewStore(db)
	listings := market.NewStore(db)
	notifier := notify.NewNotifier(nil)
	orders := order.NewService(
		db,
		users,
		listings,
		engine,
		order.NewCache(nil),
		notifier,
	)
	srv := NewServer(testConfig(t), orders, listings, users, engine, notifier)
	return srv, mock
}

func doRequest(
	s *Server,
	method string,
	path string,
	body any,
) *httptest.ResponseRecorder {
	return doAuthRequest(s, method, path, "", body)
}

func doAuthRequest(
	s *Server,
	method string,
	path string,
	token string,
	body any,
) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
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

// testOrderRow is an active 24h rental of 100 TH/s at 1.00/h
func testOrderRow(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(testOrderColumns).AddRow(
		int64(7), "hb_ord_test5678", int64(2), int64(3), int64(4),
		"sha256", float64(100e12), "TH/s", int64(24), int64(100),
		int64(2400), int64(72), int64(2472), "pool.example.com",
		int64(3333), "poolwallet", "", "x", nil, nil, "us-east", status,
		float64(0), float64(0), float64(0), int64(0), int64(0), nil,
		false, nil, nil, nil, now, now, now.Add(24*time.Hour), nil, nil,
		nil, now, now,
	)
}

func TestHealthcheck(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/healthcheck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"order not found", order.ErrOrderNotFound, 404, "NOT_FOUND"},
		{"dispute not found", order.ErrDisputeNotFound, 404, "NOT_FOUND"},
		{"listing not found", market.ErrNotFound, 404, "NOT_FOUND"},
		{"unknown wallet", ledger.ErrUnknownUser, 404, "NOT_FOUND"},
		{"not participant", order.ErrNotParticipant, 403, "FORBIDDEN"},
		{"banned buyer", order.ErrBuyerBanned, 403, "FORBIDDEN"},
		{"listing not owned", market.ErrNotOwner, 403, "FORBIDDEN"},
		{"bad transition", order.ErrInvalidTransition, 409, "CONFLICT"},
		{"settled order", order.ErrOrderTerminal, 409, "ORDER_TERMINAL"},
		{"rented listing", market.ErrRented, 409, "CONFLICT"},
		{
			"withdrawal not pending",
			ledger.ErrWithdrawNotPending,
			409,
			"CONFLICT",
		},
		{
			"insufficient funds",
			ledger.ErrInsufficientFunds,
			422,
			"INSUFFICIENT_FUNDS",
		},
		{"bad pool", order.ErrInvalidPool, 400, "INVALID_REQUEST"},
		{"self order", order.ErrSelfOrder, 400, "INVALID_REQUEST"},
		{"bad amount", ledger.ErrInvalidAmount, 400, "INVALID_REQUEST"},
		{
			"wrapped sentinel",
			fmt.Errorf("order create: %w", order.ErrHoursOutOfRange),
			400,
			"INVALID_REQUEST",
		},
		{"unrecognized", errors.New("boom"), 500, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestDepositQrServesPng(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/deposit/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	require.GreaterOrEqual(t, rec.Body.Len(), len(pngMagic))
	assert.Equal(t, pngMagic, rec.Body.Bytes()[:len(pngMagic)])
}

func TestDepositQrClampsSize(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/deposit/qr?size=99999", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, rec.Body.Len())
}

func TestDepositQrWithoutAddress(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Market.DepositAddress = ""
	rec := doRequest(srv, http.MethodGet, "/api/deposit/qr", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["error"])
}
