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
	"database/sql"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyOrderResolvesRentable(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_test5678").
		WillReturnRows(testOrderRow("active"))
	rec := doRequest(
		srv,
		http.MethodGet,
		"/api/proxy/order/hb_ord_test5678",
		nil,
	)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "hb_ord_test5678", body["order_code"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "pool.example.com", body["pool_host"])
	assert.Equal(t, float64(3333), body["pool_port"])
	assert.Equal(t, "poolwallet", body["pool_wallet"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyOrderUnknownWorker(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE order_code = $1")).
		WithArgs("hb_ord_zzzz9999").
		WillReturnError(sql.ErrNoRows)
	rec := doRequest(
		srv,
		http.MethodGet,
		"/api/proxy/order/hb_ord_zzzz9999",
		nil,
	)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["error"])
}

// A worker id without the order prefix never reaches the database
func TestProxyOrderRejectsForeignWorkerId(t *testing.T) {
	srv, mock := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/proxy/order/rig1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyConnectRequiresWorkerId(t *testing.T) {
	srv, mock := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/proxy/connect", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyShareRejectsUnknownOutcome(t *testing.T) {
	srv, mock := newTestServer(t)
	rec := doRequest(
		srv,
		http.MethodPost,
		"/api/proxy/share?worker_id=hb_ord_test5678&outcome=maybe",
		nil,
	)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["error"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyShareRejectsBadDifficulty(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(
		srv,
		http.MethodPost,
		"/api/proxy/share?worker_id=hb_ord_test5678&outcome=accepted&difficulty=abc",
		nil,
	)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyHashrateUnknownOrder(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("hb_ord_test5678").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	rec := doRequest(
		srv,
		http.MethodPost,
		"/api/proxy/hashrate?worker_id=hb_ord_test5678&hashrate=95&unit=TH%2Fs",
		nil,
	)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A disconnect for a session the control plane never saw is a no-op, not
// an error; the proxy retries on anything else
func TestProxyDisconnectWithoutSession(t *testing.T) {
	srv, mock := newTestServer(t)
	rec := doRequest(
		srv,
		http.MethodPost,
		"/api/proxy/disconnect?worker_id=hb_ord_test5678&reason=idle_timeout",
		nil,
	)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
