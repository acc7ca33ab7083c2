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
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTestToken(t *testing.T, srv *Server) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin",
		"role": adminRole,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(srv.cfg.Admin.JwtSecret))
	require.NoError(t, err)
	return signed
}

func TestAdminLoginIssuesToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/admin/login", map[string]any{
		"username": "admin",
		"password": testAdminPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	signed, ok := body["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, signed)
	assert.NotEmpty(t, body["expires_at"])

	token, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte(srv.cfg.Admin.JwtSecret), nil
	})
	require.NoError(t, err)
	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "admin", claims["sub"])
	assert.Equal(t, adminRole, claims["role"])
}

func TestAdminLoginWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/admin/login", map[string]any{
		"username": "admin",
		"password": "not-the-password",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["error"])
}

func TestAdminLoginUnknownUsername(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/admin/login", map[string]any{
		"username": "root",
		"password": testAdminPassword,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminLoginMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(
		srv,
		http.MethodPost,
		"/api/admin/login",
		map[string]any{},
	)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminLoginDisabledWithoutHash(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.Admin.PasswordHash = ""
	rec := doRequest(srv, http.MethodPost, "/api/admin/login", map[string]any{
		"username": "admin",
		"password": testAdminPassword,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRejectMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/admin/review", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["error"])
}

func TestAdminRoutesRejectGarbageToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doAuthRequest(
		srv,
		http.MethodGet,
		"/api/admin/review",
		"not-a-jwt",
		nil,
	)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRejectForeignSecret(t *testing.T) {
	srv, _ := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin",
		"role": adminRole,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)
	rec := doAuthRequest(srv, http.MethodGet, "/api/admin/review", signed, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRejectExpiredToken(t *testing.T) {
	srv, _ := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "admin",
		"role": adminRole,
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(srv.cfg.Admin.JwtSecret))
	require.NoError(t, err)
	rec := doAuthRequest(srv, http.MethodGet, "/api/admin/review", signed, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminTokenRoundTrip(t *testing.T) {
	srv, mock := newTestServer(t)
	rec := doRequest(srv, http.MethodPost, "/api/admin/login", map[string]any{
		"username": "admin",
		"password": testAdminPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decodeBody(t, rec)["token"].(string)

	mock.ExpectQuery(regexp.QuoteMeta("review_at IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	rec = doAuthRequest(srv, http.MethodGet, "/api/admin/review", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}
