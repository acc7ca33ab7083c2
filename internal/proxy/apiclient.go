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

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const callbackTimeout = 10 * time.Second

// Callback kinds accepted by the control plane's proxy ingress
const (
	CallbackConnect    = "connect"
	CallbackShare      = "share"
	CallbackHashrate   = "hashrate"
	CallbackDisconnect = "disconnect"
)

// ErrOrderNotFound means the worker id does not resolve to a rentable
// order; the miner is rejected at handshake.
var ErrOrderNotFound = errors.New("order not found for worker")

// CallbackError is a callback the control plane answered with a failure
// status. 4xx means the payload was rejected and retrying is pointless.
type CallbackError struct {
	Kind       string
	StatusCode int
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf(
		"%s callback failed with status %d",
		e.Kind,
		e.StatusCode,
	)
}

// IsRetryable reports whether a callback failure is worth journaling:
// transport errors and 5xx answers are, rejected payloads are not
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cbErr *CallbackError
	if errors.As(err, &cbErr) {
		return cbErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// OrderInfo is the rentable-order payload served by the control plane for
// a worker id
type OrderInfo struct {
	OrderId        int64  `json:"order_id"`
	OrderCode      string `json:"order_code"`
	Status         string `json:"status"`
	Algorithm      string `json:"algorithm"`
	Hours          int    `json:"hours"`
	PoolHost       string `json:"pool_host"`
	PoolPort       int    `json:"pool_port"`
	PoolWallet     string `json:"pool_wallet"`
	PoolWorker     string `json:"pool_worker"`
	PoolPassword   string `json:"pool_password"`
	PoolBackupHost string `json:"pool_backup_host,omitempty"`
	PoolBackupPort int    `json:"pool_backup_port,omitempty"`
	Region         string `json:"region"`
}

// PoolUser is the pool-side login the proxy substitutes for the miner's
// credentials
func (o *OrderInfo) PoolUser() string {
	if o.PoolWorker == "" {
		return o.PoolWallet
	}
	return o.PoolWallet + "." + o.PoolWorker
}

func (o *OrderInfo) PoolAddr() string {
	return fmt.Sprintf("%s:%d", o.PoolHost, o.PoolPort)
}

func (o *OrderInfo) BackupPoolAddr() string {
	if o.PoolBackupHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", o.PoolBackupHost, o.PoolBackupPort)
}

// Client talks to the control plane's proxy ingress endpoints
type Client struct {
	baseUrl    string
	httpClient *http.Client
}

func NewClient(baseUrl string) *Client {
	return &Client{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		httpClient: &http.Client{
			Timeout: callbackTimeout,
		},
	}
}

// GetOrder resolves a worker id to its destination pool tuple
func (c *Client) GetOrder(
	ctx context.Context,
	workerId string,
) (*OrderInfo, error) {
	reqUrl := c.baseUrl + "/api/proxy/order/" + url.PathEscape(workerId)
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		reqUrl,
		nil,
	)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrOrderNotFound
	default:
		return nil, fmt.Errorf(
			"order lookup failed with status %d",
			resp.StatusCode,
		)
	}
	var info OrderInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode order payload: %w", err)
	}
	return &info, nil
}

// Post fires one callback; kind is one of the Callback* constants. The
// journal replays through this same entry point.
func (c *Client) Post(
	ctx context.Context,
	kind string,
	params url.Values,
) error {
	reqUrl := c.baseUrl + "/api/proxy/" + kind + "?" + params.Encode()
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		reqUrl,
		nil,
	)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &CallbackError{Kind: kind, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) ConnectParams(
	workerId string,
	sessionUid string,
	minerIp string,
	userAgent string,
	region string,
) url.Values {
	return url.Values{
		"worker_id":   {workerId},
		"session_uid": {sessionUid},
		"ip":          {minerIp},
		"user_agent":  {userAgent},
		"region":      {region},
	}
}

func (c *Client) ShareParams(
	workerId string,
	sessionUid string,
	outcome string,
	difficulty float64,
	hashrate float64,
) url.Values {
	return url.Values{
		"worker_id":   {workerId},
		"session_uid": {sessionUid},
		"outcome":     {outcome},
		"difficulty":  {formatFloat(difficulty)},
		"hashrate":    {formatFloat(hashrate)},
	}
}

func (c *Client) HashrateParams(
	workerId string,
	hashrate float64,
	unit string,
	accepted int64,
	rejected int64,
) url.Values {
	return url.Values{
		"worker_id": {workerId},
		"hashrate":  {formatFloat(hashrate)},
		"unit":      {unit},
		"accepted":  {strconv.FormatInt(accepted, 10)},
		"rejected":  {strconv.FormatInt(rejected, 10)},
	}
}

func (c *Client) DisconnectParams(
	workerId string,
	sessionUid string,
	reason string,
	accepted int64,
	rejected int64,
	stale int64,
) url.Values {
	return url.Values{
		"worker_id":   {workerId},
		"session_uid": {sessionUid},
		"reason":      {reason},
		"accepted":    {strconv.FormatInt(accepted, 10)},
		"rejected":    {strconv.FormatInt(rejected, 10)},
		"stale":       {strconv.FormatInt(stale, 10)},
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
