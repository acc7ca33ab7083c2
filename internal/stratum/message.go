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

// Package stratum implements the line-oriented JSON-RPC wire protocol
// spoken between miners and pools, covering both the ASIC-style "mining.*"
// dialect and the CryptoNight/RandomX "login/submit/job" dialect.
package stratum

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Method names across both dialects
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodNotify        = "mining.notify"
	MethodLogin         = "login"
	MethodSubmitWork    = "submit"
	MethodJob           = "job"
)

const (
	// ErrCodeUnauthorized is the Stratum error code for auth and config
	// failures
	ErrCodeUnauthorized = 20

	// MaxLineBytes caps a single Stratum line; longer lines kill the
	// session
	MaxLineBytes = 64 * 1024

	// OrderCodePrefix is the required prefix of the worker identifier
	OrderCodePrefix = "hb_ord_"
)

// Dialect identifies which Stratum flavor a connection speaks
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectA               // mining.subscribe / mining.authorize / mining.submit
	DialectB               // login / submit / job
)

func (d Dialect) String() string {
	switch d {
	case DialectA:
		return "stratum-v1"
	case DialectB:
		return "login"
	default:
		return "unknown"
	}
}

// DetectDialect classifies a connection from the first method seen
func DetectDialect(method string) Dialect {
	switch {
	case strings.HasPrefix(method, "mining."):
		return DialectA
	case method == MethodLogin:
		return DialectB
	default:
		return DialectUnknown
	}
}

// Message is one parsed Stratum line. Raw fields are retained so replies
// can be correlated and forwarded without re-encoding.
type Message struct {
	Id      json.RawMessage `json:"id,omitempty"`
	Jsonrpc string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Parse decodes a single line into a Message
func Parse(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IdKey normalizes a request id for use as a correlation map key. Numeric
// and string ids that print the same correlate the same, matching how
// pools echo them back.
func IdKey(id json.RawMessage) (string, bool) {
	raw := bytes.TrimSpace(id)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return string(raw), true
}

// HasError reports whether the message carries a non-null error member
func (m *Message) HasError() bool {
	raw := bytes.TrimSpace(m.Error)
	return len(raw) > 0 && string(raw) != "null"
}

// ResultAccepted reports whether a reply's result grades a share as
// accepted: an error rejects, a true or any other truthy non-null result
// accepts
func (m *Message) ResultAccepted() bool {
	if m.HasError() {
		return false
	}
	raw := bytes.TrimSpace(m.Result)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return false
	}
	return true
}

// SetDifficultyValue extracts the difficulty from mining.set_difficulty
// params
func (m *Message) SetDifficultyValue() (float64, bool) {
	var params []json.RawMessage
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return 0, false
	}
	if len(params) == 0 {
		return 0, false
	}
	var diff float64
	if err := json.Unmarshal(params[0], &diff); err != nil {
		return 0, false
	}
	if diff <= 0 {
		return 0, false
	}
	return diff, true
}

// JobTarget extracts the hex share target from a dialect-B message: either
// a pushed job notification or the job object inside a login reply
func (m *Message) JobTarget() (string, bool) {
	if m.Method == MethodJob && len(m.Params) > 0 {
		var params struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(m.Params, &params); err == nil &&
			params.Target != "" {
			return params.Target, true
		}
	}
	if len(m.Result) > 0 {
		var result struct {
			Job struct {
				Target string `json:"target"`
			} `json:"job"`
		}
		if err := json.Unmarshal(m.Result, &result); err == nil &&
			result.Job.Target != "" {
			return result.Job.Target, true
		}
	}
	return "", false
}

// LoginUser extracts the login/user field from an authorize or login
// request
func (m *Message) LoginUser() (string, bool) {
	switch m.Method {
	case MethodAuthorize:
		var params []json.RawMessage
		if err := json.Unmarshal(m.Params, &params); err != nil ||
			len(params) == 0 {
			return "", false
		}
		var login string
		if err := json.Unmarshal(params[0], &login); err != nil {
			return "", false
		}
		return login, true
	case MethodLogin:
		var params struct {
			Login string `json:"login"`
		}
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return "", false
		}
		return params.Login, params.Login != ""
	}
	return "", false
}

// WorkerIdFromLogin returns the order code portion of a Stratum login (the
// substring before the first '.')
func WorkerIdFromLogin(login string) string {
	workerId, _, _ := strings.Cut(login, ".")
	return workerId
}

// ValidWorkerId reports whether a worker id has the order-code shape
func ValidWorkerId(workerId string) bool {
	return strings.HasPrefix(workerId, OrderCodePrefix) &&
		len(workerId) > len(OrderCodePrefix)
}

// DecodeObject decodes a line into a generic object for field rewriting,
// preserving any extension fields the sender included
func DecodeObject(line []byte) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// EncodeObject re-encodes a rewritten object as a single line
func EncodeObject(obj map[string]any) ([]byte, error) {
	return json.Marshal(obj)
}

// RewriteAuthorize replaces the credentials in a mining.authorize request
func RewriteAuthorize(obj map[string]any, login string, pass string) {
	obj["params"] = []any{login, pass}
}

// RewriteSubmitWorker replaces the worker-name field of a mining.submit
// request, leaving the proof fields untouched
func RewriteSubmitWorker(obj map[string]any, login string) bool {
	params, ok := obj["params"].([]any)
	if !ok || len(params) == 0 {
		return false
	}
	params[0] = login
	return true
}

// RewriteLogin replaces the credentials in a dialect-B login request
func RewriteLogin(obj map[string]any, login string, pass string) bool {
	params, ok := obj["params"].(map[string]any)
	if !ok {
		return false
	}
	params["login"] = login
	params["pass"] = pass
	return true
}

type resultResponse struct {
	Id     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  any             `json:"error"`
}

type errorResponse struct {
	Id     json.RawMessage `json:"id"`
	Result any             `json:"result"`
	Error  []any           `json:"error"`
}

type request struct {
	Id     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// MarshalResult builds a success reply for a miner request
func MarshalResult(id json.RawMessage, result any) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return json.Marshal(&resultResponse{
		Id:     id,
		Result: result,
		Error:  nil,
	})
}

// MarshalError builds an error reply in the canonical Stratum shape:
// {id, result:null, error:[code, message, null]}
func MarshalError(id json.RawMessage, code int, message string) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return json.Marshal(&errorResponse{
		Id:     id,
		Result: nil,
		Error:  []any{code, message, nil},
	})
}

// MarshalRequest builds an outbound request line
func MarshalRequest(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(&request{
		Id:     id,
		Method: method,
		Params: params,
	})
}
