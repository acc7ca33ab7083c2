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
	"crypto/rand"
	"fmt"

	"github.com/hashbrotherhood/hashmarket/internal/stratum"
)

// codeAlphabet deliberately drops 0/1/i/l/o so a code survives being read
// aloud or retyped from a miner config
const codeAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const codeLength = 8

// GenerateOrderCode returns a fresh order code such as hb_ord_7kq2m9xw.
// Uniqueness is enforced by the database; callers retry on collision.
func GenerateOrderCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate order code: %w", err)
	}
	code := make([]byte, codeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return stratum.OrderCodePrefix + string(code), nil
}
