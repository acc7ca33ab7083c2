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

package stratum

import (
	"fmt"
	"math/big"
	"strings"
)

// maxTarget is 2^256 - 1, the zero-difficulty share target
var maxTarget = new(big.Int).Sub(
	new(big.Int).Lsh(big.NewInt(1), 256),
	big.NewInt(1),
)

// DifficultyFromTarget recovers the share difficulty from a hex target as
// (2^256 - 1) / target / 2^32. Returns false on any parse failure so the
// caller can retain its previous difficulty.
func DifficultyFromTarget(target string) (float64, bool) {
	target = strings.TrimPrefix(strings.TrimSpace(target), "0x")
	if target == "" {
		return 0, false
	}
	n, ok := new(big.Int).SetString(target, 16)
	if !ok || n.Sign() <= 0 {
		return 0, false
	}
	diff := new(big.Float).Quo(
		new(big.Float).SetInt(maxTarget),
		new(big.Float).SetInt(n),
	)
	diff.Quo(diff, big.NewFloat(1<<32))
	ret, _ := diff.Float64()
	if ret <= 0 {
		return 0, false
	}
	return ret, true
}

var hashrateUnits = []struct {
	threshold float64
	unit      string
}{
	{1e15, "PH/s"},
	{1e12, "TH/s"},
	{1e9, "GH/s"},
	{1e6, "MH/s"},
	{1e3, "KH/s"},
}

// FormatHashrate scales a raw H/s value to the largest fitting display
// unit. The raw value stays authoritative on the wire; this is display
// sugar only.
func FormatHashrate(hashrate float64) (float64, string) {
	for _, u := range hashrateUnits {
		if hashrate >= u.threshold {
			return hashrate / u.threshold, u.unit
		}
	}
	return hashrate, "H/s"
}

// UnitMultiplier maps a hashrate unit name to its H/s multiplier. Accepts
// both bare ("MH") and rate ("MH/s") spellings.
func UnitMultiplier(unit string) (float64, bool) {
	normalized := strings.ToUpper(strings.TrimSuffix(
		strings.TrimSpace(unit), "/s",
	))
	normalized = strings.TrimSuffix(normalized, "/S")
	switch normalized {
	case "H":
		return 1, true
	case "KH":
		return 1e3, true
	case "MH":
		return 1e6, true
	case "GH":
		return 1e9, true
	case "TH":
		return 1e12, true
	case "PH":
		return 1e15, true
	}
	return 0, false
}

// NormalizeHashrate converts a value with a display unit to raw H/s
func NormalizeHashrate(value float64, unit string) (float64, error) {
	multiplier, ok := UnitMultiplier(unit)
	if !ok {
		return 0, fmt.Errorf("unknown hashrate unit: %q", unit)
	}
	if value <= 0 {
		return 0, fmt.Errorf("hashrate must be positive: %f", value)
	}
	return value * multiplier, nil
}
