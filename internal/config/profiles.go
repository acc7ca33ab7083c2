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

package config

import (
	"sort"
	"strings"

	"github.com/hashbrotherhood/hashmarket/internal/stratum"
)

// AlgorithmProfile describes one hashing algorithm the marketplace trades.
// DefaultUnit is the unit listings for the algorithm are usually quoted in
// and is advisory only; sellers may quote in any supported unit.
type AlgorithmProfile struct {
	DisplayName string
	Dialect     stratum.Dialect
	DefaultUnit string
}

// GetAlgorithmProfiles returns the enabled subset of the algorithm catalog,
// keyed by canonical (lowercase) algorithm name. An empty market.algorithms
// config enables the whole catalog.
func GetAlgorithmProfiles() map[string]AlgorithmProfile {
	ret := make(map[string]AlgorithmProfile)
	if len(globalConfig.Market.Algorithms) == 0 {
		for k, profile := range algorithmCatalog {
			ret[k] = profile
		}
		return ret
	}
	for _, name := range globalConfig.Market.Algorithms {
		k := strings.ToLower(strings.TrimSpace(name))
		if profile, ok := algorithmCatalog[k]; ok {
			ret[k] = profile
		}
	}
	return ret
}

// LookupAlgorithm resolves an algorithm name against the enabled catalog
func LookupAlgorithm(name string) (AlgorithmProfile, bool) {
	profile, ok := GetAlgorithmProfiles()[strings.ToLower(strings.TrimSpace(name))]
	return profile, ok
}

// GetAvailableAlgorithms returns the enabled algorithm names in sorted order
func GetAvailableAlgorithms() []string {
	var ret []string
	for k := range GetAlgorithmProfiles() {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

var algorithmCatalog = map[string]AlgorithmProfile{
	"sha256": AlgorithmProfile{
		DisplayName: "SHA-256",
		Dialect:     stratum.DialectA,
		DefaultUnit: "TH/s",
	},
	"scrypt": AlgorithmProfile{
		DisplayName: "Scrypt",
		Dialect:     stratum.DialectA,
		DefaultUnit: "MH/s",
	},
	"x11": AlgorithmProfile{
		DisplayName: "X11",
		Dialect:     stratum.DialectA,
		DefaultUnit: "GH/s",
	},
	"ethash": AlgorithmProfile{
		DisplayName: "Ethash",
		Dialect:     stratum.DialectA,
		DefaultUnit: "MH/s",
	},
	"kheavyhash": AlgorithmProfile{
		DisplayName: "kHeavyHash",
		Dialect:     stratum.DialectA,
		DefaultUnit: "TH/s",
	},
	"randomx": AlgorithmProfile{
		DisplayName: "RandomX",
		Dialect:     stratum.DialectB,
		DefaultUnit: "kH/s",
	},
	"cryptonight": AlgorithmProfile{
		DisplayName: "CryptoNight",
		Dialect:     stratum.DialectB,
		DefaultUnit: "kH/s",
	},
}
