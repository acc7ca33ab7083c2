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

package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a fixed-point USDT value in hundredths (cents). All balance
// arithmetic happens on this type; floats never enter a money computation.
type Amount int64

func FromCents(cents int64) Amount {
	return Amount(cents)
}

func (a Amount) Cents() int64 {
	return int64(a)
}

func (a Amount) String() string {
	cents := int64(a)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// MarshalJSON renders the amount as a JSON number with two decimal places
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both a JSON number and a quoted decimal string
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAmount parses a decimal string with at most two fractional digits
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf(
			"%w: more than two decimal places: %q",
			ErrInvalidAmount,
			s,
		)
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}
	whole, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	frac, err := strconv.ParseUint(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}
	cents := int64(whole)*100 + int64(frac)
	if neg {
		cents = -cents
	}
	return Amount(cents), nil
}

// MulRatio multiplies the amount by num/den, rounding half to even on the
// final cent. Used for commission and partial-payout quantization.
func (a Amount) MulRatio(num int64, den int64) (Amount, error) {
	if a < 0 || num < 0 || den <= 0 {
		return 0, ErrInvalidAmount
	}
	if a == 0 || num == 0 {
		return 0, nil
	}
	product := int64(a) * num
	if product/num != int64(a) {
		return 0, ErrAmountOverflow
	}
	return Amount(divHalfEven(product, den)), nil
}

// divHalfEven divides n by d (both non-negative, d > 0) rounding half to even
func divHalfEven(n int64, d int64) int64 {
	q := n / d
	r := n % d
	switch {
	case r*2 > d:
		q++
	case r*2 == d && q%2 != 0:
		q++
	}
	return q
}
