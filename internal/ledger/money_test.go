package ledger

import (
	"testing"
)

func TestParseAmount(t *testing.T) {
	testDefs := []struct {
		input       string
		expected    int64
		expectedErr bool
	}{
		{input: "10.30", expected: 1030},
		{input: "10.3", expected: 1030},
		{input: "10", expected: 1000},
		{input: "10.", expected: 1000},
		{input: "0.01", expected: 1},
		{input: ".50", expected: 50},
		{input: "-4.25", expected: -425},
		{input: "500.00", expected: 50000},
		{input: "", expectedErr: true},
		{input: ".", expectedErr: true},
		{input: "10.305", expectedErr: true},
		{input: "ten", expectedErr: true},
		{input: "10.3x", expectedErr: true},
	}
	for _, testDef := range testDefs {
		amount, err := ParseAmount(testDef.input)
		if testDef.expectedErr {
			if err == nil {
				t.Errorf(
					"ParseAmount(%q) did not return expected error",
					testDef.input,
				)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) returned error: %s", testDef.input, err)
			continue
		}
		if amount.Cents() != testDef.expected {
			t.Errorf(
				"ParseAmount(%q) = %d, expected %d",
				testDef.input,
				amount.Cents(),
				testDef.expected,
			)
		}
	}
}

func TestAmountString(t *testing.T) {
	testDefs := []struct {
		cents    int64
		expected string
	}{
		{cents: 1030, expected: "10.30"},
		{cents: 1000, expected: "10.00"},
		{cents: 1, expected: "0.01"},
		{cents: 0, expected: "0.00"},
		{cents: -425, expected: "-4.25"},
		{cents: 50000, expected: "500.00"},
	}
	for _, testDef := range testDefs {
		if result := Amount(testDef.cents).String(); result != testDef.expected {
			t.Errorf(
				"Amount(%d).String() = %q, expected %q",
				testDef.cents,
				result,
				testDef.expected,
			)
		}
	}
}

func TestMulRatioHalfEven(t *testing.T) {
	testDefs := []struct {
		cents    int64
		num      int64
		den      int64
		expected int64
	}{
		// 3% commission on 10.00
		{cents: 1000, num: 3, den: 100, expected: 30},
		// 3% of 0.25 = 0.0075 -> 0.01 (round up, remainder above half)
		{cents: 25, num: 3, den: 100, expected: 1},
		// 3% of 0.50 = 0.015 -> 0.02 (tie rounds to even)
		{cents: 50, num: 3, den: 100, expected: 2},
		// 3% of 2.50 = 0.075 -> 0.08 (tie rounds to even)
		{cents: 250, num: 3, den: 100, expected: 8},
		// 3% of 0.83 = 0.0249 -> 0.02
		{cents: 83, num: 3, den: 100, expected: 2},
		// 60% of 10.00
		{cents: 1000, num: 6000, den: 10000, expected: 600},
		// 0%
		{cents: 1000, num: 0, den: 10000, expected: 0},
		// 100%
		{cents: 1000, num: 10000, den: 10000, expected: 1000},
		// ties on a half cent: 0.125 -> 0.12 (even), 0.375 -> 0.38? no:
		// 25 * 50 / 100 = 12.5 -> 12; 75 * 50 / 100 = 37.5 -> 38
		{cents: 25, num: 50, den: 100, expected: 12},
		{cents: 75, num: 50, den: 100, expected: 38},
	}
	for _, testDef := range testDefs {
		result, err := Amount(testDef.cents).MulRatio(testDef.num, testDef.den)
		if err != nil {
			t.Errorf(
				"Amount(%d).MulRatio(%d, %d) returned error: %s",
				testDef.cents,
				testDef.num,
				testDef.den,
				err,
			)
			continue
		}
		if result.Cents() != testDef.expected {
			t.Errorf(
				"Amount(%d).MulRatio(%d, %d) = %d, expected %d",
				testDef.cents,
				testDef.num,
				testDef.den,
				result.Cents(),
				testDef.expected,
			)
		}
	}
}

func TestAmountJsonRoundTrip(t *testing.T) {
	testDefs := []struct {
		cents    int64
		expected string
	}{
		{cents: 1030, expected: "10.30"},
		{cents: 0, expected: "0.00"},
		{cents: -50, expected: "-0.50"},
	}
	for _, testDef := range testDefs {
		data, err := Amount(testDef.cents).MarshalJSON()
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if string(data) != testDef.expected {
			t.Errorf(
				"MarshalJSON = %q, expected %q",
				string(data),
				testDef.expected,
			)
		}
		var amount Amount
		if err := amount.UnmarshalJSON(data); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if amount.Cents() != testDef.cents {
			t.Errorf(
				"round trip = %d, expected %d",
				amount.Cents(),
				testDef.cents,
			)
		}
	}
}
