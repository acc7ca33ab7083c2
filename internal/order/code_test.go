package order

import (
	"strings"
	"testing"

	"github.com/hashbrotherhood/hashmarket/internal/stratum"
)

func TestGenerateOrderCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateOrderCode()
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if !strings.HasPrefix(code, stratum.OrderCodePrefix) {
			t.Fatalf("code missing prefix: %s", code)
		}
		suffix := strings.TrimPrefix(code, stratum.OrderCodePrefix)
		if len(suffix) != codeLength {
			t.Fatalf("code suffix length = %d, expected %d", len(suffix), codeLength)
		}
		for _, c := range suffix {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("unexpected character %q in %s", c, code)
			}
		}
		if !stratum.ValidWorkerId(code) {
			t.Fatalf("generated code fails worker id validation: %s", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %s", code)
		}
		seen[code] = true
	}
}
