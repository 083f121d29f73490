package subscription

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount converts a decimal string to an integer in the token's
// smallest unit, using the contract's declared decimal count. Malformed
// input and fractions finer than the declared decimals fail; the value is
// never truncated.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("decimals must be non-negative")
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("amount %q is negative", s)
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, fmt.Errorf("malformed amount %q", s)
		}
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if len(fracPart) > decimals {
		return nil, fmt.Errorf("amount %q has %d fractional digits, token has %d decimals", s, len(fracPart), decimals)
	}

	// Pad the fraction out to the full decimal count and concatenate.
	padded := intPart + fracPart + strings.Repeat("0", decimals-len(fracPart))
	value, ok := new(big.Int).SetString(padded, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return value, nil
}

// FormatAmount renders a smallest-unit integer as a decimal string,
// trimming trailing fractional zeros. Round-trips exactly with
// ParseAmount.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quo, rem := new(big.Int).QuoRem(v, scale, new(big.Int))

	if rem.Sign() == 0 {
		return quo.String()
	}

	remStr := rem.String()
	frac := strings.TrimRight(strings.Repeat("0", decimals-len(remStr))+remStr, "0")
	return quo.String() + "." + frac
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
