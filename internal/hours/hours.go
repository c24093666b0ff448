// Package hours provides shared TimeBank-hour parsing and formatting.
//
// Hours use 2 decimal places. All amounts are stored as big.Int in
// hundredths of an hour (1 hour = 100 units). Ledger amounts are signed.
package hours

import (
	"math/big"
	"strings"
)

const Decimals = 2

// MinProvision is the smallest duration a handshake may be provisioned
// for: half an hour.
var MinProvision = big.NewInt(50)

// Parse converts a decimal string (e.g. "1.5", "-0.25") to its
// hundredths-of-an-hour big.Int representation (150, -25). Returns
// (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading minus sign is allowed (ledger amounts are signed)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
		if s == "" {
			return nil, false
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a hundredths-of-an-hour big.Int to a decimal string
// with exactly 2 decimal places (e.g. "1.50", "-0.25").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Neg returns the formatted negation of a parsed-valid amount string.
func Neg(s string) string {
	v, ok := Parse(s)
	if !ok {
		return s
	}
	return Format(v.Neg(v))
}

// IsProvisionable reports whether s is a valid duration for a handshake:
// at least MinProvision (0.50 hours).
func IsProvisionable(s string) bool {
	v, ok := Parse(s)
	if !ok {
		return false
	}
	return v.Cmp(MinProvision) >= 0
}
