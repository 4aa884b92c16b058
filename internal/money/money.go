// Package money provides shared naira parsing and formatting utilities.
//
// All amounts are stored as int64 in kobo, the smallest currency unit
// (1 naira = 100 kobo). External gateways also speak kobo, so conversion
// from decimal strings happens exactly once, at the API boundary.
package money

import (
	"math"
	"strings"
)

// Decimals is the number of minor-unit decimal places for the naira.
const Decimals = 2

// Parse converts a decimal string (e.g. "1500.50") to kobo (150050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than two decimal places are rejected (no silent truncation)
//   - Multiple decimal points are rejected
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var kobo int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		d := int64(r - '0')
		if kobo > (math.MaxInt64-d)/10 {
			return 0, false
		}
		kobo = kobo*10 + d
	}
	return kobo, true
}

// Format converts kobo to a decimal string with exactly two decimal
// places (e.g. 150050 -> "1500.50").
func Format(kobo int64) string {
	neg := kobo < 0
	if neg {
		kobo = -kobo
	}
	whole := kobo / 100
	frac := kobo % 100
	s := itoa(whole) + "." + pad2(frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Fee computes amount * pct / 100 in integer kobo, rounding half up.
// pct is a percentage expressed in hundredths (basis points), so a 5%
// fee is pct=500. Integer math avoids float drift on ledger amounts.
func Fee(amount int64, pctBasisPoints int64) int64 {
	if amount <= 0 || pctBasisPoints <= 0 {
		return 0
	}
	// amount * bp / 10000, round half up
	return (amount*pctBasisPoints + 5000) / 10000
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}
