// Package money handles fixed-point asset amounts with 8 decimal places.
//
// Amounts travel as decimal strings ("100", "0.50000000") and are computed
// on as *big.Int in minor units so that splits and fee deductions never
// lose precision.
package money

import (
	"math/big"
	"strings"
)

// Decimals is the number of minor-unit decimal places carried per amount.
const Decimals = 8

var unit = big.NewInt(100_000_000) // 10^Decimals

// Parse converts a decimal string into minor units.
// Returns false on malformed input or more than Decimals fractional digits.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format renders minor units back into a decimal string.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	q, r := new(big.Int).QuoRem(abs, unit, new(big.Int))
	frac := r.String()
	for len(frac) < Decimals {
		frac = "0" + frac
	}
	out := q.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two decimal strings; malformed inputs are treated as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns a+b as a decimal string.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a-b as a decimal string.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	return Format(new(big.Int).Sub(av, bv))
}

// SplitRatio divides amount into a buyer share and a seller share such that
// the two always sum back to amount. ratio is the buyer's share in [0,1];
// the buyer share is rounded down and the seller takes the remainder.
func SplitRatio(amount string, ratio float64) (buyer, seller string, ok bool) {
	total, parsed := Parse(amount)
	if !parsed || total.Sign() < 0 {
		return "", "", false
	}
	if ratio < 0 || ratio > 1 {
		return "", "", false
	}

	// Scale the ratio to 1e8 fixed point to stay in integer arithmetic.
	scaled := new(big.Int).Mul(total, big.NewInt(int64(ratio*1e8)))
	buyerShare := scaled.Div(scaled, big.NewInt(1e8))
	sellerShare := new(big.Int).Sub(total, buyerShare)

	return Format(buyerShare), Format(sellerShare), true
}

// ApplyPercent returns pct% of amount, rounded down.
func ApplyPercent(amount string, pct float64) string {
	total, ok := Parse(amount)
	if !ok || pct <= 0 {
		return Format(big.NewInt(0))
	}
	scaled := new(big.Int).Mul(total, big.NewInt(int64(pct*1e6)))
	return Format(scaled.Div(scaled, big.NewInt(100*1e6)))
}
