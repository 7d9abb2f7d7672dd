package services

import "github.com/shopspring/decimal"

// NotApplicableScore marks a level that was assessed but has no applicable
// score. It is the only sentinel the aggregator recognizes; legacy "N/A"
// strings must be backfilled to this value before aggregation.
const NotApplicableScore = -1

// RoundScore rounds a raw score to two decimal digits, half away from zero,
// on its shortest decimal representation (80.555 -> 80.56).
func RoundScore(raw float64) float64 {
	f, _ := decimal.NewFromFloat(raw).Round(2).Float64()
	return f
}

// levelScore converts a raw score into its payload form. The sentinel yields
// a nil score.
func levelScore(raw float64) *float64 {
	if raw == NotApplicableScore {
		return nil
	}
	v := RoundScore(raw)
	return &v
}
