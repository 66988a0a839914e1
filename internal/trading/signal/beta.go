// Package signal implements the signal pipeline: pair construction,
// beta sizing, quality scoring and the persistence gate, producing the
// ordered TradeIntent list the risk service evaluates.
package signal

import (
	"math"

	"github.com/shopspring/decimal"
)

// DefaultBeta is used whenever either leg has fewer than the minimum
// price observations to estimate a volatility ratio.
var DefaultBeta = decimal.NewFromInt(1)

// BetaParams configures EstimateBeta.
type BetaParams struct {
	LookbackCandles int
	MinSampleCount  int
}

// EstimateBeta computes the ratio of realized volatility of legB over legA
// price returns over a rolling window. Falls back to 1.0 below the
// minimum sample count.
func EstimateBeta(pricesA, pricesB []decimal.Decimal, params BetaParams) decimal.Decimal {
	if params.MinSampleCount <= 0 {
		params.MinSampleCount = 1
	}
	volA := logReturnStdDev(clip(pricesA, params.LookbackCandles))
	volB := logReturnStdDev(clip(pricesB, params.LookbackCandles))

	sampleCount := len(pricesA)
	if len(pricesB) < sampleCount {
		sampleCount = len(pricesB)
	}
	if sampleCount < params.MinSampleCount || volA == 0 {
		return DefaultBeta
	}

	beta := volB / volA
	if beta <= 0 || math.IsNaN(beta) || math.IsInf(beta, 0) {
		return DefaultBeta
	}
	return decimal.NewFromFloat(beta)
}

func clip(prices []decimal.Decimal, lookback int) []decimal.Decimal {
	if lookback <= 0 || len(prices) <= lookback {
		return prices
	}
	return prices[len(prices)-lookback:]
}

// logReturnStdDev is the standard deviation of consecutive log returns,
// computed in float64 since this only feeds a dimensionless ratio rather
// than money.
func logReturnStdDev(prices []decimal.Decimal) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, _ := prices[i-1].Float64()
		cur, _ := prices[i].Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
