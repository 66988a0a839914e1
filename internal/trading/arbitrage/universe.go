// Package arbitrage selects the trading universe and, downstream, scores
// pair candidates across that universe. This file implements universe
// selection: top-K symbols by a weighted composite of
// cross-venue spread, coverage and average funding magnitude.
package arbitrage

import (
	"sort"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// ScoreWeights are the three composite score weights; the caller is
// responsible for ensuring they sum to 1 (config validation does not check
// this).
type ScoreWeights struct {
	Spread   decimal.Decimal
	Coverage decimal.Decimal
	AvgRate  decimal.Decimal
}

// UniverseParams configures SelectUniverse.
type UniverseParams struct {
	Size             int
	FRDiffMin        decimal.Decimal
	StaticSymbolList []string
	Weights          ScoreWeights
}

// SelectUniverse returns the symbols to trade this cycle. When StaticSymbolList
// is non-empty it is honored verbatim; otherwise the top Size symbols
// by composite score are selected from quotes passing the coverage/spread
// filters, with a lexicographic tie-break for determinism.
func SelectUniverse(quotes map[string]domain.SymbolQuote, params UniverseParams) []string {
	if len(params.StaticSymbolList) > 0 {
		out := append([]string(nil), params.StaticSymbolList...)
		sort.Strings(out)
		return out
	}

	type candidate struct {
		symbol   string
		spread   decimal.Decimal
		coverage int
		avgRate  decimal.Decimal
	}

	var candidates []candidate
	maxSpread := decimal.Zero
	maxCoverage := 0
	maxAvgRate := decimal.Zero

	for symbol, q := range quotes {
		if q.Coverage() < 2 {
			continue
		}
		spread := q.MaxSpread()
		if spread.LessThan(params.FRDiffMin) {
			continue
		}
		avgRate := q.AverageAbsRate().Abs()
		candidates = append(candidates, candidate{
			symbol:   symbol,
			spread:   spread,
			coverage: q.Coverage(),
			avgRate:  avgRate,
		})
		if spread.GreaterThan(maxSpread) {
			maxSpread = spread
		}
		if q.Coverage() > maxCoverage {
			maxCoverage = q.Coverage()
		}
		if avgRate.GreaterThan(maxAvgRate) {
			maxAvgRate = avgRate
		}
	}

	scores := make(map[string]decimal.Decimal, len(candidates))
	for _, c := range candidates {
		scores[c.symbol] = compositeScore(c.spread, c.coverage, c.avgRate, maxSpread, maxCoverage, maxAvgRate, params.Weights)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := scores[candidates[i].symbol], scores[candidates[j].symbol]
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	if len(candidates) > params.Size {
		candidates = candidates[:params.Size]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.symbol
	}
	return out
}

func compositeScore(spread decimal.Decimal, coverage int, avgRate, maxSpread decimal.Decimal, maxCoverage int, maxAvgRate decimal.Decimal, w ScoreWeights) decimal.Decimal {
	normSpread := safeRatio(spread, maxSpread)
	normCoverage := decimal.Zero
	if maxCoverage > 0 {
		normCoverage = decimal.NewFromInt(int64(coverage)).Div(decimal.NewFromInt(int64(maxCoverage)))
	}
	normAvgRate := safeRatio(avgRate, maxAvgRate)

	return w.Spread.Mul(normSpread).
		Add(w.Coverage.Mul(normCoverage)).
		Add(w.AvgRate.Mul(normAvgRate))
}

func safeRatio(v, max decimal.Decimal) decimal.Decimal {
	if max.IsZero() {
		return decimal.Zero
	}
	return v.Div(max)
}

// DefaultScoreWeights returns the documented defaults (0.6/0.25/0.15).
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Spread:   decimal.NewFromFloat(0.6),
		Coverage: decimal.NewFromFloat(0.25),
		AvgRate:  decimal.NewFromFloat(0.15),
	}
}
