package signal

import (
	"sort"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

var decZero = decimal.Zero
var decTenK = decimal.NewFromInt(10000)

// ScoreWeights are the quality-score blend weights: normalized edge,
// normalized rate magnitude, inverse beta distance from 1, OI adequacy.
type ScoreWeights struct {
	Edge       decimal.Decimal
	RateMag    decimal.Decimal
	BetaFit    decimal.Decimal
	OIAdequacy decimal.Decimal
}

// DefaultScoreWeights sums to 1, weighted towards edge since that is what
// the strategy is actually harvesting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Edge:       decimal.NewFromFloat(0.40),
		RateMag:    decimal.NewFromFloat(0.30),
		BetaFit:    decimal.NewFromFloat(0.15),
		OIAdequacy: decimal.NewFromFloat(0.15),
	}
}

// PairParams configures BuildCandidates.
type PairParams struct {
	FRDiffMin                decimal.Decimal
	AllowSingleExchangePairs bool
	ExpectedEdgeMinBps       decimal.Decimal
	MinOIUSD                 decimal.Decimal // OI adequacy reference; below this the OI factor degrades linearly
	Weights                  ScoreWeights
	FeeBpsForVenue           func(venue string) float64
	Beta                     func(short, long domain.LegQuote) decimal.Decimal
}

// leg is a flattened (venue, symbol) funding observation, the unit pair
// enumeration runs over. Pairs cross symbols freely, not just the same
// symbol across venues.
type leg struct {
	quote domain.LegQuote
	oi    decimal.Decimal
	hasOI bool
}

func flattenLegs(quotes map[string]domain.SymbolQuote) []leg {
	var legs []leg
	for _, symbol := range sortedQuoteKeys(quotes) {
		q := quotes[symbol]
		for _, venue := range sortedVenues(q.ByVenue) {
			snap := q.ByVenue[venue]
			legs = append(legs, leg{
				quote: domain.LegQuote{Venue: venue, Symbol: q.Symbol, Rate: snap.Rate},
				oi:    snap.OpenInterestUSD,
				hasOI: snap.HasOpenInterest,
			})
		}
	}
	return legs
}

// BuildCandidates enumerates ordered (short, long) venue-symbol pairs with
// rate(short) >= 0, rate(long) <= 0, rate(short) - rate(long) >=
// fr_diff_min. Legs are drawn from the whole universe, so a pair may join
// two different symbols on the same venue or the same symbol across venues.
// If allow_single_exchange_pairs is false, pairs sharing a venue are
// rejected.
func BuildCandidates(quotes map[string]domain.SymbolQuote, params PairParams) []domain.PairCandidate {
	legs := flattenLegs(quotes)

	var out []domain.PairCandidate
	for i, a := range legs {
		if a.quote.Rate.IsNegative() {
			continue
		}
		for j, b := range legs {
			if i == j {
				continue
			}
			if b.quote.Rate.IsPositive() {
				continue
			}
			if a.quote.Venue == b.quote.Venue && a.quote.Symbol == b.quote.Symbol {
				continue
			}
			spread := a.quote.Rate.Sub(b.quote.Rate)
			if spread.LessThan(params.FRDiffMin) {
				continue
			}
			if !params.AllowSingleExchangePairs && a.quote.Venue == b.quote.Venue {
				continue
			}

			feeBps := decimal.NewFromFloat(params.FeeBpsForVenue(a.quote.Venue)).Add(decimal.NewFromFloat(params.FeeBpsForVenue(b.quote.Venue)))
			edgeBps := spread.Mul(decTenK).Sub(feeBps)
			if edgeBps.LessThan(params.ExpectedEdgeMinBps) {
				continue
			}

			beta := DefaultBeta
			if params.Beta != nil {
				beta = params.Beta(a.quote, b.quote)
			}

			oi := minDecimal(valueOr(a.oi, a.hasOI), valueOr(b.oi, b.hasOI))
			score := qualityScore(edgeBps, spread, beta, oi, params)

			out = append(out, domain.PairCandidate{
				Key:             domain.PairKey(a.quote, b.quote),
				Short:           a.quote,
				Long:            b.quote,
				ExpectedEdgeBps: edgeBps,
				Beta:            beta,
				QualityScore:    score,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].QualityScore.Equal(out[j].QualityScore) {
			return out[i].QualityScore.GreaterThan(out[j].QualityScore)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func valueOr(v decimal.Decimal, has bool) decimal.Decimal {
	if !has {
		return decZero
	}
	return v
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// qualityScore blends four factors into [0,1]: edge, rate magnitude, beta
// fit, OI adequacy.
func qualityScore(edgeBps, spread, beta, oi decimal.Decimal, params PairParams) decimal.Decimal {
	edgeFactor := clamp01(edgeBps.Div(decimal.NewFromInt(50))) // 50bps/8h treated as "excellent"
	rateMagFactor := clamp01(spread.Abs().Div(decimal.NewFromFloat(0.01)))

	betaDistance := beta.Sub(decimal.NewFromInt(1)).Abs()
	betaFitFactor := clamp01(decimal.NewFromInt(1).Sub(betaDistance))

	oiFactor := decimal.NewFromInt(1)
	if params.MinOIUSD.IsPositive() {
		oiFactor = clamp01(oi.Div(params.MinOIUSD))
	}

	w := params.Weights
	score := w.Edge.Mul(edgeFactor).
		Add(w.RateMag.Mul(rateMagFactor)).
		Add(w.BetaFit.Mul(betaFitFactor)).
		Add(w.OIAdequacy.Mul(oiFactor))
	return clamp01(score)
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(decZero) {
		return decZero
	}
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return v
}

func sortedQuoteKeys(quotes map[string]domain.SymbolQuote) []string {
	keys := make([]string, 0, len(quotes))
	for k := range quotes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedVenues(byVenue map[string]domain.FundingSnapshot) []string {
	keys := make([]string, 0, len(byVenue))
	for k := range byVenue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
