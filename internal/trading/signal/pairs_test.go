package signal

import (
	"testing"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func flatQuote(symbol, venue string, rate float64) map[string]domain.SymbolQuote {
	return map[string]domain.SymbolQuote{
		symbol: {
			Symbol: symbol,
			ByVenue: map[string]domain.FundingSnapshot{
				venue: {Venue: venue, Symbol: symbol, Rate: decimal.NewFromFloat(rate)},
			},
		},
	}
}

func mergeQuotes(maps ...map[string]domain.SymbolQuote) map[string]domain.SymbolQuote {
	out := make(map[string]domain.SymbolQuote)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func TestBuildCandidates_HappyPathCrossSymbolSameVenue(t *testing.T) {
	// Symbols X (+0.003) and Y (-0.002) on the same venue.
	quotes := mergeQuotes(
		flatQuote("X/USDT:USDT", "binance", 0.003),
		flatQuote("Y/USDT:USDT", "binance", -0.002),
	)

	params := PairParams{
		FRDiffMin:                decimal.NewFromFloat(0.002),
		AllowSingleExchangePairs: true,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(1.0),
		MinOIUSD:                 decimal.NewFromInt(1_000_000),
		Weights:                  DefaultScoreWeights(),
		FeeBpsForVenue:           func(string) float64 { return 4.0 },
	}

	candidates := BuildCandidates(quotes, params)
	require.Len(t, candidates, 1)
	c := candidates[0]
	require.Equal(t, "binance", c.Short.Venue)
	require.Equal(t, "X/USDT:USDT", c.Short.Symbol)
	require.Equal(t, "Y/USDT:USDT", c.Long.Symbol)
	// spread = 0.005 -> 50bps - 8bps fee = 42bps
	require.True(t, c.ExpectedEdgeBps.Equal(decimal.NewFromFloat(42)), "got %s", c.ExpectedEdgeBps)
	require.True(t, c.QualityScore.GreaterThan(decimal.Zero))
	require.True(t, c.QualityScore.LessThanOrEqual(decimal.NewFromInt(1)))
}

func TestBuildCandidates_RejectsBelowFRDiffMin(t *testing.T) {
	quotes := mergeQuotes(
		flatQuote("X/USDT:USDT", "binance", 0.001),
		flatQuote("Y/USDT:USDT", "binance", -0.0005),
	)
	params := PairParams{
		FRDiffMin:                decimal.NewFromFloat(0.002),
		AllowSingleExchangePairs: true,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(1.0),
		Weights:                  DefaultScoreWeights(),
		FeeBpsForVenue:           func(string) float64 { return 4.0 },
	}
	require.Empty(t, BuildCandidates(quotes, params))
}

func TestBuildCandidates_RejectsEdgeBelowMinimumByFraction(t *testing.T) {
	quotes := mergeQuotes(
		flatQuote("X/USDT:USDT", "binance", 0.0021),
		flatQuote("Y/USDT:USDT", "binance", 0.0),
	)
	params := PairParams{
		FRDiffMin:                decimal.NewFromFloat(0.002),
		AllowSingleExchangePairs: true,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(13.0), // spread=21bps - 8bps fee = 13bps exactly
		Weights:                  DefaultScoreWeights(),
		FeeBpsForVenue:           func(string) float64 { return 4.0 },
	}
	candidates := BuildCandidates(quotes, params)
	require.Len(t, candidates, 1, "edge exactly at threshold must be admitted")

	params.ExpectedEdgeMinBps = decimal.NewFromFloat(13.1)
	require.Empty(t, BuildCandidates(quotes, params), "edge below threshold by 0.1bps must be rejected")
}

func TestBuildCandidates_SingleExchangeDisallowed(t *testing.T) {
	quotes := mergeQuotes(
		flatQuote("X/USDT:USDT", "binance", 0.003),
		flatQuote("Y/USDT:USDT", "binance", -0.002),
	)
	params := PairParams{
		FRDiffMin:                decimal.NewFromFloat(0.001),
		AllowSingleExchangePairs: false,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(1.0),
		Weights:                  DefaultScoreWeights(),
		FeeBpsForVenue:           func(string) float64 { return 4.0 },
	}
	require.Empty(t, BuildCandidates(quotes, params))
}

func TestBuildCandidates_CrossVenueAllowedWhenSingleExchangeDisallowed(t *testing.T) {
	quotes := mergeQuotes(
		flatQuote("X/USDT:USDT", "binance", 0.003),
		flatQuote("Y/USDT:USDT", "okx", -0.002),
	)
	params := PairParams{
		FRDiffMin:                decimal.NewFromFloat(0.001),
		AllowSingleExchangePairs: false,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(1.0),
		Weights:                  DefaultScoreWeights(),
		FeeBpsForVenue:           func(string) float64 { return 4.0 },
	}
	require.Len(t, BuildCandidates(quotes, params), 1)
}
