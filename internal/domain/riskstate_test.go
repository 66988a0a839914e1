package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRiskState_DrawdownLadder(t *testing.T) {
	th := DefaultDrawdownThresholds()

	// Equity trajectory $1000 -> $920 -> $880 -> $840, peak $1000.
	assert.Equal(t, RiskNormal, NextRiskState(RiskNormal, decimal.NewFromFloat(0.08), th))
	assert.Equal(t, RiskReduce, NextRiskState(RiskNormal, decimal.NewFromFloat(0.12), th))
	assert.Equal(t, RiskHaltNew, NextRiskState(RiskReduce, decimal.NewFromFloat(0.16), th))

	// Recovery to $900 (dd=10%, below the 13% exit band) -> REDUCE.
	assert.Equal(t, RiskReduce, NextRiskState(RiskHaltNew, decimal.NewFromFloat(0.10), th))
	// to $880 (dd=12%) -> still REDUCE
	assert.Equal(t, RiskReduce, NextRiskState(RiskReduce, decimal.NewFromFloat(0.12), th))
	// to $930 (dd=7%) -> NORMAL
	assert.Equal(t, RiskNormal, NextRiskState(RiskReduce, decimal.NewFromFloat(0.07), th))
}

func TestNextRiskState_BoundaryExact(t *testing.T) {
	th := DefaultDrawdownThresholds()

	assert.Equal(t, RiskReduce, NextRiskState(RiskNormal, decimal.NewFromFloat(0.10), th), "exactly 10%% enters REDUCE")
	assert.Equal(t, RiskHaltNew, NextRiskState(RiskNormal, decimal.NewFromFloat(0.15), th), "exactly 15%% enters HALT_NEW")
	assert.Equal(t, RiskReduce, NextRiskState(RiskReduce, decimal.NewFromFloat(0.0999), th), "9.99%% after REDUCE stays REDUCE (hysteresis 8%%)")
}

func TestNextRiskState_HaltNewStaysUntilBelowExitBand(t *testing.T) {
	th := DefaultDrawdownThresholds()
	assert.Equal(t, RiskHaltNew, NextRiskState(RiskHaltNew, decimal.NewFromFloat(0.14), th))
	assert.Equal(t, RiskReduce, NextRiskState(RiskHaltNew, decimal.NewFromFloat(0.129), th))
}

func TestPortfolioState_RecomputeEquityAndDrawdown(t *testing.T) {
	p := NewPortfolioState(decimal.NewFromInt(1000))
	p.Pairs["p1"] = &PositionPair{
		Status:                PairOpen,
		AccumulatedFundingUSD: decimal.NewFromInt(20),
	}
	p.RecomputeEquity()

	assert.True(t, p.EquityUSD.Equal(decimal.NewFromInt(1020)))
	assert.True(t, p.PeakEquityUSD.Equal(decimal.NewFromInt(1020)), "peak advances with equity")
	assert.True(t, p.Drawdown().IsZero())

	p.Pairs["p1"].AccumulatedFundingUSD = decimal.NewFromInt(-100)
	p.RecomputeEquity()
	assert.True(t, p.EquityUSD.Equal(decimal.NewFromInt(900)))
	assert.True(t, p.PeakEquityUSD.Equal(decimal.NewFromInt(1020)), "peak never decreases")

	dd := p.Drawdown()
	expected := decimal.NewFromInt(120).Div(decimal.NewFromInt(1020))
	assert.True(t, dd.Equal(expected))
}

func TestPortfolioState_BumpPersistenceNeverSkips(t *testing.T) {
	p := NewPortfolioState(decimal.NewFromInt(1000))
	p.PersistenceCounters["A|B"] = 1

	p.BumpPersistence(map[string]bool{"A|B": true})
	assert.Equal(t, 2, p.PersistenceCounters["A|B"])

	p.BumpPersistence(map[string]bool{"A|B": false})
	assert.Equal(t, 0, p.PersistenceCounters["A|B"])
}

func TestPortfolioState_ValidateRejectsSingleLeggedOpenPair(t *testing.T) {
	p := NewPortfolioState(decimal.NewFromInt(1000))
	p.Pairs["bad"] = &PositionPair{
		Status: PairOpen,
		Short:  PositionLeg{Side: ShortLeg},
		Long:   PositionLeg{Side: ShortLeg}, // both short: invalid
	}
	assert.Error(t, p.Validate())
}

func TestPortfolioState_JSONRoundTrip(t *testing.T) {
	p := NewPortfolioState(decimal.NewFromInt(1000))
	p.RiskState = RiskReduce
	p.LastCycleID = 7
	p.PersistenceCounters["binance:X/USDT:USDT|binance:Y/USDT:USDT"] = 3
	p.Pairs["pair-1"] = &PositionPair{
		PairID:  "pair-1",
		PairKey: "binance:X/USDT:USDT|binance:Y/USDT:USDT",
		Short: PositionLeg{
			Venue: "binance", Symbol: "X/USDT:USDT", Side: ShortLeg,
			EntryNotional: decimal.NewFromInt(40), EntryRate: decimal.NewFromFloat(0.003),
			FilledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ClientOrderID: "o1",
		},
		Long: PositionLeg{
			Venue: "binance", Symbol: "Y/USDT:USDT", Side: LongLeg,
			EntryNotional: decimal.NewFromInt(40), EntryRate: decimal.NewFromFloat(-0.002),
			FilledAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ClientOrderID: "o2",
		},
		TargetShortNotional:   decimal.NewFromInt(40),
		TargetLongNotional:    decimal.NewFromInt(40),
		AccumulatedFundingUSD: decimal.NewFromFloat(1.25),
		Status:                PairOpen,
	}
	p.RecomputeEquity()

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var got PortfolioState
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.True(t, got.CapitalUSD.Equal(p.CapitalUSD))
	assert.True(t, got.EquityUSD.Equal(p.EquityUSD))
	assert.True(t, got.PeakEquityUSD.Equal(p.PeakEquityUSD))
	assert.Equal(t, p.RiskState, got.RiskState)
	assert.Equal(t, p.LastCycleID, got.LastCycleID)
	assert.Equal(t, p.PersistenceCounters, got.PersistenceCounters)
	require.Contains(t, got.Pairs, "pair-1")
	assert.True(t, got.Pairs["pair-1"].Short.EntryNotional.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, PairOpen, got.Pairs["pair-1"].Status)
	require.NoError(t, got.Validate())
}
