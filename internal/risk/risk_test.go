package risk

import (
	"testing"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func defaultParams() Params {
	return Params{
		Thresholds:              domain.DefaultDrawdownThresholds(),
		MaxTotalNotionalUSD:     usd(50),
		MaxNotionalPerSymbolUSD: usd(20),
		MaxNotionalPerVenueUSD:  usd(30),
		NormalLeverageCap:       usd(2.0),
		ReduceLeverageCap:       usd(1.0),
		RebalanceDriftPct:       usd(0.20),
	}
}

func intent(short, long domain.LegOrder) domain.TradeIntent {
	return domain.TradeIntent{
		PairKey: domain.PairKey(
			domain.LegQuote{Venue: short.Venue, Symbol: short.Symbol},
			domain.LegQuote{Venue: long.Venue, Symbol: long.Symbol},
		),
		Short: short,
		Long:  long,
	}
}

func TestEvaluate_HappyPathAdmitsWithinCaps(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	it := intent(
		domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(10)},
		domain.LegOrder{Venue: "binance", Symbol: "Y/USDT:USDT", NotionalUSD: usd(10)},
	)

	decision := Evaluate(state, []domain.TradeIntent{it}, defaultParams())

	require.Len(t, decision.Admitted, 1)
	assert.Empty(t, decision.Blocked)
	assert.Equal(t, domain.RiskNormal, decision.RiskState)
}

func TestEvaluate_HaltNewBlocksAllIntents(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	state.PeakEquityUSD = usd(1000)
	state.CapitalUSD = usd(840) // equity recomputes to 840: 16% drawdown
	it := intent(
		domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(40)},
		domain.LegOrder{Venue: "binance", Symbol: "Y/USDT:USDT", NotionalUSD: usd(40)},
	)

	decision := Evaluate(state, []domain.TradeIntent{it}, defaultParams())

	assert.Equal(t, domain.RiskHaltNew, decision.RiskState)
	assert.Empty(t, decision.Admitted)
	require.Len(t, decision.Blocked, 1)
	assert.Equal(t, BlockHaltNew, decision.Blocked[0].Reason)
}

func TestEvaluate_ReduceModeRejectsAndShrinks(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	state.PeakEquityUSD = usd(1000)
	state.CapitalUSD = usd(880) // equity recomputes to 880: 12% drawdown -> REDUCE
	state.Pairs["p1"] = &domain.PositionPair{
		PairID:              "p1",
		Status:              domain.PairOpen,
		Short:               domain.PositionLeg{Side: domain.ShortLeg, EntryNotional: usd(40)},
		Long:                domain.PositionLeg{Side: domain.LongLeg, EntryNotional: usd(40)},
		TargetShortNotional: usd(40),
		TargetLongNotional:  usd(40),
	}
	it := intent(
		domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(10)},
		domain.LegOrder{Venue: "binance", Symbol: "Y/USDT:USDT", NotionalUSD: usd(10)},
	)

	decision := Evaluate(state, []domain.TradeIntent{it}, defaultParams())

	assert.Equal(t, domain.RiskReduce, decision.RiskState)
	assert.Empty(t, decision.Admitted)
	require.Len(t, decision.Blocked, 1)
	assert.Equal(t, BlockReduceMode, decision.Blocked[0].Reason)

	require.Len(t, decision.Rebalances, 1)
	assert.Equal(t, domain.RebalanceShrink, decision.Rebalances[0].Kind)
	assert.True(t, decision.Rebalances[0].TargetShortNotional.Equal(usd(20)))
}

func TestEvaluate_MaxTotalNotionalCapBlocks(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	state.Pairs["existing"] = &domain.PositionPair{
		PairID: "existing",
		Status: domain.PairOpen,
		Short:  domain.PositionLeg{Side: domain.ShortLeg, EntryNotional: usd(20)},
		Long:   domain.PositionLeg{Side: domain.LongLeg, EntryNotional: usd(20)},
	}
	it := intent(
		domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(10)},
		domain.LegOrder{Venue: "binance", Symbol: "Y/USDT:USDT", NotionalUSD: usd(10)},
	)

	decision := Evaluate(state, []domain.TradeIntent{it}, defaultParams())

	require.Len(t, decision.Blocked, 1)
	assert.Equal(t, BlockMaxTotalNotional, decision.Blocked[0].Reason)
	assert.Empty(t, decision.Admitted)
}

func TestEvaluate_RebalanceDriftTrigger(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	state.Pairs["p1"] = &domain.PositionPair{
		PairID:              "p1",
		Status:              domain.PairOpen,
		Short:               domain.PositionLeg{Side: domain.ShortLeg, EntryNotional: usd(40)},
		Long:                domain.PositionLeg{Side: domain.LongLeg, EntryNotional: usd(50)},
		TargetShortNotional: usd(40),
		TargetLongNotional:  usd(40),
	}

	decision := Evaluate(state, nil, defaultParams())

	require.Len(t, decision.Rebalances, 1)
	assert.Equal(t, domain.RebalanceDrift, decision.Rebalances[0].Kind)
	assert.Equal(t, "p1", decision.Rebalances[0].PairID)
}

func TestEvaluate_OrderingIsDeterministic(t *testing.T) {
	state := domain.NewPortfolioState(usd(1000))
	a := intent(
		domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(20)},
		domain.LegOrder{Venue: "okx", Symbol: "Y/USDT:USDT", NotionalUSD: usd(20)},
	)
	b := intent(
		domain.LegOrder{Venue: "binance", Symbol: "Z/USDT:USDT", NotionalUSD: usd(20)},
		domain.LegOrder{Venue: "okx", Symbol: "W/USDT:USDT", NotionalUSD: usd(20)},
	)

	decision := Evaluate(state, []domain.TradeIntent{a, b}, defaultParams())

	require.Len(t, decision.Admitted, 1)
	assert.Equal(t, a.PairKey, decision.Admitted[0].PairKey)
	require.Len(t, decision.Blocked, 1)
	assert.Equal(t, b.PairKey, decision.Blocked[0].Intent.PairKey)
}
