// Package risk implements the stateless risk evaluator: it recomputes the
// drawdown state machine, enforces notional and leverage caps in a fixed
// order, and emits rebalance/shrink directives for open pairs. Admission is
// a pure function of its inputs (state snapshot + candidate intents); the
// orchestrator is the only component that persists the resulting RiskState.
package risk

import (
	"sort"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// Params carries the risk configuration Evaluate enforces.
type Params struct {
	Thresholds              domain.DrawdownThresholds
	MaxTotalNotionalUSD     decimal.Decimal
	MaxNotionalPerSymbolUSD decimal.Decimal
	MaxNotionalPerVenueUSD  decimal.Decimal
	NormalLeverageCap       decimal.Decimal
	ReduceLeverageCap       decimal.Decimal
	RebalanceDriftPct       decimal.Decimal
}

// BlockReason names why an intent was not admitted this cycle. A risk
// denial is logged with its reason; it is not an error.
type BlockReason string

const (
	BlockHaltNew           BlockReason = "halt_new"
	BlockReduceMode        BlockReason = "reduce_mode"
	BlockMaxTotalNotional  BlockReason = "max_total_notional"
	BlockMaxSymbolNotional BlockReason = "max_notional_per_symbol"
	BlockMaxVenueNotional  BlockReason = "max_notional_per_venue"
	BlockLeverageCap       BlockReason = "leverage_cap"
)

// BlockedIntent pairs a rejected TradeIntent with why it was rejected.
type BlockedIntent struct {
	Intent domain.TradeIntent
	Reason BlockReason
}

// Decision is the Risk Service's complete output for one cycle.
type Decision struct {
	PreviousRiskState domain.RiskState
	RiskState         domain.RiskState
	Drawdown          decimal.Decimal
	Admitted          []domain.TradeIntent
	Blocked           []BlockedIntent
	Rebalances        []domain.RebalanceDirective
	Reason            string // non-empty only when the whole cycle's new intents were blanket-rejected
}

// Evaluate runs the admission pipeline in order: recompute drawdown and the state-machine
// transition, short-circuit on HALT_NEW, reject-all plus shrink on REDUCE,
// otherwise walk the ordered intent list enforcing caps. state.EquityUSD and
// state.PeakEquityUSD are mutated via RecomputeEquity so the transition sees
// the latest mark-to-market; state.RiskState is updated to the decision's
// result (the
// orchestrator is free to discard this and recompute at step 7, but reading
// the same transition here is what step 5's admission gate requires).
func Evaluate(state *domain.PortfolioState, intents []domain.TradeIntent, params Params) Decision {
	prev := state.RiskState
	state.RecomputeEquity()
	dd := state.Drawdown()
	next := domain.NextRiskState(prev, dd, params.Thresholds)
	state.RiskState = next

	decision := Decision{
		PreviousRiskState: prev,
		RiskState:         next,
		Drawdown:          dd,
	}

	if next == domain.RiskHaltNew {
		decision.Reason = string(BlockHaltNew)
		for _, it := range intents {
			decision.Blocked = append(decision.Blocked, BlockedIntent{Intent: it, Reason: BlockHaltNew})
		}
		return decision
	}

	decision.Rebalances = driftRebalances(state, params.RebalanceDriftPct)

	if next == domain.RiskReduce {
		decision.Reason = string(BlockReduceMode)
		for _, it := range intents {
			decision.Blocked = append(decision.Blocked, BlockedIntent{Intent: it, Reason: BlockReduceMode})
		}
		decision.Rebalances = append(decision.Rebalances, shrinkDirectives(state, params.ReduceLeverageCap)...)
		return decision
	}

	admitNormal(state, intents, params, &decision)
	return decision
}

// admitNormal enforces the caps, in order, against the
// running totals the already-admitted intents in this cycle contribute,
// processing intents in the signal-service's score-descending order so
// admission is deterministic.
func admitNormal(state *domain.PortfolioState, intents []domain.TradeIntent, params Params, decision *Decision) {
	totalNotional := state.TotalOpenNotional()
	bySymbol := state.NotionalBySymbol()
	byVenue := state.NotionalByVenue()
	equity := state.EquityUSD

	for _, it := range intents {
		pairNotional := it.Short.NotionalUSD.Add(it.Long.NotionalUSD)
		projectedTotal := totalNotional.Add(pairNotional)

		if projectedTotal.GreaterThan(params.MaxTotalNotionalUSD) {
			decision.Blocked = append(decision.Blocked, BlockedIntent{it, BlockMaxTotalNotional})
			continue
		}

		newSymShort := bySymbol[it.Short.Symbol].Add(it.Short.NotionalUSD)
		newSymLong := bySymbol[it.Long.Symbol].Add(it.Long.NotionalUSD)
		if newSymShort.GreaterThan(params.MaxNotionalPerSymbolUSD) || newSymLong.GreaterThan(params.MaxNotionalPerSymbolUSD) {
			decision.Blocked = append(decision.Blocked, BlockedIntent{it, BlockMaxSymbolNotional})
			continue
		}

		newVenueShort := byVenue[it.Short.Venue].Add(it.Short.NotionalUSD)
		newVenueLong := byVenue[it.Long.Venue].Add(it.Long.NotionalUSD)
		if newVenueShort.GreaterThan(params.MaxNotionalPerVenueUSD) || newVenueLong.GreaterThan(params.MaxNotionalPerVenueUSD) {
			decision.Blocked = append(decision.Blocked, BlockedIntent{it, BlockMaxVenueNotional})
			continue
		}

		if equity.IsPositive() {
			leverage := projectedTotal.Div(equity)
			if leverage.GreaterThan(params.NormalLeverageCap) {
				decision.Blocked = append(decision.Blocked, BlockedIntent{it, BlockLeverageCap})
				continue
			}
		}

		decision.Admitted = append(decision.Admitted, it)
		totalNotional = projectedTotal
		bySymbol[it.Short.Symbol] = newSymShort
		bySymbol[it.Long.Symbol] = newSymLong
		byVenue[it.Short.Venue] = newVenueShort
		byVenue[it.Long.Venue] = newVenueLong
	}
}

// driftRebalances fires independently of intents: any open pair whose
// current leg notional has drifted beyond
// RebalanceDriftPct from its recorded target is trimmed back to target.
func driftRebalances(state *domain.PortfolioState, driftPct decimal.Decimal) []domain.RebalanceDirective {
	var out []domain.RebalanceDirective
	for id, pair := range state.Pairs {
		if pair.Status != domain.PairOpen {
			continue
		}
		if drifted(pair.Short.EntryNotional, pair.TargetShortNotional, driftPct) ||
			drifted(pair.Long.EntryNotional, pair.TargetLongNotional, driftPct) {
			out = append(out, domain.RebalanceDirective{
				PairID:              id,
				Kind:                domain.RebalanceDrift,
				TargetShortNotional: pair.TargetShortNotional,
				TargetLongNotional:  pair.TargetLongNotional,
			})
		}
	}
	sortByPairID(out)
	return out
}

// sortByPairID keeps directive ordering stable across cycles; map iteration
// would otherwise reorder execution run to run.
func sortByPairID(directives []domain.RebalanceDirective) {
	sort.Slice(directives, func(i, j int) bool { return directives[i].PairID < directives[j].PairID })
}

func drifted(current, target, driftPct decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	delta := current.Sub(target).Abs().Div(target)
	return delta.GreaterThan(driftPct)
}

// shrinkDirectives is the REDUCE-mode deleveraging path: halve
// every open pair's notional regardless of drift, shrinking further when
// halving alone would still leave effective leverage above the REDUCE cap.
func shrinkDirectives(state *domain.PortfolioState, reduceLeverageCap decimal.Decimal) []domain.RebalanceDirective {
	factor := decimal.NewFromFloat(0.5)
	total := state.TotalOpenNotional()
	if reduceLeverageCap.IsPositive() && state.EquityUSD.IsPositive() && total.IsPositive() {
		maxTotal := state.EquityUSD.Mul(reduceLeverageCap)
		if total.Mul(factor).GreaterThan(maxTotal) {
			factor = maxTotal.Div(total)
		}
	}

	var out []domain.RebalanceDirective
	for id, pair := range state.Pairs {
		if pair.Status != domain.PairOpen {
			continue
		}
		out = append(out, domain.RebalanceDirective{
			PairID:              id,
			Kind:                domain.RebalanceShrink,
			TargetShortNotional: pair.Short.EntryNotional.Mul(factor),
			TargetLongNotional:  pair.Long.EntryNotional.Mul(factor),
		})
	}
	sortByPairID(out)
	return out
}
