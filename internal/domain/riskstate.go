package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RiskState is the portfolio-wide admission-control state: a three-state
// ladder with asymmetric hysteresis bands driven by drawdown.
type RiskState string

const (
	RiskNormal  RiskState = "NORMAL"
	RiskReduce  RiskState = "REDUCE"
	RiskHaltNew RiskState = "HALT_NEW"
)

// DrawdownThresholds carries the enter/exit bands for each transition. Field
// names match the risk configuration keys.
type DrawdownThresholds struct {
	EnterReduce decimal.Decimal // reduce_mode_drawdown_pct, default 0.10
	EnterHalt   decimal.Decimal // max_drawdown_stop_pct, default 0.15
	ExitReduce  decimal.Decimal // REDUCE -> NORMAL below this, default 0.08
	ExitHaltNew decimal.Decimal // HALT_NEW -> REDUCE below this, default 0.13
}

// DefaultDrawdownThresholds returns the default hysteresis band.
func DefaultDrawdownThresholds() DrawdownThresholds {
	return DrawdownThresholds{
		EnterReduce: decimal.NewFromFloat(0.10),
		EnterHalt:   decimal.NewFromFloat(0.15),
		ExitReduce:  decimal.NewFromFloat(0.08),
		ExitHaltNew: decimal.NewFromFloat(0.13),
	}
}

// NextRiskState advances the lifecycle from the current state given the
// current drawdown. It is a pure function: same inputs, same output, so the
// orchestrator can call it once per cycle without hidden state.
func NextRiskState(current RiskState, drawdown decimal.Decimal, t DrawdownThresholds) RiskState {
	switch current {
	case RiskNormal:
		if drawdown.GreaterThanOrEqual(t.EnterHalt) {
			return RiskHaltNew
		}
		if drawdown.GreaterThanOrEqual(t.EnterReduce) {
			return RiskReduce
		}
		return RiskNormal
	case RiskReduce:
		if drawdown.GreaterThanOrEqual(t.EnterHalt) {
			return RiskHaltNew
		}
		if drawdown.LessThan(t.ExitReduce) {
			return RiskNormal
		}
		return RiskReduce
	case RiskHaltNew:
		if drawdown.LessThan(t.ExitHaltNew) {
			return RiskReduce
		}
		return RiskHaltNew
	default:
		return RiskNormal
	}
}

// ForceHaltNew is invoked by an execution-fatal error: HALT_NEW is
// entered regardless of drawdown and only decays via NextRiskState on
// subsequent cycles once drawdown has actually recovered.
func ForceHaltNew() RiskState {
	return RiskHaltNew
}

// PortfolioState is the orchestrator-owned, single-writer aggregate. All
// mutation happens at cycle step 8 (persist); every other component reads a
// copy.
type PortfolioState struct {
	CapitalUSD          decimal.Decimal
	EquityUSD           decimal.Decimal
	PeakEquityUSD       decimal.Decimal
	RiskState           RiskState
	Pairs               map[string]*PositionPair // pair_id -> pair
	PersistenceCounters map[string]int           // pair_key -> consecutive qualifying cycles
	LastCycleID         int64
	ConsecutiveSkips    int
}

// NewPortfolioState seeds a fresh portfolio with starting capital.
func NewPortfolioState(capital decimal.Decimal) *PortfolioState {
	return &PortfolioState{
		CapitalUSD:          capital,
		EquityUSD:           capital,
		PeakEquityUSD:       capital,
		RiskState:           RiskNormal,
		Pairs:               make(map[string]*PositionPair),
		PersistenceCounters: make(map[string]int),
	}
}

// RecomputeEquity folds every open pair's mark-to-market into equity and
// advances peak equity monotonically, enforcing the invariants:
//   equity = capital + Σ open_pair.mark_to_market
//   peak_equity = max(peak_equity_prev, equity)
func (p *PortfolioState) RecomputeEquity() {
	total := p.CapitalUSD
	for _, pair := range p.Pairs {
		if pair.Status == PairOpen {
			total = total.Add(pair.MarkToMarket())
		}
	}
	p.EquityUSD = total
	if p.EquityUSD.GreaterThan(p.PeakEquityUSD) {
		p.PeakEquityUSD = p.EquityUSD
	}
}

// Drawdown returns (peak - equity) / peak, clamped to [0, 1].
func (p *PortfolioState) Drawdown() decimal.Decimal {
	if p.PeakEquityUSD.IsZero() || p.PeakEquityUSD.IsNegative() {
		return decimal.Zero
	}
	dd := p.PeakEquityUSD.Sub(p.EquityUSD).Div(p.PeakEquityUSD)
	if dd.IsNegative() {
		return decimal.Zero
	}
	if dd.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return dd
}

// TotalOpenNotional sums both legs of every OPEN pair.
func (p *PortfolioState) TotalOpenNotional() decimal.Decimal {
	total := decimal.Zero
	for _, pair := range p.Pairs {
		if pair.Status == PairOpen {
			total = total.Add(pair.Short.EntryNotional).Add(pair.Long.EntryNotional)
		}
	}
	return total
}

// NotionalByVenue sums open notional per venue across both legs.
func (p *PortfolioState) NotionalByVenue() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range p.Pairs {
		if pair.Status != PairOpen {
			continue
		}
		out[pair.Short.Venue] = out[pair.Short.Venue].Add(pair.Short.EntryNotional)
		out[pair.Long.Venue] = out[pair.Long.Venue].Add(pair.Long.EntryNotional)
	}
	return out
}

// NotionalBySymbol sums open notional per underlying symbol across both legs.
func (p *PortfolioState) NotionalBySymbol() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range p.Pairs {
		if pair.Status != PairOpen {
			continue
		}
		out[pair.Short.Symbol] = out[pair.Short.Symbol].Add(pair.Short.EntryNotional)
		out[pair.Long.Symbol] = out[pair.Long.Symbol].Add(pair.Long.EntryNotional)
	}
	return out
}

// ZombiePairs returns the ids of every pair left in an inconsistent state
// requiring operator intervention.
func (p *PortfolioState) ZombiePairs() []string {
	var out []string
	for id, pair := range p.Pairs {
		if pair.Status == PairZombie {
			out = append(out, id)
		}
	}
	return out
}

// BumpPersistence advances the persistence gate for a cycle's qualifying
// pairs and resets everyone else to zero: entries that re-qualify are
// incremented, entries that do not are reset to 0. Never skips a value.
func (p *PortfolioState) BumpPersistence(qualifying map[string]bool) {
	for key := range qualifying {
		if qualifying[key] {
			p.PersistenceCounters[key]++
		}
	}
	for key := range p.PersistenceCounters {
		if !qualifying[key] {
			p.PersistenceCounters[key] = 0
		}
	}
}

// Validate enforces the invariant that every OPEN pair has exactly two legs
// with opposite sides. Returns a descriptive error identifying the pair id
// rather than panicking, since this runs against persisted/untrusted state.
func (p *PortfolioState) Validate() error {
	for id, pair := range p.Pairs {
		if pair.Status != PairOpen {
			continue
		}
		if pair.Short.Side != ShortLeg || pair.Long.Side != LongLeg {
			return fmt.Errorf("pair %s: open pair must have one short and one long leg", id)
		}
	}
	return nil
}
