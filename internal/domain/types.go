// Package domain defines the plain-Go data model for the funding-rate
// arbitrage pipeline: funding snapshots, pair candidates, trade intents,
// live position pairs and the portfolio state they roll up into.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which leg of a pair a position or intent belongs to.
// ShortLeg always carries the non-negative funding rate (we are short the
// instrument to collect it); LongLeg carries the non-positive rate.
type Side string

const (
	ShortLeg Side = "SHORT"
	LongLeg  Side = "LONG"
)

// OrderSide returns the venue order side needed to open this leg.
func (s Side) OrderSide() string {
	if s == ShortLeg {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the order side needed to close this leg.
func (s Side) Opposite() string {
	if s == ShortLeg {
		return "BUY"
	}
	return "SELL"
}

// FundingSnapshot is one observation for (venue, symbol), already normalized
// to an 8h settlement basis regardless of the venue's native cadence.
type FundingSnapshot struct {
	Venue           string
	Symbol          string // canonical BASE/QUOTE:QUOTE
	Rate            decimal.Decimal
	IntervalHours   decimal.Decimal
	OpenInterestUSD decimal.Decimal
	HasOpenInterest bool
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	HasBook         bool
	ObservedAt      time.Time
}

// SymbolQuote is the per-cycle cross-venue aggregation for one symbol.
type SymbolQuote struct {
	Symbol  string
	ByVenue map[string]FundingSnapshot
}

// MaxSpread returns max(rate) - min(rate) across contributing venues.
func (q SymbolQuote) MaxSpread() decimal.Decimal {
	if len(q.ByVenue) == 0 {
		return decimal.Zero
	}
	var max, min decimal.Decimal
	first := true
	for _, snap := range q.ByVenue {
		if first {
			max, min = snap.Rate, snap.Rate
			first = false
			continue
		}
		if snap.Rate.GreaterThan(max) {
			max = snap.Rate
		}
		if snap.Rate.LessThan(min) {
			min = snap.Rate
		}
	}
	return max.Sub(min)
}

// Coverage returns the number of venues quoting this symbol.
func (q SymbolQuote) Coverage() int {
	return len(q.ByVenue)
}

// AverageAbsRate returns the mean of |rate| across venues.
func (q SymbolQuote) AverageAbsRate() decimal.Decimal {
	if len(q.ByVenue) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, snap := range q.ByVenue {
		sum = sum.Add(snap.Rate.Abs())
	}
	return sum.Div(decimal.NewFromInt(int64(len(q.ByVenue))))
}

// LegQuote is one side of a PairCandidate: a venue/symbol and its rate.
type LegQuote struct {
	Venue  string
	Symbol string
	Rate   decimal.Decimal
}

// PairKey returns the stable identity of this short/long venue-symbol pairing.
func PairKey(short, long LegQuote) string {
	return fmt.Sprintf("%s:%s|%s:%s", short.Venue, short.Symbol, long.Venue, long.Symbol)
}

// PairCandidate is a scored, not-yet-admitted opportunity to open a pair.
type PairCandidate struct {
	Key              string
	Short            LegQuote
	Long             LegQuote
	ExpectedEdgeBps  decimal.Decimal
	Beta             decimal.Decimal
	QualityScore     decimal.Decimal
	PersistenceCount int
}

// LegOrder is the sizing directive for one leg of a TradeIntent.
type LegOrder struct {
	Venue       string
	Symbol      string
	NotionalUSD decimal.Decimal
}

// TradeIntent directs the execution service to open one pair.
type TradeIntent struct {
	CycleID         int64
	PairKey         string
	Short           LegOrder
	Long            LegOrder
	ExpectedEdgeBps decimal.Decimal
	Score           decimal.Decimal
	IdempotencyKey  string
}

// PositionLeg is one live, filled leg of a PositionPair.
type PositionLeg struct {
	Venue         string
	Symbol        string
	Side          Side
	EntryNotional decimal.Decimal
	EntryRate     decimal.Decimal
	FilledAt      time.Time
	ClientOrderID string
}

// PairStatus is the lifecycle state of a PositionPair.
type PairStatus string

const (
	PairOpen   PairStatus = "OPEN"
	PairClosed PairStatus = "CLOSED"
	PairZombie PairStatus = "ZOMBIE"
)

// PositionPair is a live pair: two jointly-owned legs plus accrued PnL. The
// system never records one leg without the other except transiently during
// fail-safe flatten, after which the pair is terminal (closed or zombie).
type PositionPair struct {
	PairID                string
	PairKey               string
	Short                 PositionLeg
	Long                  PositionLeg
	EntryTime             time.Time
	TargetShortNotional   decimal.Decimal
	TargetLongNotional    decimal.Decimal
	AccumulatedFundingUSD decimal.Decimal
	RealizedPnLUSD        decimal.Decimal
	UnrealizedPnLUSD      decimal.Decimal
	Status                PairStatus
}

// MarkToMarket is the pair's contribution to portfolio equity.
func (p PositionPair) MarkToMarket() decimal.Decimal {
	return p.AccumulatedFundingUSD.Add(p.RealizedPnLUSD).Add(p.UnrealizedPnLUSD)
}

// CurrentNotional returns each leg's recorded EntryNotional; no price drift
// is applied to it.
func (p PositionPair) CurrentNotional() (shortUSD, longUSD decimal.Decimal) {
	return p.Short.EntryNotional, p.Long.EntryNotional
}

// RebalanceKind distinguishes a drift-triggered trim from a REDUCE-mode shrink.
type RebalanceKind string

const (
	RebalanceDrift  RebalanceKind = "DRIFT"
	RebalanceShrink RebalanceKind = "SHRINK"
)

// RebalanceDirective asks the execution service to resize one open pair.
type RebalanceDirective struct {
	PairID              string
	Kind                RebalanceKind
	TargetShortNotional decimal.Decimal
	TargetLongNotional  decimal.Decimal
}

// CycleSummary is the event emitted at the end of every orchestrator cycle.
type CycleSummary struct {
	CycleID             int64
	StartedAt           time.Time
	FinishedAt          time.Time
	CandidatesGenerated int
	IntentsGenerated    int
	IntentsAdmitted     int
	IntentsExecuted     int
	IntentsBlocked      int
	Rebalanced          []string
	StateTransition     string
	ZombiePairs         []string
	Skipped             bool
	SkipReason          string
}
