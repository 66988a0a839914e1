package signal

import (
	"sync"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// PriceHistory accumulates one mid price per symbol per cycle so beta can be
// estimated from realized volatility instead of defaulting to 1.0. Symbols
// without book data contribute nothing; EstimateBeta handles short histories
// by falling back to DefaultBeta.
type PriceHistory struct {
	maxSamples int

	mu     sync.Mutex
	prices map[string][]decimal.Decimal // canonical symbol -> chronological mids
}

// NewPriceHistory retains up to maxSamples observations per symbol.
func NewPriceHistory(maxSamples int) *PriceHistory {
	if maxSamples <= 0 {
		maxSamples = 64
	}
	return &PriceHistory{
		maxSamples: maxSamples,
		prices:     make(map[string][]decimal.Decimal),
	}
}

// Push records one cycle's snapshot: for each symbol, the first venue quote
// carrying a book contributes (bid+ask)/2.
func (h *PriceHistory) Push(quotes map[string]domain.SymbolQuote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for symbol, q := range quotes {
		for _, venue := range sortedVenues(q.ByVenue) {
			snap := q.ByVenue[venue]
			if !snap.HasBook {
				continue
			}
			mid := snap.Bid.Add(snap.Ask).Div(decimal.NewFromInt(2))
			series := append(h.prices[symbol], mid)
			if len(series) > h.maxSamples {
				series = series[len(series)-h.maxSamples:]
			}
			h.prices[symbol] = series
			break
		}
	}
}

// Series returns a copy of the recorded mids for symbol, oldest first.
func (h *PriceHistory) Series(symbol string) []decimal.Decimal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]decimal.Decimal(nil), h.prices[symbol]...)
}

// BetaFunc adapts the history into the PairParams.Beta hook: the volatility
// of the long leg's symbol relative to the short leg's.
func (h *PriceHistory) BetaFunc(params BetaParams) func(short, long domain.LegQuote) decimal.Decimal {
	return func(short, long domain.LegQuote) decimal.Decimal {
		return EstimateBeta(h.Series(short.Symbol), h.Series(long.Symbol), params)
	}
}
