package venue

import (
	"context"
	"fmt"

	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// PaperMarketData is the core.IMarketDataAdapter counterpart to Paper: it
// serves open interest and a synthetic top-of-book so the Hybrid market-data
// variant can run locally without real venue connectivity. The book is
// spread bookSpreadBps around the feed's last known mid, which lags one
// cycle behind the aggregator snapshot that produced it.
type PaperMarketData struct {
	name            string
	prices          PriceSource
	openInterestUSD decimal.Decimal
}

var bookSpreadBps = decimal.NewFromFloat(0.0001)

// NewPaperMarketData builds an adapter reporting openInterestUSD for every
// symbol and a book derived from prices.
func NewPaperMarketData(name string, prices PriceSource, openInterestUSD decimal.Decimal) *PaperMarketData {
	return &PaperMarketData{name: name, prices: prices, openInterestUSD: openInterestUSD}
}

func (p *PaperMarketData) Name() string { return p.name }

// FundingRate is unsupported: in the paper setup funding always comes from
// the aggregator, so the VenueOnly variant cannot run on paper adapters.
func (p *PaperMarketData) FundingRate(_ context.Context, symbol string) (decimal.Decimal, int, error) {
	return decimal.Zero, 0, fmt.Errorf("paper venue %s: %w: funding rate for %s", p.name, apperrors.ErrNotFound, symbol)
}

func (p *PaperMarketData) OpenInterestUSD(_ context.Context, _ string) (decimal.Decimal, error) {
	return p.openInterestUSD, nil
}

func (p *PaperMarketData) TopOfBook(_ context.Context, symbol string) (core.TopOfBook, error) {
	mid, ok := p.prices.MidPrice(symbol)
	if !ok || !mid.IsPositive() {
		return core.TopOfBook{}, fmt.Errorf("paper venue %s: %w: no reference price for %s", p.name, apperrors.ErrNotFound, symbol)
	}
	half := mid.Mul(bookSpreadBps).Div(decimal.NewFromInt(2))
	return core.TopOfBook{Bid: mid.Sub(half), Ask: mid.Add(half)}, nil
}
