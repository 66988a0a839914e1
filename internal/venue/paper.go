// Package venue provides a paper-trading core.IVenueAdapter: an in-memory
// simulator that fills instantly at a supplied reference price, for local
// runs and CI where no real exchange connectivity is wired up. Real venue
// REST/WebSocket adapters are supplied externally; this is a stand-in, not
// a pretend exchange.
package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fundingarb/internal/core"
	"fundingarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// PriceSource supplies the reference price a paper order fills at. In
// practice this is backed by the same marketdata.Service snapshot the
// orchestrator already holds for the cycle, so paper fills track whatever
// quotes drove the decision to trade.
type PriceSource interface {
	MidPrice(symbol string) (decimal.Decimal, bool)
}

// Paper is a deterministic, single-venue paper-trading adapter. Orders fill
// immediately and in full at the current mid price; positions accumulate by
// symbol exactly as a real margin account would (signed size, long positive
// / short negative).
type Paper struct {
	name    string
	prices  PriceSource
	balance decimal.Decimal

	mu        sync.Mutex
	orders    map[string]core.OrderAck
	positions map[string]decimal.Decimal // symbol -> signed size in USD notional
}

// NewPaper constructs a paper venue adapter named name, seeded with
// startingBalanceUSD of available margin.
func NewPaper(name string, prices PriceSource, startingBalanceUSD decimal.Decimal) *Paper {
	return &Paper{
		name:      name,
		prices:    prices,
		balance:   startingBalanceUSD,
		orders:    make(map[string]core.OrderAck),
		positions: make(map[string]decimal.Decimal),
	}
}

func (p *Paper) Name() string { return p.name }

// PlaceOrder fills immediately at the current mid price, or at 1.0 when the
// price source has nothing for symbol.
func (p *Paper) PlaceOrder(_ context.Context, symbol, side string, notionalUSD decimal.Decimal, clientOrderID string) (core.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := decimal.NewFromInt(1)
	if p.prices != nil {
		if mid, ok := p.prices.MidPrice(symbol); ok && mid.IsPositive() {
			price = mid
		}
	}

	signed := notionalUSD
	if s := strings.ToUpper(side); s == "SELL" || s == "SHORT" {
		signed = signed.Neg()
	}
	p.positions[symbol] = p.positions[symbol].Add(signed)

	ack := core.OrderAck{
		ClientOrderID:  clientOrderID,
		VenueOrderID:   fmt.Sprintf("paper-%s-%s", p.name, clientOrderID),
		FilledQty:      notionalUSD.Div(price),
		FilledNotional: notionalUSD,
		AvgPrice:       price,
		Status:         core.OrderFilled,
	}
	p.orders[clientOrderID] = ack
	return ack, nil
}

// Cancel is a no-op: every paper order is already filled by the time it
// could be canceled.
func (p *Paper) Cancel(_ context.Context, _ string) error { return nil }

func (p *Paper) OrderStatus(_ context.Context, clientOrderID string) (core.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack, ok := p.orders[clientOrderID]
	if !ok {
		return core.OrderAck{}, fmt.Errorf("paper venue %s: %w: order %s", p.name, apperrors.ErrNotFound, clientOrderID)
	}
	return ack, nil
}

func (p *Paper) Positions(_ context.Context) ([]core.VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.VenuePosition, 0, len(p.positions))
	for symbol, size := range p.positions {
		if size.IsZero() {
			continue
		}
		out = append(out, core.VenuePosition{Symbol: symbol, Size: size})
	}
	return out, nil
}

func (p *Paper) Balance(_ context.Context, asset string) (core.VenueBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.VenueBalance{Asset: asset, Available: p.balance, Total: p.balance}, nil
}
