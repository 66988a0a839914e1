// Package core defines the small set of capability interfaces shared across
// the funding-arbitrage pipeline: logging, health reporting, and the two
// external collaborators (venue adapter, state store) the system treats as
// opaque.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging capability every component depends on.
// The concrete implementation lives in pkg/logging (zap + OTel bridge).
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates health checks from registered components for the
// operator-facing health endpoint.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// OrderAck is the venue's acknowledgement of a submitted order.
type OrderAck struct {
	ClientOrderID  string
	VenueOrderID   string
	FilledQty      decimal.Decimal
	FilledNotional decimal.Decimal
	AvgPrice       decimal.Decimal
	Status         OrderStatus
}

// OrderStatus is the venue-reported lifecycle of a submitted order.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIALLY_FILLED"
	OrderRejected OrderStatus = "REJECTED"
	OrderCanceled OrderStatus = "CANCELED"
)

// VenuePosition is a single open position as reported by a venue.
type VenuePosition struct {
	Symbol string
	Size   decimal.Decimal // signed: positive = long, negative = short
}

// VenueBalance is the available margin balance at a venue.
type VenueBalance struct {
	Asset     string
	Available decimal.Decimal
	Total     decimal.Decimal
}

// IVenueAdapter is the outbound interface the core consumes. Venue
// REST/WebSocket wiring, auth and rate limiting are external collaborators;
// the core only ever holds this opaque handle, one per configured venue.
type IVenueAdapter interface {
	Name() string
	PlaceOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, clientOrderID string) (OrderAck, error)
	Cancel(ctx context.Context, clientOrderID string) error
	OrderStatus(ctx context.Context, clientOrderID string) (OrderAck, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
	Balance(ctx context.Context, asset string) (VenueBalance, error)
}

// TopOfBook is a venue's best bid/ask for one symbol.
type TopOfBook struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// IMarketDataAdapter is the optional per-venue collaborator the Hybrid
// market-data variant uses to enrich aggregator funding rates with
// open interest and top-of-book. Distinct from IVenueAdapter, whose
// contract is order/position/balance operations only; this is additional,
// ancillary data a venue may or may not expose.
type IMarketDataAdapter interface {
	Name() string
	FundingRate(ctx context.Context, symbol string) (rate decimal.Decimal, intervalHours int, err error)
	OpenInterestUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
	TopOfBook(ctx context.Context, symbol string) (TopOfBook, error)
}

// IStateStore is the opaque persistence collaborator. The key-space is
// portfolio/state, persistence/counters, pairs/<pair_id> and
// cycles/<cycle_id>/summary. Implementations must make BatchWrite atomic so
// the orchestrator can persist a whole cycle outcome in one unit.
type IStateStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	BatchWrite(ctx context.Context, writes map[string][]byte) error
	// AcquireLock takes the cross-process single-writer lock with the given
	// lease TTL; it returns ok=false without error if another instance holds
	// it. Release must be safe to call even if the lease already expired.
	AcquireLock(ctx context.Context, owner string, ttl int64) (ok bool, err error)
	ReleaseLock(ctx context.Context, owner string) error
}
