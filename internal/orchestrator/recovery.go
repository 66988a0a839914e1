package orchestrator

import (
	"context"

	"fundingarb/internal/alert"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// venuePositionTolerance is how far a venue-reported position size may sit
// from the persisted entry notional (as a fraction of it) and still count
// as "adopted" rather than inconsistent, absorbing funding/mark drift that
// accrued between the crash and this restart.
var venuePositionTolerance = decimal.NewFromFloat(0.05)

// reconcileOnStart implements the crash_recovery_policy "flatten_or_adopt":
// every pair persisted as OPEN is checked against each venue's
// live position report. A pair whose venue positions still roughly match
// both legs' entry notional is adopted as-is; anything else (a leg missing,
// a leg far from its recorded size, or a venue query failure) is flattened
// and the pair marked ZOMBIE for operator follow-up, since the system must
// never carry forward an unverified single-legged position.
func (o *Orchestrator) reconcileOnStart(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	positionsByVenue := make(map[string][]core.VenuePosition)
	for name, venue := range o.deps.Venues {
		positions, err := venue.Positions(ctx)
		if err != nil {
			o.deps.Logger.Error("crash recovery: failed to fetch venue positions, treating as inconsistent", "venue", name, "error", err)
			positions = nil
		}
		positionsByVenue[name] = positions
	}

	for id, pair := range o.state.Pairs {
		if pair.Status != domain.PairOpen {
			continue
		}
		if legConsistent(positionsByVenue[pair.Short.Venue], pair.Short.Symbol, pair.Short.EntryNotional, true) &&
			legConsistent(positionsByVenue[pair.Long.Venue], pair.Long.Symbol, pair.Long.EntryNotional, false) {
			o.deps.Logger.Info("crash recovery: adopted pair", "pair_id", id)
			continue
		}

		o.deps.Logger.Warn("crash recovery: flattening inconsistent pair", "pair_id", id)
		o.deps.Executor.EmergencyFlatten(ctx, pair)
		if o.deps.Alerts != nil {
			o.deps.Alerts.Alert(ctx, "crash recovery flattened pair", "pair_id="+id, alert.Critical, map[string]string{"pair_id": id})
		}
	}
	return nil
}

// legConsistent reports whether some venue-reported position for symbol is
// within tolerance of expectedNotional. short legs are reported as negative
// size by venues; long legs as positive.
func legConsistent(positions []core.VenuePosition, symbol string, expectedNotional decimal.Decimal, short bool) bool {
	if expectedNotional.IsZero() {
		return true
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		size := p.Size
		if short && !size.IsNegative() {
			continue
		}
		if !short && !size.IsPositive() {
			continue
		}
		delta := size.Abs().Sub(expectedNotional).Abs().Div(expectedNotional)
		if delta.LessThanOrEqual(venuePositionTolerance) {
			return true
		}
	}
	return false
}
