// Package execution implements idempotent two-leg order submission, fill
// reconciliation within a deadline, and the fail-safe flatten protocol that
// guarantees the system never persists a single-legged position.
package execution

import (
	"context"
	"fmt"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Params configures the Executor's deadlines and partial-fill tolerance.
type Params struct {
	LegFillTimeout       time.Duration
	IntentDeadline       time.Duration
	PartialFillTolerance decimal.Decimal
}

// Executor submits TradeIntents as two-leg pairs against the configured
// venue adapters, reconciling fills and flattening on partial failure.
type Executor struct {
	venues map[string]core.IVenueAdapter
	logger core.ILogger
	params Params
}

// NewExecutor builds an Executor over the given venue adapters, keyed by
// venue name.
func NewExecutor(venues map[string]core.IVenueAdapter, logger core.ILogger, params Params) *Executor {
	if params.LegFillTimeout <= 0 {
		params.LegFillTimeout = 10 * time.Second
	}
	if params.IntentDeadline <= 0 {
		params.IntentDeadline = 30 * time.Second
	}
	if params.PartialFillTolerance.IsZero() {
		params.PartialFillTolerance = decimal.NewFromFloat(0.10)
	}
	return &Executor{
		venues: venues,
		logger: logger.WithField("component", "execution"),
		params: params,
	}
}

// legResult carries one leg's submission outcome back to the reconciler.
type legResult struct {
	ack core.OrderAck
	err error
}

// OpenPair runs the full per-intent protocol: pre-flight margin check,
// parallel leg submission, fill reconciliation, and fail-safe flatten on
// partial failure. A non-nil PositionPair is only ever returned alongside a
// nil error, and always carries exactly two filled legs.
func (e *Executor) OpenPair(ctx context.Context, intent domain.TradeIntent) (*domain.PositionPair, error) {
	intentCtx, cancelIntent := context.WithTimeout(ctx, e.params.IntentDeadline)
	defer cancelIntent()

	if err := e.preflight(intentCtx, intent); err != nil {
		return nil, err
	}

	shortID := clientOrderID(intent.IdempotencyKey, domain.ShortLeg)
	longID := clientOrderID(intent.IdempotencyKey, domain.LongLeg)

	legCtx, cancel := context.WithTimeout(intentCtx, e.params.LegFillTimeout)
	defer cancel()

	e.submitConcurrently(legCtx, intent, shortID, longID)
	// Reconciliation and any resulting flatten run under the intent
	// deadline, not the tighter leg-fill window.
	return e.reconcile(intentCtx, intent, shortID, longID)
}

// submitConcurrently issues both legs as concurrent requests and waits for
// both or the leg-fill deadline. Outcomes are not inspected here: reconcile
// re-reads both legs' authoritative status from the venues.
func (e *Executor) submitConcurrently(ctx context.Context, intent domain.TradeIntent, shortID, longID string) {
	g, gctx := errgroup.WithContext(ctx)
	var shortRes, longRes legResult

	g.Go(func() error {
		shortRes.ack, shortRes.err = e.idempotentSubmitOrReuse(gctx, intent.Short.Venue, intent.Short.Symbol, domain.ShortLeg.OrderSide(), intent.Short.NotionalUSD, shortID)
		return nil
	})
	g.Go(func() error {
		longRes.ack, longRes.err = e.idempotentSubmitOrReuse(gctx, intent.Long.Venue, intent.Long.Symbol, domain.LongLeg.OrderSide(), intent.Long.NotionalUSD, longID)
		return nil
	})
	_ = g.Wait()

	if shortRes.err != nil || longRes.err != nil {
		e.logger.Warn("leg submission error, deferring to reconciliation",
			"short_err", shortRes.err, "long_err", longRes.err, "pair_key", intent.PairKey)
	}
}

// preflight checks each leg's venue has sufficient available balance for
// its notional before anything is submitted.
func (e *Executor) preflight(ctx context.Context, intent domain.TradeIntent) error {
	for _, leg := range []domain.LegOrder{intent.Short, intent.Long} {
		ad, ok := e.venues[leg.Venue]
		if !ok {
			return fmt.Errorf("%w: unknown venue %s", apperrors.ErrConfiguration, leg.Venue)
		}
		bal, err := ad.Balance(ctx, "USDT")
		if err != nil {
			return fmt.Errorf("execution: preflight balance check %s: %w", leg.Venue, err)
		}
		if bal.Available.LessThan(leg.NotionalUSD) {
			return fmt.Errorf("%w: venue=%s available=%s required=%s", apperrors.ErrInsufficientMargin, leg.Venue, bal.Available, leg.NotionalUSD)
		}
	}
	return nil
}

// idempotentSubmitOrReuse makes resubmission a no-op: if clientOrderID already
// exists in venue history, the resubmission is a no-op that returns the
// prior ack rather than placing a duplicate order.
func (e *Executor) idempotentSubmitOrReuse(ctx context.Context, venue, symbol, side string, notionalUSD decimal.Decimal, clientOrderID string) (core.OrderAck, error) {
	ad, ok := e.venues[venue]
	if !ok {
		return core.OrderAck{}, fmt.Errorf("%w: unknown venue %s", apperrors.ErrConfiguration, venue)
	}

	if prior, err := ad.OrderStatus(ctx, clientOrderID); err == nil && prior.ClientOrderID == clientOrderID {
		e.logger.Debug("idempotent resubmission: reusing prior order", "venue", venue, "client_order_id", clientOrderID)
		return prior, nil
	}

	var ack core.OrderAck
	err := retry.Do(ctx, retry.DefaultPolicy, func(err error) bool {
		return !apperrors.IsTerminal(err)
	}, func() error {
		var placeErr error
		ack, placeErr = ad.PlaceOrder(ctx, symbol, side, notionalUSD, clientOrderID)
		return placeErr
	})
	return ack, err
}

// reconcile polls both legs' order status until both
// resolve or the leg-fill timeout elapses, then classify the outcome. The
// fail-safe flatten and trim orders run under ctx (the intent deadline), not
// the already-spent fill window.
func (e *Executor) reconcile(ctx context.Context, intent domain.TradeIntent, shortID, longID string) (*domain.PositionPair, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.params.LegFillTimeout)
	shortAck, shortErr := e.pollUntilResolved(pollCtx, intent.Short.Venue, shortID)
	longAck, longErr := e.pollUntilResolved(pollCtx, intent.Long.Venue, longID)
	cancel()

	shortFilled := shortErr == nil && shortAck.Status == core.OrderFilled
	longFilled := longErr == nil && longAck.Status == core.OrderFilled
	shortPartial := shortErr == nil && shortAck.Status == core.OrderPartial
	longPartial := longErr == nil && longAck.Status == core.OrderPartial

	switch {
	case shortFilled && longFilled:
		return e.buildPair(intent, shortAck, longAck), nil

	case (shortFilled || shortPartial) && !longFilled && !longPartial:
		e.flattenLeg(ctx, intent.Short.Venue, intent.Short.Symbol, domain.ShortLeg, shortAck.FilledNotional, shortID)
		return nil, apperrors.ErrPartialFillFlattened

	case (longFilled || longPartial) && !shortFilled && !shortPartial:
		e.flattenLeg(ctx, intent.Long.Venue, intent.Long.Symbol, domain.LongLeg, longAck.FilledNotional, longID)
		return nil, apperrors.ErrPartialFillFlattened

	case shortPartial && longPartial:
		return e.reconcilePartialBoth(ctx, intent, shortAck, longAck, shortID, longID)

	default:
		// Neither leg filled or partially filled: nothing to flatten, just
		// a clean miss.
		if shortErr != nil || longErr != nil {
			e.logger.Warn("execution: both legs unresolved", "short_err", shortErr, "long_err", longErr)
		}
		return nil, fmt.Errorf("%w: neither leg filled", apperrors.ErrExecutionFatal)
	}
}

// reconcilePartialBoth handles both legs partially filled: accept the
// partial fill if the notional delta is within tolerance, otherwise trim the
// larger leg down to match the smaller.
func (e *Executor) reconcilePartialBoth(ctx context.Context, intent domain.TradeIntent, shortAck, longAck core.OrderAck, shortID, longID string) (*domain.PositionPair, error) {
	delta := shortAck.FilledNotional.Sub(longAck.FilledNotional).Abs()
	target := intent.Short.NotionalUSD
	if target.IsPositive() && delta.Div(target).LessThanOrEqual(e.params.PartialFillTolerance) {
		return e.buildPair(intent, shortAck, longAck), nil
	}

	if shortAck.FilledNotional.GreaterThan(longAck.FilledNotional) {
		e.trimLeg(ctx, intent.Short.Venue, intent.Short.Symbol, domain.ShortLeg, shortAck.FilledNotional.Sub(longAck.FilledNotional), shortID)
		shortAck.FilledNotional = longAck.FilledNotional
	} else {
		e.trimLeg(ctx, intent.Long.Venue, intent.Long.Symbol, domain.LongLeg, longAck.FilledNotional.Sub(shortAck.FilledNotional), longID)
		longAck.FilledNotional = shortAck.FilledNotional
	}
	return e.buildPair(intent, shortAck, longAck), nil
}

func (e *Executor) buildPair(intent domain.TradeIntent, shortAck, longAck core.OrderAck) *domain.PositionPair {
	now := time.Now()
	return &domain.PositionPair{
		PairID:  fmt.Sprintf("pair-%s", intent.IdempotencyKey),
		PairKey: intent.PairKey,
		Short: domain.PositionLeg{
			Venue: intent.Short.Venue, Symbol: intent.Short.Symbol, Side: domain.ShortLeg,
			EntryNotional: shortAck.FilledNotional, EntryRate: decimal.Zero, FilledAt: now, ClientOrderID: shortAck.ClientOrderID,
		},
		Long: domain.PositionLeg{
			Venue: intent.Long.Venue, Symbol: intent.Long.Symbol, Side: domain.LongLeg,
			EntryNotional: longAck.FilledNotional, EntryRate: decimal.Zero, FilledAt: now, ClientOrderID: longAck.ClientOrderID,
		},
		EntryTime:           now,
		TargetShortNotional: intent.Short.NotionalUSD,
		TargetLongNotional:  intent.Long.NotionalUSD,
		Status:              domain.PairOpen,
	}
}

// pollUntilResolved repeatedly checks order status until it leaves the NEW
// state or the context deadline (leg_fill_timeout) elapses.
func (e *Executor) pollUntilResolved(ctx context.Context, venue, clientOrderID string) (core.OrderAck, error) {
	ad, ok := e.venues[venue]
	if !ok {
		return core.OrderAck{}, fmt.Errorf("%w: unknown venue %s", apperrors.ErrConfiguration, venue)
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		ack, err := ad.OrderStatus(ctx, clientOrderID)
		if err == nil && ack.Status != core.OrderNew {
			return ack, nil
		}
		select {
		case <-ctx.Done():
			if err == nil {
				return ack, nil // return best-known status, classified by caller
			}
			return ack, ctx.Err()
		case <-ticker.C:
		}
	}
}

// flattenLeg is the fail-safe flatten protocol:
// immediately market-close a filled leg when its counterpart never filled.
func (e *Executor) flattenLeg(ctx context.Context, venue, symbol string, side domain.Side, notional decimal.Decimal, originalClientOrderID string) {
	if notional.IsZero() {
		return
	}
	ad, ok := e.venues[venue]
	if !ok {
		e.logger.Error("cannot flatten: unknown venue", "venue", venue)
		return
	}
	flattenID := "flatten:" + originalClientOrderID
	_, err := ad.PlaceOrder(ctx, symbol, side.Opposite(), notional, flattenID)
	if err != nil {
		e.logger.Error("CRITICAL: fail-safe flatten failed, leg may remain open", "venue", venue, "symbol", symbol, "error", err)
		return
	}
	e.logger.Warn("fail-safe flatten executed", "venue", venue, "symbol", symbol, "notional", notional)
}

// trimLeg reduces an over-filled leg by the given delta notional via a
// plain order in the leg's opposite direction.
func (e *Executor) trimLeg(ctx context.Context, venue, symbol string, side domain.Side, deltaNotional decimal.Decimal, originalClientOrderID string) {
	ad, ok := e.venues[venue]
	if !ok {
		return
	}
	trimID := "trim:" + originalClientOrderID
	if _, err := ad.PlaceOrder(ctx, symbol, side.Opposite(), deltaNotional, trimID); err != nil {
		e.logger.Error("trim order failed", "venue", venue, "symbol", symbol, "error", err)
	}
}

// ClosePair is the symmetric exit path: submit opposite-direction market orders
// for both legs, idempotency-keyed from the pair id and an exit epoch so a
// retried close is itself idempotent.
func (e *Executor) ClosePair(ctx context.Context, pair *domain.PositionPair, exitEpoch int64) error {
	shortID := fmt.Sprintf("exit:%s:%d:short", pair.PairID, exitEpoch)
	longID := fmt.Sprintf("exit:%s:%d:long", pair.PairID, exitEpoch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.idempotentSubmitOrReuse(gctx, pair.Short.Venue, pair.Short.Symbol, pair.Short.Side.Opposite(), pair.Short.EntryNotional, shortID)
		return err
	})
	g.Go(func() error {
		_, err := e.idempotentSubmitOrReuse(gctx, pair.Long.Venue, pair.Long.Symbol, pair.Long.Side.Opposite(), pair.Long.EntryNotional, longID)
		return err
	})
	return g.Wait()
}

// ApplyRebalance applies a rebalance or shrink directive:
// resize each leg to its new target by trading the delta.
func (e *Executor) ApplyRebalance(ctx context.Context, pair *domain.PositionPair, directive domain.RebalanceDirective) error {
	if err := e.resizeLeg(ctx, pair, domain.ShortLeg, pair.Short.EntryNotional, directive.TargetShortNotional); err != nil {
		return fmt.Errorf("execution: rebalance short leg: %w", err)
	}
	if err := e.resizeLeg(ctx, pair, domain.LongLeg, pair.Long.EntryNotional, directive.TargetLongNotional); err != nil {
		return fmt.Errorf("execution: rebalance long leg: %w", err)
	}
	return nil
}

func (e *Executor) resizeLeg(ctx context.Context, pair *domain.PositionPair, side domain.Side, current, target decimal.Decimal) error {
	delta := target.Sub(current)
	if delta.IsZero() {
		return nil
	}
	leg := pair.Short
	if side == domain.LongLeg {
		leg = pair.Long
	}
	ad, ok := e.venues[leg.Venue]
	if !ok {
		return fmt.Errorf("%w: unknown venue %s", apperrors.ErrConfiguration, leg.Venue)
	}
	orderSide := side.OrderSide()
	if delta.IsNegative() {
		orderSide = side.Opposite()
		delta = delta.Abs()
	}
	rebalanceID := fmt.Sprintf("rebalance:%s:%s:%d", pair.PairID, side, time.Now().UnixNano())
	_, err := ad.PlaceOrder(ctx, leg.Symbol, orderSide, delta, rebalanceID)
	return err
}

// EmergencyFlatten attempts to close any remaining legs of a pair that has
// suffered an unrecoverable double-leg failure, marking it ZOMBIE for
// operator intervention regardless of the outcome.
func (e *Executor) EmergencyFlatten(ctx context.Context, pair *domain.PositionPair) {
	e.flattenLeg(ctx, pair.Short.Venue, pair.Short.Symbol, domain.ShortLeg, pair.Short.EntryNotional, pair.Short.ClientOrderID)
	e.flattenLeg(ctx, pair.Long.Venue, pair.Long.Symbol, domain.LongLeg, pair.Long.EntryNotional, pair.Long.ClientOrderID)
	pair.Status = domain.PairZombie
}

func clientOrderID(idempotencyKey string, side domain.Side) string {
	return fmt.Sprintf("%s:%s", idempotencyKey, side)
}
