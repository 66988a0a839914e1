package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	l, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return l
}

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// scriptedVenue is a core.IVenueAdapter whose fill outcome per client order
// id is scripted in advance, letting each test drive the exact fill
// reconciliation branch under test (full fill, unfilled, partial).
type scriptedVenue struct {
	name    string
	balance decimal.Decimal

	mu     sync.Mutex
	orders map[string]core.OrderAck
	// outcomes maps a client-order-id prefix (the idempotency key) to the
	// OrderAck PlaceOrder should resolve to immediately.
	outcomes map[string]core.OrderAck
}

func newScriptedVenue(name string, balance decimal.Decimal) *scriptedVenue {
	return &scriptedVenue{name: name, balance: balance, orders: make(map[string]core.OrderAck), outcomes: make(map[string]core.OrderAck)}
}

func (v *scriptedVenue) Name() string { return v.name }

func (v *scriptedVenue) PlaceOrder(_ context.Context, _, _ string, notionalUSD decimal.Decimal, clientOrderID string) (core.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ack, scripted := v.outcomes[clientOrderID]
	if !scripted {
		ack = core.OrderAck{ClientOrderID: clientOrderID, FilledNotional: notionalUSD, Status: core.OrderFilled}
	} else {
		ack.ClientOrderID = clientOrderID
	}
	v.orders[clientOrderID] = ack
	return ack, nil
}

func (v *scriptedVenue) Cancel(_ context.Context, _ string) error { return nil }

func (v *scriptedVenue) OrderStatus(_ context.Context, clientOrderID string) (core.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ack, ok := v.orders[clientOrderID]
	if !ok {
		return core.OrderAck{}, apperrors.ErrNotFound
	}
	return ack, nil
}

func (v *scriptedVenue) Positions(_ context.Context) ([]core.VenuePosition, error) { return nil, nil }

func (v *scriptedVenue) Balance(_ context.Context, asset string) (core.VenueBalance, error) {
	return core.VenueBalance{Asset: asset, Available: v.balance, Total: v.balance}, nil
}

func testIntent() domain.TradeIntent {
	return domain.TradeIntent{
		CycleID:         1,
		PairKey:         "binance:X/USDT:USDT|binance:Y/USDT:USDT",
		Short:           domain.LegOrder{Venue: "binance", Symbol: "X/USDT:USDT", NotionalUSD: usd(40)},
		Long:            domain.LegOrder{Venue: "binance", Symbol: "Y/USDT:USDT", NotionalUSD: usd(40)},
		ExpectedEdgeBps: usd(50),
		IdempotencyKey:  "cycle-1:X:Y",
	}
}

func TestOpenPair_BothLegsFill(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: time.Second})

	pair, err := e.OpenPair(context.Background(), testIntent())

	require.NoError(t, err)
	require.NotNil(t, pair)
	require.Equal(t, domain.PairOpen, pair.Status)
	require.True(t, pair.Short.EntryNotional.Equal(usd(40)))
	require.True(t, pair.Long.EntryNotional.Equal(usd(40)))
}

func TestOpenPair_InsufficientMarginAbortsBeforeSubmission(t *testing.T) {
	v := newScriptedVenue("binance", usd(10))
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: time.Second})

	pair, err := e.OpenPair(context.Background(), testIntent())

	require.Nil(t, pair)
	require.ErrorIs(t, err, apperrors.ErrInsufficientMargin)
	require.Empty(t, v.orders)
}

func TestOpenPair_OneLegUnfilledTriggersFailSafeFlatten(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	intent := testIntent()
	longID := clientOrderID(intent.IdempotencyKey, domain.LongLeg)
	// the long leg never resolves past NEW within the leg-fill timeout.
	v.outcomes[longID] = core.OrderAck{Status: core.OrderNew}
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: 300 * time.Millisecond})

	pair, err := e.OpenPair(context.Background(), intent)

	require.Nil(t, pair)
	require.ErrorIs(t, err, apperrors.ErrPartialFillFlattened)

	shortID := clientOrderID(intent.IdempotencyKey, domain.ShortLeg)
	v.mu.Lock()
	_, flattened := v.orders["flatten:"+shortID]
	v.mu.Unlock()
	require.True(t, flattened, "the filled short leg must be market-closed")
}

func TestOpenPair_BothPartialWithinToleranceAccepted(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	intent := testIntent()
	shortID := clientOrderID(intent.IdempotencyKey, domain.ShortLeg)
	longID := clientOrderID(intent.IdempotencyKey, domain.LongLeg)
	v.outcomes[shortID] = core.OrderAck{FilledNotional: usd(38), Status: core.OrderPartial}
	v.outcomes[longID] = core.OrderAck{FilledNotional: usd(36), Status: core.OrderPartial}
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: time.Second, PartialFillTolerance: usd(0.10)})

	pair, err := e.OpenPair(context.Background(), intent)

	require.NoError(t, err)
	require.NotNil(t, pair)
	require.True(t, pair.Short.EntryNotional.Equal(usd(38)))
	require.True(t, pair.Long.EntryNotional.Equal(usd(36)))
}

func TestOpenPair_BothPartialBeyondToleranceTrimsLargerLeg(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	intent := testIntent()
	shortID := clientOrderID(intent.IdempotencyKey, domain.ShortLeg)
	longID := clientOrderID(intent.IdempotencyKey, domain.LongLeg)
	v.outcomes[shortID] = core.OrderAck{FilledNotional: usd(40), Status: core.OrderPartial}
	v.outcomes[longID] = core.OrderAck{FilledNotional: usd(20), Status: core.OrderPartial}
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: time.Second, PartialFillTolerance: usd(0.10)})

	pair, err := e.OpenPair(context.Background(), intent)

	require.NoError(t, err)
	require.NotNil(t, pair)
	require.True(t, pair.Short.EntryNotional.Equal(usd(20)), "oversized short leg trimmed down to match the long leg")
	require.True(t, pair.Long.EntryNotional.Equal(usd(20)))

	v.mu.Lock()
	_, trimmed := v.orders["trim:"+shortID]
	v.mu.Unlock()
	require.True(t, trimmed)
}

func TestOpenPair_IdempotentResubmissionReusesPriorAck(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{LegFillTimeout: time.Second})
	intent := testIntent()

	first, err := e.OpenPair(context.Background(), intent)
	require.NoError(t, err)
	require.NotNil(t, first)

	v.mu.Lock()
	ordersAfterFirst := len(v.orders)
	v.mu.Unlock()

	second, err := e.OpenPair(context.Background(), intent)
	require.NoError(t, err)
	require.NotNil(t, second)

	v.mu.Lock()
	ordersAfterSecond := len(v.orders)
	v.mu.Unlock()
	require.Equal(t, ordersAfterFirst, ordersAfterSecond, "resubmitting the same intent must not place new orders")
}

func TestClosePair_SubmitsOppositeSideForBothLegs(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{})
	pair := &domain.PositionPair{
		PairID: "pair-1",
		Short:  domain.PositionLeg{Venue: "binance", Symbol: "X/USDT:USDT", Side: domain.ShortLeg, EntryNotional: usd(40)},
		Long:   domain.PositionLeg{Venue: "binance", Symbol: "Y/USDT:USDT", Side: domain.LongLeg, EntryNotional: usd(40)},
	}

	err := e.ClosePair(context.Background(), pair, 1)

	require.NoError(t, err)
	v.mu.Lock()
	defer v.mu.Unlock()
	require.Len(t, v.orders, 2)
}

func TestEmergencyFlatten_MarksPairZombie(t *testing.T) {
	v := newScriptedVenue("binance", usd(10000))
	venues := map[string]core.IVenueAdapter{"binance": v}
	e := NewExecutor(venues, testLogger(t), Params{})
	pair := &domain.PositionPair{
		PairID: "pair-1",
		Status: domain.PairOpen,
		Short:  domain.PositionLeg{Venue: "binance", Symbol: "X/USDT:USDT", Side: domain.ShortLeg, EntryNotional: usd(40), ClientOrderID: "short-1"},
		Long:   domain.PositionLeg{Venue: "binance", Symbol: "Y/USDT:USDT", Side: domain.LongLeg, EntryNotional: usd(40), ClientOrderID: "long-1"},
	}

	e.EmergencyFlatten(context.Background(), pair)

	require.Equal(t, domain.PairZombie, pair.Status)
}
