package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundingarb/internal/alert"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/execution"
	"fundingarb/internal/risk"
	"fundingarb/internal/statestore"
	"fundingarb/internal/trading/arbitrage"
	"fundingarb/internal/trading/signal"
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

// fakeVenue is a minimal in-memory core.IVenueAdapter: every PlaceOrder
// fills immediately and in full, OrderStatus replays the recorded ack.
type fakeVenue struct {
	name      string
	balance   decimal.Decimal
	mu        sync.Mutex
	orders    map[string]core.OrderAck
	positions []core.VenuePosition
}

func newFakeVenue(name string, balance decimal.Decimal) *fakeVenue {
	return &fakeVenue{name: name, balance: balance, orders: make(map[string]core.OrderAck)}
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PlaceOrder(_ context.Context, symbol, side string, notionalUSD decimal.Decimal, clientOrderID string) (core.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ack := core.OrderAck{
		ClientOrderID:  clientOrderID,
		VenueOrderID:   "v-" + clientOrderID,
		FilledQty:      notionalUSD,
		FilledNotional: notionalUSD,
		AvgPrice:       decimal.NewFromInt(1),
		Status:         core.OrderFilled,
	}
	v.orders[clientOrderID] = ack
	return ack, nil
}

func (v *fakeVenue) Cancel(_ context.Context, _ string) error { return nil }

func (v *fakeVenue) OrderStatus(_ context.Context, clientOrderID string) (core.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ack, ok := v.orders[clientOrderID]
	if !ok {
		return core.OrderAck{}, apperrors.ErrNotFound
	}
	return ack, nil
}

func (v *fakeVenue) Positions(_ context.Context) ([]core.VenuePosition, error) {
	return v.positions, nil
}

func (v *fakeVenue) Balance(_ context.Context, asset string) (core.VenueBalance, error) {
	return core.VenueBalance{Asset: asset, Available: v.balance, Total: v.balance}, nil
}

// fakeMarketData serves a fixed snapshot, optionally failing to simulate a
// transient upstream error.
type fakeMarketData struct {
	quotes map[string]domain.SymbolQuote
	err    error
}

func (f *fakeMarketData) Snapshot(_ context.Context, _ []string) (map[string]domain.SymbolQuote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes, nil
}

func (f *fakeMarketData) SupportedSymbols(_ context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, 0, len(f.quotes))
	for s := range f.quotes {
		out = append(out, s)
	}
	return out, nil
}

func twoLegQuotes() map[string]domain.SymbolQuote {
	return map[string]domain.SymbolQuote{
		"X/USDT:USDT": {
			Symbol: "X/USDT:USDT",
			ByVenue: map[string]domain.FundingSnapshot{
				"binance": {Venue: "binance", Symbol: "X/USDT:USDT", Rate: usd(0.01)},
			},
		},
		"Y/USDT:USDT": {
			Symbol: "Y/USDT:USDT",
			ByVenue: map[string]domain.FundingSnapshot{
				"binance": {Venue: "binance", Symbol: "Y/USDT:USDT", Rate: usd(-0.01)},
			},
		},
	}
}

func testDeps(t *testing.T, md *fakeMarketData, venues map[string]core.IVenueAdapter) Deps {
	t.Helper()
	store, err := statestore.NewSQLite(":memory:", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return Deps{
		Logger:     testLogger(t),
		Store:      store,
		Executor:   execution.NewExecutor(venues, testLogger(t), execution.Params{}),
		MarketData: md,
		Venues:     venues,
		Alerts:     alert.NewManager(testLogger(t)),
		UniverseParams: arbitrage.UniverseParams{
			StaticSymbolList: []string{"X/USDT:USDT", "Y/USDT:USDT"},
		},
		PairParams: signal.PairParams{
			FRDiffMin:                usd(0.002),
			AllowSingleExchangePairs: true,
			ExpectedEdgeMinBps:       usd(1),
			Weights:                  signal.DefaultScoreWeights(),
			FeeBpsForVenue:           func(string) float64 { return 0 },
		},
		IntentParams: signal.IntentParams{
			MinPairScore:            decimal.Zero,
			MinPersistenceWindows:   1,
			MaxNewPositionsPerCycle: 5,
			MaxNotionalPerPairUSD:   usd(40),
			CapitalFraction:         usd(0.4),
			MinOrderUSD:             usd(10),
		},
		RiskParams: risk.Params{
			Thresholds:              domain.DefaultDrawdownThresholds(),
			MaxTotalNotionalUSD:     usd(1000),
			MaxNotionalPerSymbolUSD: usd(1000),
			MaxNotionalPerVenueUSD:  usd(1000),
			NormalLeverageCap:       usd(5),
			ReduceLeverageCap:       usd(1),
			RebalanceDriftPct:       usd(0.2),
		},
		CyclePeriod:       time.Second,
		LockTTL:           time.Minute,
		InstanceID:        "test-instance",
		InitialCapitalUSD: usd(1000),
	}
}

func TestRunCycle_HappyPathOpensAdmittedPair(t *testing.T) {
	venue := newFakeVenue("binance", usd(10000))
	venues := map[string]core.IVenueAdapter{"binance": venue}
	md := &fakeMarketData{quotes: twoLegQuotes()}

	o := New(testDeps(t, md, venues))
	require.NoError(t, o.loadOrInitState(context.Background()))

	summary := o.RunCycle(context.Background())

	require.False(t, summary.Skipped)
	require.Equal(t, 1, summary.CandidatesGenerated)
	require.Equal(t, 1, summary.IntentsAdmitted)
	require.Equal(t, 1, summary.IntentsExecuted)
	require.Len(t, o.state.Pairs, 1)
}

func TestRunCycle_MarketDataErrorSkipsCycleAndCountsConsecutiveSkips(t *testing.T) {
	venues := map[string]core.IVenueAdapter{"binance": newFakeVenue("binance", usd(10000))}
	md := &fakeMarketData{quotes: twoLegQuotes(), err: apperrors.ErrNetwork}

	o := New(testDeps(t, md, venues))
	require.NoError(t, o.loadOrInitState(context.Background()))

	var last domain.CycleSummary
	for i := 0; i < consecutiveSkipAlertThreshold; i++ {
		last = o.RunCycle(context.Background())
		require.True(t, last.Skipped)
	}
	require.Equal(t, consecutiveSkipAlertThreshold, o.consecutiveSkips)
}

func TestRunCycle_HaltNewBlocksAllAdmission(t *testing.T) {
	venues := map[string]core.IVenueAdapter{"binance": newFakeVenue("binance", usd(10000))}
	md := &fakeMarketData{quotes: twoLegQuotes()}

	o := New(testDeps(t, md, venues))
	require.NoError(t, o.loadOrInitState(context.Background()))
	// An existing pair carrying an unrealized loss drags equity down from the
	// 1000 peak to 800, a 20% drawdown past max_drawdown_stop_pct (0.15).
	o.state.Pairs["lossy"] = &domain.PositionPair{
		PairID:           "lossy",
		Status:           domain.PairOpen,
		Short:            domain.PositionLeg{Side: domain.ShortLeg, Venue: "binance", Symbol: "Z/USDT:USDT"},
		Long:             domain.PositionLeg{Side: domain.LongLeg, Venue: "binance", Symbol: "W/USDT:USDT"},
		UnrealizedPnLUSD: usd(-200),
	}

	summary := o.RunCycle(context.Background())

	require.Equal(t, "NORMAL->HALT_NEW", summary.StateTransition)
	require.Equal(t, 0, summary.IntentsAdmitted)
	require.Equal(t, 0, summary.IntentsExecuted)
	require.Equal(t, domain.RiskHaltNew, o.state.RiskState)
}

func TestReconcileOnStart_AdoptsConsistentPairAndFlattensInconsistentOne(t *testing.T) {
	goodVenue := newFakeVenue("binance", usd(10000))
	goodVenue.positions = []core.VenuePosition{
		{Symbol: "X/USDT:USDT", Size: usd(-40)}, // short
		{Symbol: "Y/USDT:USDT", Size: usd(40)},  // long
	}
	venues := map[string]core.IVenueAdapter{"binance": goodVenue}
	md := &fakeMarketData{quotes: twoLegQuotes()}

	o := New(testDeps(t, md, venues))
	require.NoError(t, o.loadOrInitState(context.Background()))

	o.state.Pairs["adopted"] = &domain.PositionPair{
		PairID: "adopted",
		Status: domain.PairOpen,
		Short:  domain.PositionLeg{Venue: "binance", Symbol: "X/USDT:USDT", Side: domain.ShortLeg, EntryNotional: usd(40)},
		Long:   domain.PositionLeg{Venue: "binance", Symbol: "Y/USDT:USDT", Side: domain.LongLeg, EntryNotional: usd(40)},
	}
	o.state.Pairs["orphaned"] = &domain.PositionPair{
		PairID: "orphaned",
		Status: domain.PairOpen,
		Short:  domain.PositionLeg{Venue: "binance", Symbol: "X/USDT:USDT", Side: domain.ShortLeg, EntryNotional: usd(9999)},
		Long:   domain.PositionLeg{Venue: "binance", Symbol: "Y/USDT:USDT", Side: domain.LongLeg, EntryNotional: usd(9999)},
	}

	require.NoError(t, o.reconcileOnStart(context.Background()))

	require.Equal(t, domain.PairOpen, o.state.Pairs["adopted"].Status)
	require.Equal(t, domain.PairZombie, o.state.Pairs["orphaned"].Status)
}
