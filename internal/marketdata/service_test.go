package marketdata

import (
	"context"
	"testing"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type stubSource struct {
	snaps []domain.FundingSnapshot
	err   error
}

func (s *stubSource) FetchAll(ctx context.Context) ([]domain.FundingSnapshot, error) {
	return s.snaps, s.err
}

func fixtureSnaps() []domain.FundingSnapshot {
	now := time.Now()
	return []domain.FundingSnapshot{
		{Venue: "binance", Symbol: "BTC/USDT:USDT", Rate: decimal.NewFromFloat(0.0025), ObservedAt: now},
		{Venue: "okx", Symbol: "BTC/USDT:USDT", Rate: decimal.NewFromFloat(-0.0010), ObservedAt: now},
		{Venue: "binance", Symbol: "ETH/USDT:USDT", Rate: decimal.NewFromFloat(0.0005), ObservedAt: now},
	}
}

func TestAggregatorOnly_Snapshot(t *testing.T) {
	svc := NewAggregatorOnly(&stubSource{snaps: fixtureSnaps()}, &noopLogger{})

	out, err := svc.Snapshot(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, out, "BTC/USDT:USDT")
	assert.Equal(t, 2, out["BTC/USDT:USDT"].Coverage())
	assert.Equal(t, 1, out["ETH/USDT:USDT"].Coverage())
}

func TestAggregatorOnly_SnapshotFiltersRequestedSymbols(t *testing.T) {
	svc := NewAggregatorOnly(&stubSource{snaps: fixtureSnaps()}, &noopLogger{})

	out, err := svc.Snapshot(context.Background(), []string{"ETH/USDT:USDT"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Contains(t, out, "ETH/USDT:USDT")
}

func TestAggregatorOnly_SupportedSymbols(t *testing.T) {
	svc := NewAggregatorOnly(&stubSource{snaps: fixtureSnaps()}, &noopLogger{})

	symbols, err := svc.SupportedSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, symbols)
}

type stubMarketAdapter struct {
	name      string
	oiErr     error
	bookErr   error
	oi        decimal.Decimal
	bid, ask  decimal.Decimal
}

func (a *stubMarketAdapter) Name() string { return a.name }
func (a *stubMarketAdapter) FundingRate(ctx context.Context, symbol string) (decimal.Decimal, int, error) {
	return decimal.NewFromFloat(0.001), 8, nil
}
func (a *stubMarketAdapter) OpenInterestUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if a.oiErr != nil {
		return decimal.Zero, a.oiErr
	}
	return a.oi, nil
}
func (a *stubMarketAdapter) TopOfBook(ctx context.Context, symbol string) (core.TopOfBook, error) {
	if a.bookErr != nil {
		return core.TopOfBook{}, a.bookErr
	}
	return core.TopOfBook{Bid: a.bid, Ask: a.ask}, nil
}

func TestHybrid_DegradesOnAdapterFailure(t *testing.T) {
	adapters := []core.IMarketDataAdapter{
		&stubMarketAdapter{name: "binance", oiErr: assertErr("boom"), bookErr: assertErr("boom")},
		&stubMarketAdapter{name: "okx", oi: decimal.NewFromInt(9_000_000), bid: decimal.NewFromInt(100), ask: decimal.NewFromInt(101)},
	}
	svc := NewHybrid(&stubSource{snaps: fixtureSnaps()}, adapters, &noopLogger{})

	out, err := svc.Snapshot(context.Background(), nil)
	require.NoError(t, err)

	btc := out["BTC/USDT:USDT"]
	binanceLeg := btc.ByVenue["binance"]
	assert.True(t, binanceLeg.HasOpenInterest)
	assert.True(t, binanceLeg.OpenInterestUSD.Equal(DefaultOpenInterestUSD))
	assert.False(t, binanceLeg.HasBook)

	okxLeg := btc.ByVenue["okx"]
	assert.True(t, okxLeg.HasOpenInterest)
	assert.True(t, okxLeg.OpenInterestUSD.Equal(decimal.NewFromInt(9_000_000)))
	assert.True(t, okxLeg.HasBook)
}

func TestVenueOnly_SnapshotFansOutAcrossAdapters(t *testing.T) {
	adapters := []core.IMarketDataAdapter{
		&stubMarketAdapter{name: "binance", oi: decimal.NewFromInt(5_000_000), bid: decimal.NewFromInt(100), ask: decimal.NewFromInt(101)},
		&stubMarketAdapter{name: "okx", oi: decimal.NewFromInt(7_000_000), bid: decimal.NewFromInt(100), ask: decimal.NewFromInt(102)},
	}
	symbols := []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	svc := NewVenueOnly(adapters, symbols, &noopLogger{})

	out, err := svc.Snapshot(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, sym := range symbols {
		q := out[sym]
		assert.Equal(t, 2, q.Coverage(), "symbol %s", sym)
		for _, snap := range q.ByVenue {
			assert.True(t, snap.HasOpenInterest)
			assert.True(t, snap.HasBook)
		}
	}

	supported, err := svc.SupportedSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, symbols, supported)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
