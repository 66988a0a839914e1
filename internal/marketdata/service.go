// Package marketdata implements the polymorphic market-data service:
// three variants sharing one capability interface so the orchestrator never
// branches on which data source is active.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// DefaultOpenInterestUSD is the degraded-data fallback when a venue adapter
// fails to report open interest; chosen generously so a missing OI reading
// never accidentally starves a pair of candidacy.
var DefaultOpenInterestUSD = decimal.NewFromInt(5_000_000)

// RateSource is the subset of fundingclient.Client the AggregatorOnly and
// Hybrid variants depend on.
type RateSource interface {
	FetchAll(ctx context.Context) ([]domain.FundingSnapshot, error)
}

// Service is the capability every variant implements.
type Service interface {
	Snapshot(ctx context.Context, symbols []string) (map[string]domain.SymbolQuote, error)
	SupportedSymbols(ctx context.Context) ([]string, error)
}

func filterSet(symbols []string) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}

func groupBySymbol(snaps []domain.FundingSnapshot, want map[string]bool) map[string]domain.SymbolQuote {
	out := make(map[string]domain.SymbolQuote)
	for _, s := range snaps {
		if want != nil && !want[s.Symbol] {
			continue
		}
		q, ok := out[s.Symbol]
		if !ok {
			q = domain.SymbolQuote{Symbol: s.Symbol, ByVenue: make(map[string]domain.FundingSnapshot)}
		}
		q.ByVenue[s.Venue] = s
		out[s.Symbol] = q
	}
	return out
}

// newFetchPool builds the bounded worker pool the adapter-backed variants
// fan their per-(venue, symbol) calls through.
func newFetchPool(logger core.ILogger) *concurrency.WorkerPool {
	return concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "marketdata_fetch",
		MaxWorkers:  8,
		MaxCapacity: 256,
	}, logger)
}

func sortedSymbols(snaps []domain.FundingSnapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range snaps {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			out = append(out, s.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// AggregatorOnly serves snapshot/supported_symbols purely from the
// aggregator's funding feed; no book data is ever present, and open interest
// is present only where the aggregator reports it.
type AggregatorOnly struct {
	source RateSource
	logger core.ILogger
}

func NewAggregatorOnly(source RateSource, logger core.ILogger) *AggregatorOnly {
	return &AggregatorOnly{source: source, logger: logger.WithField("component", "marketdata.aggregator_only")}
}

func (a *AggregatorOnly) Snapshot(ctx context.Context, symbols []string) (map[string]domain.SymbolQuote, error) {
	snaps, err := a.source.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return groupBySymbol(snaps, filterSet(symbols)), nil
}

func (a *AggregatorOnly) SupportedSymbols(ctx context.Context) ([]string, error) {
	snaps, err := a.source.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return sortedSymbols(snaps), nil
}

// VenueOnly serves snapshot/supported_symbols entirely from per-venue
// adapters, with no aggregator in the loop. Used when no funding aggregator
// is configured.
type VenueOnly struct {
	adapters []core.IMarketDataAdapter
	symbols  []string
	logger   core.ILogger
	pool     *concurrency.WorkerPool
}

func NewVenueOnly(adapters []core.IMarketDataAdapter, symbols []string, logger core.ILogger) *VenueOnly {
	return &VenueOnly{
		adapters: adapters,
		symbols:  symbols,
		logger:   logger.WithField("component", "marketdata.venue_only"),
		pool:     newFetchPool(logger),
	}
}

func (v *VenueOnly) Snapshot(ctx context.Context, symbols []string) (map[string]domain.SymbolQuote, error) {
	if len(symbols) == 0 {
		symbols = v.symbols
	}

	type cell struct {
		venue  string
		symbol string
		snap   domain.FundingSnapshot
		ok     bool
	}
	cells := make([]cell, len(v.adapters)*len(symbols))
	idx := 0
	for _, ad := range v.adapters {
		for _, sym := range symbols {
			cells[idx] = cell{venue: ad.Name(), symbol: sym}
			idx++
		}
	}

	var wg sync.WaitGroup
	for i := range cells {
		i := i
		ad := findAdapter(v.adapters, cells[i].venue)
		wg.Add(1)
		v.pool.Submit(func() {
			defer wg.Done()
			rate, interval, err := ad.FundingRate(ctx, cells[i].symbol)
			if err != nil {
				v.logger.Warn("venue funding rate fetch failed", "venue", cells[i].venue, "symbol", cells[i].symbol, "error", err)
				return
			}
			snap := domain.FundingSnapshot{
				Venue:         cells[i].venue,
				Symbol:        cells[i].symbol,
				Rate:          rate,
				IntervalHours: decimal.NewFromInt(int64(interval)),
				ObservedAt:    time.Now(),
			}
			if oi, err := ad.OpenInterestUSD(ctx, cells[i].symbol); err == nil {
				snap.OpenInterestUSD = oi
				snap.HasOpenInterest = true
			} else {
				snap.OpenInterestUSD = DefaultOpenInterestUSD
				snap.HasOpenInterest = true
			}
			if tob, err := ad.TopOfBook(ctx, cells[i].symbol); err == nil {
				snap.Bid, snap.Ask, snap.HasBook = tob.Bid, tob.Ask, true
			}
			cells[i].snap = snap
			cells[i].ok = true
		})
	}
	wg.Wait() // per-symbol failures degrade rather than abort the cycle

	out := make(map[string]domain.SymbolQuote)
	for _, c := range cells {
		if !c.ok {
			continue
		}
		q, ok := out[c.symbol]
		if !ok {
			q = domain.SymbolQuote{Symbol: c.symbol, ByVenue: make(map[string]domain.FundingSnapshot)}
		}
		q.ByVenue[c.venue] = c.snap
		out[c.symbol] = q
	}
	return out, nil
}

func (v *VenueOnly) SupportedSymbols(ctx context.Context) ([]string, error) {
	out := append([]string(nil), v.symbols...)
	sort.Strings(out)
	return out, nil
}

func findAdapter(adapters []core.IMarketDataAdapter, name string) core.IMarketDataAdapter {
	for _, a := range adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// Hybrid sources funding from the aggregator and open-interest/top-of-book
// from per-venue adapters, degrading to DefaultOpenInterestUSD and an
// absent book on a per-symbol adapter failure rather than failing the whole
// cycle.
type Hybrid struct {
	source   RateSource
	adapters []core.IMarketDataAdapter
	logger   core.ILogger
	pool     *concurrency.WorkerPool
}

func NewHybrid(source RateSource, adapters []core.IMarketDataAdapter, logger core.ILogger) *Hybrid {
	return &Hybrid{
		source:   source,
		adapters: adapters,
		logger:   logger.WithField("component", "marketdata.hybrid"),
		pool:     newFetchPool(logger),
	}
}

func (h *Hybrid) Snapshot(ctx context.Context, symbols []string) (map[string]domain.SymbolQuote, error) {
	snaps, err := h.source.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	out := groupBySymbol(snaps, filterSet(symbols))

	type job struct {
		symbol string
		venue  string
	}
	var jobs []job
	for sym, q := range out {
		for venue := range q.ByVenue {
			jobs = append(jobs, job{symbol: sym, venue: venue})
		}
	}

	var wg sync.WaitGroup
	results := make([]domain.FundingSnapshot, len(jobs))
	for i, j := range jobs {
		i, j := i, j
		ad := findAdapter(h.adapters, j.venue)
		results[i] = out[j.symbol].ByVenue[j.venue]
		if ad == nil {
			results[i].OpenInterestUSD = DefaultOpenInterestUSD
			results[i].HasOpenInterest = true
			continue
		}
		wg.Add(1)
		h.pool.Submit(func() {
			defer wg.Done()
			snap := results[i]
			if oi, err := ad.OpenInterestUSD(ctx, j.symbol); err == nil {
				snap.OpenInterestUSD = oi
				snap.HasOpenInterest = true
			} else {
				h.logger.Warn("open interest fetch failed, using default", "venue", j.venue, "symbol", j.symbol, "error", err)
				snap.OpenInterestUSD = DefaultOpenInterestUSD
				snap.HasOpenInterest = true
			}
			if tob, err := ad.TopOfBook(ctx, j.symbol); err == nil {
				snap.Bid, snap.Ask, snap.HasBook = tob.Bid, tob.Ask, true
			} else {
				h.logger.Warn("top of book fetch failed, proceeding without book", "venue", j.venue, "symbol", j.symbol, "error", err)
			}
			results[i] = snap
		})
	}
	wg.Wait()

	for i, j := range jobs {
		q := out[j.symbol]
		q.ByVenue[j.venue] = results[i]
		out[j.symbol] = q
	}

	return out, nil
}

func (h *Hybrid) SupportedSymbols(ctx context.Context) ([]string, error) {
	snaps, err := h.source.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return sortedSymbols(snaps), nil
}
