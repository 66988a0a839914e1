package venue

import (
	"sync"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// SnapshotPriceSource adapts a cycle's market-data snapshot into a
// PriceSource for one venue, so a Paper adapter's fills track whatever
// top-of-book the orchestrator just fetched. Updated once per cycle via Set.
type SnapshotPriceSource struct {
	venue string

	mu       sync.RWMutex
	snapshot map[string]domain.SymbolQuote
}

func NewSnapshotPriceSource(venue string) *SnapshotPriceSource {
	return &SnapshotPriceSource{venue: venue}
}

// Set replaces the snapshot consulted by MidPrice; call once per cycle
// before the orchestrator submits any orders against it.
func (s *SnapshotPriceSource) Set(snapshot map[string]domain.SymbolQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
}

// MidPrice returns (bid+ask)/2 for symbol at this venue, if the snapshot
// carries a book for it.
func (s *SnapshotPriceSource) MidPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.snapshot[symbol]
	if !ok {
		return decimal.Zero, false
	}
	snap, ok := quote.ByVenue[s.venue]
	if !ok || !snap.HasBook {
		return decimal.Zero, false
	}
	return snap.Bid.Add(snap.Ask).Div(decimal.NewFromInt(2)), true
}
