package signal

import (
	"fmt"

	"fundingarb/internal/domain"

	"github.com/shopspring/decimal"
)

// IntentParams configures GenerateIntents.
type IntentParams struct {
	CycleID                 int64
	CapitalUSD              decimal.Decimal
	MinPairScore            decimal.Decimal
	MinPersistenceWindows   int
	MaxNewPositionsPerCycle int
	MaxNotionalPerPairUSD   decimal.Decimal
	CapitalFraction         decimal.Decimal
	MinOrderUSD             decimal.Decimal
}

var minBeta = decimal.NewFromFloat(0.1)

// GenerateIntents applies the persistence gate and sizing to a cycle's
// scored candidates. It advances state's persistence counters in place (the
// orchestrator owns PortfolioState and calls this once per cycle; the
// counters serialize with the rest of the state, with no separate
// lifecycle) and returns the admitted-for-sizing TradeIntents, capped at
// MaxNewPositionsPerCycle and ordered by score descending.
func GenerateIntents(state *domain.PortfolioState, candidates []domain.PairCandidate, params IntentParams) []domain.TradeIntent {
	qualifying := make(map[string]bool, len(candidates))
	byKey := make(map[string]domain.PairCandidate, len(candidates))
	for _, c := range candidates {
		if c.QualityScore.GreaterThanOrEqual(params.MinPairScore) {
			qualifying[c.Key] = true
			byKey[c.Key] = c
		}
	}
	state.BumpPersistence(qualifying)

	intents := make([]domain.TradeIntent, 0, len(byKey))
	for key, c := range byKey {
		counter := state.PersistenceCounters[key]
		c.PersistenceCount = counter
		if counter < params.MinPersistenceWindows {
			continue
		}
		intents = append(intents, buildIntent(c, params))
	}

	sortIntentsByScoreDesc(intents, byKey)

	if params.MaxNewPositionsPerCycle >= 0 && len(intents) > params.MaxNewPositionsPerCycle {
		intents = intents[:params.MaxNewPositionsPerCycle]
	}
	return intents
}

func buildIntent(c domain.PairCandidate, params IntentParams) domain.TradeIntent {
	capBudget := params.CapitalFraction.Mul(params.CapitalUSD)
	notionalShort := params.MinOrderUSD
	if capped := minDecimal(params.MaxNotionalPerPairUSD, capBudget); capped.GreaterThan(notionalShort) {
		notionalShort = capped
	}

	betaSize := c.Beta
	if betaSize.LessThan(minBeta) {
		betaSize = minBeta
	}
	notionalLong := notionalShort.Mul(betaSize)

	return domain.TradeIntent{
		CycleID:         params.CycleID,
		PairKey:         c.Key,
		Short:           domain.LegOrder{Venue: c.Short.Venue, Symbol: c.Short.Symbol, NotionalUSD: notionalShort},
		Long:            domain.LegOrder{Venue: c.Long.Venue, Symbol: c.Long.Symbol, NotionalUSD: notionalLong},
		ExpectedEdgeBps: c.ExpectedEdgeBps,
		Score:           c.QualityScore,
		IdempotencyKey:  idempotencyKey(params.CycleID, c.Short, c.Long),
	}
}

func idempotencyKey(cycleID int64, short, long domain.LegQuote) string {
	return fmt.Sprintf("%d|%s:%s|%s:%s", cycleID, short.Venue, short.Symbol, long.Venue, long.Symbol)
}

func sortIntentsByScoreDesc(intents []domain.TradeIntent, byKey map[string]domain.PairCandidate) {
	for i := 1; i < len(intents); i++ {
		for j := i; j > 0; j-- {
			si, sj := byKey[intents[j].PairKey].QualityScore, byKey[intents[j-1].PairKey].QualityScore
			if si.GreaterThan(sj) {
				intents[j], intents[j-1] = intents[j-1], intents[j]
			} else {
				break
			}
		}
	}
}
