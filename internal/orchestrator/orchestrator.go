// Package orchestrator implements the single-writer cyclic loop that
// composes the funding-rate snapshot, universe selection, candidate scoring,
// intent generation, risk admission and execution services into one
// fixed-period cycle, owns the durable PortfolioState, and recovers from a
// crash via the configured crash_recovery_policy.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/alert"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/execution"
	"fundingarb/internal/marketdata"
	"fundingarb/internal/risk"
	"fundingarb/internal/trading/arbitrage"
	"fundingarb/internal/trading/signal"
	"fundingarb/internal/venue"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	portfolioStateKey = "portfolio/state"

	// maxHistory bounds the in-memory cycle-summary ring buffer read by
	// History; older summaries are still recoverable from
	// cycles/<id>/summary in the state store.
	maxHistory = 200

	// consecutiveSkipAlertThreshold fires an alert once this many cycles in
	// a row have been skipped (lock unavailable, or a fetch/state error):
	// one skip is routine, a run of them means the engine is stalled.
	consecutiveSkipAlertThreshold = 3
)

// Deps wires the Orchestrator to the services it composes. New does not
// validate it: it only fills defaults for zero timing fields and an empty
// InstanceID, and the optional collaborators (metrics, alerts, anomaly
// detector, price feeds, price history) may be nil.
type Deps struct {
	Logger     core.ILogger
	Store      core.IStateStore
	Executor   *execution.Executor
	MarketData marketdata.Service
	Venues     map[string]core.IVenueAdapter
	Alerts     *alert.Manager
	Anomalies  *alert.AnomalyDetector
	Metrics    *telemetry.MetricsHolder

	// PriceFeeds updates a venue.Paper adapter's reference price once per
	// cycle from the snapshot just fetched; nil when venues are real
	// adapters that price their own fills. Keyed by venue name.
	PriceFeeds map[string]*venue.SnapshotPriceSource

	// PriceHistory, when set, accumulates per-symbol mids each cycle so
	// PairParams.Beta can estimate from realized volatility.
	PriceHistory *signal.PriceHistory

	UniverseParams arbitrage.UniverseParams
	PairParams     signal.PairParams
	IntentParams   signal.IntentParams // CycleID is overwritten per cycle
	RiskParams     risk.Params

	CyclePeriod       time.Duration
	CycleDeadline     time.Duration
	LockTTL           time.Duration
	InstanceID        string
	InitialCapitalUSD decimal.Decimal
}

// Orchestrator runs the cyclic single-writer loop described above. Exactly
// one instance may hold the cross-process lock at a time; Run blocks until
// ctx is canceled or an unrecoverable error occurs.
type Orchestrator struct {
	deps Deps

	mu               sync.Mutex
	state            *domain.PortfolioState
	consecutiveSkips int
	history          []domain.CycleSummary
}

// New constructs an Orchestrator. State is lazily loaded (or initialized)
// the first time Run or RunCycle is called.
func New(deps Deps) *Orchestrator {
	if deps.CyclePeriod <= 0 {
		deps.CyclePeriod = 10 * time.Minute
	}
	if deps.CycleDeadline <= 0 {
		deps.CycleDeadline = 2 * time.Minute
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 3 * deps.CyclePeriod
	}
	if deps.InstanceID == "" {
		deps.InstanceID = "fundingarb-0"
	}
	return &Orchestrator{deps: deps}
}

// Run implements the bootstrap.Runner contract: acquire the cross-process
// lock, recover from any crash-time inconsistency, then run one cycle per
// CyclePeriod until ctx is canceled, renewing the lock each cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.deps.Logger.WithField("component", "orchestrator")

	if err := o.loadOrInitState(ctx); err != nil {
		return fmt.Errorf("orchestrator: load state: %w", err)
	}

	ok, err := o.deps.Store.AcquireLock(ctx, o.deps.InstanceID, int64(o.deps.LockTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: another instance holds the cycle lock", apperrors.ErrLockUnavailable)
	}
	defer func() {
		if err := o.deps.Store.ReleaseLock(context.Background(), o.deps.InstanceID); err != nil {
			log.Warn("failed to release cycle lock on shutdown", "error", err)
		}
	}()

	if err := o.reconcileOnStart(ctx); err != nil {
		log.Error("crash-recovery reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(o.deps.CyclePeriod)
	defer ticker.Stop()

	for {
		// The global cycle deadline aborts a wedged cycle and rolls
		// forward; open legs are reconciled at the next cycle start.
		cycleCtx, cancel := context.WithTimeout(ctx, o.deps.CycleDeadline)
		summary := o.RunCycle(cycleCtx)
		cancel()
		o.recordHistory(summary)
		o.emitCycleSummary(ctx, summary)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := o.deps.Store.AcquireLock(ctx, o.deps.InstanceID, int64(o.deps.LockTTL.Seconds()))
			if err != nil || !ok {
				log.Error("failed to renew cycle lock; stopping", "error", err)
				return fmt.Errorf("%w: lost cycle lock", apperrors.ErrLockUnavailable)
			}
		}
	}
}

// RunCycle executes one full decision cycle and never panics: every
// collaborator error is classified and turned into either a skipped cycle
// (transient) or a best-effort partial cycle (risk-denied, execution-partial
// are recorded per intent, not fatal to the cycle).
func (o *Orchestrator) RunCycle(ctx context.Context) domain.CycleSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	cycleID := o.state.LastCycleID + 1
	summary := domain.CycleSummary{CycleID: cycleID, StartedAt: start}

	defer func() {
		summary.FinishedAt = time.Now()
		if o.deps.Metrics != nil {
			o.deps.Metrics.SetEquityUSD(decimalFloat(o.state.EquityUSD))
			o.deps.Metrics.SetDrawdownPct(decimalFloat(o.state.Drawdown()))
			o.deps.Metrics.SetTotalNotionalUSD(decimalFloat(o.state.TotalOpenNotional()))
			o.deps.Metrics.SetZombiePairs(int64(len(o.state.ZombiePairs())))
			o.deps.Metrics.SetOpenPairs(int64(o.countOpenPairs()))
		}
	}()

	// Step 1: refresh cross-venue funding/OI/book snapshot.
	symbols, err := o.deps.MarketData.SupportedSymbols(ctx)
	if err != nil {
		return o.skip(summary, "market_data_supported_symbols: "+err.Error())
	}
	quotes, err := o.deps.MarketData.Snapshot(ctx, symbols)
	if err != nil {
		return o.skip(summary, "market_data_snapshot: "+err.Error())
	}

	for _, feed := range o.deps.PriceFeeds {
		feed.Set(quotes)
	}
	if o.deps.PriceHistory != nil {
		o.deps.PriceHistory.Push(quotes)
	}

	// Step 2: resolve this cycle's trading universe.
	universe := arbitrage.SelectUniverse(quotes, o.deps.UniverseParams)
	universeQuotes := restrictTo(quotes, universe)

	// Step 3: score candidate pairs across the universe.
	candidates := signal.BuildCandidates(universeQuotes, o.deps.PairParams)
	summary.CandidatesGenerated = len(candidates)
	if o.deps.Metrics != nil {
		for _, c := range candidates {
			o.deps.Metrics.SetQualityScore(c.Key, decimalFloat(c.QualityScore))
		}
	}

	// Step 4: apply the persistence gate and size new intents. This also
	// advances state.PersistenceCounters in place.
	intentParams := o.deps.IntentParams
	intentParams.CycleID = cycleID
	intentParams.CapitalUSD = o.state.CapitalUSD
	intents := signal.GenerateIntents(o.state, candidates, intentParams)
	summary.IntentsGenerated = len(intents)

	// Step 5: admission control, drawdown-state transition and rebalance
	// directives.
	decision := risk.Evaluate(o.state, intents, o.deps.RiskParams)
	summary.IntentsAdmitted = len(decision.Admitted)
	summary.IntentsBlocked = len(decision.Blocked)
	prevState := decision.PreviousRiskState
	if decision.RiskState != prevState {
		summary.StateTransition = fmt.Sprintf("%s->%s", prevState, decision.RiskState)
		o.onRiskStateTransition(ctx, prevState, decision.RiskState, decision.Drawdown)
	}

	// Step 6: apply rebalance directives (drift trims and REDUCE-mode
	// shrinks) ahead of opening any new pairs, so caps are enforced against
	// post-rebalance notional.
	for _, rb := range decision.Rebalances {
		o.applyRebalance(ctx, rb)
		summary.Rebalanced = append(summary.Rebalanced, rb.PairID)
	}

	// Step 6 (continued): execute admitted new intents.
	for _, it := range decision.Admitted {
		pair, err := o.deps.Executor.OpenPair(ctx, it)
		if err != nil {
			o.handleExecutionError(ctx, it, err)
			continue
		}
		o.state.Pairs[pair.PairID] = pair
		summary.IntentsExecuted++
	}

	// Step 7: recompute equity/drawdown/risk state against the
	// post-execution book (opened/rebalanced pairs shift open notional).
	o.state.RecomputeEquity()
	o.state.RiskState = domain.NextRiskState(o.state.RiskState, o.state.Drawdown(), o.deps.RiskParams.Thresholds)
	o.state.LastCycleID = cycleID
	o.state.ConsecutiveSkips = 0
	o.consecutiveSkips = 0
	summary.ZombiePairs = o.state.ZombiePairs()

	// Step 8: persist the whole cycle outcome in one atomic batch.
	if err := o.persist(ctx, summary); err != nil {
		o.deps.Logger.Error("failed to persist cycle outcome", "cycle_id", cycleID, "error", err)
	}

	if o.deps.Anomalies != nil {
		o.deps.Anomalies.Observe(ctx, cycleID, o.state.EquityUSD, summary.IntentsAdmitted, summary.IntentsExecuted)
	}

	return summary
}

// skip records a cycle as skipped rather than crashing the process: only
// the consecutive-skip counters change, and a sustained run of skips raises
// an alert.
func (o *Orchestrator) skip(summary domain.CycleSummary, reason string) domain.CycleSummary {
	summary.Skipped = true
	summary.SkipReason = reason
	o.state.ConsecutiveSkips++
	o.consecutiveSkips++
	o.deps.Logger.Warn("cycle skipped", "cycle_id", summary.CycleID, "reason", reason, "consecutive_skips", o.consecutiveSkips)
	if o.deps.Metrics != nil {
		o.deps.Metrics.IncCyclesSkipped(context.Background())
	}
	if o.consecutiveSkips >= consecutiveSkipAlertThreshold && o.deps.Alerts != nil {
		o.deps.Alerts.Alert(context.Background(), "cycles stalled",
			fmt.Sprintf("%d consecutive cycles skipped, last reason: %s", o.consecutiveSkips, reason),
			alert.Error, map[string]string{"cycle_id": fmt.Sprintf("%d", summary.CycleID)})
	}
	return summary
}

// handleExecutionError classifies an OpenPair failure:
// execution-partial (fail-safe flatten already ran inside the
// executor) is logged and the cycle continues; anything else is logged as
// execution-fatal and alerted, the intent simply never becomes a position.
func (o *Orchestrator) handleExecutionError(ctx context.Context, it domain.TradeIntent, err error) {
	log := o.deps.Logger.WithField("pair_key", it.PairKey)
	switch {
	case apperrors.Classify(err) == apperrors.KindExecPartial:
		log.Warn("partial fill flattened, pair not opened", "error", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.IncFlattensTotal(ctx)
		}
	default:
		log.Error("execution failed for admitted intent", "error", err)
		if o.deps.Alerts != nil {
			o.deps.Alerts.Alert(ctx, "execution failure", err.Error(), alert.Error, map[string]string{"pair_key": it.PairKey})
		}
	}
}

// onRiskStateTransition alerts on every risk-state change; HALT_NEW and
// REDUCE are operationally significant enough to always notify.
func (o *Orchestrator) onRiskStateTransition(ctx context.Context, from, to domain.RiskState, drawdown decimal.Decimal) {
	o.deps.Logger.Warn("risk state transition", "from", from, "to", to, "drawdown", drawdown.String())
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetRiskState(riskStateOrdinal(to))
	}
	if o.deps.Alerts == nil {
		return
	}
	level := alert.Warning
	if to == domain.RiskHaltNew {
		level = alert.Critical
	}
	o.deps.Alerts.Alert(ctx, "risk state transition",
		fmt.Sprintf("%s -> %s (drawdown %s)", from, to, drawdown.String()),
		level, map[string]string{"from": string(from), "to": string(to)})
}

func (o *Orchestrator) applyRebalance(ctx context.Context, rb domain.RebalanceDirective) {
	pair, ok := o.state.Pairs[rb.PairID]
	if !ok || pair.Status != domain.PairOpen {
		return
	}
	if err := o.deps.Executor.ApplyRebalance(ctx, pair, rb); err != nil {
		o.deps.Logger.Error("rebalance failed", "pair_id", rb.PairID, "kind", rb.Kind, "error", err)
		return
	}
	pair.TargetShortNotional = rb.TargetShortNotional
	pair.TargetLongNotional = rb.TargetLongNotional
	pair.Short.EntryNotional = rb.TargetShortNotional
	pair.Long.EntryNotional = rb.TargetLongNotional
}

func (o *Orchestrator) countOpenPairs() int {
	n := 0
	for _, p := range o.state.Pairs {
		if p.Status == domain.PairOpen {
			n++
		}
	}
	return n
}

// persist writes the whole PortfolioState (pairs and persistence counters
// included) plus this cycle's summary in one atomic batch.
func (o *Orchestrator) persist(ctx context.Context, summary domain.CycleSummary) error {
	stateBytes, err := json.Marshal(o.state)
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}
	summaryBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal cycle summary: %w", err)
	}
	return o.deps.Store.BatchWrite(ctx, map[string][]byte{
		portfolioStateKey: stateBytes,
		fmt.Sprintf("cycles/%d/summary", summary.CycleID): summaryBytes,
	})
}

func (o *Orchestrator) recordHistory(summary domain.CycleSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, summary)
	if len(o.history) > maxHistory {
		o.history = o.history[len(o.history)-maxHistory:]
	}
}

// History returns the most recent cycle summaries (at most maxHistory),
// oldest first.
func (o *Orchestrator) History() []domain.CycleSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.CycleSummary, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) emitCycleSummary(ctx context.Context, summary domain.CycleSummary) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveCycleDuration(ctx, summary.FinishedAt.Sub(summary.StartedAt).Seconds())
		o.deps.Metrics.IncCandidatesGenerated(ctx, int64(summary.CandidatesGenerated))
		o.deps.Metrics.IncIntentsGenerated(ctx, int64(summary.IntentsGenerated))
		o.deps.Metrics.IncIntentsAdmitted(ctx, int64(summary.IntentsAdmitted))
		o.deps.Metrics.IncIntentsExecuted(ctx, int64(summary.IntentsExecuted))
		o.deps.Metrics.IncIntentsBlocked(ctx, int64(summary.IntentsBlocked))
	}
	o.deps.Logger.Info("cycle complete",
		"cycle_id", summary.CycleID,
		"skipped", summary.Skipped,
		"candidates", summary.CandidatesGenerated,
		"intents_admitted", summary.IntentsAdmitted,
		"intents_executed", summary.IntentsExecuted,
		"state_transition", summary.StateTransition,
	)
}

func (o *Orchestrator) loadOrInitState(ctx context.Context) error {
	raw, ok, err := o.deps.Store.Get(ctx, portfolioStateKey)
	if err != nil {
		return err
	}
	if !ok {
		o.state = domain.NewPortfolioState(o.deps.InitialCapitalUSD)
		return nil
	}
	var state domain.PortfolioState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("unmarshal persisted portfolio state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("%w: persisted state failed validation: %v", apperrors.ErrStateDivergence, err)
	}
	o.state = &state
	return nil
}

func restrictTo(quotes map[string]domain.SymbolQuote, symbols []string) map[string]domain.SymbolQuote {
	out := make(map[string]domain.SymbolQuote, len(symbols))
	for _, s := range symbols {
		if q, ok := quotes[s]; ok {
			out[s] = q
		}
	}
	return out
}

func decimalFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func riskStateOrdinal(s domain.RiskState) int64 {
	switch s {
	case domain.RiskNormal:
		return 0
	case domain.RiskReduce:
		return 1
	case domain.RiskHaltNew:
		return 2
	default:
		return -1
	}
}
