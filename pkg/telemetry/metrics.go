package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCycleDurationSeconds  = "fundingarb_cycle_duration_seconds"
	MetricCyclesSkippedTotal    = "fundingarb_cycles_skipped_total"
	MetricCandidatesGenerated   = "fundingarb_candidates_generated_total"
	MetricIntentsGeneratedTotal = "fundingarb_intents_generated_total"
	MetricIntentsAdmittedTotal  = "fundingarb_intents_admitted_total"
	MetricIntentsExecutedTotal  = "fundingarb_intents_executed_total"
	MetricIntentsBlockedTotal   = "fundingarb_intents_blocked_total"
	MetricEquityUSD             = "fundingarb_equity_usd"
	MetricDrawdownPct           = "fundingarb_drawdown_pct"
	MetricRiskState             = "fundingarb_risk_state"
	MetricZombiePairs           = "fundingarb_zombie_pairs"
	MetricOpenPairs             = "fundingarb_open_pairs"
	MetricTotalNotionalUSD      = "fundingarb_total_notional_usd"
	MetricQualityScore          = "fundingarb_pair_quality_score"
	MetricFlattensTotal         = "fundingarb_fail_safe_flattens_total"
)

// MetricsHolder holds initialized instruments for the cyclic arbitrage
// pipeline. Counters track cumulative cycle outcomes; observable gauges
// track the portfolio's live state (equity, drawdown, risk state, zombies).
type MetricsHolder struct {
	CycleDuration      metric.Float64Histogram
	CyclesSkipped      metric.Int64Counter
	CandidatesGenerated metric.Int64Counter
	IntentsGenerated   metric.Int64Counter
	IntentsAdmitted    metric.Int64Counter
	IntentsExecuted    metric.Int64Counter
	IntentsBlocked     metric.Int64Counter
	FlattensTotal      metric.Int64Counter

	EquityUSD        metric.Float64ObservableGauge
	DrawdownPct      metric.Float64ObservableGauge
	RiskState        metric.Int64ObservableGauge
	ZombiePairs      metric.Int64ObservableGauge
	OpenPairs        metric.Int64ObservableGauge
	TotalNotionalUSD metric.Float64ObservableGauge
	QualityScore     metric.Float64ObservableGauge

	mu               sync.RWMutex
	equityUSD        float64
	drawdownPct      float64
	riskState        int64
	zombiePairs      int64
	openPairs        int64
	totalNotionalUSD float64
	qualityScoreMap  map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			qualityScoreMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDurationSeconds, metric.WithDescription("Duration of a full orchestrator cycle"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	m.CyclesSkipped, err = meter.Int64Counter(MetricCyclesSkippedTotal, metric.WithDescription("Cycles skipped due to transient failures"))
	if err != nil {
		return err
	}
	m.CandidatesGenerated, err = meter.Int64Counter(MetricCandidatesGenerated, metric.WithDescription("Pair candidates generated by the signal service"))
	if err != nil {
		return err
	}
	m.IntentsGenerated, err = meter.Int64Counter(MetricIntentsGeneratedTotal, metric.WithDescription("Trade intents generated by the signal service"))
	if err != nil {
		return err
	}
	m.IntentsAdmitted, err = meter.Int64Counter(MetricIntentsAdmittedTotal, metric.WithDescription("Trade intents admitted by the risk service"))
	if err != nil {
		return err
	}
	m.IntentsExecuted, err = meter.Int64Counter(MetricIntentsExecutedTotal, metric.WithDescription("Trade intents successfully executed"))
	if err != nil {
		return err
	}
	m.IntentsBlocked, err = meter.Int64Counter(MetricIntentsBlockedTotal, metric.WithDescription("Trade intents blocked by risk caps"))
	if err != nil {
		return err
	}
	m.FlattensTotal, err = meter.Int64Counter(MetricFlattensTotal, metric.WithDescription("Fail-safe flattens triggered by partial fills"))
	if err != nil {
		return err
	}
	m.EquityUSD, err = meter.Float64ObservableGauge(MetricEquityUSD, metric.WithDescription("Current portfolio equity in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equityUSD)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DrawdownPct, err = meter.Float64ObservableGauge(MetricDrawdownPct, metric.WithDescription("Current drawdown as a fraction of peak equity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdownPct)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskState, err = meter.Int64ObservableGauge(MetricRiskState, metric.WithDescription("Risk state: 0=NORMAL, 1=REDUCE, 2=HALT_NEW"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.riskState)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ZombiePairs, err = meter.Int64ObservableGauge(MetricZombiePairs, metric.WithDescription("Count of pairs in ZOMBIE state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.zombiePairs)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPairs, err = meter.Int64ObservableGauge(MetricOpenPairs, metric.WithDescription("Count of open position pairs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPairs)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TotalNotionalUSD, err = meter.Float64ObservableGauge(MetricTotalNotionalUSD, metric.WithDescription("Total open notional across all pairs in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.totalNotionalUSD)
			return nil
		}))
	if err != nil {
		return err
	}

	m.QualityScore, err = meter.Float64ObservableGauge(MetricQualityScore, metric.WithDescription("Latest quality score per pair key"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.qualityScoreMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state. Called once per cycle from the
// orchestrator after step 7 (recompute equity/drawdown/risk state).

func (m *MetricsHolder) SetEquityUSD(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityUSD = v
}

func (m *MetricsHolder) SetDrawdownPct(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdownPct = v
}

// SetRiskState accepts 0=NORMAL, 1=REDUCE, 2=HALT_NEW.
func (m *MetricsHolder) SetRiskState(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskState = v
}

func (m *MetricsHolder) SetZombiePairs(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zombiePairs = v
}

func (m *MetricsHolder) SetOpenPairs(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPairs = v
}

func (m *MetricsHolder) SetTotalNotionalUSD(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalNotionalUSD = v
}

func (m *MetricsHolder) SetQualityScore(pairKey string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qualityScoreMap[pairKey] = v
}

func (m *MetricsHolder) GetZombiePairs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zombiePairs
}

// Counter/histogram helpers used by the orchestrator at the end of each
// cycle. Each guards against a nil instrument so callers (and tests) that
// never call InitMetrics can still exercise the cycle loop.

func (m *MetricsHolder) ObserveCycleDuration(ctx context.Context, seconds float64) {
	if m.CycleDuration != nil {
		m.CycleDuration.Record(ctx, seconds)
	}
}

func (m *MetricsHolder) IncCyclesSkipped(ctx context.Context) {
	if m.CyclesSkipped != nil {
		m.CyclesSkipped.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncCandidatesGenerated(ctx context.Context, n int64) {
	if m.CandidatesGenerated != nil {
		m.CandidatesGenerated.Add(ctx, n)
	}
}

func (m *MetricsHolder) IncIntentsGenerated(ctx context.Context, n int64) {
	if m.IntentsGenerated != nil {
		m.IntentsGenerated.Add(ctx, n)
	}
}

func (m *MetricsHolder) IncIntentsAdmitted(ctx context.Context, n int64) {
	if m.IntentsAdmitted != nil {
		m.IntentsAdmitted.Add(ctx, n)
	}
}

func (m *MetricsHolder) IncIntentsExecuted(ctx context.Context, n int64) {
	if m.IntentsExecuted != nil {
		m.IntentsExecuted.Add(ctx, n)
	}
}

func (m *MetricsHolder) IncIntentsBlocked(ctx context.Context, n int64) {
	if m.IntentsBlocked != nil {
		m.IntentsBlocked.Add(ctx, n)
	}
}

func (m *MetricsHolder) IncFlattensTotal(ctx context.Context) {
	if m.FlattensTotal != nil {
		m.FlattensTotal.Add(ctx, 1)
	}
}
