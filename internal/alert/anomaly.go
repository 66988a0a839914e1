package alert

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// AnomalyThresholds configure the per-cycle anomaly checks. Zero values fall
// back to the documented defaults (5% equity drop, 20% execution failures).
type AnomalyThresholds struct {
	MaxEquityDropPct       decimal.Decimal
	MaxExecFailureRatioPct decimal.Decimal
}

func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxEquityDropPct:       decimal.NewFromFloat(0.05),
		MaxExecFailureRatioPct: decimal.NewFromFloat(0.20),
	}
}

// AnomalyDetector watches consecutive cycle outcomes and raises an alert
// when a single cycle loses too much equity or fails too large a share of
// its admitted intents. It holds only the previous cycle's equity; the
// orchestrator calls Observe exactly once per completed cycle.
type AnomalyDetector struct {
	manager    *Manager
	thresholds AnomalyThresholds

	prevEquity    decimal.Decimal
	hasPrevEquity bool
}

func NewAnomalyDetector(manager *Manager, thresholds AnomalyThresholds) *AnomalyDetector {
	if thresholds.MaxEquityDropPct.IsZero() {
		thresholds.MaxEquityDropPct = DefaultAnomalyThresholds().MaxEquityDropPct
	}
	if thresholds.MaxExecFailureRatioPct.IsZero() {
		thresholds.MaxExecFailureRatioPct = DefaultAnomalyThresholds().MaxExecFailureRatioPct
	}
	return &AnomalyDetector{manager: manager, thresholds: thresholds}
}

// Observe checks one finished cycle against the thresholds. admitted and
// executed count this cycle's intents; equity is the post-cycle equity.
func (d *AnomalyDetector) Observe(ctx context.Context, cycleID int64, equity decimal.Decimal, admitted, executed int) {
	defer func() {
		d.prevEquity = equity
		d.hasPrevEquity = true
	}()

	fields := map[string]string{"cycle_id": fmt.Sprintf("%d", cycleID)}

	if d.hasPrevEquity && d.prevEquity.IsPositive() {
		drop := d.prevEquity.Sub(equity).Div(d.prevEquity)
		if drop.GreaterThan(d.thresholds.MaxEquityDropPct) {
			d.manager.Alert(ctx, "equity drop anomaly",
				fmt.Sprintf("equity fell %s%% in one cycle (%s -> %s)",
					drop.Mul(decimal.NewFromInt(100)).StringFixed(2),
					d.prevEquity.StringFixed(2), equity.StringFixed(2)),
				Critical, fields)
		}
	}

	if admitted > 0 {
		failed := admitted - executed
		ratio := decimal.NewFromInt(int64(failed)).Div(decimal.NewFromInt(int64(admitted)))
		if ratio.GreaterThan(d.thresholds.MaxExecFailureRatioPct) {
			d.manager.Alert(ctx, "execution failure anomaly",
				fmt.Sprintf("%d of %d admitted intents failed to execute", failed, admitted),
				Error, fields)
		}
	}
}
