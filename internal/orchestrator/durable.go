// durable.go wires the Orchestrator's cycle into a DBOS-registered workflow
// when app.engine_type is "dbos": a workflow method that runs the whole
// cycle as one ctx.RunAsStep, so a crashed cycle is re-run from its start
// rather than resumed from a sub-step.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"fundingarb/internal/domain"
	"fundingarb/pkg/apperrors"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// CycleWorkflows exposes the Orchestrator's cycle as a DBOS workflow. The
// whole of RunCycle, venue and state-store calls included, runs inside a
// single dbosCtx.RunAsStep.
type CycleWorkflows struct {
	o *Orchestrator
}

// NewCycleWorkflows binds a DBOS workflow surface to an existing
// Orchestrator; both share the same in-memory PortfolioState and mutex.
func NewCycleWorkflows(o *Orchestrator) *CycleWorkflows {
	return &CycleWorkflows{o: o}
}

// RunCycleWorkflow is the DBOS entry point: input is ignored (the cycle
// reads entirely from persisted/in-memory state), and it returns the cycle's
// domain.CycleSummary so a caller awaiting the workflow handle observes the
// same outcome RunCycle would have returned directly.
func (w *CycleWorkflows) RunCycleWorkflow(ctx dbos.DBOSContext, _ any) (any, error) {
	summaryAny, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		cycleCtx, cancel := context.WithTimeout(stepCtx, w.o.deps.CycleDeadline)
		defer cancel()
		return w.o.RunCycle(cycleCtx), nil
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: durable cycle step failed: %w", err)
	}
	summary, ok := summaryAny.(domain.CycleSummary)
	if !ok {
		return nil, fmt.Errorf("orchestrator: durable cycle step returned unexpected type %T", summaryAny)
	}
	w.o.recordHistory(summary)
	w.o.emitCycleSummary(context.Background(), summary)
	return summary, nil
}

// RunDurable replaces Orchestrator.Run's plain ticker loop with one that
// invokes RunCycleWorkflow through dbosCtx, so each cycle is individually
// replayable. Lock acquisition, crash recovery and cycle cadence are
// unchanged from Run; only the cycle body's execution path differs.
func (o *Orchestrator) RunDurable(ctx context.Context, dbosCtx dbos.DBOSContext) error {
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

	workflows := NewCycleWorkflows(o)
	ticker := time.NewTicker(o.deps.CyclePeriod)
	defer ticker.Stop()

	for {
		handle, err := dbosCtx.RunWorkflow(dbosCtx, workflows.RunCycleWorkflow, nil)
		if err != nil {
			log.Error("failed to start cycle workflow", "error", err)
		} else if _, err := handle.GetResult(); err != nil {
			log.Error("cycle workflow failed", "error", err)
		}

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
