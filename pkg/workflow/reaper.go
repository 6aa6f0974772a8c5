package workflow

import (
	"context"
	"time"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// DefaultReapInterval is how often the reaper scans for expired instances.
const DefaultReapInterval = time.Minute

// Reaper periodically expires workflow instances whose deadline has passed.
// Instances at an auto-approve level get a system approval instead.
type Reaper struct {
	engine   *Engine
	store    core.WorkflowStore
	logger   *telemetry.Logger
	interval time.Duration
}

// NewReaper creates a reaper over the engine's store.
func NewReaper(engine *Engine, store core.WorkflowStore, logger *telemetry.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		engine:   engine,
		store:    store,
		logger:   logger.NewComponentLogger("workflow-reaper"),
		interval: interval,
	}
}

// Run sweeps until the context is cancelled. One sweep failure never stops
// the loop.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Infof("reaper running every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.WithError(err).Error("sweep failed")
			} else if n > 0 {
				r.logger.Infof("swept %d expired instances", n)
			}
		}
	}
}

// Sweep expires every pending instance past its deadline and returns how
// many were processed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, core.NewStorageError("failed to list expired instances", err)
	}
	processed := 0
	for _, instance := range expired {
		if err := r.engine.Expire(ctx, instance); err != nil {
			r.logger.WithInstanceID(instance.ID).WithError(err).Error("failed to expire instance")
			continue
		}
		processed++
	}
	return processed, nil
}
