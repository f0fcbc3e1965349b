package jobs

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// ArtifactRemover releases a stored artifact once its job is evicted.
type ArtifactRemover interface {
	Remove(ctx context.Context, locator string) error
}

// Janitor evicts terminal job records after the retention window and
// releases the resources they held: the stored artifact and the scratch
// directory. Records with an in-flight download are left for the next sweep,
// so cleanup never races a fetch.
type Janitor struct {
	store     *Store
	artifacts ArtifactRemover
	clock     Clock
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewJanitor constructs a Janitor. artifacts may be nil when no artifact
// store is configured.
func NewJanitor(
	store *Store,
	artifacts ArtifactRemover,
	clock Clock,
	retention, interval time.Duration,
	logger *zap.Logger,
) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:     store,
		artifacts: artifacts,
		clock:     clock,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps on the configured interval until the context finishes.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep evicts expired records and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := j.clock.Now().Add(-j.retention)
	evicted := j.store.RemoveExpired(cutoff)
	for _, rec := range evicted {
		if rec.ResultLocator != "" && j.artifacts != nil {
			if err := j.artifacts.Remove(ctx, rec.ResultLocator); err != nil {
				j.logger.Warn("artifact removal failed",
					zap.String("job_id", rec.ID),
					zap.String("locator", rec.ResultLocator),
					zap.Error(err),
				)
			}
		}
		if rec.CleanupDir != "" {
			if err := os.RemoveAll(rec.CleanupDir); err != nil {
				j.logger.Warn("cleanup dir removal failed",
					zap.String("job_id", rec.ID),
					zap.String("dir", rec.CleanupDir),
					zap.Error(err),
				)
			}
		}
		j.logger.Debug("job evicted", zap.String("job_id", rec.ID))
	}
	return len(evicted)
}
