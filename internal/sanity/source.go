package sanity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nestwatcher/internal/ingest"
	"nestwatcher/internal/logging"
	"nestwatcher/internal/metrics"
	"nestwatcher/pkg/nestwatcher"
)

// SourceStore is the subset of internal/store.Store the source-sanity
// poller needs.
type SourceStore interface {
	ListPendingJobsExcludingKeys(ctx context.Context, present []string) ([]*nestwatcher.Job, error)
}

// SourceLifecycle is the subset of internal/lifecycle.Engine the
// source-sanity poller drives.
type SourceLifecycle interface {
	PruneMissingSource(ctx context.Context, key string) error
}

// InventoryResync lets the source-sanity poller ask the inventory
// component (C11) to re-synchronize reserved stock for a material after a
// pre-reserved job's row is deleted out from under it.
type InventoryResync interface {
	ResyncReservedStock(ctx context.Context, material string) error
}

// SourceConfig controls the source-sanity poller.
type SourceConfig struct {
	// Root is the processed-jobs directory, same one the ingest loop
	// walks.
	Root     string
	Interval time.Duration
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// SourcePoller is the source-sanity reconciler: it deletes PENDING jobs
// whose backing folder has disappeared from the processed-jobs root.
type SourcePoller struct {
	cfg       SourceConfig
	store     SourceStore
	lifecycle SourceLifecycle
	inventory InventoryResync
	logger    *slog.Logger
}

// NewSourcePoller builds a SourcePoller. inventory may be nil, in which
// case reservation resync is skipped (the prune and event still happen).
func NewSourcePoller(cfg SourceConfig, store SourceStore, lifecycle SourceLifecycle, inventory InventoryResync, logger *slog.Logger) *SourcePoller {
	return &SourcePoller{cfg: cfg.withDefaults(), store: store, lifecycle: lifecycle, inventory: inventory, logger: logging.Component(logger, "source-sanity")}
}

// Run schedules the poller on cfg.Interval until ctx is cancelled.
func (p *SourcePoller) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("source-sanity: new scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(p.cfg.Interval),
		gocron.NewTask(func() {
			start := time.Now()
			err := p.tick(ctx)
			metrics.ObservePollerTick("source-sanity", time.Since(start))
			if err != nil {
				p.logger.Error("source-sanity tick failed", "error", err)
			}
		}),
		gocron.WithName("source-sanity"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("source-sanity: schedule job: %w", err)
	}
	scheduler.Start()
	p.logger.Info("source-sanity poller started", "root", p.cfg.Root, "interval", p.cfg.Interval)
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (p *SourcePoller) tick(ctx context.Context) error {
	present, err := ingest.WalkPresentKeys(p.cfg.Root)
	if err != nil {
		return fmt.Errorf("walk jobs root: %w", err)
	}

	missing, err := p.store.ListPendingJobsExcludingKeys(ctx, present)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	for _, job := range missing {
		if err := p.lifecycle.PruneMissingSource(ctx, job.Key); err != nil {
			p.logger.Error("prune missing source failed", "job_key", job.Key, "error", err)
			continue
		}
		if p.inventory != nil && job.Material != "" {
			if err := p.inventory.ResyncReservedStock(ctx, job.Material); err != nil {
				p.logger.Warn("resync reserved stock failed", "material", job.Material, "error", err)
			}
		}
	}
	return nil
}
