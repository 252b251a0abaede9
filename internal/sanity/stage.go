// Package sanity periodically cross-checks database state against
// filesystem reality and repairs divergence: staged jobs whose NC file
// vanished from a machine's staging folder (StageSanity) and PENDING jobs
// whose source folder vanished from the processed-jobs root (SourceSanity).
package sanity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nestwatcher/internal/logging"
	"nestwatcher/internal/metrics"
	"nestwatcher/pkg/nestwatcher"
)

// StageStore is the subset of internal/store.Store the stage-sanity
// poller needs.
type StageStore interface {
	ListJobsByStatus(ctx context.Context, status nestwatcher.JobStatus) ([]*nestwatcher.Job, error)
	GetMachine(ctx context.Context, id int64) (*nestwatcher.Machine, error)
}

// StageLifecycle is the subset of internal/lifecycle.Engine the
// stage-sanity poller drives.
type StageLifecycle interface {
	RevertStage(ctx context.Context, key string) error
}

// ProductionListNotifier publishes a batch of NC filenames to a machine's
// upstream scheduler asking it to delete them from its production list,
// once per machine per poll tick.
type ProductionListNotifier interface {
	PublishDelete(ctx context.Context, machine *nestwatcher.Machine, ncNames []string) error
}

// StageConfig controls the stage-sanity poller.
type StageConfig struct {
	Interval   time.Duration
	PendingTTL time.Duration
}

func (c StageConfig) withDefaults() StageConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 60 * time.Second
	}
	return c
}

// StagePoller is the stage-sanity reconciler.
type StagePoller struct {
	cfg       StageConfig
	store     StageStore
	lifecycle StageLifecycle
	notifier  ProductionListNotifier
	pending   *PendingRelease
	logger    *slog.Logger
}

// NewStagePoller builds a StagePoller. notifier may be nil, in which case
// no upstream publication is attempted (the revert and event still
// happen).
func NewStagePoller(cfg StageConfig, store StageStore, lifecycle StageLifecycle, notifier ProductionListNotifier, logger *slog.Logger) *StagePoller {
	cfg = cfg.withDefaults()
	return &StagePoller{
		cfg:       cfg,
		store:     store,
		lifecycle: lifecycle,
		notifier:  notifier,
		pending:   NewPendingRelease(cfg.PendingTTL),
		logger:    logging.Component(logger, "stage-sanity"),
	}
}

// Pending exposes the shared pending-release set so the inventory poller
// (C11) can suppress conflict alerts for NC names this poller just
// reverted.
func (p *StagePoller) Pending() *PendingRelease { return p.pending }

// Run schedules the poller on cfg.Interval until ctx is cancelled.
func (p *StagePoller) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("stage-sanity: new scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(p.cfg.Interval),
		gocron.NewTask(func() {
			start := time.Now()
			err := p.tick(ctx)
			metrics.ObservePollerTick("stage-sanity", time.Since(start))
			if err != nil {
				p.logger.Error("stage-sanity tick failed", "error", err)
			}
		}),
		gocron.WithName("stage-sanity"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("stage-sanity: schedule job: %w", err)
	}
	scheduler.Start()
	p.logger.Info("stage-sanity poller started", "interval", p.cfg.Interval)
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (p *StagePoller) tick(ctx context.Context) error {
	jobs, err := p.store.ListJobsByStatus(ctx, nestwatcher.JobStatusStaged)
	if err != nil {
		return fmt.Errorf("list staged jobs: %w", err)
	}

	byMachine := make(map[int64][]*nestwatcher.Job)
	for _, job := range jobs {
		if job.MachineID == nil {
			continue
		}
		byMachine[*job.MachineID] = append(byMachine[*job.MachineID], job)
	}

	for machineID, machineJobs := range byMachine {
		machine, err := p.store.GetMachine(ctx, machineID)
		if err != nil {
			p.logger.Warn("skipping machine: lookup failed", "machine_id", machineID, "error", err)
			continue
		}

		present, err := ncBasesUnder(machine.APJobfolder)
		if err != nil {
			p.logger.Warn("skipping machine: staging folder unreadable", "machine", machine.Name, "folder", machine.APJobfolder, "error", err)
			continue
		}

		var reverted []string
		for _, job := range machineJobs {
			if present[strings.ToLower(job.NCBase)] {
				continue
			}
			if err := p.lifecycle.RevertStage(ctx, job.Key); err != nil {
				p.logger.Warn("revert stage failed", "job_key", job.Key, "error", err)
				continue
			}
			p.pending.Mark(job.NCBase)
			reverted = append(reverted, job.NCBase+".nc")
		}

		if len(reverted) == 0 || p.notifier == nil {
			continue
		}
		if err := p.notifier.PublishDelete(ctx, machine, reverted); err != nil {
			p.logger.Warn("production list delete publish failed", "machine", machine.Name, "error", err)
		}
	}
	return nil
}

// ncBasesUnder walks root and returns the set of lower-cased file base
// names (without .nc extension) found anywhere beneath it.
func ncBasesUnder(root string) (map[string]bool, error) {
	found := make(map[string]bool)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".nc") {
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		found[strings.ToLower(name)] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
