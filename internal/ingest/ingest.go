// Package ingest walks the processed-jobs root on a fixed schedule,
// discovers new job folders, upserts their metadata, and prunes PENDING
// jobs whose source folder has disappeared. It is the entry point for
// every job the core ever tracks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/logging"
	"nestwatcher/internal/metrics"
	"nestwatcher/pkg/nestwatcher"
)

const maxKeyLen = 100

// Store is the subset of internal/store.Store the ingest loop needs.
type Store interface {
	UpsertJob(ctx context.Context, j *nestwatcher.Job) error
	ListPendingJobsExcludingKeys(ctx context.Context, present []string) ([]*nestwatcher.Job, error)
}

// Lifecycle is the subset of internal/lifecycle.Engine the ingest loop
// needs to prune jobs whose source disappeared.
type Lifecycle interface {
	PruneMissingSource(ctx context.Context, key string) error
}

// InventoryResync lets the ingest loop ask the inventory component (C11)
// to re-synchronize reserved stock for a material after a pruned job's row
// disappears out from under it.
type InventoryResync interface {
	ResyncReservedStock(ctx context.Context, material string) error
}

// MachineLookup resolves a machine by id so a pruned locked job's NC name
// can be published to that machine's upstream scheduler.
type MachineLookup interface {
	GetMachine(ctx context.Context, id int64) (*nestwatcher.Machine, error)
}

// ProductionListNotifier publishes NC names that should no longer be
// considered reserved to a machine's upstream scheduler.
type ProductionListNotifier interface {
	PublishDelete(ctx context.Context, machine *nestwatcher.Machine, ncNames []string) error
}

// Config controls the ingest loop's polling behavior and where it looks.
type Config struct {
	// Root is the processed-jobs directory every job folder lives under.
	Root string
	// Interval is how often the root is walked.
	Interval time.Duration
	// SidecarName is the CSV filename inside each job folder carrying its
	// metadata (material, part count, sheet size, thickness).
	SidecarName string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.SidecarName == "" {
		c.SidecarName = "job.csv"
	}
	return c
}

// Loop periodically walks Config.Root, upserting discovered jobs and
// pruning PENDING ones whose folder vanished.
type Loop struct {
	cfg       Config
	store     Store
	lifecycle Lifecycle
	inventory InventoryResync
	machines  MachineLookup
	notifier  ProductionListNotifier
	logger    *slog.Logger
}

// New builds a Loop. inventory, machines, and notifier may all be nil, in
// which case reservation resync and the locked-job upstream publication are
// skipped (the prune and event still happen).
func New(cfg Config, store Store, lifecycle Lifecycle, inventory InventoryResync, machines MachineLookup, notifier ProductionListNotifier, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:       cfg.withDefaults(),
		store:     store,
		lifecycle: lifecycle,
		inventory: inventory,
		machines:  machines,
		notifier:  notifier,
		logger:    logging.Component(logger, "ingest"),
	}
}

// Run registers the walk as a singleton-mode gocron job (ticks never
// overlap, matching the teacher's own poll-until-done discipline in
// jobs.Worker.Run, here delegated to the scheduler instead of a manual
// ticker) and blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("ingest: new scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(l.cfg.Interval),
		gocron.NewTask(func() {
			start := time.Now()
			err := l.tick(ctx)
			metrics.ObservePollerTick("ingest", time.Since(start))
			if err != nil {
				l.logger.Error("ingest tick failed", "error", err)
			}
		}),
		gocron.WithName("ingest"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("ingest: schedule job: %w", err)
	}

	scheduler.Start()
	l.logger.Info("ingest loop started", "root", l.cfg.Root, "interval", l.cfg.Interval)

	<-ctx.Done()
	return scheduler.Shutdown()
}

func (l *Loop) tick(ctx context.Context) error {
	entries, err := os.ReadDir(l.cfg.Root)
	if err != nil {
		return fmt.Errorf("read jobs root: %w", err)
	}

	present := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder := filepath.Join(l.cfg.Root, entry.Name())
		job, err := l.discover(folder)
		if err != nil {
			l.logger.Warn("skipping folder", "folder", folder, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		present = append(present, job.Key)
		if err := l.store.UpsertJob(ctx, job); err != nil {
			l.logger.Error("upsert job failed", "job_key", job.Key, "error", err)
		}
	}

	missing, err := l.store.ListPendingJobsExcludingKeys(ctx, present)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range missing {
		if err := l.lifecycle.PruneMissingSource(ctx, job.Key); err != nil {
			l.logger.Error("prune missing source failed", "job_key", job.Key, "error", err)
			continue
		}
		if l.inventory != nil && job.Material != "" {
			if err := l.inventory.ResyncReservedStock(ctx, job.Material); err != nil {
				l.logger.Warn("resync reserved stock failed", "material", job.Material, "error", err)
			}
		}
		l.publishLockedDelete(ctx, job)
	}
	return nil
}

// publishLockedDelete forwards a pruned locked job's NC name to its
// machine's upstream scheduler: the machine may still be holding the file
// as reserved even though the watcher no longer tracks the job.
func (l *Loop) publishLockedDelete(ctx context.Context, job *nestwatcher.Job) {
	if !job.Locked || job.MachineID == nil || l.machines == nil || l.notifier == nil {
		return
	}
	machine, err := l.machines.GetMachine(ctx, *job.MachineID)
	if err != nil {
		l.logger.Warn("production list delete skipped: machine lookup failed", "job_key", job.Key, "error", err)
		return
	}
	if err := l.notifier.PublishDelete(ctx, machine, []string{job.NCBase + ".nc"}); err != nil {
		l.logger.Warn("production list delete publish failed", "job_key", job.Key, "error", err)
	}
}

// discover inspects one job folder and returns the Job it represents, or
// nil if no .nc file has landed under it yet (still being written
// elsewhere). The sidecar is optional: its absence never suppresses job
// creation, only leaves the descriptive fields zero-valued.
func (l *Loop) discover(folder string) (*nestwatcher.Job, error) {
	ncPath, err := findNCFile(folder)
	if err != nil {
		return nil, err
	}
	if ncPath == "" {
		return nil, nil
	}
	ncBase := strings.TrimSuffix(filepath.Base(ncPath), filepath.Ext(ncPath))
	key := deriveKey(filepath.Base(folder), ncBase)

	var material, sheetSize string
	var partCount int
	var thickness float64

	sidecar := filepath.Join(folder, l.cfg.SidecarName)
	data, err := os.ReadFile(sidecar)
	switch {
	case err == nil:
		table := csvcodec.Parse(data)
		if len(table.Rows) > 0 {
			row := table.Rows[0]
			material = csvcodec.Cell(row, table.Column("material"))
			partCount = atoiSafe(csvcodec.Cell(row, table.Column("part_count", "parts")))
			sheetSize = csvcodec.Cell(row, table.Column("sheet_size", "sheet"))
			thickness = atofSafe(csvcodec.Cell(row, table.Column("thickness")))
		}
	case errors.Is(err, os.ErrNotExist):
		// tolerate absence: the job is still created from the .nc file alone.
	default:
		return nil, err
	}

	return &nestwatcher.Job{
		Key:        key,
		Folder:     folder,
		NCBase:     ncBase,
		Material:   material,
		PartCount:  partCount,
		SheetSize:  sheetSize,
		Thickness:  thickness,
		DetectedAt: time.Now().UTC(),
		Status:     nestwatcher.JobStatusPending,
	}, nil
}

// findNCFile walks folder for the first file with a .nc extension
// (case-insensitive) and returns its path, or "" if none is present yet.
func findNCFile(folder string) (string, error) {
	var found string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || found != "" {
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".nc") {
			found = path
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return found, nil
}

// WalkPresentKeys computes the set of job keys currently present under
// root using the same derivation tick uses, so the source-sanity poller
// (internal/sanity) can diff against it without duplicating the rule.
func WalkPresentKeys(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}
	present := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		folder := filepath.Join(root, entry.Name())
		ncPath, err := findNCFile(folder)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", folder, err)
		}
		if ncPath == "" {
			continue
		}
		ncBase := strings.TrimSuffix(filepath.Base(ncPath), filepath.Ext(ncPath))
		present = append(present, deriveKey(entry.Name(), ncBase))
	}
	return present, nil
}

// deriveKey builds a stable job key from the job folder's own leaf name
// and NC base name, truncated to maxKeyLen so it fits the database column
// regardless of how long an operator names a job folder.
func deriveKey(leaf, ncBase string) string {
	key := leaf + "/" + ncBase
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	return key
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atofSafe(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
