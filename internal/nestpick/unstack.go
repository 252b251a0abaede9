package nestpick

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/logging"
	"nestwatcher/pkg/nestwatcher"
)

// UnstackReportName is the filename Nestpick drops into its unstack
// folder once a job's sheets have been unloaded and palletized.
const UnstackReportName = "Report_FullNestpickUnstack.csv"

// UnstackLifecycle is the subset of internal/lifecycle.Engine the unstack
// watcher needs.
type UnstackLifecycle interface {
	CompleteNestpick(ctx context.Context, key, pallet string) error
}

// UnstackConfig controls which statuses the job lookup prefers, in order,
// before falling back to the most recently detected job of any status
// (spec's Open Question #3: the unstack preference order).
type UnstackConfig struct {
	PreferStatuses []nestwatcher.JobStatus
	Stable         fsutil.StableConfig
	ArchiveDir     string
}

func (c UnstackConfig) withDefaults() UnstackConfig {
	if len(c.PreferStatuses) == 0 {
		c.PreferStatuses = []nestwatcher.JobStatus{nestwatcher.JobStatusForwardedToNestpick}
	}
	return c
}

// UnstackBus lets the watcher raise the "unmatched bases" alert without
// importing internal/bus directly.
type UnstackBus interface {
	PublishUserAlert(source, title, message string)
}

// UnstackWatcher watches a machine's Nestpick folder for the unstack
// report and completes the matching jobs.
type UnstackWatcher struct {
	cfg       UnstackConfig
	lifecycle UnstackLifecycle
	jobs      JobLookup
	bus       UnstackBus
	logger    *slog.Logger
}

// JobLookup resolves an nc_base token to the job it belongs to.
type JobLookup interface {
	FindJobByNCBase(ctx context.Context, base string, preferStatuses []nestwatcher.JobStatus) (*nestwatcher.Job, error)
}

// NewUnstackWatcher builds an UnstackWatcher. bus may be nil, in which case
// the unmatched-bases alert is skipped.
func NewUnstackWatcher(cfg UnstackConfig, lifecycle UnstackLifecycle, jobs JobLookup, bus UnstackBus, logger *slog.Logger) *UnstackWatcher {
	return &UnstackWatcher{cfg: cfg.withDefaults(), lifecycle: lifecycle, jobs: jobs, bus: bus, logger: logging.Component(logger, "nestpick-unstack")}
}

// Run watches folder (one machine's Nestpick output directory) until ctx
// is cancelled.
func (w *UnstackWatcher) Run(ctx context.Context, folder string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unstack: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(folder); err != nil {
		return fmt.Errorf("unstack: watch %s: %w", folder, err)
	}
	w.logger.Info("unstack watcher started", "folder", folder)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Base(event.Name) != UnstackReportName {
				continue
			}
			w.handleReport(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// unstackRows reads the report as a fixed two-column artifact (col 0 = NC
// base, col 1 = pallet), not a header-driven one: csvcodec's generic
// header heuristic classifies any cell containing a letter as a header, so
// a one-row report like "JOB001,P12" is misread as a header with zero data
// rows. Folding the header back in as the first row here restores it.
func unstackRows(table csvcodec.Table) [][]string {
	if table.HasHeader && len(table.Header) > 0 {
		return append([][]string{table.Header}, table.Rows...)
	}
	return table.Rows
}

func (w *UnstackWatcher) handleReport(ctx context.Context, path string) {
	if err := fsutil.WaitStable(ctx, path, w.cfg.Stable); err != nil {
		w.logger.Warn("unstack report never stabilized", "path", path, "error", err)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read unstack report failed", "path", path, "error", err)
		return
	}

	table := csvcodec.Parse(data)

	var unmatched []string
	for _, row := range unstackRows(table) {
		if len(row) == 0 {
			continue
		}
		ncBase := strings.TrimSpace(row[0])
		if ncBase == "" {
			continue
		}
		var pallet string
		if len(row) > 1 {
			pallet = strings.TrimSpace(row[1])
		}

		job, err := w.jobs.FindJobByNCBase(ctx, ncBase, w.cfg.PreferStatuses)
		if err != nil {
			w.logger.Warn("no job matches nc_base", "nc_base", ncBase, "error", err)
			unmatched = append(unmatched, ncBase)
			continue
		}
		if err := w.lifecycle.CompleteNestpick(ctx, job.Key, pallet); err != nil {
			w.logger.Warn("complete-nestpick transition rejected", "job_key", job.Key, "error", err)
		}
	}

	if len(unmatched) > 0 && w.bus != nil {
		w.bus.PublishUserAlert("nestpick-unstack", "Unstack report had unmatched jobs",
			fmt.Sprintf("no job found for nc base(s): %s", strings.Join(unmatched, ", ")))
	}

	if w.cfg.ArchiveDir != "" {
		dest := filepath.Join(w.cfg.ArchiveDir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
		if err := fsutil.MoveFolder(path, dest); err != nil {
			w.logger.Warn("archive unstack report failed", "path", path, "error", err)
		}
	}
}
