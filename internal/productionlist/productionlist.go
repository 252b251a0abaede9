// Package productionlist publishes "delete" requests to the upstream
// scheduler that feeds each machine's AutoPAC folder: a small CSV dropped
// into the machine's AP job folder naming NC files that should no longer
// be considered reserved, because the watcher's own records diverged from
// what the machine actually holds (a reverted stage, a vanished source
// folder). The scheduler polls that folder the same way it does for every
// other AutoPAC artifact, so publication reuses the hand-off's
// atomic-write idiom rather than inventing a new transport.
package productionlist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/logging"
	"nestwatcher/pkg/nestwatcher"
)

// Config names the CSV file the notifier writes into each machine's AP job
// folder.
type Config struct {
	FilePrefix string // defaults to "delete_list"
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = "delete_list"
	}
	return c
}

// Notifier implements sanity.ProductionListNotifier and
// ingest.ProductionListNotifier (the two reconcilers that learn a job
// no longer belongs on a machine's production list).
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Notifier.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{cfg: cfg.withDefaults(), logger: logging.Component(logger, "production-list"), now: time.Now}
}

// PublishDelete writes a one-column CSV (header "nc_file") listing ncNames
// atomically into machine's AP job folder. A machine with no AP job
// folder configured is skipped rather than treated as an error, since not
// every deployment wires every machine through AutoPAC.
func (n *Notifier) PublishDelete(ctx context.Context, machine *nestwatcher.Machine, ncNames []string) error {
	if machine.APJobfolder == "" || len(ncNames) == 0 {
		return nil
	}

	rows := make([][]string, len(ncNames))
	for i, name := range ncNames {
		rows[i] = []string{name}
	}

	name := fmt.Sprintf("%s_%s.csv", n.cfg.FilePrefix, n.now().UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(machine.APJobfolder, name)
	if err := fsutil.WriteAtomic(path, csvcodec.Write([]string{"nc_file"}, rows), 0o644); err != nil {
		return fmt.Errorf("write production list delete: %w", err)
	}
	n.logger.Info("production list delete published", "machine", machine.Name, "count", len(ncNames), "path", path)
	return nil
}
