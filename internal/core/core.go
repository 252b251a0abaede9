// Package core wires every watcher component against one store and one
// UI bus and supervises them as a single errgroup: the process exits the
// moment any component returns a fatal error, rather than limping along
// half-wired, matching the teacher's own preference for a hard restart
// over silent partial degradation.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"nestwatcher/internal/autopac"
	"nestwatcher/internal/bus"
	"nestwatcher/internal/config"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/ingest"
	"nestwatcher/internal/inventory"
	"nestwatcher/internal/lifecycle"
	"nestwatcher/internal/logging"
	"nestwatcher/internal/metrics"
	"nestwatcher/internal/nestpick"
	"nestwatcher/internal/notify"
	"nestwatcher/internal/productionlist"
	"nestwatcher/internal/sanity"
	"nestwatcher/internal/store"
	"nestwatcher/internal/telemetry"
	"nestwatcher/pkg/nestwatcher"
)

// Core owns the long-lived components built from one Config/Store pair.
type Core struct {
	cfg    config.Config
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New builds a Core against an already-open, already-migrated store.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Core {
	return &Core{cfg: cfg, store: st, bus: bus.New(logger), logger: logging.Component(logger, "core")}
}

// Bus exposes the UI message bus so cmd/watcher can attach a subscriber
// (a websocket handler, a log sink) without reaching past Core.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Run starts every component whose configuration path is present and
// blocks until ctx is cancelled or a component fails fatally. A component
// gated on a missing path is logged and skipped rather than started with
// a zero-value config, per the "missing path disables the component"
// rule.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	engine := lifecycle.New(c.store, c.bus, c.logger)
	health := &healthStore{store: c.store}
	notifier := productionlist.New(productionlist.Config{}, c.logger)

	g.Go(func() error { c.runMetricsBridge(ctx); return nil })

	if c.cfg.ProcessedJobsRoot != "" {
		loop := ingest.New(
			ingest.Config{Root: c.cfg.ProcessedJobsRoot, Interval: c.cfg.IngestInterval},
			c.store, engine, c.store, c.store, notifier, c.logger,
		)
		g.Go(func() error { return loop.Run(ctx) })

		sourcePoller := sanity.NewSourcePoller(
			sanity.SourceConfig{Root: c.cfg.ProcessedJobsRoot, Interval: c.cfg.SourceInterval},
			c.store, engine, c.store, c.logger,
		)
		g.Go(func() error { return sourcePoller.Run(ctx) })
	} else {
		c.logger.Warn("ingest and source-sanity disabled: processed jobs root not configured")
	}

	machines, err := c.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	c.logger.Info("core starting", "machines", len(machines))

	stable := fsutil.StableConfig{PollInterval: 100 * time.Millisecond, QuietPeriod: c.cfg.StableQuiet, Timeout: 0}

	if c.cfg.AutoPACCsvDir != "" && len(machines) > 0 {
		handoff := nestpick.NewHandoff(nestpick.HandoffConfig{Stable: stable}, engine, health, c.logger)
		watcher := autopac.New(
			autopac.Config{PreferStatuses: statusesFrom(c.cfg.AutoPACPreferStatuses), Stable: stable},
			engine, c.store, handoff, c.bus, health, c.logger,
		)
		g.Go(func() error { return watcher.Run(ctx, machines) })

		unstack := nestpick.NewUnstackWatcher(
			nestpick.UnstackConfig{PreferStatuses: statusesFrom(c.cfg.UnstackPreferStatuses), Stable: stable},
			engine, c.store, c.bus, c.logger,
		)
		for _, m := range machines {
			if m.NestpickFolder == "" {
				continue
			}
			folder := m.NestpickFolder
			g.Go(func() error { return unstack.Run(ctx, folder) })
		}
	} else {
		c.logger.Warn("autopac and nestpick hand-off disabled: autopac csv dir not configured or no machines")
	}

	stagePoller := sanity.NewStagePoller(
		sanity.StageConfig{Interval: c.cfg.SanityInterval},
		c.store, engine, notifier, c.logger,
	)
	g.Go(func() error { return stagePoller.Run(ctx) })

	if c.cfg.GrundnerFolder != "" {
		invPoller := inventory.New(
			inventory.Config{Folder: c.cfg.GrundnerFolder, Interval: c.cfg.InventoryPoll, Stable: stable},
			c.store, c.bus, stagePoller.Pending(), c.logger,
		)
		g.Go(func() error { return invPoller.Run(ctx) })
	} else {
		c.logger.Warn("inventory poller disabled: grundner folder not configured")
	}

	if len(machines) > 0 {
		telemetryMgr := telemetry.NewManager(c.store, c.logger)
		g.Go(func() error { return telemetryMgr.Run(ctx, machines) })
	}

	notifyRelay := notify.New(c.cfg.DatabaseDSN, c.bus, c.logger)
	g.Go(func() error { return notifyRelay.Run(ctx) })

	return g.Wait()
}

// runMetricsBridge subscribes to the UI bus and folds the subset of
// messages whose meaning is legible from the envelope alone (kind/source)
// into the process-wide Prometheus counters, so no component has to be
// taught about internal/metrics just to report its own throughput.
func (c *Core) runMetricsBridge(ctx context.Context) {
	ch := c.bus.Subscribe(64)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Kind {
			case bus.KindWatcherEvent:
				metrics.ObserveWatcherEvent(msg.Source)
			case bus.KindDBNotify:
				metrics.ObserveDBNotification(msg.Source)
			}
		}
	}
}

// statusesFrom converts configured status name strings into typed
// JobStatus values, dropping any that don't match a known status rather
// than failing startup over an operator typo.
func statusesFrom(names []string) []nestwatcher.JobStatus {
	if len(names) == 0 {
		return nil
	}
	out := make([]nestwatcher.JobStatus, 0, len(names))
	for _, n := range names {
		if s := nestwatcher.JobStatus(n); s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// healthStore adapts internal/store.Store's SetMachineHealth/
// ClearMachineHealth methods to the narrower Health interface
// internal/nestpick declares for itself (SetHealth/ClearHealth) — the
// method names differ even though the signatures otherwise match.
type healthStore struct {
	store *store.Store
}

func (h *healthStore) SetHealth(ctx context.Context, hc nestwatcher.MachineHealth) error {
	return h.store.SetMachineHealth(ctx, hc)
}

func (h *healthStore) ClearHealth(ctx context.Context, machineID *int64, code string) error {
	return h.store.ClearMachineHealth(ctx, machineID, code)
}
