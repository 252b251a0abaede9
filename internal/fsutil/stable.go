// Package fsutil provides the filesystem primitives the watcher components
// share: waiting for a file to stop changing before reading it, waiting for
// an exclusive handle before consuming it, and moving a job folder onto a
// machine's staging area.
package fsutil

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrSlotBusy is returned by WaitSlot when path still exists after timeout
// has elapsed.
var ErrSlotBusy = errors.New("fsutil: slot busy")

// StableConfig controls how long WaitStable polls and how it decides a file
// has settled.
type StableConfig struct {
	// PollInterval is the delay between size/mtime checks.
	PollInterval time.Duration
	// QuietPeriod is how long size and mtime must stay unchanged before the
	// file is considered stable.
	QuietPeriod time.Duration
	// Timeout bounds the whole wait; zero means no timeout.
	Timeout time.Duration
}

func (c StableConfig) withDefaults() StableConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 2 * time.Second
	}
	return c
}

// WaitStable polls path's size and modification time until both have held
// steady for QuietPeriod, then returns. It is how the AutoPAC watcher, the
// Nestpick hand-off and unstack watcher, and the inventory poller avoid
// reading a file mid-write.
func WaitStable(ctx context.Context, path string, cfg StableConfig) error {
	cfg = cfg.withDefaults()

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var lastSize int64 = -1
	var lastMod time.Time
	var quietSince time.Time

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		size := info.Size()
		mod := info.ModTime()

		if size == lastSize && mod.Equal(lastMod) {
			if quietSince.IsZero() {
				quietSince = time.Now()
			} else if time.Since(quietSince) >= cfg.QuietPeriod {
				return nil
			}
		} else {
			quietSince = time.Time{}
			lastSize = size
			lastMod = mod
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}

// WaitSlot polls for path's absence, returning once nothing occupies it.
// If timeout elapses while path still exists, it returns ErrSlotBusy — the
// output slot a hand-off publishes into is expected to be consumed
// (deleted) by the downstream reader between publications.
func WaitSlot(ctx context.Context, path string, cfg StableConfig) error {
	cfg = cfg.withDefaults()

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrSlotBusy
		case <-ticker.C:
		}
	}
}

// WaitRelease polls until path can be opened exclusively for read, i.e. no
// other process still holds it open for write in a way that blocks reads.
// On most platforms a plain Open already succeeds concurrently with a
// writer; this exists for symmetry with WaitStable and to catch the
// Windows-style exclusive-lock case the AutoPAC exporter exhibits.
func WaitRelease(ctx context.Context, path string, cfg StableConfig) error {
	cfg = cfg.withDefaults()

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			return nil
		}
		if !os.IsPermission(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}
