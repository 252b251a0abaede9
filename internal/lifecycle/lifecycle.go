// Package lifecycle owns the job status state machine. Every component
// that moves a job from one status to another — the worklist stager, the
// AutoPAC watcher, the Nestpick hand-off, the Nestpick unstack watcher, the
// stage/source sanity pollers — calls through the Engine here rather than
// writing job rows directly, so the transition table and its invariants
// live in one place.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"nestwatcher/internal/logging"
	"nestwatcher/internal/store"
	"nestwatcher/pkg/nestwatcher"
)

// Sentinel errors the rest of the core matches with errors.Is.
var (
	// ErrStaleState is returned when a caller asks to transition a job out
	// of a status it is no longer in — the UI or a filesystem watcher
	// raced with another component and lost.
	ErrStaleState = errors.New("job is not in the expected status")
	// ErrUnknownJob is returned when no job matches the key or nc_base the
	// caller supplied.
	ErrUnknownJob = errors.New("no job matches")
	// ErrDBUnavailable wraps a lower-level store error so callers can
	// distinguish "job doesn't exist" from "couldn't reach the database".
	ErrDBUnavailable = errors.New("database unavailable")
)

// Store is the subset of internal/store.Store the lifecycle engine needs,
// kept as an interface so tests can supply a fake instead of a sqlmock
// connection.
type Store interface {
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
	GetJobTx(ctx context.Context, tx *sql.Tx, key string) (*nestwatcher.Job, error)
	UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, key string, status nestwatcher.JobStatus) error
	SetJobMachineTx(ctx context.Context, tx *sql.Tx, key string, machineID int64) error
	ClearJobMachineAndStageTx(ctx context.Context, tx *sql.Tx, key string) error
	SetJobCutTimeTx(ctx context.Context, tx *sql.Tx, key string) error
	SetJobPalletTx(ctx context.Context, tx *sql.Tx, key, pallet string) error
	SetJobNestpickCompleteTx(ctx context.Context, tx *sql.Tx, key string) error
	AppendJobEventTx(ctx context.Context, tx *sql.Tx, ev nestwatcher.JobEvent) error
	DeleteJob(ctx context.Context, key string) error
}

// Bus is the subset of internal/bus the lifecycle engine publishes
// transition notifications through.
type Bus interface {
	PublishJobEvent(source string, payload any)
}

// Engine enforces the job lifecycle's transition table.
type Engine struct {
	store  Store
	bus    Bus
	logger *slog.Logger
}

// New builds an Engine. bus may be nil, in which case transition
// notifications are silently dropped (tests commonly do this).
func New(store Store, bus Bus, logger *slog.Logger) *Engine {
	return &Engine{store: store, bus: bus, logger: logging.Component(logger, "lifecycle")}
}

// transitions enumerates the only status pairs a single call to advance
// may move a job through, keyed by (from, to).
var transitions = map[nestwatcher.JobStatus]map[nestwatcher.JobStatus]bool{
	nestwatcher.JobStatusPending: {
		nestwatcher.JobStatusStaged: true,
	},
	nestwatcher.JobStatusStaged: {
		nestwatcher.JobStatusPending:    true,
		nestwatcher.JobStatusLoadFinish: true,
	},
	nestwatcher.JobStatusLoadFinish: {
		nestwatcher.JobStatusLabelFinish: true,
	},
	nestwatcher.JobStatusLabelFinish: {
		nestwatcher.JobStatusCNCFinish: true,
	},
	nestwatcher.JobStatusCNCFinish: {
		nestwatcher.JobStatusForwardedToNestpick: true,
	},
	nestwatcher.JobStatusForwardedToNestpick: {
		nestwatcher.JobStatusNestpickComplete: true,
	},
}

func allowed(from, to nestwatcher.JobStatus) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// advance runs the common read-check-write-event sequence inside a single
// transaction: load the job, verify it is currently in `from`, run mutate,
// write the status, append the audit event, and publish on success.
func (e *Engine) advance(ctx context.Context, key string, from, to nestwatcher.JobStatus, kind, source string, machineID *int64, mutate func(ctx context.Context, tx *sql.Tx) error) error {
	if !allowed(from, to) {
		return fmt.Errorf("lifecycle: %s -> %s is not a permitted transition", from, to)
	}

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := e.store.GetJobTx(ctx, tx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownJob
			}
			return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
		if job.Status != from {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrStaleState, key, job.Status, from)
		}
		if mutate != nil {
			if err := mutate(ctx, tx); err != nil {
				return err
			}
		}
		if err := e.store.UpdateJobStatusTx(ctx, tx, key, to); err != nil {
			return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
		return e.store.AppendJobEventTx(ctx, tx, nestwatcher.JobEvent{
			JobKey:    key,
			Kind:      kind,
			MachineID: machineID,
		})
	})
	if err != nil {
		e.logger.Warn("transition rejected", "job_key", key, "from", from, "to", to, "source", source, "error", err)
		return err
	}

	e.logger.Info("transition accepted", "job_key", key, "from", from, "to", to, "source", source)
	e.publish(watcherEvent{JobKey: key, From: from, To: to, Source: source})
	return nil
}

// Stage moves a PENDING job to STAGED and assigns it to machineID —
// called by the worklist component when a job folder is placed on a
// machine's AutoPAC staging directory.
func (e *Engine) Stage(ctx context.Context, key string, machineID int64) error {
	return e.advance(ctx, key, nestwatcher.JobStatusPending, nestwatcher.JobStatusStaged,
		nestwatcher.EventKindWorklistStaged, nestwatcher.SourceWorklist, &machineID,
		func(ctx context.Context, tx *sql.Tx) error {
			return e.store.SetJobMachineTx(ctx, tx, key, machineID)
		})
}

// RevertStage moves a STAGED job back to PENDING, clearing machine_id and
// staged_at atomically — called by the stage-sanity poller when a staged
// job's folder disappeared from the machine without ever being cut.
func (e *Engine) RevertStage(ctx context.Context, key string) error {
	if !allowed(nestwatcher.JobStatusStaged, nestwatcher.JobStatusPending) {
		return fmt.Errorf("lifecycle: STAGED -> PENDING is not a permitted transition")
	}
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := e.store.GetJobTx(ctx, tx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownJob
			}
			return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
		if job.Status != nestwatcher.JobStatusStaged {
			return fmt.Errorf("%w: job %s is %s, expected STAGED", ErrStaleState, key, job.Status)
		}
		if err := e.store.ClearJobMachineAndStageTx(ctx, tx, key); err != nil {
			return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
		}
		return e.store.AppendJobEventTx(ctx, tx, nestwatcher.JobEvent{
			JobKey: key,
			Kind:   nestwatcher.EventKindStageSanityRevert,
		})
	})
	if err != nil {
		e.logger.Warn("revert rejected", "job_key", key, "error", err)
		return err
	}
	e.logger.Info("stage reverted", "job_key", key)
	e.publish(watcherEvent{JobKey: key, From: nestwatcher.JobStatusStaged, To: nestwatcher.JobStatusPending, Source: nestwatcher.SourceStageSanity})
	return nil
}

// AutopacEvent moves a job through LOAD_FINISH/LABEL_FINISH/CNC_FINISH as
// reported by the AutoPAC CSV watcher. CNC_FINISH additionally stamps
// cut_at.
func (e *Engine) AutopacEvent(ctx context.Context, key string, to nestwatcher.JobStatus, machineID int64) error {
	var from nestwatcher.JobStatus
	var kind string
	var mutate func(ctx context.Context, tx *sql.Tx) error

	switch to {
	case nestwatcher.JobStatusLoadFinish:
		from, kind = nestwatcher.JobStatusStaged, nestwatcher.EventKindAutopacLoadFinish
	case nestwatcher.JobStatusLabelFinish:
		from, kind = nestwatcher.JobStatusLoadFinish, nestwatcher.EventKindAutopacLabelFinish
	case nestwatcher.JobStatusCNCFinish:
		from, kind = nestwatcher.JobStatusLabelFinish, nestwatcher.EventKindAutopacCNCFinish
		mutate = func(ctx context.Context, tx *sql.Tx) error {
			return e.store.SetJobCutTimeTx(ctx, tx, key)
		}
	default:
		return fmt.Errorf("lifecycle: %s is not a recognized AutoPAC event", to)
	}

	return e.advance(ctx, key, from, to, kind, nestwatcher.SourceAutopac, &machineID, mutate)
}

// ForwardToNestpick moves a CNC_FINISH job to FORWARDED_TO_NESTPICK after
// the hand-off CSV has been published to the machine's Nestpick folder.
func (e *Engine) ForwardToNestpick(ctx context.Context, key string, machineID int64) error {
	return e.advance(ctx, key, nestwatcher.JobStatusCNCFinish, nestwatcher.JobStatusForwardedToNestpick,
		nestwatcher.EventKindNestpickForwarded, nestwatcher.SourceNestpickForward, &machineID, nil)
}

// CompleteNestpick moves a FORWARDED_TO_NESTPICK job to NESTPICK_COMPLETE,
// recording the pallet the unstack feed reported. It never touches
// machine_id: the job stays attributed to the machine that cut it.
func (e *Engine) CompleteNestpick(ctx context.Context, key, pallet string) error {
	return e.advance(ctx, key, nestwatcher.JobStatusForwardedToNestpick, nestwatcher.JobStatusNestpickComplete,
		nestwatcher.EventKindNestpickUnstack, nestwatcher.SourceNestpickUnstack, nil,
		func(ctx context.Context, tx *sql.Tx) error {
			if pallet != "" {
				if err := e.store.SetJobPalletTx(ctx, tx, key, pallet); err != nil {
					return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
				}
			}
			return e.store.SetJobNestpickCompleteTx(ctx, tx, key)
		})
}

// PruneMissingSource deletes a PENDING job whose source NC file has
// disappeared — called by the ingest loop and the source-sanity poller.
// Locked and pre-reserved jobs are pruned the same as any other; the
// caller is responsible for following up on a locked job's upstream
// reservation.
func (e *Engine) PruneMissingSource(ctx context.Context, key string) error {
	if err := e.store.DeleteJob(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	e.logger.Info("job pruned: source missing", "job_key", key)
	e.publish(watcherEvent{JobKey: key, From: nestwatcher.JobStatusPending, To: "", Source: nestwatcher.SourceIngest})
	return nil
}

func (e *Engine) publish(msg watcherEvent) {
	if e.bus == nil {
		return
	}
	e.bus.PublishJobEvent(msg.Source, msg)
}

// watcherEvent is the UI-bus payload for an accepted or reverted
// transition; internal/bus defines the wire-level message types this gets
// wrapped into.
type watcherEvent struct {
	JobKey string
	From   nestwatcher.JobStatus
	To     nestwatcher.JobStatus
	Source string
}
