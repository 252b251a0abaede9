package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"nestwatcher/pkg/nestwatcher"
)

// UpsertJob inserts a new job keyed by Key, or updates the mutable
// descriptive fields (folder/material/part count/sheet size/thickness) of
// an existing one without touching its lifecycle status — used by the
// ingest loop, which only ever introduces PENDING jobs or refreshes
// metadata on ones already tracked.
func (s *Store) UpsertJob(ctx context.Context, j *nestwatcher.Job) error {
	const q = `
INSERT INTO jobs (key, folder, nc_base, material, part_count, sheet_size, thickness, detected_at, pre_reserved, locked, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (key) DO UPDATE SET
  folder=excluded.folder, nc_base=excluded.nc_base, material=excluded.material,
  part_count=excluded.part_count, sheet_size=excluded.sheet_size, thickness=excluded.thickness`
	_, err := s.db.ExecContext(ctx, q,
		j.Key, j.Folder, j.NCBase, j.Material, j.PartCount, j.SheetSize, j.Thickness,
		j.DetectedAt.UTC(), j.PreReserved, j.Locked, string(j.Status))
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.Key, err)
	}
	return nil
}

// GetJob retrieves a job by its key.
func (s *Store) GetJob(ctx context.Context, key string) (*nestwatcher.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE key=$1`, jobColumns)
	return scanJob(s.db.QueryRowContext(ctx, q, key))
}

// GetJobTx is GetJob run against an in-flight transaction, used by the
// lifecycle engine so a read-then-transition stays inside one transaction.
func (s *Store) GetJobTx(ctx context.Context, tx *sql.Tx, key string) (*nestwatcher.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE key=$1`, jobColumns)
	return scanJob(tx.QueryRowContext(ctx, q, key))
}

// FindJobByNCBase locates the job whose nc_base matches base, preferring
// rows whose status is in preferStatuses (in order) before falling back to
// the most recently detected row of any status. Returns ErrNotFound if no
// job has that nc_base at all.
func (s *Store) FindJobByNCBase(ctx context.Context, base string, preferStatuses []nestwatcher.JobStatus) (*nestwatcher.Job, error) {
	for _, status := range preferStatuses {
		q := fmt.Sprintf(`SELECT %s FROM jobs WHERE nc_base=$1 AND status=$2 ORDER BY detected_at DESC LIMIT 1`, jobColumns)
		j, err := scanJob(s.db.QueryRowContext(ctx, q, base, string(status)))
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE nc_base=$1 ORDER BY detected_at DESC LIMIT 1`, jobColumns)
	return scanJob(s.db.QueryRowContext(ctx, q, base))
}

// ListJobsByStatus returns jobs in a given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status nestwatcher.JobStatus) ([]*nestwatcher.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE status=$1 ORDER BY detected_at ASC`, jobColumns)
	rows, err := s.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// ListPendingJobsExcludingKeys returns PENDING jobs whose key is not in
// present, used by the ingest loop and source-sanity poller to find jobs
// whose backing NC file has disappeared from disk.
func (s *Store) ListPendingJobsExcludingKeys(ctx context.Context, present []string) ([]*nestwatcher.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE status=$1 AND NOT (key = ANY($2))`, jobColumns)
	rows, err := s.db.QueryContext(ctx, q, string(nestwatcher.JobStatusPending), stringArray(present))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs excluding keys: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func scanJobRows(rows *sql.Rows) ([]*nestwatcher.Job, error) {
	var out []*nestwatcher.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteJob removes a job row outright (used when pruning a PENDING job
// whose source file vanished before it was ever staged).
func (s *Store) DeleteJob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key=$1`, key)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", key, err)
	}
	return nil
}

// UpdateJobStatusTx transitions job key to status inside tx. It is the
// lifecycle engine's single write path for status changes.
func (s *Store) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, key string, status nestwatcher.JobStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status=$1 WHERE key=$2`, string(status), key)
	if err != nil {
		return fmt.Errorf("update job status %s: %w", key, err)
	}
	return nil
}

// SetJobMachineTx assigns a job to a machine and stamps staged_at.
func (s *Store) SetJobMachineTx(ctx context.Context, tx *sql.Tx, key string, machineID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET machine_id=$1, staged_at=now() WHERE key=$2`, machineID, key)
	if err != nil {
		return fmt.Errorf("set job machine %s: %w", key, err)
	}
	return nil
}

// ClearJobMachineAndStageTx reverts a job from STAGED back to PENDING,
// atomically clearing machine_id and staged_at alongside the status write
// so the two never disagree under a concurrent reader.
func (s *Store) ClearJobMachineAndStageTx(ctx context.Context, tx *sql.Tx, key string) error {
	const q = `UPDATE jobs SET status=$1, machine_id=NULL, staged_at=NULL WHERE key=$2`
	_, err := tx.ExecContext(ctx, q, string(nestwatcher.JobStatusPending), key)
	if err != nil {
		return fmt.Errorf("clear job machine %s: %w", key, err)
	}
	return nil
}

// SetJobCutTimeTx stamps cut_at, used on the CNC_FINISH transition.
func (s *Store) SetJobCutTimeTx(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET cut_at=now() WHERE key=$1`, key)
	if err != nil {
		return fmt.Errorf("set job cut time %s: %w", key, err)
	}
	return nil
}

// SetJobPalletTx records the pallet reported by the Nestpick unstack feed.
func (s *Store) SetJobPalletTx(ctx context.Context, tx *sql.Tx, key, pallet string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET pallet=$1 WHERE key=$2`, pallet, key)
	if err != nil {
		return fmt.Errorf("set job pallet %s: %w", key, err)
	}
	return nil
}

// SetJobNestpickCompleteTx stamps nestpick_completed_at and transitions to
// NESTPICK_COMPLETE without touching machine_id, per the unstack contract.
func (s *Store) SetJobNestpickCompleteTx(ctx context.Context, tx *sql.Tx, key string) error {
	const q = `UPDATE jobs SET status=$1, nestpick_completed_at=now() WHERE key=$2`
	_, err := tx.ExecContext(ctx, q, string(nestwatcher.JobStatusNestpickComplete), key)
	if err != nil {
		return fmt.Errorf("set job nestpick complete %s: %w", key, err)
	}
	return nil
}

// SetJobLastError records the most recent error observed for a job,
// surfaced to the UI without affecting its lifecycle status.
func (s *Store) SetJobLastError(ctx context.Context, key, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_error=$1 WHERE key=$2`, nullIfEmpty(message), key)
	if err != nil {
		return fmt.Errorf("set job last error %s: %w", key, err)
	}
	return nil
}

// SetJobLockedTx sets or clears the Locked flag a human sets from the UI.
// A locked job is still pruned when its source disappears, the same as an
// unlocked one.
func (s *Store) SetJobLockedTx(ctx context.Context, tx *sql.Tx, key string, locked bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET locked=$1 WHERE key=$2`, locked, key)
	if err != nil {
		return fmt.Errorf("set job locked %s: %w", key, err)
	}
	return nil
}

// SetJobPreReservedTx sets or clears the PreReserved flag on a job inside
// tx, used by the inventory reservation/allocation conflict logic.
func (s *Store) SetJobPreReservedTx(ctx context.Context, tx *sql.Tx, key string, reserved bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET pre_reserved=$1 WHERE key=$2`, reserved, key)
	if err != nil {
		return fmt.Errorf("set job pre-reserved %s: %w", key, err)
	}
	return nil
}

// --------------- job events ---------------

// AppendJobEventTx inserts an append-only audit row for a lifecycle
// transition inside tx, so the event and the status change commit
// together or not at all.
func (s *Store) AppendJobEventTx(ctx context.Context, tx *sql.Tx, ev nestwatcher.JobEvent) error {
	const q = `INSERT INTO job_events (job_key, kind, payload, machine_id, created_at) VALUES ($1, $2, $3, $4, now())`
	_, err := tx.ExecContext(ctx, q, ev.JobKey, ev.Kind, nullIfEmptyJSON(ev.Payload), nullInt64(ev.MachineID))
	if err != nil {
		return fmt.Errorf("append job event %s: %w", ev.JobKey, err)
	}
	return nil
}

func nullIfEmptyJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// ListJobEvents returns the audit trail for a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobKey string) ([]nestwatcher.JobEvent, error) {
	const q = `SELECT id, job_key, kind, payload, machine_id, created_at FROM job_events WHERE job_key=$1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, jobKey)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []nestwatcher.JobEvent
	for rows.Next() {
		var ev nestwatcher.JobEvent
		var machineID sql.NullInt64
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.JobKey, &ev.Kind, &payload, &machineID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Payload = payload
		ev.MachineID = fromNullInt64(machineID)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return out, nil
}

// stringArray renders a Go string slice as a Postgres text[] literal
// suitable for use with the ANY($n) construct (lib/pq does not implement
// driver.Valuer for []string, so this is spelled out explicitly).
func stringArray(ss []string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range ss {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
