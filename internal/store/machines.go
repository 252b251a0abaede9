package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"nestwatcher/pkg/nestwatcher"
)

// ListMachines returns every configured machine.
func (s *Store) ListMachines(ctx context.Context) ([]*nestwatcher.Machine, error) {
	const q = `SELECT id, name, ip, port, ap_jobfolder, nestpick_folder, handoff_enabled FROM machines ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []*nestwatcher.Machine
	for rows.Next() {
		var m nestwatcher.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.IP, &m.Port, &m.APJobfolder, &m.NestpickFolder, &m.HandoffEnabled); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return out, nil
}

// GetMachine retrieves a machine by id.
func (s *Store) GetMachine(ctx context.Context, id int64) (*nestwatcher.Machine, error) {
	const q = `SELECT id, name, ip, port, ap_jobfolder, nestpick_folder, handoff_enabled FROM machines WHERE id=$1`
	var m nestwatcher.Machine
	err := s.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Name, &m.IP, &m.Port, &m.APJobfolder, &m.NestpickFolder, &m.HandoffEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %d: %w", id, err)
	}
	return &m, nil
}

// SetMachineHealth upserts a health condition, scoped globally (machineID
// nil) or to one machine. An upsert key of (machine_id, code) lets the
// caller clear a specific condition by code without disturbing others.
func (s *Store) SetMachineHealth(ctx context.Context, h nestwatcher.MachineHealth) error {
	const q = `
INSERT INTO machine_health (machine_id, code, severity, message, context, set_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (machine_id, code) DO UPDATE SET
  severity=excluded.severity, message=excluded.message, context=excluded.context, set_at=excluded.set_at`
	_, err := s.db.ExecContext(ctx, q, nullInt64(h.MachineID), h.Code, string(h.Severity), h.Message, nullIfEmptyJSON(h.Context))
	if err != nil {
		return fmt.Errorf("set machine health %s: %w", h.Code, err)
	}
	return nil
}

// ClearMachineHealth removes a health condition by (machineID, code).
func (s *Store) ClearMachineHealth(ctx context.Context, machineID *int64, code string) error {
	const q = `DELETE FROM machine_health WHERE code=$1 AND machine_id IS NOT DISTINCT FROM $2`
	_, err := s.db.ExecContext(ctx, q, code, nullInt64(machineID))
	if err != nil {
		return fmt.Errorf("clear machine health %s: %w", code, err)
	}
	return nil
}

// ListMachineHealth returns every active health condition.
func (s *Store) ListMachineHealth(ctx context.Context) ([]nestwatcher.MachineHealth, error) {
	const q = `SELECT machine_id, code, severity, message, context, set_at FROM machine_health ORDER BY set_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list machine health: %w", err)
	}
	defer rows.Close()

	var out []nestwatcher.MachineHealth
	for rows.Next() {
		var h nestwatcher.MachineHealth
		var machineID sql.NullInt64
		var severity string
		var ctxBlob []byte
		if err := rows.Scan(&machineID, &h.Code, &severity, &h.Message, &ctxBlob, &h.SetAt); err != nil {
			return nil, fmt.Errorf("scan machine health: %w", err)
		}
		h.MachineID = fromNullInt64(machineID)
		h.Severity = nestwatcher.HealthSeverity(severity)
		h.Context = json.RawMessage(ctxBlob)
		h.SetAt = h.SetAt.UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine health: %w", err)
	}
	return out, nil
}
