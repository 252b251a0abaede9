package store

import (
	"context"
	"fmt"

	"nestwatcher/pkg/nestwatcher"
)

// UpsertTelemetrySample records one normalized machine-controller reading,
// keyed by its source timestamp (or the payload's own key field, when
// present) so a redelivered sample after a reconnect never duplicates a
// row.
func (s *Store) UpsertTelemetrySample(ctx context.Context, t nestwatcher.TelemetrySample) error {
	const q = `
INSERT INTO telemetry_samples (
  key, machine_ip, current_program, mode, status, alarm, emergency,
  power_on_seconds, cutting_seconds, vacuum_seconds, drill_seconds,
  spindle_seconds, conveyor_seconds, grease_seconds, alarm_history, received_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
ON CONFLICT (key) DO UPDATE SET
  machine_ip=excluded.machine_ip, current_program=excluded.current_program,
  mode=excluded.mode, status=excluded.status, alarm=excluded.alarm,
  emergency=excluded.emergency, power_on_seconds=excluded.power_on_seconds,
  cutting_seconds=excluded.cutting_seconds, vacuum_seconds=excluded.vacuum_seconds,
  drill_seconds=excluded.drill_seconds, spindle_seconds=excluded.spindle_seconds,
  conveyor_seconds=excluded.conveyor_seconds, grease_seconds=excluded.grease_seconds,
  alarm_history=excluded.alarm_history, received_at=excluded.received_at`
	_, err := s.db.ExecContext(ctx, q,
		t.Key, t.MachineIP, t.CurrentProgram, t.Mode, t.Status, t.Alarm, t.Emergency,
		t.PowerOnSeconds, t.CuttingSeconds, t.VacuumSeconds, t.DrillSeconds,
		t.SpindleSeconds, t.ConveyorSeconds, t.GreaseSeconds, t.AlarmHistory)
	if err != nil {
		return fmt.Errorf("upsert telemetry sample %s: %w", t.Key, err)
	}
	return nil
}
