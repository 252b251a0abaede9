package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nestwatcher/pkg/nestwatcher"
)

// UpsertInventoryRowTx inserts or refreshes one SKU row from a stock
// snapshot inside tx, so every row upserted from one snapshot commits
// atomically.
func (s *Store) UpsertInventoryRowTx(ctx context.Context, tx *sql.Tx, r nestwatcher.InventoryRow) error {
	const q = `
INSERT INTO inventory (type_data, customer_id, length_mm, width_mm, thickness_mm, stock, available, reserved, material, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (type_data, customer_id) DO UPDATE SET
  length_mm=excluded.length_mm, width_mm=excluded.width_mm, thickness_mm=excluded.thickness_mm,
  stock=excluded.stock, available=excluded.available, reserved=excluded.reserved,
  material=excluded.material, updated_at=excluded.updated_at`
	_, err := tx.ExecContext(ctx, q,
		r.TypeData, nullString(r.CustomerID), r.LengthMM, r.WidthMM, r.ThicknessMM,
		r.Stock, r.Available, r.Reserved, r.Material)
	if err != nil {
		return fmt.Errorf("upsert inventory row %s: %w", r.Key(), err)
	}
	return nil
}

// ListInventory returns every tracked SKU row.
func (s *Store) ListInventory(ctx context.Context) ([]nestwatcher.InventoryRow, error) {
	const q = `SELECT type_data, customer_id, length_mm, width_mm, thickness_mm, stock, available, reserved, material, updated_at FROM inventory`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()
	return scanInventoryRows(rows)
}

// GetInventoryRow returns the SKU row for (typeData, customerID), or
// ErrNotFound.
func (s *Store) GetInventoryRow(ctx context.Context, typeData int, customerID *string) (*nestwatcher.InventoryRow, error) {
	const q = `
SELECT type_data, customer_id, length_mm, width_mm, thickness_mm, stock, available, reserved, material, updated_at
FROM inventory WHERE type_data=$1 AND customer_id IS NOT DISTINCT FROM $2`
	row := s.db.QueryRowContext(ctx, q, typeData, nullString(customerID))
	var r nestwatcher.InventoryRow
	var cust sql.NullString
	err := row.Scan(&r.TypeData, &cust, &r.LengthMM, &r.WidthMM, &r.ThicknessMM, &r.Stock, &r.Available, &r.Reserved, &r.Material, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory row: %w", err)
	}
	r.CustomerID = fromNullString(cust)
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanInventoryRows(rows *sql.Rows) ([]nestwatcher.InventoryRow, error) {
	var out []nestwatcher.InventoryRow
	for rows.Next() {
		var r nestwatcher.InventoryRow
		var cust sql.NullString
		if err := rows.Scan(&r.TypeData, &cust, &r.LengthMM, &r.WidthMM, &r.ThicknessMM, &r.Stock, &r.Available, &r.Reserved, &r.Material, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}
		r.CustomerID = fromNullString(cust)
		r.UpdatedAt = r.UpdatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory rows: %w", err)
	}
	return out, nil
}

// FindAllocationConflicts returns PENDING/STAGED jobs whose PreReserved
// flag is set but whose backing inventory row's Reserved count is lower
// than the number of such jobs for its material — the set the inventory
// poller raises as allocation-conflict app messages.
func (s *Store) FindAllocationConflicts(ctx context.Context) ([]*nestwatcher.Job, error) {
	const q = `
SELECT j.key, j.folder, j.nc_base, j.material, j.part_count, j.sheet_size, j.thickness,
       j.detected_at, j.pre_reserved, j.locked, j.machine_id, j.staged_at, j.cut_at,
       j.nestpick_completed_at, j.pallet, j.last_error, j.status
FROM jobs j
JOIN inventory i ON i.material = j.material
WHERE j.pre_reserved = true
  AND j.status IN ('PENDING', 'STAGED')
  AND i.reserved < (
    SELECT COUNT(*) FROM jobs p
    WHERE p.material = i.material
      AND p.pre_reserved = true
      AND p.status IN ('PENDING', 'STAGED'))`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find allocation conflicts: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// DeleteInventoryRow removes a SKU row no longer present in the latest
// stock snapshot.
func (s *Store) DeleteInventoryRow(ctx context.Context, typeData int, customerID *string) error {
	const q = `DELETE FROM inventory WHERE type_data=$1 AND customer_id IS NOT DISTINCT FROM $2`
	_, err := s.db.ExecContext(ctx, q, typeData, nullString(customerID))
	if err != nil {
		return fmt.Errorf("delete inventory row: %w", err)
	}
	return nil
}

// ResyncReservedStock recomputes the reserved count for every inventory
// row backing material from the jobs currently pre-reserved against it,
// so a pruned or released job's reservation doesn't linger as a phantom
// hold. Called by the ingest loop (C6) and the source-sanity poller (C10)
// after they prune a job.
func (s *Store) ResyncReservedStock(ctx context.Context, material string) error {
	const q = `
UPDATE inventory SET reserved = (
  SELECT COUNT(*) FROM jobs
  WHERE jobs.material = inventory.material
    AND jobs.pre_reserved = true
    AND jobs.status IN ('PENDING', 'STAGED')
), updated_at = now()
WHERE material = $1`
	_, err := s.db.ExecContext(ctx, q, material)
	if err != nil {
		return fmt.Errorf("resync reserved stock for %s: %w", material, err)
	}
	return nil
}

// InsertAppMessage appends a feed entry surfaced to the UI.
func (s *Store) InsertAppMessage(ctx context.Context, m nestwatcher.AppMessage) error {
	const q = `INSERT INTO app_messages (tone, title, body, source, created_at) VALUES ($1, $2, $3, $4, now())`
	_, err := s.db.ExecContext(ctx, q, string(m.Tone), m.Title, m.Body, m.Source)
	if err != nil {
		return fmt.Errorf("insert app message: %w", err)
	}
	return nil
}
