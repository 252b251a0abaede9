// Package store provides a Postgres-backed persistence layer for the
// watcher core: job CRUD and lifecycle transitions, job event audit trail,
// machine and health-condition bookkeeping, and inventory row upserts.
//
// The store never decides lifecycle transitions itself — internal/lifecycle
// owns that logic and calls the typed accessors here inside a transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"nestwatcher/pkg/nestwatcher"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a Postgres connection pool and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens a Postgres connection pool at dsn, verifies connectivity, and
// applies pool sizing suited to a single-process daemon with a handful of
// concurrent pollers/watchers.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// FromDB wraps an already-open *sql.DB, used by tests to inject a sqlmock
// connection without dialing a real server.
func FromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back on
// error or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// --------------- helpers shared by the row-mapping functions below ---------------

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func fromNullInt64(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func scanJob(row interface{ Scan(...any) error }) (*nestwatcher.Job, error) {
	var j nestwatcher.Job
	var machineID sql.NullInt64
	var stagedAt, cutAt, nestpickAt sql.NullTime
	var pallet, lastErr sql.NullString
	var status string

	err := row.Scan(
		&j.Key, &j.Folder, &j.NCBase, &j.Material, &j.PartCount, &j.SheetSize, &j.Thickness,
		&j.DetectedAt, &j.PreReserved, &j.Locked, &machineID, &stagedAt, &cutAt, &nestpickAt,
		&pallet, &lastErr, &status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.MachineID = fromNullInt64(machineID)
	j.StagedAt = fromNullTime(stagedAt)
	j.CutAt = fromNullTime(cutAt)
	j.NestpickCompletedAt = fromNullTime(nestpickAt)
	j.Pallet = fromNullString(pallet)
	j.LastError = fromNullString(lastErr)
	j.Status = nestwatcher.JobStatus(status)
	j.DetectedAt = j.DetectedAt.UTC()
	return &j, nil
}

const jobColumns = `key, folder, nc_base, material, part_count, sheet_size, thickness,
	detected_at, pre_reserved, locked, machine_id, staged_at, cut_at, nestpick_completed_at,
	pallet, last_error, status`
