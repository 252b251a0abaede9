package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"nestwatcher/pkg/nestwatcher"
)

type fakeStore struct {
	upserted []*nestwatcher.Job
	pending  []*nestwatcher.Job
}

func (f *fakeStore) UpsertJob(ctx context.Context, j *nestwatcher.Job) error {
	f.upserted = append(f.upserted, j)
	return nil
}

func (f *fakeStore) ListPendingJobsExcludingKeys(ctx context.Context, present []string) ([]*nestwatcher.Job, error) {
	presentSet := map[string]bool{}
	for _, k := range present {
		presentSet[k] = true
	}
	var out []*nestwatcher.Job
	for _, j := range f.pending {
		if !presentSet[j.Key] {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeLifecycle struct {
	pruned []string
}

func (f *fakeLifecycle) PruneMissingSource(ctx context.Context, key string) error {
	f.pruned = append(f.pruned, key)
	return nil
}

type fakeInventory struct {
	resynced []string
}

func (f *fakeInventory) ResyncReservedStock(ctx context.Context, material string) error {
	f.resynced = append(f.resynced, material)
	return nil
}

type fakeMachines struct {
	machines map[int64]*nestwatcher.Machine
}

func (f *fakeMachines) GetMachine(ctx context.Context, id int64) (*nestwatcher.Machine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return m, nil
}

type fakeNotifier struct {
	published map[string][]string
}

func (f *fakeNotifier) PublishDelete(ctx context.Context, machine *nestwatcher.Machine, ncNames []string) error {
	if f.published == nil {
		f.published = make(map[string][]string)
	}
	f.published[machine.Name] = append(f.published[machine.Name], ncNames...)
	return nil
}

func writeJobFolder(t *testing.T, root, name, ncBase, sidecarCSV string) string {
	t.Helper()
	folder := filepath.Join(root, name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if ncBase != "" {
		if err := os.WriteFile(filepath.Join(folder, ncBase+".nc"), []byte("; nc program"), 0o644); err != nil {
			t.Fatalf("write nc file: %v", err)
		}
	}
	if sidecarCSV != "" {
		if err := os.WriteFile(filepath.Join(folder, "job.csv"), []byte(sidecarCSV), 0o644); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
	}
	return folder
}

func TestTickDiscoversAndUpserts(t *testing.T) {
	root := t.TempDir()
	writeJobFolder(t, root, "part1", "JOB001", "material,part_count,sheet_size,thickness\nMDF18,6,2440x1220,18\n")

	fs := &fakeStore{}
	fl := &fakeLifecycle{}
	loop := New(Config{Root: root}, fs, fl, nil, nil, nil, nil)

	if err := loop.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(fs.upserted) != 1 {
		t.Fatalf("upserted = %d, want 1", len(fs.upserted))
	}
	j := fs.upserted[0]
	if j.NCBase != "JOB001" || j.Key != "part1/JOB001" {
		t.Fatalf("job key/base = %q/%q, want part1/JOB001 / JOB001", j.Key, j.NCBase)
	}
	if j.Material != "MDF18" || j.PartCount != 6 || j.Thickness != 18 {
		t.Fatalf("job = %+v", j)
	}
}

func TestTickToleratesMissingSidecar(t *testing.T) {
	root := t.TempDir()
	writeJobFolder(t, root, "part2", "JOB002", "")

	fs := &fakeStore{}
	fl := &fakeLifecycle{}
	loop := New(Config{Root: root}, fs, fl, nil, nil, nil, nil)

	if err := loop.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(fs.upserted) != 1 {
		t.Fatalf("upserted = %d, want 1", len(fs.upserted))
	}
	j := fs.upserted[0]
	if j.NCBase != "JOB002" || j.Key != "part2/JOB002" {
		t.Fatalf("job key/base = %q/%q, want part2/JOB002 / JOB002", j.Key, j.NCBase)
	}
	if j.Material != "" || j.PartCount != 0 {
		t.Fatalf("expected zero-valued descriptive fields, got %+v", j)
	}
}

func TestTickSkipsFolderWithoutNCFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	fs := &fakeStore{}
	fl := &fakeLifecycle{}
	loop := New(Config{Root: root}, fs, fl, nil, nil, nil, nil)

	if err := loop.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(fs.upserted) != 0 {
		t.Fatalf("expected no upserts, got %d", len(fs.upserted))
	}
}

func TestTickPrunesMissingPendingJobsRegardlessOfLock(t *testing.T) {
	root := t.TempDir()

	fs := &fakeStore{pending: []*nestwatcher.Job{
		{Key: "gone/job", Locked: false, Material: "MDF18"},
		{Key: "locked/job", Locked: true, NCBase: "locked_base", MachineID: int64Ptr(1)},
	}}
	fl := &fakeLifecycle{}
	fi := &fakeInventory{}
	fm := &fakeMachines{machines: map[int64]*nestwatcher.Machine{1: {ID: 1, Name: "CNC1"}}}
	fn := &fakeNotifier{}
	loop := New(Config{Root: root}, fs, fl, fi, fm, fn, nil)

	if err := loop.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(fl.pruned) != 2 {
		t.Fatalf("pruned = %v, want 2 entries", fl.pruned)
	}
	if len(fi.resynced) != 1 || fi.resynced[0] != "MDF18" {
		t.Fatalf("resynced = %v, want [MDF18]", fi.resynced)
	}
	if got := fn.published["CNC1"]; len(got) != 1 || got[0] != "locked_base.nc" {
		t.Fatalf("published = %v, want [locked_base.nc]", fn.published)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestDeriveKeyTruncatesToMaxLen(t *testing.T) {
	longLeaf := ""
	for i := 0; i < 150; i++ {
		longLeaf += "x"
	}
	key := deriveKey(longLeaf, "base")
	if len(key) > maxKeyLen {
		t.Fatalf("key length = %d, want <= %d", len(key), maxKeyLen)
	}
}
