package sanity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"nestwatcher/pkg/nestwatcher"
)

type fakeStageStore struct {
	staged   []*nestwatcher.Job
	machines map[int64]*nestwatcher.Machine
}

func (f *fakeStageStore) ListJobsByStatus(ctx context.Context, status nestwatcher.JobStatus) ([]*nestwatcher.Job, error) {
	return f.staged, nil
}

func (f *fakeStageStore) GetMachine(ctx context.Context, id int64) (*nestwatcher.Machine, error) {
	return f.machines[id], nil
}

type fakeStageLifecycle struct {
	reverted []string
}

func (f *fakeStageLifecycle) RevertStage(ctx context.Context, key string) error {
	f.reverted = append(f.reverted, key)
	return nil
}

type fakeNotifier struct {
	calls []struct {
		machine string
		names   []string
	}
}

func (f *fakeNotifier) PublishDelete(ctx context.Context, machine *nestwatcher.Machine, ncNames []string) error {
	f.calls = append(f.calls, struct {
		machine string
		names   []string
	}{machine.Name, ncNames})
	return nil
}

func TestStagePollerRevertsJobsMissingFromStagingFolder(t *testing.T) {
	stagingDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stagingDir, "JOB002.nc"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	machineID := int64(1)
	jobs := []*nestwatcher.Job{
		{Key: "folder/JOB001", NCBase: "JOB001", Status: nestwatcher.JobStatusStaged, MachineID: &machineID},
		{Key: "folder/JOB002", NCBase: "JOB002", Status: nestwatcher.JobStatusStaged, MachineID: &machineID},
	}
	store := &fakeStageStore{
		staged:   jobs,
		machines: map[int64]*nestwatcher.Machine{1: {ID: 1, Name: "m1", APJobfolder: stagingDir}},
	}
	lifecycle := &fakeStageLifecycle{}
	notifier := &fakeNotifier{}

	p := NewStagePoller(StageConfig{}, store, lifecycle, notifier, nil)
	if err := p.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(lifecycle.reverted) != 1 || lifecycle.reverted[0] != "folder/JOB001" {
		t.Fatalf("reverted = %+v, want only folder/JOB001", lifecycle.reverted)
	}
	if len(notifier.calls) != 1 || len(notifier.calls[0].names) != 1 || notifier.calls[0].names[0] != "JOB001.nc" {
		t.Fatalf("notifier calls = %+v", notifier.calls)
	}
	if !p.Pending().IsPending("JOB001") {
		t.Fatalf("expected JOB001 marked pending-release")
	}
}

func TestStagePollerSkipsMachineWithUnreadableFolder(t *testing.T) {
	machineID := int64(1)
	jobs := []*nestwatcher.Job{
		{Key: "folder/JOB001", NCBase: "JOB001", Status: nestwatcher.JobStatusStaged, MachineID: &machineID},
	}
	store := &fakeStageStore{
		staged:   jobs,
		machines: map[int64]*nestwatcher.Machine{1: {ID: 1, Name: "m1", APJobfolder: "/does/not/exist"}},
	}
	lifecycle := &fakeStageLifecycle{}

	p := NewStagePoller(StageConfig{}, store, lifecycle, nil, nil)
	if err := p.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(lifecycle.reverted) != 0 {
		t.Fatalf("expected no reverts when staging folder is unreadable, got %+v", lifecycle.reverted)
	}
}

func TestStagePollerSkipsJobsWithoutMachine(t *testing.T) {
	jobs := []*nestwatcher.Job{
		{Key: "folder/JOB003", NCBase: "JOB003", Status: nestwatcher.JobStatusStaged},
	}
	store := &fakeStageStore{staged: jobs, machines: map[int64]*nestwatcher.Machine{}}
	lifecycle := &fakeStageLifecycle{}

	p := NewStagePoller(StageConfig{}, store, lifecycle, nil, nil)
	if err := p.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(lifecycle.reverted) != 0 {
		t.Fatalf("expected no reverts for unassigned jobs, got %+v", lifecycle.reverted)
	}
}
