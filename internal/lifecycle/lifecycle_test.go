package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"nestwatcher/internal/store"
	"nestwatcher/pkg/nestwatcher"
)

// fakeStore is an in-memory Store used to exercise the transition table
// without a database connection.
type fakeStore struct {
	jobs   map[string]*nestwatcher.Job
	events []nestwatcher.JobEvent
}

func newFakeStore(jobs ...*nestwatcher.Job) *fakeStore {
	fs := &fakeStore{jobs: map[string]*nestwatcher.Job{}}
	for _, j := range jobs {
		fs.jobs[j.Key] = j
	}
	return fs
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) GetJobTx(ctx context.Context, tx *sql.Tx, key string) (*nestwatcher.Job, error) {
	j, ok := f.jobs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, key string, status nestwatcher.JobStatus) error {
	j, ok := f.jobs[key]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	return nil
}

func (f *fakeStore) SetJobMachineTx(ctx context.Context, tx *sql.Tx, key string, machineID int64) error {
	f.jobs[key].MachineID = &machineID
	return nil
}

func (f *fakeStore) ClearJobMachineAndStageTx(ctx context.Context, tx *sql.Tx, key string) error {
	j := f.jobs[key]
	j.MachineID = nil
	j.StagedAt = nil
	j.Status = nestwatcher.JobStatusPending
	return nil
}

func (f *fakeStore) SetJobCutTimeTx(ctx context.Context, tx *sql.Tx, key string) error {
	return nil
}

func (f *fakeStore) SetJobPalletTx(ctx context.Context, tx *sql.Tx, key, pallet string) error {
	p := pallet
	f.jobs[key].Pallet = &p
	return nil
}

func (f *fakeStore) SetJobNestpickCompleteTx(ctx context.Context, tx *sql.Tx, key string) error {
	f.jobs[key].Status = nestwatcher.JobStatusNestpickComplete
	return nil
}

func (f *fakeStore) AppendJobEventTx(ctx context.Context, tx *sql.Tx, ev nestwatcher.JobEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) DeleteJob(ctx context.Context, key string) error {
	delete(f.jobs, key)
	return nil
}

func TestStageAcceptsPendingJob(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusPending})
	e := New(fs, nil, nil)

	if err := e.Stage(context.Background(), "j1", 7); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if fs.jobs["j1"].Status != nestwatcher.JobStatusStaged {
		t.Fatalf("status = %v, want STAGED", fs.jobs["j1"].Status)
	}
	if *fs.jobs["j1"].MachineID != 7 {
		t.Fatalf("machine id not set")
	}
	if len(fs.events) != 1 || fs.events[0].Kind != nestwatcher.EventKindWorklistStaged {
		t.Fatalf("unexpected events: %+v", fs.events)
	}
}

func TestStageRejectsAlreadyStagedJob(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusStaged})
	e := New(fs, nil, nil)

	err := e.Stage(context.Background(), "j1", 7)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("err = %v, want ErrStaleState", err)
	}
}

func TestStageUnknownJob(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, nil, nil)

	err := e.Stage(context.Background(), "ghost", 1)
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestRevertStageClearsMachine(t *testing.T) {
	machineID := int64(3)
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusStaged, MachineID: &machineID})
	e := New(fs, nil, nil)

	if err := e.RevertStage(context.Background(), "j1"); err != nil {
		t.Fatalf("RevertStage: %v", err)
	}
	if fs.jobs["j1"].MachineID != nil {
		t.Fatalf("machine id should be cleared")
	}
	if fs.jobs["j1"].Status != nestwatcher.JobStatusPending {
		t.Fatalf("status = %v, want PENDING", fs.jobs["j1"].Status)
	}
}

func TestAutopacEventWalksStatuses(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusStaged})
	e := New(fs, nil, nil)

	if err := e.AutopacEvent(context.Background(), "j1", nestwatcher.JobStatusLoadFinish, 1); err != nil {
		t.Fatalf("load_finish: %v", err)
	}
	if err := e.AutopacEvent(context.Background(), "j1", nestwatcher.JobStatusLabelFinish, 1); err != nil {
		t.Fatalf("label_finish: %v", err)
	}
	if err := e.AutopacEvent(context.Background(), "j1", nestwatcher.JobStatusCNCFinish, 1); err != nil {
		t.Fatalf("cnc_finish: %v", err)
	}
	if fs.jobs["j1"].Status != nestwatcher.JobStatusCNCFinish {
		t.Fatalf("status = %v, want CNC_FINISH", fs.jobs["j1"].Status)
	}
}

func TestAutopacEventRejectsOutOfOrder(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusStaged})
	e := New(fs, nil, nil)

	err := e.AutopacEvent(context.Background(), "j1", nestwatcher.JobStatusCNCFinish, 1)
	if err == nil {
		t.Fatal("expected an error skipping load_finish/label_finish")
	}
}

func TestCompleteNestpickPreservesMachineID(t *testing.T) {
	machineID := int64(5)
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusForwardedToNestpick, MachineID: &machineID})
	e := New(fs, nil, nil)

	if err := e.CompleteNestpick(context.Background(), "j1", "PALLET-9"); err != nil {
		t.Fatalf("CompleteNestpick: %v", err)
	}
	if fs.jobs["j1"].Status != nestwatcher.JobStatusNestpickComplete {
		t.Fatalf("status = %v, want NESTPICK_COMPLETE", fs.jobs["j1"].Status)
	}
	if *fs.jobs["j1"].MachineID != 5 {
		t.Fatalf("machine id should not change on unstack completion")
	}
	if *fs.jobs["j1"].Pallet != "PALLET-9" {
		t.Fatalf("pallet = %v, want PALLET-9", fs.jobs["j1"].Pallet)
	}
}

func TestPruneMissingSourceDeletesJob(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusPending})
	e := New(fs, nil, nil)

	if err := e.PruneMissingSource(context.Background(), "j1"); err != nil {
		t.Fatalf("PruneMissingSource: %v", err)
	}
	if _, ok := fs.jobs["j1"]; ok {
		t.Fatalf("job should have been deleted")
	}
}

type recordingBus struct {
	msgs []any
}

func (b *recordingBus) PublishJobEvent(source string, msg any) { b.msgs = append(b.msgs, msg) }

func TestStagePublishesToBus(t *testing.T) {
	fs := newFakeStore(&nestwatcher.Job{Key: "j1", Status: nestwatcher.JobStatusPending})
	bus := &recordingBus{}
	e := New(fs, bus, nil)

	if err := e.Stage(context.Background(), "j1", 1); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(bus.msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(bus.msgs))
	}
}
