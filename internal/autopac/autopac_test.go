package autopac

import (
	"context"
	"os"
	"testing"
	"time"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/pkg/nestwatcher"
)

var fastStable = Config{Stable: fsutil.StableConfig{PollInterval: time.Millisecond, QuietPeriod: time.Millisecond}}

type fakeLifecycle struct {
	calls []struct {
		key    string
		status nestwatcher.JobStatus
	}
}

func (f *fakeLifecycle) AutopacEvent(ctx context.Context, key string, to nestwatcher.JobStatus, machineID int64) error {
	f.calls = append(f.calls, struct {
		key    string
		status nestwatcher.JobStatus
	}{key, to})
	return nil
}

type fakeJobLookup struct {
	job *nestwatcher.Job
}

func (f *fakeJobLookup) FindJobByNCBase(ctx context.Context, base string, preferStatuses []nestwatcher.JobStatus) (*nestwatcher.Job, error) {
	return f.job, nil
}

type fakeHandoff struct {
	notified []string
}

func (f *fakeHandoff) NotifyCNCFinish(ctx context.Context, job *nestwatcher.Job, machine *nestwatcher.Machine) {
	f.notified = append(f.notified, job.Key)
}

type fakeBus struct {
	alerts   []string
	messages []nestwatcher.AppMessage
}

func (f *fakeBus) PublishUserAlert(source, title, message string) {
	f.alerts = append(f.alerts, message)
}

func (f *fakeBus) PublishAppMessage(m nestwatcher.AppMessage) {
	f.messages = append(f.messages, m)
}

type healthCall struct {
	kind string
	code string
}

type fakeHealth struct {
	calls []healthCall
}

func (f *fakeHealth) SetHealth(ctx context.Context, h nestwatcher.MachineHealth) error {
	f.calls = append(f.calls, healthCall{kind: "set", code: h.Code})
	return nil
}

func (f *fakeHealth) ClearHealth(ctx context.Context, machineID *int64, code string) error {
	f.calls = append(f.calls, healthCall{kind: "clear", code: code})
	return nil
}

func TestStageStatusMapsFilenames(t *testing.T) {
	cases := map[string]nestwatcher.JobStatus{
		"load_finish":  nestwatcher.JobStatusLoadFinish,
		"label_finish": nestwatcher.JobStatusLabelFinish,
		"cnc_finish":   nestwatcher.JobStatusCNCFinish,
		"bogus":        "",
	}
	for stage, want := range cases {
		if got := stageStatus(stage); got != want {
			t.Fatalf("stageStatus(%q) = %q, want %q", stage, got, want)
		}
	}
}

func TestFilenamePatternMatchesVariants(t *testing.T) {
	cases := []string{
		"load_finish-Job123.csv",
		"label_finish_Job123.csv",
		"cnc_finish Job123.csv",
		"CNC_FINISH-job123.csv",
	}
	for _, name := range cases {
		if m := filenamePattern.FindStringSubmatch(name); m == nil {
			t.Fatalf("expected %q to match", name)
		}
	}
	if m := filenamePattern.FindStringSubmatch("random.csv"); m != nil {
		t.Fatalf("did not expect random.csv to match")
	}
}

func TestHandleAppliesTransitionAndNotifiesOnCNCFinish(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cnc_finish-Job123.csv"
	writeFile(t, path, "nc_base\nJob123,m1\n")

	job := &nestwatcher.Job{Key: "folder/Job123", NCBase: "Job123", Status: nestwatcher.JobStatusLabelFinish}
	fl := &fakeLifecycle{}
	fj := &fakeJobLookup{job: job}
	fh := &fakeHandoff{}
	fb := &fakeBus{}
	fhe := &fakeHealth{}

	w := New(fastStable, fl, fj, fh, fb, fhe, nil)
	machine := &nestwatcher.Machine{ID: 1, Name: "m1"}
	w.handle(context.Background(), machine, path)

	if len(fl.calls) != 1 || fl.calls[0].status != nestwatcher.JobStatusCNCFinish {
		t.Fatalf("calls = %+v", fl.calls)
	}
	if len(fh.notified) != 1 {
		t.Fatalf("expected handoff notification, got %d", len(fh.notified))
	}
	if len(fb.messages) != 1 || fb.messages[0].Title != "cnc.completion" {
		t.Fatalf("expected cnc.completion app message, got %+v", fb.messages)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected processed csv to be deleted, stat err = %v", err)
	}
}

func TestHandleDedupsIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/load_finish-Job123.csv"
	writeFile(t, path, "nc_base\nJob123,m1\n")

	job := &nestwatcher.Job{Key: "folder/Job123", NCBase: "Job123", Status: nestwatcher.JobStatusStaged}
	fl := &fakeLifecycle{}
	fj := &fakeJobLookup{job: job}

	w := New(fastStable, fl, fj, nil, nil, nil, nil)
	machine := &nestwatcher.Machine{ID: 1, Name: "m1"}

	if w.seen(machine.ID, []byte("nc_base\nJob123,m1\n")) {
		t.Fatalf("first sighting should not be seen")
	}
	w.handle(context.Background(), machine, path)

	if len(fl.calls) != 0 {
		t.Fatalf("expected content already marked seen to short-circuit handle, got %+v", fl.calls)
	}
}

func TestHandleRejectsEmptyFileAsNoPartsCSV(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/load_finish-m1.csv"
	writeFile(t, path, "")

	fl := &fakeLifecycle{}
	fj := &fakeJobLookup{}
	fb := &fakeBus{}
	fhe := &fakeHealth{}

	w := New(fastStable, fl, fj, nil, fb, fhe, nil)
	machine := &nestwatcher.Machine{ID: 1, Name: "m1"}
	w.handle(context.Background(), machine, path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected rejected file to be deleted")
	}
	if len(fb.alerts) != 1 {
		t.Fatalf("expected one user alert, got %+v", fb.alerts)
	}
	if len(fhe.calls) != 1 || fhe.calls[0].code != nestwatcher.HealthCodeNoPartsCSV {
		t.Fatalf("expected NO_PARTS_CSV set, got %+v", fhe.calls)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("expected no transitions, got %+v", fl.calls)
	}
}

func TestHandleRejectsMissingMachineTokenAsGlobalCopyFailure(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/load_finish-m1.csv"
	writeFile(t, path, "nc_base\nJob123,other\n")

	fl := &fakeLifecycle{}
	fj := &fakeJobLookup{}
	fb := &fakeBus{}
	fhe := &fakeHealth{}

	w := New(fastStable, fl, fj, nil, fb, fhe, nil)
	machine := &nestwatcher.Machine{ID: 1, Name: "m1"}
	w.handle(context.Background(), machine, path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected rejected file to be deleted")
	}
	if len(fb.alerts) != 1 {
		t.Fatalf("expected one user alert, got %+v", fb.alerts)
	}
	if len(fhe.calls) != 1 || fhe.calls[0].code != nestwatcher.HealthCodeCopyFailure {
		t.Fatalf("expected COPY_FAILURE set, got %+v", fhe.calls)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("expected no transitions, got %+v", fl.calls)
	}
}

func TestExtractNCBasesReadsEveryRowIncludingBareSingleRow(t *testing.T) {
	table := csvcodec.Parse([]byte("JOB001,1\n"))
	bases := extractNCBases(table)
	if len(bases) != 1 || bases[0] != "JOB001" {
		t.Fatalf("bases = %v, want [JOB001]", bases)
	}

	table2 := csvcodec.Parse([]byte("nc_base\nJOB001.nc,1\nJOB002,1\n"))
	bases2 := extractNCBases(table2)
	if len(bases2) != 2 || bases2[0] != "JOB001" || bases2[1] != "JOB002" {
		t.Fatalf("bases2 = %v, want [JOB001 JOB002]", bases2)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
