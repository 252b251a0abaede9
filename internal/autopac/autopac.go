// Package autopac watches each machine's AutoPAC job folder (depth 3) for
// the CSV artifacts AutoPAC drops as it loads, labels, and cuts a job, and
// drives the corresponding lifecycle transitions.
package autopac

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/fsnotify/fsnotify"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/logging"
	"nestwatcher/pkg/nestwatcher"
)

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// filenamePattern matches the three AutoPAC completion artifacts, with the
// machine token captured after the stage name (validateAutopacCSV checks
// that it appears in the file's contents).
var filenamePattern = regexp.MustCompile(`(?i)^(load_finish|label_finish|cnc_finish)[-_ ]?(.+)\.csv$`)

// ncBasePattern matches one candidate NC base name in column 0 of an
// AutoPAC completion CSV.
var ncBasePattern = regexp.MustCompile(`(?i)^[A-Za-z0-9_.-]+$`)

const dedupCacheSize = 200

// Lifecycle is the subset of internal/lifecycle.Engine the watcher drives.
type Lifecycle interface {
	AutopacEvent(ctx context.Context, key string, to nestwatcher.JobStatus, machineID int64) error
}

// JobLookup resolves an nc_base token to the job it belongs to.
type JobLookup interface {
	FindJobByNCBase(ctx context.Context, base string, preferStatuses []nestwatcher.JobStatus) (*nestwatcher.Job, error)
}

// HandoffNotifier is called after a cnc_finish event lands, so the
// Nestpick hand-off component can publish its CSV without its own watcher
// on the same folder.
type HandoffNotifier interface {
	NotifyCNCFinish(ctx context.Context, job *nestwatcher.Job, machine *nestwatcher.Machine)
}

// Bus lets the watcher raise a modal alert and emit the cnc.completion UI
// message without importing internal/bus directly.
type Bus interface {
	PublishUserAlert(source, title, message string)
	PublishAppMessage(m nestwatcher.AppMessage)
}

// Health lets the watcher raise/clear the NO_PARTS_CSV and COPY_FAILURE
// conditions without importing internal/store directly.
type Health interface {
	SetHealth(ctx context.Context, h nestwatcher.MachineHealth) error
	ClearHealth(ctx context.Context, machineID *int64, code string) error
}

// Config controls the watcher's behavior.
type Config struct {
	// PreferStatuses is the status preference order passed to
	// JobLookup.FindJobByNCBase (spec's Open Question #3; empty means
	// "most recently detected, regardless of status").
	PreferStatuses []nestwatcher.JobStatus
	Stable         fsutil.StableConfig
}

// Watcher watches every machine's AutoPAC folder for completion CSVs.
type Watcher struct {
	cfg       Config
	lifecycle Lifecycle
	jobs      JobLookup
	handoff   HandoffNotifier
	bus       Bus
	health    Health
	logger    *slog.Logger

	mu    sync.Mutex
	dedup map[int64][]string // machineID -> recent content hashes, most recent first
}

// New builds a Watcher. bus and health may both be nil, in which case user
// alerts/UI messages and health tracking are skipped (validation and
// lifecycle transitions still happen).
func New(cfg Config, lifecycle Lifecycle, jobs JobLookup, handoff HandoffNotifier, bus Bus, health Health, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:       cfg,
		lifecycle: lifecycle,
		jobs:      jobs,
		handoff:   handoff,
		bus:       bus,
		health:    health,
		logger:    logging.Component(logger, "autopac"),
		dedup:     make(map[int64][]string),
	}
}

// Run watches every machine's AP job folder until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, machines []*nestwatcher.Machine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("autopac: new watcher: %w", err)
	}
	defer watcher.Close()

	byDir := make(map[string]*nestwatcher.Machine)
	for _, m := range machines {
		if err := addRecursive(watcher, m.APJobfolder, 3); err != nil {
			w.logger.Warn("failed to watch machine folder", "machine", m.Name, "folder", m.APJobfolder, "error", err)
			continue
		}
		byDir[filepath.Clean(m.APJobfolder)] = m
	}

	w.logger.Info("autopac watcher started", "machines", len(byDir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			machine := matchMachine(byDir, event.Name)
			if machine == nil {
				continue
			}
			w.handle(ctx, machine, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func matchMachine(byDir map[string]*nestwatcher.Machine, path string) *nestwatcher.Machine {
	dir := filepath.Clean(path)
	for {
		if m, ok := byDir[dir]; ok {
			return m
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

func (w *Watcher) handle(ctx context.Context, machine *nestwatcher.Machine, path string) {
	name := filepath.Base(path)
	match := filenamePattern.FindStringSubmatch(name)
	if match == nil {
		return
	}
	stage := strings.ToLower(match[1])
	token := match[2]

	status := stageStatus(stage)
	if status == "" {
		return
	}

	if err := fsutil.WaitStable(ctx, path, w.cfg.Stable); err != nil {
		w.logger.Warn("file never stabilized", "path", path, "error", err)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read failed", "path", path, "error", err)
		return
	}
	if w.seen(machine.ID, data) {
		return
	}

	table := csvcodec.Parse(data)
	if reason, code, global := validateAutopacCSV(data, table, token); reason != "" {
		w.reject(ctx, machine, path, reason, code, global)
		return
	}

	bases := extractNCBases(table)
	if len(bases) == 0 {
		w.reject(ctx, machine, path, fmt.Sprintf("%s: no nc base names found in column 0", name), nestwatcher.HealthCodeNoPartsCSV, false)
		return
	}

	processed := false
	for _, base := range bases {
		job, err := w.jobs.FindJobByNCBase(ctx, base, w.cfg.PreferStatuses)
		if err != nil {
			w.logger.Warn("no job matches nc_base", "nc_base", base, "stage", stage, "error", err)
			continue
		}

		if err := w.lifecycle.AutopacEvent(ctx, job.Key, status, machine.ID); err != nil {
			w.logger.Warn("autopac transition rejected", "job_key", job.Key, "stage", stage, "error", err)
			continue
		}
		processed = true

		if status == nestwatcher.JobStatusCNCFinish {
			job.Status = nestwatcher.JobStatusCNCFinish
			if w.handoff != nil {
				w.handoff.NotifyCNCFinish(ctx, job, machine)
			}
			if w.bus != nil {
				w.bus.PublishAppMessage(nestwatcher.AppMessage{
					Tone:   nestwatcher.ToneInfo,
					Title:  "cnc.completion",
					Body:   fmt.Sprintf("%s finished cutting on %s", job.NCBase, machine.Name),
					Source: "autopac",
				})
			}
		}
	}

	if !processed {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("remove processed autopac csv failed", "path", path, "error", err)
	}
	if w.health != nil {
		_ = w.health.ClearHealth(ctx, &machine.ID, nestwatcher.HealthCodeNoPartsCSV)
	}
}

// reject implements the "any validation failure" recovery common to steps 2
// and 3: delete the file, raise a user alert with a precise reason, and set
// the given health code (global when machineID is nil, matching the spec's
// distinction between a scoped NO_PARTS_CSV and a global COPY_FAILURE).
func (w *Watcher) reject(ctx context.Context, machine *nestwatcher.Machine, path, reason, code string, global bool) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("remove rejected autopac csv failed", "path", path, "error", err)
	}
	if w.bus != nil {
		w.bus.PublishUserAlert("autopac", "AutoPAC file rejected", reason)
	}
	if code != "" && w.health != nil {
		machineID := &machine.ID
		if global {
			machineID = nil
		}
		_ = w.health.SetHealth(ctx, nestwatcher.MachineHealth{
			MachineID: machineID,
			Code:      code,
			Severity:  nestwatcher.HealthWarning,
			Message:   reason,
		})
	}
	w.logger.Warn("autopac validation failed", "path", path, "reason", reason)
}

func stageStatus(stage string) nestwatcher.JobStatus {
	switch stage {
	case "load_finish":
		return nestwatcher.JobStatusLoadFinish
	case "label_finish":
		return nestwatcher.JobStatusLabelFinish
	case "cnc_finish":
		return nestwatcher.JobStatusCNCFinish
	default:
		return ""
	}
}

// validateAutopacCSV implements §4.7 step 2. It returns an empty reason on
// success; otherwise reason, the health code to set (possibly empty), and
// whether that code is global (machine token absent) rather than scoped to
// machine (every other validation failure).
func validateAutopacCSV(data []byte, table csvcodec.Table, token string) (reason, code string, global bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "file is empty", nestwatcher.HealthCodeNoPartsCSV, false
	}
	text := string(data)
	if !strings.ContainsAny(text, ",;") {
		return "no delimiter found in file", nestwatcher.HealthCodeNoPartsCSV, false
	}

	rows := dataRows(table)
	wideRow := false
	for _, row := range rows {
		if len(row) >= 2 {
			wideRow = true
			break
		}
	}
	if !wideRow {
		return "no row with at least two columns", nestwatcher.HealthCodeNoPartsCSV, false
	}

	if !machineTokenPresent(text, token) {
		return "machine token not present in file", nestwatcher.HealthCodeCopyFailure, true
	}
	return "", "", false
}

// dataRows returns the rows a caller should treat as data, folding csvcodec's
// header back in as a data row when it produced no other rows at all: a
// single-line CSV whose only row contains a letter (e.g. "JOB001,1") is
// classified as a header by csvcodec's generic heuristic, but here it is the
// one real row AutoPAC wrote.
func dataRows(table csvcodec.Table) [][]string {
	if len(table.Rows) == 0 && table.HasHeader && len(table.Header) > 0 {
		return [][]string{table.Header}
	}
	return table.Rows
}

// machineTokenPresent reports whether token appears verbatim in text once
// both are lowercased and stripped of non-alphanumeric characters.
func machineTokenPresent(text, token string) bool {
	needle := normalizeToken(token)
	if needle == "" {
		return false
	}
	return strings.Contains(normalizeToken(text), needle)
}

func normalizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// extractNCBases implements §4.7 step 3: every row's column 0, matched
// against ncBasePattern and de-duplicated, with a trailing .nc extension
// stripped so the result matches a job's stored nc_base.
func extractNCBases(table csvcodec.Table) []string {
	rows := dataRows(table)

	seen := make(map[string]bool)
	var bases []string
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell := strings.TrimSpace(row[0])
		if cell == "" || !ncBasePattern.MatchString(cell) {
			continue
		}
		base := cell
		if ext := filepath.Ext(base); strings.EqualFold(ext, ".nc") {
			base = base[:len(base)-len(ext)]
		}
		if seen[base] {
			continue
		}
		seen[base] = true
		bases = append(bases, base)
	}
	return bases
}

// seen reports whether data's hash was already processed recently for
// machineID, recording it if not. Grounded on the teacher's webhook
// deliveryCache: a bounded, most-recent-first list guarding against
// fsnotify's habit of firing multiple events for one logical write.
func (w *Watcher) seen(machineID int64, data []byte) bool {
	sum := hashBytes(data)
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, h := range w.dedup[machineID] {
		if h == sum {
			return true
		}
	}
	list := append([]string{sum}, w.dedup[machineID]...)
	if len(list) > dedupCacheSize {
		list = list[:dedupCacheSize]
	}
	w.dedup[machineID] = list
	return false
}

func addRecursive(watcher *fsnotify.Watcher, root string, depth int) error {
	if depth < 0 {
		return nil
	}
	if err := watcher.Add(root); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil // directory may not exist yet; fsnotify on parent will pick up creation
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = addRecursive(watcher, filepath.Join(root, entry.Name()), depth-1)
		}
	}
	return nil
}
