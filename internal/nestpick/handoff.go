// Package nestpick publishes the hand-off CSV that tells Nestpick where to
// find a cut job (handoff.go), and watches Nestpick's unstack report to
// learn when a job has been physically unloaded and palletized
// (unstack.go).
package nestpick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/logging"
	"nestwatcher/pkg/nestwatcher"
)

// nestpickOutputFile is the fixed filename the hand-off always publishes
// into a machine's Nestpick folder, regardless of the source CSV's name.
const nestpickOutputFile = "Nestpick.csv"

// nestpickDestination is the literal value written into every data row's
// Destination column; Nestpick has no notion of a destination beyond
// "accept this load".
const nestpickDestination = "99"

// Lifecycle is the subset of internal/lifecycle.Engine the hand-off needs.
type Lifecycle interface {
	ForwardToNestpick(ctx context.Context, key string, machineID int64) error
}

// Health lets the hand-off raise/clear the COPY_FAILURE condition for a
// machine without importing internal/store directly.
type Health interface {
	SetHealth(ctx context.Context, h nestwatcher.MachineHealth) error
	ClearHealth(ctx context.Context, machineID *int64, code string) error
}

// HandoffConfig names the columns the hand-off CSV rewrites and the
// timing parameters it waits on.
type HandoffConfig struct {
	DestinationColumn  []string
	SourceColumnHeader []string
	// Stable bounds the parts-CSV stability wait (step 2).
	Stable fsutil.StableConfig
	// SlotTimeout bounds how long the hand-off waits for the previous
	// Nestpick.csv to be consumed before giving up (C2.3).
	SlotTimeout time.Duration
}

func (c HandoffConfig) withDefaults() HandoffConfig {
	if len(c.DestinationColumn) == 0 {
		c.DestinationColumn = []string{"destination", "dest"}
	}
	if len(c.SourceColumnHeader) == 0 {
		c.SourceColumnHeader = []string{"source_machine", "source"}
	}
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = 5 * time.Minute
	}
	return c
}

// Handoff publishes the CSV that tells Nestpick which machine produced a
// job and where to route it, then advances the job to
// FORWARDED_TO_NESTPICK.
type Handoff struct {
	cfg       HandoffConfig
	lifecycle Lifecycle
	health    Health
	logger    *slog.Logger
}

// NewHandoff builds a Handoff.
func NewHandoff(cfg HandoffConfig, lifecycle Lifecycle, health Health, logger *slog.Logger) *Handoff {
	return &Handoff{cfg: cfg.withDefaults(), lifecycle: lifecycle, health: health, logger: logging.Component(logger, "nestpick-handoff")}
}

// NotifyCNCFinish is the autopac.HandoffNotifier entry point: it locates
// the job's parts CSV, rewrites its Destination/SourceMachine columns,
// publishes it atomically into the machine's Nestpick folder, and
// transitions the job.
func (h *Handoff) NotifyCNCFinish(ctx context.Context, job *nestwatcher.Job, machine *nestwatcher.Machine) {
	if !machine.HandoffEnabled {
		return
	}
	sourceCsv, err := h.publish(ctx, job, machine)
	if err != nil {
		h.logger.Error("hand-off failed", "job_key", job.Key, "machine", machine.Name, "error", err)
		if h.health != nil {
			ctxBlob, _ := json.Marshal(struct {
				JobKey            string `json:"jobKey"`
				SourceCsv         string `json:"sourceCsv"`
				DestinationFolder string `json:"destinationFolder"`
			}{JobKey: job.Key, SourceCsv: sourceCsv, DestinationFolder: machine.NestpickFolder})
			_ = h.health.SetHealth(ctx, nestwatcher.MachineHealth{
				MachineID: &machine.ID,
				Code:      nestwatcher.HealthCodeCopyFailure,
				Severity:  nestwatcher.HealthWarning,
				Message:   err.Error(),
				Context:   ctxBlob,
			})
		}
		return
	}
	if h.health != nil {
		_ = h.health.ClearHealth(ctx, &machine.ID, nestwatcher.HealthCodeCopyFailure)
	}
	if err := h.lifecycle.ForwardToNestpick(ctx, job.Key, machine.ID); err != nil {
		h.logger.Warn("forward-to-nestpick transition rejected", "job_key", job.Key, "error", err)
	}
}

// publish runs §4.8's algorithm and returns the source CSV path it located
// (even on failure, so callers can report it in a health context blob).
func (h *Handoff) publish(ctx context.Context, job *nestwatcher.Job, machine *nestwatcher.Machine) (string, error) {
	folderLeaf := filepath.Base(job.Folder)
	partsPath, err := findPartsCSV(machine.APJobfolder, folderLeaf, job.NCBase)
	if err != nil {
		return "", fmt.Errorf("locate parts csv: %w", err)
	}

	if err := fsutil.WaitStable(ctx, partsPath, h.cfg.Stable); err != nil {
		return partsPath, fmt.Errorf("wait parts csv stable: %w", err)
	}
	data, err := os.ReadFile(partsPath)
	if err != nil {
		return partsPath, fmt.Errorf("read parts csv: %w", err)
	}

	table := csvcodec.Parse(data)
	header, rows := rewriteHandoffRows(table, h.cfg.DestinationColumn, h.cfg.SourceColumnHeader, strconv.FormatInt(machine.ID, 10))

	outPath := filepath.Join(machine.NestpickFolder, nestpickOutputFile)
	slotCfg := h.cfg.Stable
	slotCfg.Timeout = h.cfg.SlotTimeout
	if err := fsutil.WaitSlot(ctx, outPath, slotCfg); err != nil {
		return partsPath, fmt.Errorf("wait output slot: %w", err)
	}
	if err := fsutil.WriteAtomic(outPath, csvcodec.Write(header, rows), 0o644); err != nil {
		return partsPath, fmt.Errorf("publish nestpick csv: %w", err)
	}
	if err := os.Remove(partsPath); err != nil && !os.IsNotExist(err) {
		return partsPath, fmt.Errorf("remove staging csv: %w", err)
	}
	return partsPath, nil
}

// rewriteHandoffRows applies §4.8 step 3: the header (if any) gets its
// destination/source columns renamed to the fixed names Destination and
// SourceMachine, appending them when absent; every data row gets
// destValue/srcValue written into those columns. A headerless table keeps
// no header line, per the spec's explicit fallback.
func rewriteHandoffRows(table csvcodec.Table, destNames, srcNames []string, srcValue string) ([]string, [][]string) {
	if !table.HasHeader {
		rows := make([][]string, len(table.Rows))
		for i, row := range table.Rows {
			rows[i] = append(append([]string(nil), row...), nestpickDestination, srcValue)
		}
		return nil, rows
	}

	destCol := table.Column(destNames...)
	srcCol := table.Column(srcNames...)

	header := append([]string(nil), table.Header...)
	if destCol < 0 {
		header = append(header, "Destination")
		destCol = len(header) - 1
	} else {
		header[destCol] = "Destination"
	}
	if srcCol < 0 {
		header = append(header, "SourceMachine")
		srcCol = len(header) - 1
	} else {
		header[srcCol] = "SourceMachine"
	}

	width := len(header)
	rows := make([][]string, len(table.Rows))
	for i, row := range table.Rows {
		out := make([]string, width)
		copy(out, row)
		out[destCol] = nestpickDestination
		out[srcCol] = srcValue
		rows[i] = out
	}
	return header, rows
}

// findPartsCSV implements §4.8 step 1: prefer the subdirectory under
// apJobfolder named after the job's folder leaf, otherwise walk apJobfolder
// to depth 2 for a file whose lowercased name equals "<base>.csv" or begins
// with "<base>".
func findPartsCSV(apJobfolder, folderLeaf, base string) (string, error) {
	match := partsCSVMatcher(base)

	if folderLeaf != "" {
		subdir := filepath.Join(apJobfolder, folderLeaf)
		if info, err := os.Stat(subdir); err == nil && info.IsDir() {
			if path, err := searchDepth(subdir, 2, match); err == nil && path != "" {
				return path, nil
			}
		}
	}

	path, err := searchDepth(apJobfolder, 2, match)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no parts csv found under %s for base %s", apJobfolder, base)
	}
	return path, nil
}

func partsCSVMatcher(base string) func(name string) bool {
	lowerBase := strings.ToLower(base)
	return func(name string) bool {
		lname := strings.ToLower(name)
		if !strings.HasSuffix(lname, ".csv") {
			return false
		}
		return lname == lowerBase+".csv" || strings.HasPrefix(lname, lowerBase)
	}
}

// searchDepth walks root up to depth additional levels looking for a file
// satisfying match, returning the first one found or "" if none.
func searchDepth(root string, depth int, match func(string) bool) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if depth > 0 {
				found, err := searchDepth(filepath.Join(root, entry.Name()), depth-1, match)
				if err != nil {
					continue
				}
				if found != "" {
					return found, nil
				}
			}
			continue
		}
		if match(entry.Name()) {
			return filepath.Join(root, entry.Name()), nil
		}
	}
	return "", nil
}
