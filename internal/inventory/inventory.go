// Package inventory requests a stock snapshot from the shared material
// library, diffs it against what was last seen, and surfaces both reserved
// stock changes and allocation conflicts (more jobs pre-reserved against a
// material than its reserved stock covers) to the UI bus.
package inventory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"nestwatcher/internal/csvcodec"
	"nestwatcher/internal/fsutil"
	"nestwatcher/internal/logging"
	"nestwatcher/internal/metrics"
	"nestwatcher/pkg/nestwatcher"
)

const (
	requestFileName  = "stock_request.csv"
	responseFileName = "stock.csv"
	requestBody      = "0\r\n!E"
)

// Store is the subset of internal/store.Store the inventory poller needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	UpsertInventoryRowTx(ctx context.Context, tx *sql.Tx, r nestwatcher.InventoryRow) error
	ListInventory(ctx context.Context) ([]nestwatcher.InventoryRow, error)
	DeleteInventoryRow(ctx context.Context, typeData int, customerID *string) error
	FindAllocationConflicts(ctx context.Context) ([]*nestwatcher.Job, error)
	InsertAppMessage(ctx context.Context, m nestwatcher.AppMessage) error
	ResyncReservedStock(ctx context.Context, material string) error
}

// Bus is the subset of internal/bus.Bus the inventory poller publishes
// through.
type Bus interface {
	PublishAppMessage(m nestwatcher.AppMessage)
	PublishDBNotify(channel string)
}

// PendingReleaseChecker lets the inventory poller ignore NC names the
// stage-sanity poller (C10) is in the middle of releasing, so a
// transient stock mismatch doesn't raise a false conflict alert.
type PendingReleaseChecker interface {
	IsPending(ncName string) bool
}

// Config controls where and how often the inventory poller talks to the
// material library's shared folder.
type Config struct {
	Folder       string
	Interval     time.Duration
	ResponseWait time.Duration
	ConflictTTL  time.Duration
	Stable       fsutil.StableConfig
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.ResponseWait <= 0 {
		c.ResponseWait = 3 * time.Second
	}
	if c.ConflictTTL <= 0 {
		c.ConflictTTL = 120 * time.Second
	}
	return c
}

// Poller drives the stock-request/stock-response protocol against
// Config.Folder on a fixed schedule.
type Poller struct {
	cfg     Config
	store   Store
	bus     Bus
	pending PendingReleaseChecker
	logger  *slog.Logger

	lastHash     string
	lastReserved map[string]int       // material -> reserved, from the previous snapshot
	conflicts    map[string]time.Time // material -> first time seen conflicting, for the grace window
}

// New builds a Poller. bus and pending may be nil.
func New(cfg Config, store Store, bus Bus, pending PendingReleaseChecker, logger *slog.Logger) *Poller {
	return &Poller{
		cfg:          cfg.withDefaults(),
		store:        store,
		bus:          bus,
		pending:      pending,
		logger:       logging.Component(logger, "inventory"),
		lastReserved: make(map[string]int),
		conflicts:    make(map[string]time.Time),
	}
}

// Run schedules the poller on cfg.Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("inventory: new scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(p.cfg.Interval),
		gocron.NewTask(func() {
			start := time.Now()
			err := p.tick(ctx)
			metrics.ObservePollerTick("inventory", time.Since(start))
			if err != nil {
				p.logger.Error("inventory tick failed", "error", err)
			}
		}),
		gocron.WithName("inventory"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("inventory: schedule job: %w", err)
	}
	scheduler.Start()
	p.logger.Info("inventory poller started", "folder", p.cfg.Folder, "interval", p.cfg.Interval)
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (p *Poller) tick(ctx context.Context) error {
	data, err := p.requestSnapshot(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil // no reply yet this tick; the request stays in flight
	}

	hash := hashBytes(data)
	if hash == p.lastHash {
		return nil
	}
	p.lastHash = hash

	rows := parseSnapshot(data)
	changed, err := p.reconcile(ctx, rows)
	if err != nil {
		return fmt.Errorf("reconcile snapshot: %w", err)
	}
	for _, c := range changed {
		p.publishStockChange(ctx, c)
	}

	if err := p.checkConflicts(ctx); err != nil {
		return fmt.Errorf("check conflicts: %w", err)
	}

	if p.bus != nil {
		p.bus.PublishDBNotify("grundner")
		p.bus.PublishDBNotify("allocated-material")
	}
	return nil
}

// requestSnapshot writes the request file if none is in flight, waits for
// a response, and returns its bytes — or nil if nothing arrived yet.
func (p *Poller) requestSnapshot(ctx context.Context) ([]byte, error) {
	requestPath := filepath.Join(p.cfg.Folder, requestFileName)
	if _, err := os.Stat(requestPath); err == nil {
		return p.tryReadResponse()
	}

	if err := fsutil.WriteAtomic(requestPath, []byte(requestBody), 0o644); err != nil {
		return nil, fmt.Errorf("write stock request: %w", err)
	}

	select {
	case <-time.After(p.cfg.ResponseWait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.tryReadResponse()
}

func (p *Poller) tryReadResponse() ([]byte, error) {
	responsePath := filepath.Join(p.cfg.Folder, responseFileName)
	if _, err := os.Stat(responsePath); err != nil {
		return nil, nil
	}
	if err := fsutil.WaitStable(context.Background(), responsePath, p.cfg.Stable); err != nil {
		return nil, nil
	}
	if err := fsutil.WaitRelease(context.Background(), responsePath, p.cfg.Stable); err != nil {
		return nil, nil
	}
	data, err := os.ReadFile(responsePath)
	if err != nil {
		return nil, nil
	}
	_ = os.Remove(responsePath)
	requestPath := filepath.Join(p.cfg.Folder, requestFileName)
	_ = os.Remove(requestPath)
	return data, nil
}

var headerSynonyms = map[string][]string{
	"type_data": {"type_data", "type"},
	"customer":  {"customer_id", "customer"},
	"length":    {"length_mm", "length"},
	"width":     {"width_mm", "width"},
	"thickness": {"thickness_mm", "thickness"},
	"stock":     {"stock"},
	"available": {"stock_available", "available"},
	"reserved":  {"reserved_stock", "reserved stock", "reserved"},
	"material":  {"material"},
}

// positional fallback column indices, used when the snapshot has no
// recognizable header row.
const (
	posTypeData  = 0
	posCustomer  = 1
	posLength    = 3
	posWidth     = 4
	posThickness = 5
	posStock     = 7
	posAvailable = 8
	posReserved  = 14
)

func parseSnapshot(data []byte) []nestwatcher.InventoryRow {
	table := csvcodec.Parse(data)
	if table.HasHeader {
		for _, names := range headerSynonyms {
			if table.Column(names...) >= 0 {
				return parseWithHeader(table)
			}
		}
		table.Rows = append([][]string{table.Header}, table.Rows...)
	}
	return parsePositional(table)
}

func parseWithHeader(table csvcodec.Table) []nestwatcher.InventoryRow {
	typeCol := table.Column(headerSynonyms["type_data"]...)
	custCol := table.Column(headerSynonyms["customer"]...)
	lenCol := table.Column(headerSynonyms["length"]...)
	widCol := table.Column(headerSynonyms["width"]...)
	thkCol := table.Column(headerSynonyms["thickness"]...)
	stockCol := table.Column(headerSynonyms["stock"]...)
	availCol := table.Column(headerSynonyms["available"]...)
	reservedCol := table.Column(headerSynonyms["reserved"]...)
	materialCol := table.Column(headerSynonyms["material"]...)

	out := make([]nestwatcher.InventoryRow, 0, len(table.Rows))
	for _, row := range table.Rows {
		out = append(out, nestwatcher.InventoryRow{
			TypeData:    atoiSafe(csvcodec.Cell(row, typeCol)),
			CustomerID:  nonEmptyPtr(csvcodec.Cell(row, custCol)),
			LengthMM:    atofSafe(csvcodec.Cell(row, lenCol)),
			WidthMM:     atofSafe(csvcodec.Cell(row, widCol)),
			ThicknessMM: atofSafe(csvcodec.Cell(row, thkCol)),
			Stock:       atoiSafe(csvcodec.Cell(row, stockCol)),
			Available:   atoiSafe(csvcodec.Cell(row, availCol)),
			Reserved:    atoiSafe(csvcodec.Cell(row, reservedCol)),
			Material:    csvcodec.Cell(row, materialCol),
		})
	}
	return out
}

func parsePositional(table csvcodec.Table) []nestwatcher.InventoryRow {
	out := make([]nestwatcher.InventoryRow, 0, len(table.Rows))
	for _, row := range table.Rows {
		out = append(out, nestwatcher.InventoryRow{
			TypeData:    atoiSafe(csvcodec.Cell(row, posTypeData)),
			CustomerID:  nonEmptyPtr(csvcodec.Cell(row, posCustomer)),
			LengthMM:    atofSafe(csvcodec.Cell(row, posLength)),
			WidthMM:     atofSafe(csvcodec.Cell(row, posWidth)),
			ThicknessMM: atofSafe(csvcodec.Cell(row, posThickness)),
			Stock:       atoiSafe(csvcodec.Cell(row, posStock)),
			Available:   atoiSafe(csvcodec.Cell(row, posAvailable)),
			Reserved:    atoiSafe(csvcodec.Cell(row, posReserved)),
		})
	}
	return out
}

// reconcile upserts the snapshot (insert/update), deletes rows no longer
// present, and returns the subset whose reserved count changed since the
// previous snapshot.
func (p *Poller) reconcile(ctx context.Context, rows []nestwatcher.InventoryRow) ([]nestwatcher.InventoryRow, error) {
	existing, err := p.store.ListInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("list existing inventory: %w", err)
	}
	present := make(map[string]bool, len(rows))
	for _, r := range rows {
		present[r.Key()] = true
	}
	for _, old := range existing {
		if !present[old.Key()] {
			if err := p.store.DeleteInventoryRow(ctx, old.TypeData, old.CustomerID); err != nil {
				return nil, fmt.Errorf("delete vanished row %s: %w", old.Key(), err)
			}
		}
	}

	var changed []nestwatcher.InventoryRow
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if prev, ok := p.lastReserved[r.Material]; !ok || prev != r.Reserved {
				changed = append(changed, r)
			}
			if err := p.store.UpsertInventoryRowTx(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		p.lastReserved[r.Material] = r.Reserved
	}
	return changed, nil
}

func (p *Poller) publishStockChange(ctx context.Context, r nestwatcher.InventoryRow) {
	msg := nestwatcher.AppMessage{
		Tone:   nestwatcher.ToneInfo,
		Title:  "stock updated",
		Body:   fmt.Sprintf("%s reserved now %d", r.Material, r.Reserved),
		Source: "inventory",
	}
	if err := p.store.InsertAppMessage(ctx, msg); err != nil {
		p.logger.Warn("insert app message failed", "error", err)
	}
	if p.bus != nil {
		p.bus.PublishAppMessage(msg)
	}
}

// checkConflicts runs the allocation-conflict query, ignores jobs whose NC
// name the stage-sanity poller just released, and alerts once a material
// has remained conflicting continuously for Config.ConflictTTL.
func (p *Poller) checkConflicts(ctx context.Context) error {
	conflicts, err := p.store.FindAllocationConflicts(ctx)
	if err != nil {
		return err
	}

	seenThisTick := make(map[string]bool)
	for _, job := range conflicts {
		if p.pending != nil && p.pending.IsPending(job.NCBase) {
			continue
		}
		seenThisTick[job.Material] = true
		first, tracked := p.conflicts[job.Material]
		if !tracked {
			p.conflicts[job.Material] = time.Now()
			continue
		}
		if time.Since(first) >= p.cfg.ConflictTTL {
			p.alertConflict(ctx, job.Material)
			delete(p.conflicts, job.Material) // alert once per sustained conflict
		}
	}

	for material := range p.conflicts {
		if !seenThisTick[material] {
			delete(p.conflicts, material)
		}
	}
	return nil
}

func (p *Poller) alertConflict(ctx context.Context, material string) {
	metrics.IncInventoryConflict()
	msg := nestwatcher.AppMessage{
		Tone:   nestwatcher.ToneWarning,
		Title:  "allocation conflict",
		Body:   fmt.Sprintf("%s no longer has enough reserved stock for its pre-reserved jobs", material),
		Source: "inventory",
	}
	if err := p.store.InsertAppMessage(ctx, msg); err != nil {
		p.logger.Warn("insert app message failed", "error", err)
	}
	if p.bus != nil {
		p.bus.PublishAppMessage(msg)
	}
}

// ResyncReservedStock satisfies internal/sanity.InventoryResync, letting
// the source-sanity poller ask this component to recompute reserved stock
// after it prunes a pre-reserved job out from under an inventory row.
func (p *Poller) ResyncReservedStock(ctx context.Context, material string) error {
	return p.store.ResyncReservedStock(ctx, material)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atofSafe(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
