package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const lotPrefix = "LOTNUM"

// OutputEnumerator lists every output record in the system, archived ones included.
type OutputEnumerator interface {
	EnumerateAllOutputRecords(ctx context.Context) ([]OutputRecord, error)
}

// LotGenerator issues LOTNUM{seq:03d}-{year} identifiers.
type LotGenerator struct {
	source  OutputEnumerator
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	issued map[int]int
}

// NewLotGenerator constructs a generator backed by the system-wide output scan.
func NewLotGenerator(source OutputEnumerator, logger *slog.Logger) *LotGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LotGenerator{
		source: source,
		logger: logger,
		now:    time.Now,
		issued: make(map[int]int),
	}
}

// WithNow overrides the clock for deterministic tests.
func (g *LotGenerator) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// WithMetrics attaches workflow metrics.
func (g *LotGenerator) WithMetrics(m *Metrics) {
	g.metrics = m
}

// Next returns the next lot number for the current year. It never blocks the
// workflow: when enumeration fails a timestamp-derived sequence is used.
func (g *LotGenerator) Next(ctx context.Context) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	year := now.Year()
	seq := 0
	if g.source == nil {
		seq = g.fallback(now, year, fmt.Errorf("factory: no output enumerator configured"))
	} else if records, err := g.source.EnumerateAllOutputRecords(ctx); err != nil {
		seq = g.fallback(now, year, err)
	} else {
		seq = max(HighestSequence(records, year), g.issued[year]) + 1
	}
	if seq > g.issued[year] {
		g.issued[year] = seq
	}
	return FormatLotNumber(seq, year)
}

// Release returns an issued lot number whose record was never stored, so the
// next call reuses its sequence. Only the most recent issue can be released.
func (g *LotGenerator) Release(lot string) {
	seq, year, ok := ParseLotNumber(lot)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.issued[year] == seq {
		g.issued[year] = seq - 1
	}
}

func (g *LotGenerator) fallback(now time.Time, year int, cause error) int {
	seq := int(now.UnixMilli()%999) + 1
	if seq <= g.issued[year] {
		seq = g.issued[year] + 1
	}
	g.logger.Warn("lot number enumeration failed, using fallback sequence",
		slog.Int("year", year), slog.Int("sequence", seq), slog.Any("error", cause))
	g.metrics.LotFallback()
	return seq
}

// FormatLotNumber renders a lot number.
func FormatLotNumber(seq, year int) string {
	return fmt.Sprintf("%s%03d-%d", lotPrefix, seq, year)
}

// ParseLotNumber splits a lot number into its sequence and year.
func ParseLotNumber(lot string) (seq, year int, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(lot), lotPrefix)
	if !found {
		return 0, 0, false
	}
	idx := strings.LastIndexByte(rest, '-')
	if idx <= 0 {
		return 0, 0, false
	}
	seq, err := strconv.Atoi(rest[:idx])
	if err != nil || seq < 0 {
		return 0, 0, false
	}
	year, err = strconv.Atoi(rest[idx+1:])
	if err != nil {
		return 0, 0, false
	}
	return seq, year, true
}

// HighestSequence returns the largest sequence issued for year, or zero.
func HighestSequence(records []OutputRecord, year int) int {
	highest := 0
	for _, rec := range records {
		seq, y, ok := ParseLotNumber(rec.BatchLotNumber)
		if !ok || y != year {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	return highest
}

// LotCollision reports a lot number held by more than one output record.
type LotCollision struct {
	LotNumber string   `json:"lot_number"`
	BatchIDs  []string `json:"batch_ids"`
	Count     int      `json:"count"`
}

// FindLotCollisions groups records sharing a lot number, sorted by lot number.
func FindLotCollisions(records []OutputRecord) []LotCollision {
	grouped := make(map[string][]string)
	for _, rec := range records {
		if rec.BatchLotNumber == "" {
			continue
		}
		grouped[rec.BatchLotNumber] = append(grouped[rec.BatchLotNumber], rec.BatchID)
	}
	var collisions []LotCollision
	for lot, batches := range grouped {
		if len(batches) < 2 {
			continue
		}
		collisions = append(collisions, LotCollision{LotNumber: lot, BatchIDs: batches, Count: len(batches)})
	}
	sort.Slice(collisions, func(i, j int) bool { return collisions[i].LotNumber < collisions[j].LotNumber })
	return collisions
}
