// Package stats keeps rolling execution counters and mirrors them to
// <dataDir>/state/execution-stats.json. Persistence is best effort: a
// failed write is logged and retried on the next flush, never surfaced to
// the trading path.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"predictbot/pkg/types"
)

const flushInterval = time.Minute

// StrategyCounters aggregates outcomes per strategy.
type StrategyCounters struct {
	TradesExecuted   int64 `json:"tradesExecuted"`
	TradesFailed     int64 `json:"tradesFailed"`
	OrdersPlaced     int64 `json:"ordersPlaced"`
	PositionsSettled int64 `json:"positionsSettled"`
	PositionsClosed  int64 `json:"positionsClosed"`
}

// Snapshot is the persisted counter set.
type Snapshot struct {
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ChecksApproved int64            `json:"checksApproved"`
	ChecksRejected int64            `json:"checksRejected"`
	Rejections     map[string]int64 `json:"rejections"`

	TradesExecuted   int64 `json:"tradesExecuted"`
	TradesFailed     int64 `json:"tradesFailed"`
	OrdersPlaced     int64 `json:"ordersPlaced"`
	PositionsSettled int64 `json:"positionsSettled"`
	PositionsClosed  int64 `json:"positionsClosed"`

	Strategies map[string]StrategyCounters `json:"strategies"`
}

// Tracker accumulates counters in memory and flushes them periodically.
type Tracker struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	snap  Snapshot
	dirty bool
}

// Open loads any previous counter file under dataDir so counts roll across
// restarts; a missing or corrupt file starts fresh.
func Open(dataDir string, logger *slog.Logger) (*Tracker, error) {
	dir := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	t := &Tracker{
		path:   filepath.Join(dir, "execution-stats.json"),
		logger: logger.With("component", "stats"),
		now:    time.Now,
	}

	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read stats: %w", err)
	default:
		if err := json.Unmarshal(data, &t.snap); err != nil {
			t.logger.Warn("stats file unreadable, starting fresh", "error", err)
			t.snap = Snapshot{}
		}
	}

	if t.snap.StartedAt.IsZero() {
		t.snap.StartedAt = time.Now().UTC()
	}
	if t.snap.Rejections == nil {
		t.snap.Rejections = make(map[string]int64)
	}
	if t.snap.Strategies == nil {
		t.snap.Strategies = make(map[string]StrategyCounters)
	}
	return t, nil
}

// Run drives the periodic flush until ctx is cancelled, then flushes once
// more.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Flush()
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}

// Record folds one execution event into the counters.
func (t *Tracker) Record(ev types.ExecutionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc := t.snap.Strategies[ev.Strategy]
	switch ev.Kind {
	case types.EventTradeExecuted:
		t.snap.TradesExecuted++
		sc.TradesExecuted++
	case types.EventTradeFailed:
		t.snap.TradesFailed++
		sc.TradesFailed++
	case types.EventOrderPlaced:
		t.snap.OrdersPlaced++
		sc.OrdersPlaced++
	case types.EventPositionSettled:
		t.snap.PositionsSettled++
		sc.PositionsSettled++
	case types.EventPositionClosed:
		t.snap.PositionsClosed++
		sc.PositionsClosed++
	default:
		return
	}
	if ev.Strategy != "" {
		t.snap.Strategies[ev.Strategy] = sc
	}
	t.markLocked()
}

// RecordCheck counts a risk-gate verdict; reason is empty on approval.
func (t *Tracker) RecordCheck(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reason == "" {
		t.snap.ChecksApproved++
	} else {
		t.snap.ChecksRejected++
		t.snap.Rejections[reason]++
	}
	t.markLocked()
}

// Get returns a copy of the current counters.
func (t *Tracker) Get() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.snap
	out.Rejections = make(map[string]int64, len(t.snap.Rejections))
	for k, v := range t.snap.Rejections {
		out.Rejections[k] = v
	}
	out.Strategies = make(map[string]StrategyCounters, len(t.snap.Strategies))
	for k, v := range t.snap.Strategies {
		out.Strategies[k] = v
	}
	return out
}

// Flush writes the counters if anything changed since the last write.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return
	}

	data, err := json.MarshalIndent(t.snap, "", "  ")
	if err != nil {
		t.logger.Warn("encode stats failed", "error", err)
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Warn("write stats failed", "error", err)
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Warn("replace stats failed", "error", err)
		return
	}
	t.dirty = false
}

func (t *Tracker) markLocked() {
	t.snap.UpdatedAt = t.now().UTC()
	t.dirty = true
}
