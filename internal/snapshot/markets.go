// Package snapshot maintains the shared read views the strategies consume:
// the global market list and the per-account position registry. Both are
// published by atomic pointer swap, so readers never block and never see a
// partially-written set.
package snapshot

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"predictbot/pkg/types"
)

// MarketSource lists the venue's active markets. Any account's client
// serves; refresh uses whichever it is handed.
type MarketSource interface {
	GetMarkets(ctx context.Context) ([]types.Market, error)
}

// Markets is the global market snapshot. One writer (the engine's refresh
// ticker), many readers.
type Markets struct {
	logger *slog.Logger
	now    func() time.Time

	current    atomic.Pointer[[]types.Market]
	inFlight   atomic.Bool
	errorCount atomic.Int64
	lastOK     atomic.Int64 // unix seconds of last successful refresh
}

// NewMarkets creates an empty snapshot.
func NewMarkets(logger *slog.Logger) *Markets {
	m := &Markets{
		logger: logger.With("component", "markets"),
		now:    time.Now,
	}
	empty := []types.Market{}
	m.current.Store(&empty)
	return m
}

// Refresh pulls the market list from src, drops expired entries, and
// publishes. Overlapping refreshes are dropped, not queued. On failure the
// previous snapshot stays in place.
func (m *Markets) Refresh(ctx context.Context, src MarketSource) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("refresh already in flight, skipping")
		return nil
	}
	defer m.inFlight.Store(false)

	markets, err := src.GetMarkets(ctx)
	if err != nil {
		m.errorCount.Add(1)
		m.logger.Warn("market refresh failed, keeping previous snapshot", "error", err)
		return err
	}

	now := m.now()
	fresh := make([]types.Market, 0, len(markets))
	for _, mk := range markets {
		if mk.IsExpired(now) {
			continue
		}
		fresh = append(fresh, mk)
	}

	m.current.Store(&fresh)
	m.lastOK.Store(now.Unix())
	m.logger.Debug("market snapshot updated", "markets", len(fresh), "dropped", len(markets)-len(fresh))
	return nil
}

// Get returns the current snapshot. Callers must not mutate it.
func (m *Markets) Get() []types.Market {
	return *m.current.Load()
}

// Lookup finds a market by condition id in the current snapshot.
func (m *Markets) Lookup(conditionID string) (types.Market, bool) {
	for _, mk := range m.Get() {
		if mk.ConditionID == conditionID {
			return mk, true
		}
	}
	return types.Market{}, false
}

// ErrorCount returns the number of failed refreshes since start.
func (m *Markets) ErrorCount() int64 { return m.errorCount.Load() }

// LastRefreshed returns when the snapshot was last successfully replaced,
// zero time if never.
func (m *Markets) LastRefreshed() time.Time {
	sec := m.lastOK.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
