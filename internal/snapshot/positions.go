package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"predictbot/pkg/types"
)

// positionFanout bounds concurrent portfolio fetches during a refresh.
const positionFanout = 4

// PositionSource fetches one account's open positions.
type PositionSource interface {
	AccountID() string
	GetPortfolioPositions(ctx context.Context) ([]types.Position, error)
}

// Positions is the registry of open positions across all active accounts,
// keyed by account id and refreshed as a whole.
type Positions struct {
	logger *slog.Logger

	current    atomic.Pointer[map[string][]types.Position]
	inFlight   atomic.Bool
	errorCount atomic.Int64
	booted     atomic.Bool
}

// NewPositions creates an empty registry.
func NewPositions(logger *slog.Logger) *Positions {
	p := &Positions{logger: logger.With("component", "positions")}
	empty := map[string][]types.Position{}
	p.current.Store(&empty)
	return p
}

// Bootstrapped reports whether at least one refresh completed without any
// per-account failure. Strategies hold their first tick until then, so they
// never act on an empty registry that merely hasn't loaded yet.
func (p *Positions) Bootstrapped() bool { return p.booted.Load() }

// Refresh fetches every account's portfolio with bounded fan-out and
// publishes the combined view. A single account's failure keeps that
// account's previous entry and does not block the others; the first error
// is returned so the startup path can propagate it.
func (p *Positions) Refresh(ctx context.Context, sources []PositionSource) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("refresh already in flight, skipping")
		return nil
	}
	defer p.inFlight.Store(false)

	prev := *p.current.Load()
	next := make(map[string][]types.Position, len(sources))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(positionFanout)

	var firstErr error
	for _, src := range sources {
		g.Go(func() error {
			positions, err := src.GetPortfolioPositions(gctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.errorCount.Add(1)
				p.logger.Warn("position fetch failed, keeping previous",
					"account", src.AccountID(), "error", err)
				if firstErr == nil {
					firstErr = err
				}
				if old, ok := prev[src.AccountID()]; ok {
					next[src.AccountID()] = old
				}
				return nil
			}
			next[src.AccountID()] = positions
			return nil
		})
	}
	g.Wait()

	p.current.Store(&next)
	if firstErr == nil {
		p.booted.Store(true)
	}
	return firstErr
}

// ForAccount returns one account's open positions.
func (p *Positions) ForAccount(accountID string) []types.Position {
	return (*p.current.Load())[accountID]
}

// All returns every open position across accounts.
func (p *Positions) All() []types.Position {
	var out []types.Position
	for _, list := range *p.current.Load() {
		out = append(out, list...)
	}
	return out
}

// CountForCondition returns how many accounts hold a position in the given
// market.
func (p *Positions) CountForCondition(conditionID string) int {
	n := 0
	for _, list := range *p.current.Load() {
		for _, pos := range list {
			if pos.ConditionID == conditionID {
				n++
				break
			}
		}
	}
	return n
}

// ErrorCount returns the number of failed per-account fetches since start.
func (p *Positions) ErrorCount() int64 { return p.errorCount.Load() }
