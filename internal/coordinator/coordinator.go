// Package coordinator distributes strategy opportunities across account
// executors. It enforces one global cap per strategy on open positions
// across all accounts, and rotates accounts least-recently-used so no
// account monopolizes a strategy.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"predictbot/pkg/types"
)

// Dispatcher is the executor surface the coordinator needs.
type Dispatcher interface {
	AccountID() string
	ReceiveOpportunity(ctx context.Context, strategy string, opp types.Opportunity) (string, error)
	IsApprovalBlacklisted(contractAddress string) bool
}

// AccountStates resolves an account id to its current state record.
type AccountStates func(id string) (types.AccountState, bool)

// CheckObserver receives every dispatch verdict; reason is empty on success
// and carries the risk-gate reason when an executor rejected the
// opportunity.
type CheckObserver func(reason string)

// Stats is a point-in-time view of one strategy's distribution counters.
type Stats struct {
	Dispatched    int
	SkippedAtCap  int
	Dropped       int
	OpenPositions int
}

type strategyState struct {
	maxConcurrent int
	positions     map[string]struct{}
	lastExec      map[string]int64 // account id → last successful dispatch, unix ms
	dispatched    int
	skippedAtCap  int
	dropped       int
}

// Coordinator routes opportunities and tracks per-strategy open positions
// from executor events. All state is guarded by one mutex; dispatching
// itself happens outside the lock.
type Coordinator struct {
	states AccountStates
	logger *slog.Logger
	now    func() time.Time
	rng    *rand.Rand

	mu         sync.Mutex
	strategies map[string]*strategyState
	executors  map[string]Dispatcher
	observer   CheckObserver
}

// New creates a coordinator over the given account-state lookup.
func New(states AccountStates, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		states:     states,
		logger:     logger.With("component", "coordinator"),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		strategies: make(map[string]*strategyState),
		executors:  make(map[string]Dispatcher),
	}
}

// Configure sets a strategy's global concurrent-position cap.
func (c *Coordinator) Configure(strategy string, maxConcurrentPositions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.strategy(strategy)
	st.maxConcurrent = maxConcurrentPositions
}

// RegisterExecutor adds an account executor to the rotation.
func (c *Coordinator) RegisterExecutor(d Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[d.AccountID()] = d
}

// UnregisterExecutor removes an executor, typically on shutdown or account
// removal.
func (c *Coordinator) UnregisterExecutor(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.executors, accountID)
}

// strategy returns the state for a strategy, creating it. Caller holds c.mu.
func (c *Coordinator) strategy(name string) *strategyState {
	st, ok := c.strategies[name]
	if !ok {
		st = &strategyState{
			positions: make(map[string]struct{}),
			lastExec:  make(map[string]int64),
		}
		c.strategies[name] = st
	}
	return st
}

// SetCheckObserver installs the dispatch-verdict callback; typically the
// stats tracker. Must be set before Distribute runs.
func (c *Coordinator) SetCheckObserver(fn CheckObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// observe reports one dispatch verdict to the observer, mapping a risk
// rejection to its gate reason and any other failure to "error".
func (c *Coordinator) observe(err error) {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn == nil {
		return
	}
	if err == nil {
		fn("")
		return
	}
	var rejected interface{ RiskReason() string }
	if errors.As(err, &rejected) {
		fn(rejected.RiskReason())
		return
	}
	fn("error")
}

// Distribute offers opportunities to executors in the order given and
// returns the number successfully dispatched. Each opportunity goes to at
// most one executor; a failed dispatch drops the opportunity without
// re-picking.
func (c *Coordinator) Distribute(ctx context.Context, strategy string, opportunities []types.Opportunity) int {
	executed := 0
	for _, opp := range opportunities {
		target, atCap := c.pick(strategy, opp)
		if atCap {
			c.logger.Debug("strategy at global position cap", "strategy", strategy)
			continue
		}
		if target == nil {
			c.logger.Debug("no eligible account", "strategy", strategy, "market", opp.Market.ConditionID)
			continue
		}

		positionID, err := target.ReceiveOpportunity(ctx, strategy, opp)
		if err != nil {
			c.mu.Lock()
			c.strategy(strategy).dropped++
			c.mu.Unlock()
			c.observe(err)
			c.logger.Debug("dispatch failed, opportunity dropped",
				"strategy", strategy, "account", target.AccountID(), "error", err)
			continue
		}
		c.observe(nil)

		c.mu.Lock()
		st := c.strategy(strategy)
		if opp.Side != types.SideSell {
			// Count the opened position now, not when the tradeExecuted
			// event arrives on the pump: within one Distribute call the cap
			// must see the positions just dispatched. The event re-adds the
			// same id, a no-op.
			st.positions[positionID] = struct{}{}
		}
		st.lastExec[target.AccountID()] = c.now().UnixMilli()
		st.dispatched++
		c.mu.Unlock()
		executed++
	}
	return executed
}

// pick chooses the least-recently-used eligible executor. Among accounts
// that never executed this strategy the choice is uniformly random, so the
// load does not always land on the first-loaded account.
func (c *Coordinator) pick(strategy string, opp types.Opportunity) (Dispatcher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.strategy(strategy)
	if st.maxConcurrent > 0 && len(st.positions) >= st.maxConcurrent {
		st.skippedAtCap++
		return nil, true
	}

	type candidate struct {
		d    Dispatcher
		last int64
	}
	allowed := map[string]bool{}
	for _, id := range opp.AllowedAccounts {
		allowed[id] = true
	}

	var eligible []candidate
	for id, d := range c.executors {
		if opp.TargetAccountID != "" && id != opp.TargetAccountID {
			continue
		}
		if len(allowed) > 0 && !allowed[id] {
			continue
		}
		state, ok := c.states(id)
		if !ok || !state.IsActive || !state.HasStrategy(strategy) {
			continue
		}
		if opp.Market.Address != "" && d.IsApprovalBlacklisted(opp.Market.Address) {
			continue
		}
		eligible = append(eligible, candidate{d: d, last: st.lastExec[id]})
	}
	if len(eligible) == 0 {
		return nil, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].last != eligible[j].last {
			return eligible[i].last < eligible[j].last
		}
		return eligible[i].d.AccountID() < eligible[j].d.AccountID()
	})

	fresh := 0
	for fresh < len(eligible) && eligible[fresh].last == 0 {
		fresh++
	}
	if fresh > 1 {
		return eligible[c.rng.Intn(fresh)].d, false
	}
	return eligible[0].d, false
}

// HandleEvent maintains the per-strategy open-position sets from executor
// events. Removal of an unknown position id is ignored.
func (c *Coordinator) HandleEvent(ev types.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case types.EventTradeExecuted:
		if ev.Strategy == "" {
			return
		}
		c.strategy(ev.Strategy).positions[ev.PositionID] = struct{}{}

	case types.EventPositionSettled, types.EventPositionClosed:
		if ev.Strategy != "" {
			delete(c.strategy(ev.Strategy).positions, ev.PositionID)
			return
		}
		// Settlements from the position-check tick carry no strategy; the
		// id is unique, so scan all sets.
		for _, st := range c.strategies {
			delete(st.positions, ev.PositionID)
		}
	}
}

// OpenPositions returns the number of open positions for a strategy.
func (c *Coordinator) OpenPositions(strategy string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.strategy(strategy).positions)
}

// StatsFor returns a strategy's distribution counters.
func (c *Coordinator) StatsFor(strategy string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.strategy(strategy)
	return Stats{
		Dispatched:    st.dispatched,
		SkippedAtCap:  st.skippedAtCap,
		Dropped:       st.dropped,
		OpenPositions: len(st.positions),
	}
}
