// Package engine wires every subsystem of the trading bot and owns their
// lifecycles:
//
//  1. The account manager joins the key vault and the state store into live
//     venue clients.
//  2. Refresh tickers keep the market snapshot, the position registry and
//     the account set current.
//  3. Strategies tick on their own intervals and hand opportunities to the
//     coordinator, which picks an executor per account.
//  4. Executors emit execution events onto a shared channel; the engine
//     pumps them to the coordinator, the strategies, the stats tracker and
//     the status API.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predictbot/internal/account"
	"predictbot/internal/api"
	"predictbot/internal/config"
	"predictbot/internal/coordinator"
	"predictbot/internal/keystore"
	"predictbot/internal/proxy"
	"predictbot/internal/snapshot"
	"predictbot/internal/statestore"
	"predictbot/internal/stats"
	"predictbot/internal/strategy"
	"predictbot/internal/venue"
	"predictbot/pkg/types"
)

// executorSlot pairs a running executor with the client it was built on so
// a vault key rotation (new client pointer) rebuilds the executor.
type executorSlot struct {
	exec   *account.Executor
	client *venue.Client
}

// Engine orchestrates all components of the trading system.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	vault   *keystore.Vault
	store   *statestore.Store
	tracker *stats.Tracker
	pool    *proxy.Pool
	manager *account.Manager

	markets   *snapshot.Markets
	positions *snapshot.Positions
	coord     *coordinator.Coordinator

	strategies []strategy.Strategy
	apiServer  *api.Server

	// events is the shared emission channel for every executor.
	events chan types.ExecutionEvent

	slotsMu sync.Mutex
	slots   map[string]*executorSlot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing touches the network
// until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	vault, err := keystore.Open(cfg.Store.DataDir, cfg.Store.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	store, err := statestore.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	tracker, err := stats.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open stats: %w", err)
	}
	pool, err := proxy.Load(cfg.Store.ProxyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}

	manager := account.NewManager(vault, store, account.ManagerOptions{
		ClientOptions: venue.ClientOptions{
			BaseURL:                 cfg.API.BaseURL,
			Timeout:                 cfg.API.Timeout,
			ChainID:                 cfg.Chain.ChainID,
			ConfirmRealTransactions: cfg.Chain.ConfirmRealTransactions,
			Pool:                    pool,
			Logger:                  logger,
		},
		RPCURL: cfg.Chain.RPCURL,
	}, logger)

	markets := snapshot.NewMarkets(logger)
	positions := snapshot.NewPositions(logger)

	coord := coordinator.New(func(id string) (types.AccountState, bool) {
		state, err := store.Get(id)
		return state, err == nil
	}, logger)
	coord.SetCheckObserver(tracker.RecordCheck)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		vault:     vault,
		store:     store,
		tracker:   tracker,
		pool:      pool,
		manager:   manager,
		markets:   markets,
		positions: positions,
		coord:     coord,
		events:    make(chan types.ExecutionEvent, 256),
		slots:     make(map[string]*executorSlot),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.buildStrategies()

	if cfg.Status.Enabled {
		e.apiServer = api.NewServer(cfg.Status, e, logger)
	}
	return e, nil
}

// buildStrategies constructs every enabled strategy over the shared views.
func (e *Engine) buildStrategies() {
	if e.cfg.Hourly.Enabled {
		e.strategies = append(e.strategies,
			strategy.NewHourly(e.cfg.Hourly, e.markets, e.coord, e.logger))
		e.coord.Configure(strategy.NameHourly, e.cfg.Hourly.MaxConcurrentPositions)
	}
	if e.cfg.PriceArb.Enabled {
		e.strategies = append(e.strategies,
			strategy.NewPriceArb(e.cfg.PriceArb, e.markets, e.positions,
				e.store.List, e.coord, e.logger))
		e.coord.Configure(strategy.NamePriceArb, e.cfg.PriceArb.MaxConcurrentPositions)
	}
	if e.cfg.LPMaking.Enabled {
		e.strategies = append(e.strategies,
			strategy.NewLPMaking(e.cfg.LPMaking, e.markets,
				anyClientBooks{e.manager}, managerCanceller{e.manager},
				e.coord, e.logger))
		e.coord.Configure(strategy.NameLPMaking, e.cfg.LPMaking.MaxConcurrentMarkets)
	}
}

// Start loads accounts, takes the first snapshots, starts every ticker and
// strategy, and begins serving the status API.
func (e *Engine) Start() error {
	e.logger.Info("starting engine",
		"confirmRealTransactions", e.cfg.Chain.ConfirmRealTransactions,
		"strategiesEnabled", e.cfg.StrategiesEnabled)

	if err := e.manager.LoadAccounts(e.ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	e.syncExecutors()

	// First market and position snapshots; failures are tolerated, the
	// tickers retry, but strategies stay gated until positions bootstrap.
	e.refreshMarkets(e.ctx)
	e.refreshPositions(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.store.Run(e.ctx)
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpEvents()
	}()

	e.startTicker("accounts", e.cfg.AccountRefreshInterval, func(ctx context.Context) {
		if err := e.manager.LoadAccounts(ctx); err != nil {
			e.logger.Warn("account refresh failed", "error", err)
			return
		}
		e.syncExecutors()
	})
	e.startTicker("markets", e.cfg.MarketScanInterval, e.refreshMarkets)
	e.startTicker("positions", e.cfg.PositionScanInterval, e.refreshPositions)
	e.startTicker("position-check", e.cfg.PositionCheckInterval, func(ctx context.Context) {
		for _, slot := range e.currentSlots() {
			slot.exec.CheckPositions(ctx, e.markets)
		}
	})

	if e.cfg.StrategiesEnabled {
		for _, s := range e.strategies {
			if err := s.Initialize(e.ctx); err != nil {
				return fmt.Errorf("initialize %s: %w", s.Name(), err)
			}
			if err := s.Start(); err != nil {
				return fmt.Errorf("start %s: %w", s.Name(), err)
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.runStrategy(s)
			}()
		}
	} else {
		e.logger.Warn("strategies disabled by config, engine runs refresh-only")
	}

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Start(e.ctx); err != nil {
				e.logger.Error("status server failed", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"accounts", len(e.manager.GetActiveAccounts()),
		"strategies", len(e.strategies))
	return nil
}

// Stop shuts the engine down: strategies first so no new opportunities are
// produced, then executors, then the tickers and pumps, finally the stores.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	for _, s := range e.strategies {
		s.Stop()
	}

	e.slotsMu.Lock()
	for _, slot := range e.slots {
		slot.exec.Stop()
	}
	e.slotsMu.Unlock()

	e.cancel()
	if e.apiServer != nil {
		if err := e.apiServer.Stop(); err != nil {
			e.logger.Warn("status server shutdown", "error", err)
		}
	}
	e.wg.Wait()

	e.tracker.Flush()
	e.logger.Info("shutdown complete")
}

// startTicker runs fn on a fixed interval until the engine stops. Ticker
// semantics drop missed ticks.
func (e *Engine) startTicker(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		e.logger.Warn("ticker disabled by non-positive interval", "ticker", name)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				fn(e.ctx)
			}
		}
	}()
}

// runStrategy ticks one strategy on its scan interval, holding ticks until
// the position registry has bootstrapped.
func (e *Engine) runStrategy(s strategy.Strategy) {
	interval := s.ScanInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !e.positions.Bootstrapped() {
				e.logger.Debug("positions not bootstrapped, holding tick", "strategy", s.Name())
				continue
			}
			if _, err := s.Execute(e.ctx); err != nil {
				e.logger.Error("strategy tick failed", "strategy", s.Name(), "error", err)
			}
		}
	}
}

// refreshMarkets refreshes the market snapshot through any live client.
func (e *Engine) refreshMarkets(ctx context.Context) {
	client, ok := e.manager.AnyClient()
	if !ok {
		e.logger.Debug("no client available for market refresh")
		return
	}
	if err := e.markets.Refresh(ctx, client); err != nil {
		e.logger.Warn("market refresh failed", "error", err)
	}
}

// refreshPositions refreshes the position registry across all accounts.
func (e *Engine) refreshPositions(ctx context.Context) {
	clients := e.manager.PositionSources()
	sources := make([]snapshot.PositionSource, len(clients))
	for i, c := range clients {
		sources[i] = c
	}
	if err := e.positions.Refresh(ctx, sources); err != nil {
		e.logger.Warn("position refresh failed", "error", err)
	}
}

// syncExecutors reconciles the executor set against the account manager:
// new active accounts get an executor, accounts whose client was rebuilt
// (key rotation) get a fresh one, gone accounts are unregistered.
func (e *Engine) syncExecutors() {
	active := e.manager.GetActiveAccounts()

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	seen := make(map[string]bool, len(active))
	for _, acct := range active {
		if acct.Client == nil {
			continue // degraded: no key in the vault
		}
		id := acct.State.ID
		seen[id] = true

		if slot, ok := e.slots[id]; ok {
			if slot.client == acct.Client {
				continue
			}
			// Client rebuilt under the same id; restart the executor on it.
			slot.exec.Stop()
			e.coord.UnregisterExecutor(id)
			delete(e.slots, id)
		}

		exec := account.NewExecutor(id, acct.Client, acct.Chain, account.ExecutorConfig{
			Limits: types.GlobalLimits{
				MaxTotalInvestment:               e.cfg.Limits.MaxTotalInvestment,
				MaxDailyLoss:                     e.cfg.Limits.MaxDailyLoss,
				EmergencyStopLoss:                e.cfg.Limits.EmergencyStopLoss,
				MaxPositionSize:                  e.cfg.Limits.MaxPositionSize,
				MaxRiskLevel:                     e.cfg.Limits.MaxRiskLevel,
				MaxConcurrentPositionsPerAccount: e.cfg.Limits.MaxConcurrentPositionsPerAccount,
			},
			TradingHoursEnabled: e.cfg.Trading.Enabled,
			StartHour:           e.cfg.Trading.StartHour,
			EndHour:             e.cfg.Trading.EndHour,
			GlobalExposure:      e.openExposure,
		}, e.maxRiskFor(id), e.events, e.logger)

		if err := exec.Start(e.ctx); err != nil {
			e.logger.Error("executor start failed", "account", id, "error", err)
			continue
		}
		e.slots[id] = &executorSlot{exec: exec, client: acct.Client}
		e.coord.RegisterExecutor(exec)
		e.logger.Info("executor online", "account", id)
	}

	for id, slot := range e.slots {
		if seen[id] {
			continue
		}
		slot.exec.Stop()
		e.coord.UnregisterExecutor(id)
		delete(e.slots, id)
		e.logger.Info("executor offline", "account", id)
	}
}

// maxRiskFor returns a live view of one account's per-account cap.
func (e *Engine) maxRiskFor(id string) func() float64 {
	return func() float64 {
		state, err := e.store.Get(id)
		if err != nil {
			return 0
		}
		return state.MaxRisk
	}
}

// openExposure sums the USDC notional open across every executor, backing
// the process-wide MaxTotalInvestment gate.
func (e *Engine) openExposure() float64 {
	var sum float64
	for _, slot := range e.currentSlots() {
		sum += slot.exec.TotalExposure()
	}
	return sum
}

func (e *Engine) currentSlots() []*executorSlot {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	out := make([]*executorSlot, 0, len(e.slots))
	for _, slot := range e.slots {
		out = append(out, slot)
	}
	return out
}

// pumpEvents fans execution events out to every consumer, and mirrors
// state-store mutations to the status stream.
func (e *Engine) pumpEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case ev := <-e.events:
			e.coord.HandleEvent(ev)
			for _, s := range e.strategies {
				s.HandleEvent(ev)
			}
			e.tracker.Record(ev)
			if e.apiServer != nil {
				e.apiServer.PublishExecution(ev)
			}

		case ev := <-e.store.Events():
			if e.apiServer != nil {
				e.apiServer.PublishAccountChange(string(ev.Kind), ev.AccountID)
			}
		}
	}
}

// StatusSnapshot assembles the full engine state for the status API.
func (e *Engine) StatusSnapshot() api.StatusSnapshot {
	snap := api.StatusSnapshot{
		Timestamp: time.Now(),
		Markets: api.MarketsStatus{
			Count:         len(e.markets.Get()),
			LastRefreshed: e.markets.LastRefreshed(),
			RefreshErrors: e.markets.ErrorCount(),
		},
		Positions: api.PositionsStatus{
			Bootstrapped:  e.positions.Bootstrapped(),
			RefreshErrors: e.positions.ErrorCount(),
		},
		Execution: e.tracker.Get(),
	}

	degraded := make(map[string]bool)
	for _, id := range e.manager.DegradedIDs() {
		degraded[id] = true
	}

	e.slotsMu.Lock()
	for _, state := range e.store.List() {
		status := api.AccountStatus{
			ID:       state.ID,
			Name:     state.Name,
			Active:   state.IsActive,
			Degraded: degraded[state.ID],
			Balance:  state.Balance,
		}
		if slot, ok := e.slots[state.ID]; ok {
			status.OpenPositions = slot.exec.ActivePositions()
			status.Exposure = slot.exec.TotalExposure()
		}
		snap.Accounts = append(snap.Accounts, status)
	}
	e.slotsMu.Unlock()

	for _, s := range e.strategies {
		st := s.Status()
		snap.Strategies = append(snap.Strategies, api.StrategyStatus{
			Name:          st.Name,
			State:         string(st.State),
			TicksRun:      st.TicksRun,
			Opportunities: st.Opportunities,
			LastTick:      st.LastTick,
		})
		cs := e.coord.StatsFor(s.Name())
		snap.Strategy = append(snap.Strategy, api.CoordinatorStatus{
			Strategy:      s.Name(),
			Dispatched:    int64(cs.Dispatched),
			SkippedAtCap:  int64(cs.SkippedAtCap),
			Dropped:       int64(cs.Dropped),
			OpenPositions: cs.OpenPositions,
		})
	}
	return snap
}

// anyClientBooks serves orderbooks through whichever account client is
// available; the book is account-independent.
type anyClientBooks struct {
	m *account.Manager
}

func (b anyClientBooks) GetOrderbook(ctx context.Context, slug string) (*types.Orderbook, error) {
	client, ok := b.m.AnyClient()
	if !ok {
		return nil, errors.New("no account client available")
	}
	return client.GetOrderbook(ctx, slug)
}

// managerCanceller cancels a resting order through its owning account.
type managerCanceller struct {
	m *account.Manager
}

func (c managerCanceller) CancelOrder(ctx context.Context, accountID, orderID string) error {
	acct, ok := c.m.Get(accountID)
	if !ok || acct.Client == nil {
		return fmt.Errorf("no client for account %s", accountID)
	}
	return acct.Client.CancelOrder(ctx, orderID)
}
