package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"predictbot/internal/config"
	"predictbot/pkg/types"
)

// NamePriceArb is the price arbitrage strategy's registered name.
const NamePriceArb = "price_arbitrage"

// dominantThreshold is the implied probability above which one side is
// considered dominant and its complement cheap.
const dominantThreshold = 0.6

// sellMarkup prices late-window exits at 120% of the position's cost basis.
const sellMarkup = 1.2

// PositionView is the read side of the position registry.
type PositionView interface {
	All() []types.Position
	ForAccount(accountID string) []types.Position
}

// AccountView lists current account states for pre-approval.
type AccountView func() []types.AccountState

// PriceArb trades the same mispricing as the hourly strategy but phases
// each hour into three minute windows: a conservative early window that
// also pre-approves accounts per market, a main window with full slippage,
// and a late window that only exits unsold positions.
type PriceArb struct {
	base
	cfg       config.PriceArbConfig
	markets   MarketView
	positions PositionView
	accounts  AccountView
	dist      Distributor

	// per-market allow-list built during the early window
	approvedAccounts map[string][]string
}

// NewPriceArb builds the strategy.
func NewPriceArb(cfg config.PriceArbConfig, markets MarketView, positions PositionView,
	accounts AccountView, dist Distributor, logger *slog.Logger) *PriceArb {
	return &PriceArb{
		base:             newBase(NamePriceArb, logger),
		cfg:              cfg,
		markets:          markets,
		positions:        positions,
		accounts:         accounts,
		dist:             dist,
		approvedAccounts: make(map[string][]string),
	}
}

// Initialize validates config.
func (p *PriceArb) Initialize(ctx context.Context) error {
	if err := p.beginInitialize(); err != nil {
		return err
	}
	var err error
	if p.cfg.Amount <= 0 {
		err = errInvalidAmount(p.cfg.Amount)
	}
	return p.finishInitialize(err)
}

// ScanInterval returns the tick cadence.
func (p *PriceArb) ScanInterval() time.Duration { return p.cfg.ScanInterval }

// Status reports the lifecycle state and counters.
func (p *PriceArb) Status() Status { return p.status() }

// HandleEvent drops a market's allow-list once a trade lands there.
func (p *PriceArb) HandleEvent(ev types.ExecutionEvent) {
	if ev.Kind != types.EventTradeExecuted || ev.Strategy != NamePriceArb {
		return
	}
	p.mu.Lock()
	delete(p.approvedAccounts, ev.ConditionID)
	p.mu.Unlock()
}

// Execute runs one tick. The wall-clock minute in local time picks the
// phase; tests inject a fixed clock.
func (p *PriceArb) Execute(ctx context.Context) (int, error) {
	if !p.running() {
		return 0, nil
	}

	now := p.now()
	minute := now.Minute()

	var opps []types.Opportunity
	switch {
	case minute < p.cfg.MinMinutes:
		opps = p.earlyWindow(now)
	case minute <= p.cfg.MaxMinutes:
		opps = p.buyOpportunities(now, p.cfg.Slippage)
	default:
		opps = p.sellOpportunities()
	}

	if len(opps) > 0 {
		executed := p.dist.Distribute(ctx, NamePriceArb, opps)
		p.logger.Info("tick complete", "minute", minute, "opportunities", len(opps), "executed", executed)
	}
	p.recordTick(len(opps))
	return len(opps), nil
}

// earlyWindow is the conservative phase: half slippage, and each detected
// market pre-approves extra accounts so a later execution fires without an
// approval round-trip.
func (p *PriceArb) earlyWindow(now time.Time) []types.Opportunity {
	opps := p.buyOpportunities(now, p.cfg.Slippage/2)
	for i := range opps {
		p.preapprove(opps[i].Market.ConditionID)
		opps[i].AllowedAccounts = p.allowList(opps[i].Market.ConditionID)
	}
	return opps
}

// preapprove extends a market's allow-list up to the strategy's concurrent
// cap, drawing from active accounts that run this strategy.
func (p *PriceArb) preapprove(conditionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.approvedAccounts[conditionID]
	budget := p.cfg.MaxConcurrentPositions - len(current)
	if budget <= 0 {
		return
	}

	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	for _, acct := range p.accounts() {
		if budget == 0 {
			break
		}
		if !acct.IsActive || !acct.HasStrategy(NamePriceArb) || have[acct.ID] {
			continue
		}
		current = append(current, acct.ID)
		budget--
	}
	p.approvedAccounts[conditionID] = current
}

// allowList copies a market's pre-approved account ids.
func (p *PriceArb) allowList(conditionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.approvedAccounts[conditionID]...)
}

// buyOpportunities finds markets whose dominant side is at or above the
// threshold and buys the complement.
func (p *PriceArb) buyOpportunities(now time.Time, slippage float64) []types.Opportunity {
	var opps []types.Opportunity
	for _, m := range p.markets.Get() {
		if m.IsExpired(now) || m.FeedPrices == nil {
			continue
		}

		var price float64
		var outcome int
		switch {
		case m.FeedPrices.Yes >= dominantThreshold:
			price, outcome = m.FeedPrices.No, types.OutcomeNo
		case m.FeedPrices.No >= dominantThreshold:
			price, outcome = m.FeedPrices.Yes, types.OutcomeYes
		default:
			continue
		}
		if price <= 0 {
			continue
		}

		opp := types.Opportunity{
			Market:        m,
			Side:          types.SideBuy,
			Route:         types.RouteAMM,
			OutcomeIndex:  outcome,
			PricePerToken: price,
			Amount:        decimal.NewFromFloat(p.cfg.Amount),
			Slippage:      slippage,
		}
		if list := p.allowList(m.ConditionID); len(list) > 0 {
			opp.AllowedAccounts = list
		}
		opps = append(opps, opp)
	}
	return opps
}

// sellOpportunities exits unsold positions at the configured markup, each
// pinned to the account that owns it.
func (p *PriceArb) sellOpportunities() []types.Opportunity {
	var opps []types.Opportunity
	for _, pos := range p.positions.All() {
		if !pos.TotalSellsCost.IsZero() || pos.TotalBuysCost.IsZero() {
			continue
		}
		market, ok := p.markets.Lookup(pos.ConditionID)
		if !ok {
			continue
		}

		opps = append(opps, types.Opportunity{
			Market:          market,
			Side:            types.SideSell,
			Route:           types.RouteAMM,
			OutcomeIndex:    pos.OutcomeIndex,
			Amount:          pos.OutcomeTokenAmount,
			ReturnAmount:    pos.TotalBuysCost.Mul(decimal.NewFromFloat(sellMarkup)),
			TargetAccountID: pos.AccountID,
		})
	}
	return opps
}
