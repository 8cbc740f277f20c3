package strategy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"predictbot/internal/config"
	"predictbot/pkg/types"
)

// NameLPMaking is the LP making strategy's registered name.
const NameLPMaking = "lp_making"

const (
	// lpMinTimeLeft excludes markets settling within a day; reward accrual
	// needs runway.
	lpMinTimeLeft = 24 * time.Hour
	// quoteBackoff keeps the resting quote just inside the profit target.
	quoteBackoff = 0.005
	// minQuoteStep below which a requote is not worth the cancel round-trip.
	minQuoteStep = 0.001
	// minEntryEdge keeps the quote at least this far above the entry.
	minEntryEdge = 0.01
)

// OrderbookSource fetches a market's current book.
type OrderbookSource interface {
	GetOrderbook(ctx context.Context, slug string) (*types.Orderbook, error)
}

// OrderCanceller cancels a resting order through the owning account's
// client; implemented by the account manager.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, accountID, orderID string) error
}

// lpPosition tracks one market the strategy is making liquidity in.
type lpPosition struct {
	conditionID string
	slug        string
	accountID   string
	outcome     int
	shares      float64
	entryPrice  float64
	target      float64

	quotePrice   float64
	orderID      string
	orderPlaced  time.Time
	quotePending bool
	profitTaking bool
}

// LPMaking farms liquidity rewards: it buys into rewardable markets on the
// thinner side of the book, then keeps a single resting exit order near the
// profit target, requoting as the market moves.
type LPMaking struct {
	base
	cfg       config.LPMakingConfig
	markets   MarketView
	books     OrderbookSource
	canceller OrderCanceller
	dist      Distributor

	// conditionID → tracked position; one per market, total bounded by
	// MaxConcurrentMarkets.
	open map[string]*lpPosition

	lastAdjust time.Time
}

// NewLPMaking builds the strategy.
func NewLPMaking(cfg config.LPMakingConfig, markets MarketView, books OrderbookSource,
	canceller OrderCanceller, dist Distributor, logger *slog.Logger) *LPMaking {
	return &LPMaking{
		base:      newBase(NameLPMaking, logger),
		cfg:       cfg,
		markets:   markets,
		books:     books,
		canceller: canceller,
		dist:      dist,
		open:      make(map[string]*lpPosition),
	}
}

// Initialize validates config.
func (l *LPMaking) Initialize(ctx context.Context) error {
	if err := l.beginInitialize(); err != nil {
		return err
	}
	var err error
	if l.cfg.InitialPurchase <= 0 {
		err = errInvalidAmount(l.cfg.InitialPurchase)
	}
	return l.finishInitialize(err)
}

// ScanInterval returns the tick cadence.
func (l *LPMaking) ScanInterval() time.Duration { return l.cfg.ScanInterval }

// Status reports the lifecycle state and counters.
func (l *LPMaking) Status() Status { return l.status() }

// HandleEvent tracks fills and resting orders for this strategy.
func (l *LPMaking) HandleEvent(ev types.ExecutionEvent) {
	if ev.Strategy != "" && ev.Strategy != NameLPMaking {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case types.EventTradeExecuted:
		if ev.Opportunity == nil || ev.Opportunity.Route != types.RouteAMM {
			return
		}
		entry := ev.Opportunity.PricePerToken
		if entry <= 0 {
			return
		}
		amount, _ := ev.Opportunity.Amount.Float64()
		pos := &lpPosition{
			conditionID: ev.ConditionID,
			slug:        ev.Opportunity.Market.Slug,
			accountID:   ev.AccountID,
			outcome:     ev.Opportunity.OutcomeIndex,
			shares:      amount / entry,
			entryPrice:  entry,
			target:      targetProfitPrice(entry, l.cfg.TargetProfitRate),
		}
		pos.quotePrice = quotePrice(pos.entryPrice, pos.target)
		l.open[ev.ConditionID] = pos

	case types.EventOrderPlaced:
		pos, ok := l.open[ev.ConditionID]
		if !ok || ev.Opportunity == nil || ev.Opportunity.Route != types.RouteLimit {
			return
		}
		pos.orderID = ev.OrderID
		pos.orderPlaced = ev.At
		pos.quotePending = false

	case types.EventPositionSettled, types.EventPositionClosed:
		for cond, pos := range l.open {
			if pos.conditionID == ev.ConditionID {
				delete(l.open, cond)
			}
		}
	}
}

// targetProfitPrice is entry grown by the profit rate, clamped into the
// venue's valid price range.
func targetProfitPrice(entry, rate float64) float64 {
	return clampPrice(entry * (1 + rate))
}

// quotePrice sits just under the target but never below a minimal edge
// over the entry.
func quotePrice(entry, target float64) float64 {
	return clampPrice(math.Max(target-quoteBackoff, entry+minEntryEdge))
}

func clampPrice(p float64) float64 {
	return math.Min(0.99, math.Max(0.01, p))
}

// score rates a market for LP making: mid-price proximity to 0.5, spread
// tightness, remaining time, posted daily reward. All components in [0,1].
func (l *LPMaking) score(m types.Market, book *types.Orderbook, now time.Time) float64 {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return 0
	}

	mid := (bid.Price + ask.Price) / 2
	midScore := 1 - 2*math.Abs(mid-0.5)

	spread := ask.Price - bid.Price
	spreadScore := 1 - math.Min(1, spread/0.1)

	timeScore := math.Min(1, m.EndDate.Sub(now).Hours()/(7*24))

	var rewardScore float64
	if m.Settings != nil {
		rewardScore = math.Min(1, m.Settings.DailyReward/100)
	}

	return 0.4*midScore + 0.2*spreadScore + 0.2*timeScore + 0.2*rewardScore
}

// Execute scans for new markets to enter and, on the adjustment cadence,
// requotes the open exits.
func (l *LPMaking) Execute(ctx context.Context) (int, error) {
	if !l.running() {
		return 0, nil
	}

	now := l.now()
	produced := l.enterNewMarkets(ctx, now)

	l.mu.Lock()
	due := now.Sub(l.lastAdjust) >= l.cfg.PriceAdjustmentInterval
	if due {
		l.lastAdjust = now
	}
	l.mu.Unlock()
	if due {
		produced += l.adjustQuotes(ctx, now)
	}

	l.recordTick(produced)
	return produced, nil
}

// enterNewMarkets buys into qualifying rewardable markets up to the
// concurrent-market cap.
func (l *LPMaking) enterNewMarkets(ctx context.Context, now time.Time) int {
	l.mu.Lock()
	room := l.cfg.MaxConcurrentMarkets - len(l.open)
	l.mu.Unlock()
	if room <= 0 {
		return 0
	}

	var opps []types.Opportunity
	for _, m := range l.markets.Get() {
		if len(opps) >= room {
			break
		}
		if !m.IsRewardable || m.IsExpired(now) || m.EndDate.Sub(now) < lpMinTimeLeft {
			continue
		}
		l.mu.Lock()
		_, held := l.open[m.ConditionID]
		l.mu.Unlock()
		if held {
			continue
		}

		book, err := l.books.GetOrderbook(ctx, m.Slug)
		if err != nil {
			l.logger.Debug("orderbook fetch failed", "market", m.Slug, "error", err)
			continue
		}
		if s := l.score(m, book, now); s < l.cfg.MinMarketScore {
			continue
		}

		opp, ok := l.initialPurchase(m, book)
		if !ok {
			continue
		}
		opps = append(opps, opp)
	}

	if len(opps) == 0 {
		return 0
	}
	executed := l.dist.Distribute(ctx, NameLPMaking, opps)
	if executed > 0 {
		l.logger.Info("entered markets", "count", executed)
	}
	return len(opps)
}

// initialPurchase buys the thinner side of the book, where the position
// both earns the maker reward and faces less resting competition.
func (l *LPMaking) initialPurchase(m types.Market, book *types.Orderbook) (types.Opportunity, bool) {
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return types.Opportunity{}, false
	}

	var price float64
	var outcome int
	if book.Depth(types.SideSell) <= book.Depth(types.SideBuy) {
		// Thin ask side: take YES at the ask.
		price, outcome = ask.Price, types.OutcomeYes
	} else {
		// Thin bid side: take NO at its implied price.
		price, outcome = 1-bid.Price, types.OutcomeNo
	}
	if price <= 0 || price >= 1 {
		return types.Opportunity{}, false
	}

	return types.Opportunity{
		Market:        m,
		Side:          types.SideBuy,
		Route:         types.RouteAMM,
		OutcomeIndex:  outcome,
		PricePerToken: price,
		Amount:        decimal.NewFromFloat(l.cfg.InitialPurchase),
		Slippage:      0.02,
	}, true
}

// adjustQuotes walks the open positions: place the first quote, reprice a
// crossed target as profit taking, requote on drift, and cancel stale
// orders.
func (l *LPMaking) adjustQuotes(ctx context.Context, now time.Time) int {
	l.mu.Lock()
	positions := make([]*lpPosition, 0, len(l.open))
	for _, pos := range l.open {
		positions = append(positions, pos)
	}
	l.mu.Unlock()

	produced := 0
	for _, pos := range positions {
		if pos.quotePending {
			continue
		}
		market, ok := l.markets.Lookup(pos.conditionID)
		if !ok {
			continue
		}

		// No resting order yet: place the initial quote.
		if pos.orderID == "" {
			if l.placeQuote(ctx, market, pos, pos.quotePrice, false) {
				produced++
			}
			continue
		}

		// Stale orders go unconditionally; the next cycle requotes.
		if l.cfg.MaxOrderAge > 0 && now.Sub(pos.orderPlaced) >= l.cfg.MaxOrderAge {
			l.cancelQuote(ctx, pos)
			continue
		}

		book, err := l.books.GetOrderbook(ctx, pos.slug)
		if err != nil {
			continue
		}
		best, ok := bestExitPrice(book, pos.outcome)
		if !ok {
			continue
		}

		if best >= pos.target {
			// The market crossed the target: take the profit at the
			// current price.
			l.cancelQuote(ctx, pos)
			if l.placeQuote(ctx, market, pos, clampPrice(best), true) {
				produced++
			}
			continue
		}

		fresh := quotePrice(pos.entryPrice, pos.target)
		if math.Abs(fresh-pos.quotePrice) >= minQuoteStep {
			l.cancelQuote(ctx, pos)
			if l.placeQuote(ctx, market, pos, fresh, false) {
				produced++
			}
		}
	}
	return produced
}

// bestExitPrice is what the position's tokens currently fetch: the best
// bid for a YES holding, the implied NO bid otherwise.
func bestExitPrice(book *types.Orderbook, outcome int) (float64, bool) {
	if outcome == types.OutcomeYes {
		bid, ok := book.BestBid()
		return bid.Price, ok
	}
	ask, ok := book.BestAsk()
	if !ok {
		return 0, false
	}
	return 1 - ask.Price, true
}

// cancelQuote cancels the resting order through the owning account.
func (l *LPMaking) cancelQuote(ctx context.Context, pos *lpPosition) {
	if pos.orderID == "" {
		return
	}
	if err := l.canceller.CancelOrder(ctx, pos.accountID, pos.orderID); err != nil {
		l.logger.Warn("cancel failed", "order", pos.orderID, "error", err)
		return
	}
	l.mu.Lock()
	pos.orderID = ""
	l.mu.Unlock()
}

// placeQuote dispatches a pinned limit sell for the position's shares. The
// pending flag goes up before the dispatch: the orderPlaced event arrives
// on the pump goroutine and can beat Distribute's return, and its clear
// must win.
func (l *LPMaking) placeQuote(ctx context.Context, market types.Market, pos *lpPosition, price float64, profitTaking bool) bool {
	opp := types.Opportunity{
		Market:          market,
		Side:            types.SideSell,
		Route:           types.RouteLimit,
		OutcomeIndex:    pos.outcome,
		LimitPrice:      price,
		Amount:          decimal.NewFromFloat(pos.shares * price),
		TargetAccountID: pos.accountID,
	}

	l.mu.Lock()
	pos.quotePrice = price
	pos.quotePending = true
	pos.profitTaking = profitTaking
	l.mu.Unlock()

	if l.dist.Distribute(ctx, NameLPMaking, []types.Opportunity{opp}) == 0 {
		// No order went out, so no event will clear the flag.
		l.mu.Lock()
		pos.quotePending = false
		l.mu.Unlock()
		return false
	}
	return true
}
