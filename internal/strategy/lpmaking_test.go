package strategy

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predictbot/internal/config"
	"predictbot/pkg/types"
)

type fakeBooks map[string]*types.Orderbook

func (f fakeBooks) GetOrderbook(_ context.Context, slug string) (*types.Orderbook, error) {
	book, ok := f[slug]
	if !ok {
		return nil, fmt.Errorf("no book for %s", slug)
	}
	return book, nil
}

type fakeCanceller struct {
	cancelled []string
	fail      bool
}

func (f *fakeCanceller) CancelOrder(_ context.Context, accountID, orderID string) error {
	if f.fail {
		return fmt.Errorf("cancel rejected")
	}
	f.cancelled = append(f.cancelled, accountID+"/"+orderID)
	return nil
}

var lpNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func lpConfig() config.LPMakingConfig {
	return config.LPMakingConfig{
		Enabled:                 true,
		InitialPurchase:         20,
		TargetProfitRate:        0.05,
		MinMarketScore:          0.5,
		MaxConcurrentMarkets:    2,
		PriceAdjustmentInterval: 0,
		MaxOrderAge:             time.Hour,
		ScanInterval:            time.Minute,
	}
}

func lpMarket() types.Market {
	return types.Market{
		ConditionID:  "0xlp",
		Slug:         "rain-in-london",
		Title:        "Rain in London this week?",
		EndDate:      lpNow.Add(72 * time.Hour),
		IsRewardable: true,
		Settings:     &types.MarketSettings{DailyReward: 80},
	}
}

// balancedBook has a tight spread around 0.5 with a thinner ask side.
func balancedBook() *types.Orderbook {
	return &types.Orderbook{
		Bids: []types.BookLevel{{Price: 0.49, Size: 400}, {Price: 0.48, Size: 300}},
		Asks: []types.BookLevel{{Price: 0.51, Size: 100}},
	}
}

func newLP(t *testing.T, dist *fakeDistributor, books fakeBooks,
	canceller *fakeCanceller, markets ...types.Market) *LPMaking {
	t.Helper()
	l := NewLPMaking(lpConfig(), fakeMarkets(markets), books, canceller, dist, testLogger())
	l.now = func() time.Time { return lpNow }
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLPQuoteMath(t *testing.T) {
	t.Parallel()

	if got := targetProfitPrice(0.5, 0.05); math.Abs(got-0.525) > 1e-9 {
		t.Errorf("target = %v, want 0.525", got)
	}
	// Target clamps into the venue's valid range.
	if got := targetProfitPrice(0.98, 0.05); got != 0.99 {
		t.Errorf("clamped target = %v, want 0.99", got)
	}

	// Quote backs off from the target but keeps an edge over the entry.
	if got := quotePrice(0.5, 0.525); math.Abs(got-0.52) > 1e-9 {
		t.Errorf("quote = %v, want 0.52", got)
	}
	if got := quotePrice(0.5, 0.502); math.Abs(got-0.51) > 1e-9 {
		t.Errorf("quote = %v, want entry edge 0.51", got)
	}
}

func TestLPEntersThinnerSide(t *testing.T) {
	t.Parallel()

	t.Run("thin ask buys YES at the ask", func(t *testing.T) {
		t.Parallel()
		dist := newFakeDistributor()
		m := lpMarket()
		lp := newLP(t, dist, fakeBooks{m.Slug: balancedBook()}, &fakeCanceller{}, m)

		if n, _ := lp.Execute(context.Background()); n != 1 {
			t.Fatalf("produced = %d", n)
		}
		opp := dist.received[NameLPMaking][0]
		if opp.Side != types.SideBuy || opp.Route != types.RouteAMM {
			t.Fatalf("side/route = %v/%v", opp.Side, opp.Route)
		}
		if opp.OutcomeIndex != types.OutcomeYes || opp.PricePerToken != 0.51 {
			t.Errorf("opp = outcome %d at %v", opp.OutcomeIndex, opp.PricePerToken)
		}
		if amt, _ := opp.Amount.Float64(); amt != 20 {
			t.Errorf("amount = %v", amt)
		}
	})

	t.Run("thin bid buys NO at implied price", func(t *testing.T) {
		t.Parallel()
		dist := newFakeDistributor()
		m := lpMarket()
		book := &types.Orderbook{
			Bids: []types.BookLevel{{Price: 0.49, Size: 50}},
			Asks: []types.BookLevel{{Price: 0.51, Size: 400}},
		}
		lp := newLP(t, dist, fakeBooks{m.Slug: book}, &fakeCanceller{}, m)

		if n, _ := lp.Execute(context.Background()); n != 1 {
			t.Fatalf("produced = %d", n)
		}
		opp := dist.received[NameLPMaking][0]
		if opp.OutcomeIndex != types.OutcomeNo || math.Abs(opp.PricePerToken-0.51) > 1e-9 {
			t.Errorf("opp = outcome %d at %v", opp.OutcomeIndex, opp.PricePerToken)
		}
	})
}

func TestLPEntryFilters(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*types.Market, *types.Orderbook)
	}{
		{"not rewardable", func(m *types.Market, _ *types.Orderbook) { m.IsRewardable = false }},
		{"settles within a day", func(m *types.Market, _ *types.Orderbook) {
			m.EndDate = lpNow.Add(6 * time.Hour)
		}},
		{"lopsided mid scores too low", func(m *types.Market, b *types.Orderbook) {
			m.Settings = nil
			b.Bids = []types.BookLevel{{Price: 0.04, Size: 400}}
			b.Asks = []types.BookLevel{{Price: 0.12, Size: 100}}
		}},
		{"one-sided book", func(_ *types.Market, b *types.Orderbook) { b.Asks = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := lpMarket()
			book := balancedBook()
			tc.mutate(&m, book)

			dist := newFakeDistributor()
			lp := newLP(t, dist, fakeBooks{m.Slug: book}, &fakeCanceller{}, m)
			if n, _ := lp.Execute(context.Background()); n != 0 {
				t.Errorf("produced = %d, want 0", n)
			}
		})
	}
}

// fillLP simulates the executor reporting the entry fill back through the
// event pump.
func fillLP(lp *LPMaking, m types.Market, entry float64, amount float64) {
	lp.HandleEvent(types.ExecutionEvent{
		Kind:        types.EventTradeExecuted,
		Strategy:    NameLPMaking,
		AccountID:   "a1",
		ConditionID: m.ConditionID,
		At:          lpNow,
		Opportunity: &types.Opportunity{
			Market:        m,
			Side:          types.SideBuy,
			Route:         types.RouteAMM,
			OutcomeIndex:  types.OutcomeYes,
			PricePerToken: entry,
			Amount:        decimal.NewFromFloat(amount),
		},
	})
}

func TestLPPlacesInitialExitQuote(t *testing.T) {
	t.Parallel()
	dist := newFakeDistributor()
	m := lpMarket()
	lp := newLP(t, dist, fakeBooks{m.Slug: balancedBook()}, &fakeCanceller{}, m)

	fillLP(lp, m, 0.5, 20)

	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	var quote *types.Opportunity
	for i := range dist.received[NameLPMaking] {
		if dist.received[NameLPMaking][i].Route == types.RouteLimit {
			quote = &dist.received[NameLPMaking][i]
		}
	}
	if quote == nil {
		t.Fatal("no exit quote dispatched")
	}
	if quote.Side != types.SideSell || quote.TargetAccountID != "a1" {
		t.Errorf("quote side/target = %v/%q", quote.Side, quote.TargetAccountID)
	}
	// Entry 0.5 at 5% profit: target 0.525, quote backs off to 0.52.
	if math.Abs(quote.LimitPrice-0.52) > 1e-9 {
		t.Errorf("limit price = %v, want 0.52", quote.LimitPrice)
	}
	// 40 shares at the quote price.
	if amt, _ := quote.Amount.Float64(); math.Abs(amt-40*0.52) > 1e-6 {
		t.Errorf("amount = %v, want 20.8", amt)
	}
}

func TestLPProfitTakingWhenTargetCrossed(t *testing.T) {
	t.Parallel()
	dist := newFakeDistributor()
	canceller := &fakeCanceller{}
	m := lpMarket()
	// Best bid 0.60 is well past the 0.525 target.
	book := &types.Orderbook{
		Bids: []types.BookLevel{{Price: 0.60, Size: 100}},
		Asks: []types.BookLevel{{Price: 0.62, Size: 100}},
	}
	lp := newLP(t, dist, fakeBooks{m.Slug: book}, &fakeCanceller{}, m)
	lp.canceller = canceller

	fillLP(lp, m, 0.5, 20)
	lp.HandleEvent(types.ExecutionEvent{
		Kind:        types.EventOrderPlaced,
		Strategy:    NameLPMaking,
		ConditionID: m.ConditionID,
		OrderID:     "ord-1",
		At:          lpNow.Add(-time.Minute),
		Opportunity: &types.Opportunity{Route: types.RouteLimit},
	})

	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "a1/ord-1" {
		t.Fatalf("cancelled = %v", canceller.cancelled)
	}
	quotes := dist.received[NameLPMaking]
	last := quotes[len(quotes)-1]
	if last.Route != types.RouteLimit || math.Abs(last.LimitPrice-0.60) > 1e-9 {
		t.Errorf("reprice = %v at %v, want limit at 0.60", last.Route, last.LimitPrice)
	}
}

// inlineEventDistributor reports the resting order back before Distribute
// returns, the way the engine pump can when the executor answers quickly.
type inlineEventDistributor struct {
	lp      *LPMaking
	orderID string
	calls   int
}

func (d *inlineEventDistributor) Distribute(_ context.Context, _ string, opps []types.Opportunity) int {
	d.calls++
	d.lp.HandleEvent(types.ExecutionEvent{
		Kind:        types.EventOrderPlaced,
		Strategy:    NameLPMaking,
		AccountID:   "a1",
		ConditionID: opps[0].Market.ConditionID,
		OrderID:     d.orderID,
		At:          lpNow,
		Opportunity: &opps[0],
	})
	return len(opps)
}

func TestLPQuoteSurvivesFastOrderEvent(t *testing.T) {
	t.Parallel()
	canceller := &fakeCanceller{}
	m := lpMarket()
	// Best bid 0.60 is past the 0.525 target, so a live quote gets repriced.
	book := &types.Orderbook{
		Bids: []types.BookLevel{{Price: 0.60, Size: 100}},
		Asks: []types.BookLevel{{Price: 0.62, Size: 100}},
	}
	lp := newLP(t, newFakeDistributor(), fakeBooks{m.Slug: book}, &fakeCanceller{}, m)
	lp.canceller = canceller
	inline := &inlineEventDistributor{lp: lp, orderID: "ord-fast"}
	lp.dist = inline

	fillLP(lp, m, 0.5, 20)
	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	lp.mu.Lock()
	pos := lp.open[m.ConditionID]
	pending, orderID := pos.quotePending, pos.orderID
	lp.mu.Unlock()
	if pending {
		t.Error("quote still pending after the order event")
	}
	if orderID != "ord-fast" {
		t.Errorf("orderID = %q, want ord-fast", orderID)
	}

	// The live quote stays adjustable: the next cycle takes the profit.
	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inline.calls != 2 {
		t.Errorf("dispatches = %d, want a repriced second quote", inline.calls)
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "a1/ord-fast" {
		t.Errorf("cancelled = %v", canceller.cancelled)
	}
}

func TestLPCancelsStaleOrders(t *testing.T) {
	t.Parallel()
	dist := newFakeDistributor()
	canceller := &fakeCanceller{}
	m := lpMarket()
	lp := newLP(t, dist, fakeBooks{m.Slug: balancedBook()}, &fakeCanceller{}, m)
	lp.canceller = canceller

	fillLP(lp, m, 0.5, 20)
	lp.HandleEvent(types.ExecutionEvent{
		Kind:        types.EventOrderPlaced,
		Strategy:    NameLPMaking,
		ConditionID: m.ConditionID,
		OrderID:     "ord-old",
		At:          lpNow.Add(-2 * time.Hour),
		Opportunity: &types.Opportunity{Route: types.RouteLimit},
	})

	before := len(dist.received[NameLPMaking])
	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(canceller.cancelled) != 1 {
		t.Fatalf("cancelled = %v", canceller.cancelled)
	}
	// The stale cancel itself places nothing; the next cycle requotes.
	if got := len(dist.received[NameLPMaking]); got != before {
		t.Errorf("dispatched %d new opportunities during stale cancel", got-before)
	}
	if _, err := lp.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(dist.received[NameLPMaking]); got != before+1 {
		t.Errorf("requote after stale cancel: dispatched = %d, want %d", got, before+1)
	}
}

func TestLPSettlementForgetsPosition(t *testing.T) {
	t.Parallel()
	dist := newFakeDistributor()
	m := lpMarket()
	lp := newLP(t, dist, fakeBooks{m.Slug: balancedBook()}, &fakeCanceller{}, m)

	fillLP(lp, m, 0.5, 20)
	lp.HandleEvent(types.ExecutionEvent{
		Kind:        types.EventPositionSettled,
		ConditionID: m.ConditionID,
		At:          lpNow,
	})

	lp.mu.Lock()
	open := len(lp.open)
	lp.mu.Unlock()
	if open != 0 {
		t.Errorf("open positions = %d after settlement", open)
	}
}

func TestLPRespectsConcurrentMarketCap(t *testing.T) {
	t.Parallel()
	dist := newFakeDistributor()

	var markets []types.Market
	books := fakeBooks{}
	for i := 0; i < 4; i++ {
		m := lpMarket()
		m.ConditionID = fmt.Sprintf("0xlp%d", i)
		m.Slug = fmt.Sprintf("market-%d", i)
		markets = append(markets, m)
		books[m.Slug] = balancedBook()
	}

	lp := newLP(t, dist, books, &fakeCanceller{}, markets...)
	if n, _ := lp.Execute(context.Background()); n != 2 {
		t.Fatalf("produced = %d, want MaxConcurrentMarkets", n)
	}
}
