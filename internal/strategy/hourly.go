package strategy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"predictbot/internal/config"
	"predictbot/pkg/types"
)

// NameHourly is the hourly arbitrage strategy's registered name.
const NameHourly = "hourly_arbitrage"

// Hourly detects markets that settle on the hour and buys the cheap side
// when the feed prices are lopsided enough: close to settlement, a market
// at YES 0.72 is very likely to resolve YES, so NO at 0.28 carries the
// mispricing.
type Hourly struct {
	base
	cfg     config.HourlyConfig
	markets MarketView
	dist    Distributor
}

// NewHourly builds the strategy over the shared market snapshot.
func NewHourly(cfg config.HourlyConfig, markets MarketView, dist Distributor, logger *slog.Logger) *Hourly {
	return &Hourly{
		base:    newBase(NameHourly, logger),
		cfg:     cfg,
		markets: markets,
		dist:    dist,
	}
}

// Initialize validates config; there is nothing external to warm up.
func (h *Hourly) Initialize(ctx context.Context) error {
	if err := h.beginInitialize(); err != nil {
		return err
	}
	var err error
	if h.cfg.Amount <= 0 {
		err = errInvalidAmount(h.cfg.Amount)
	}
	return h.finishInitialize(err)
}

// ScanInterval returns the tick cadence.
func (h *Hourly) ScanInterval() time.Duration { return h.cfg.ScanInterval }

// Status reports the lifecycle state and counters.
func (h *Hourly) Status() Status { return h.status() }

// HandleEvent is a no-op: the coordinator tracks this strategy's cap.
func (h *Hourly) HandleEvent(ev types.ExecutionEvent) {}

// qualifies reports whether a market settles on the hour: an "hourly" tag,
// or a top-of-hour end date with an hourly-sounding title.
func (h *Hourly) qualifies(m types.Market) bool {
	if m.Expired {
		return false
	}
	if m.HasTag("hourly") {
		return true
	}
	if m.EndDate.Minute() != 0 {
		return false
	}
	title := strings.ToLower(m.Title)
	return strings.Contains(title, "hourly") || strings.Contains(title, "hour")
}

// Execute runs one detection tick and hands the opportunities to the
// coordinator. It returns the number produced.
func (h *Hourly) Execute(ctx context.Context) (int, error) {
	if !h.running() {
		return 0, nil
	}

	now := h.now()
	var opps []types.Opportunity
	for _, m := range h.markets.Get() {
		if !h.qualifies(m) {
			continue
		}
		timeToExpiry := m.EndDate.Sub(now)
		if timeToExpiry < h.cfg.MinTimeToSettlement || timeToExpiry > h.cfg.SettlementBuffer {
			continue
		}
		if m.FeedPrices == nil {
			continue
		}

		opp, ok := h.detect(m)
		if !ok {
			continue
		}
		opps = append(opps, opp)
	}

	if len(opps) > 0 {
		executed := h.dist.Distribute(ctx, NameHourly, opps)
		h.logger.Info("tick complete", "opportunities", len(opps), "executed", executed)
	}
	h.recordTick(len(opps))
	return len(opps), nil
}

// detect buys the complement of the dominant side when the dominant price
// sits inside the configured band.
func (h *Hourly) detect(m types.Market) (types.Opportunity, bool) {
	yes, no := m.FeedPrices.Yes, m.FeedPrices.No

	var price float64
	var outcome int
	switch {
	case yes >= h.cfg.MinPriceThreshold && yes <= h.cfg.MaxPriceThreshold:
		price, outcome = no, types.OutcomeNo
	case no >= h.cfg.MinPriceThreshold && no <= h.cfg.MaxPriceThreshold:
		price, outcome = yes, types.OutcomeYes
	default:
		return types.Opportunity{}, false
	}
	if price <= 0 {
		return types.Opportunity{}, false
	}

	amount := h.cfg.Amount
	expectedReturn := (amount/price - amount) * price

	return types.Opportunity{
		Market:         m,
		Side:           types.SideBuy,
		Route:          types.RouteAMM,
		OutcomeIndex:   outcome,
		PricePerToken:  price,
		Amount:         decimal.NewFromFloat(amount),
		Slippage:       h.cfg.Slippage,
		ExpectedReturn: expectedReturn,
	}, true
}
