// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — markets, accounts,
// positions, opportunities, and the execution events that flow between
// executors, the coordinator, and the strategies. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an opportunity.
type Side string

const (
	SideBuy   Side = "buy"
	SideSell  Side = "sell"
	SideSplit Side = "split" // on-chain split of collateral into YES+NO
)

// Outcome indexes into a binary market's token pair.
const (
	OutcomeYes = 0
	OutcomeNo  = 1
)

// Route selects which venue operation executes an opportunity.
// Buy/sell opportunities go through the AMM endpoints or the limit order
// book depending on the strategy that produced them; split goes on-chain.
type Route string

const (
	RouteAMM   Route = "amm"   // POST /orders/market or /orders/sell
	RouteLimit Route = "limit" // POST /orders (signed EIP-712)
	RouteSplit Route = "split" // ConditionalTokens splitPosition
)

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// FeedPrices are the venue's current implied probabilities for both outcomes.
type FeedPrices struct {
	Yes float64 `json:"YES"`
	No  float64 `json:"NO"`
}

// MarketSettings carries optional per-market LP parameters.
type MarketSettings struct {
	MinSize      float64 `json:"minSize"`
	MaxSpread    float64 `json:"maxSpread"`
	DailyReward  float64 `json:"dailyReward"`
	RewardsEpoch string  `json:"rewardsEpoch"`
}

// TradePrice is one entry of a market's recent trade history.
type TradePrice struct {
	Yes       float64   `json:"YES"`
	No        float64   `json:"NO"`
	Timestamp time.Time `json:"timestamp"`
}

// Market is the internal representation of a binary prediction market.
// Populated from the venue's /markets endpoints during snapshot refresh and
// never mutated in place — each refresh replaces the whole set.
type Market struct {
	ConditionID string // 32-byte condition id, 0x-prefixed hex
	Address     string // on-chain market (AMM) contract
	Slug        string // human-readable URL slug
	Title       string

	EndDate time.Time
	Expired bool
	Closed  bool

	Tags         []string
	IsRewardable bool

	// TokenIDs holds the outcome token ids: index 0 = YES, 1 = NO.
	TokenIDs []string

	FeedPrices  *FeedPrices
	TradePrices []TradePrice
	Settings    *MarketSettings

	// Liquidity and Volume are zero when the venue did not report them.
	Liquidity float64
	Volume    float64
}

// IsExpired reports whether the market must be excluded from trading.
// A lagging expired flag does not save a market whose end date has passed.
func (m Market) IsExpired(now time.Time) bool {
	return m.Expired || !m.EndDate.After(now)
}

// HasTag reports a case-insensitive tag match.
func (m Market) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// TokenID returns the token id for an outcome index, or "" if unknown.
func (m Market) TokenID(outcome int) string {
	if outcome < 0 || outcome >= len(m.TokenIDs) {
		return ""
	}
	return m.TokenIDs[outcome]
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single bid or ask level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is a point-in-time view of one market's book.
// Bids are sorted descending by price, asks ascending.
type Orderbook struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// BestBid returns the top bid, ok=false on an empty side.
func (b Orderbook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, ok=false on an empty side.
func (b Orderbook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Depth returns the total resting size on one side of the book.
func (b Orderbook) Depth(side Side) float64 {
	var levels []BookLevel
	if side == SideBuy {
		levels = b.Bids
	} else {
		levels = b.Asks
	}
	var total float64
	for _, l := range levels {
		total += l.Size
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// AccountState is the plaintext per-account record held in the state store.
// It carries no private material; the wallet address is always re-derived
// from the vault key and never stored here.
type AccountState struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Balance           float64   `json:"balance"`
	MaxRisk           float64   `json:"maxRisk"`
	Strategies        []string  `json:"strategies"`
	IsActive          bool      `json:"isActive"`
	CreatedAt         time.Time `json:"createdAt"`
	LastBalanceUpdate time.Time `json:"lastBalanceUpdate,omitempty"`
}

// HasStrategy reports whether the account has a strategy enabled.
func (a AccountState) HasStrategy(name string) bool {
	for _, s := range a.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// GlobalLimits are the process-wide risk caps applied by every executor.
type GlobalLimits struct {
	MaxTotalInvestment               float64
	MaxDailyLoss                     float64
	EmergencyStopLoss                float64
	MaxPositionSize                  float64
	MaxRiskLevel                     float64
	MaxConcurrentPositionsPerAccount int
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is one open holding as reported by the venue portfolio endpoint.
// Identity is the (account, condition, outcome) tuple; the owning account
// and market are referenced by id and resolved at use time.
type Position struct {
	AccountID          string
	ConditionID        string
	OutcomeIndex       int
	OutcomeTokenAmount decimal.Decimal
	TotalBuysCost      decimal.Decimal
	TotalSellsCost     decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a transient trade proposal produced by a strategy tick.
// It is consumed at most once by the coordinator and never persisted.
type Opportunity struct {
	Market       Market
	Side         Side
	Route        Route
	OutcomeIndex int

	PricePerToken float64         // implied probability of the bought side, (0,1)
	Amount        decimal.Decimal // USDC notional
	Slippage      float64         // [0,1)

	ExpectedReturn float64
	RiskLevel      float64 // 0 = unset

	// LimitPrice and ClosePositionID refine limit-routed and closing
	// opportunities respectively. ClosePositionID marks a sell that exits
	// an executor-tracked position rather than opening a new one.
	LimitPrice      float64
	ClosePositionID string

	// ReturnAmount caps an AMM sell (sellByContract), in USDC.
	ReturnAmount decimal.Decimal

	// TargetAccountID pins the opportunity to one account, bypassing LRU
	// rotation. Used for sells and requotes of an account's own position.
	TargetAccountID string

	// AllowedAccounts, when non-empty, restricts the eligible set to a
	// strategy-maintained per-market allow-list.
	AllowedAccounts []string
}

// ————————————————————————————————————————————————————————————————————————
// Execution events
// ————————————————————————————————————————————————————————————————————————

// EventKind discriminates execution events.
type EventKind string

const (
	EventTradeExecuted   EventKind = "tradeExecuted"
	EventTradeFailed     EventKind = "tradeFailed"
	EventPositionSettled EventKind = "positionSettled"
	EventPositionClosed  EventKind = "positionClosed"
	EventOrderPlaced     EventKind = "orderPlaced"
)

// ExecutionEvent is emitted by an account executor. Delivery is in-order per
// executor; across executors no global ordering is promised. The coordinator
// subscribes to maintain its per-strategy open-position sets; strategies may
// subscribe to learn the fate of their opportunities.
type ExecutionEvent struct {
	Kind        EventKind
	PositionID  string
	Strategy    string
	AccountID   string
	ConditionID string
	OrderID     string // set for limit orders on EventOrderPlaced
	Err         string // set on EventTradeFailed
	At          time.Time

	// Market and Opportunity accompany EventTradeExecuted and
	// EventOrderPlaced so subscribers need no side lookups.
	Market      *Market
	Opportunity *Opportunity
}

// USDC amounts on the wire are integers scaled by 1e6.
const USDCDecimals = 6

// ToWireAmount converts a USDC decimal to the venue's 6-decimal integer string.
func ToWireAmount(d decimal.Decimal) string {
	return d.Shift(USDCDecimals).Round(0).BigInt().String()
}

// FromWireAmount parses a 6-decimal integer string into a USDC decimal.
func FromWireAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-USDCDecimals), nil
}
