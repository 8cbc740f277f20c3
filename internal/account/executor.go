package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"predictbot/internal/venue"
	"predictbot/pkg/types"
)

// RiskError is a rejected risk gate. Reason is a stable string suitable for
// counters and log lines.
type RiskError struct {
	Reason    string
	AccountID string
	Amount    float64
	Limit     float64
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk check failed for %s: %s (amount %.2f, limit %.2f)",
		e.AccountID, e.Reason, e.Amount, e.Limit)
}

// RiskReason exposes the gate reason to callers that only care which gate
// fired, without importing this package's error type.
func (e *RiskError) RiskReason() string { return e.Reason }

// OrderClient is the slice of the venue client the executor uses.
type OrderClient interface {
	AccountID() string
	WalletAddress() string
	EnsureAuthenticated(ctx context.Context) error
	PlaceLimitOrder(ctx context.Context, params *venue.LimitOrderParams) (*venue.OrderResult, error)
	PlaceHourlyOrder(ctx context.Context, params venue.HourlyOrderParams) (*venue.OrderResult, error)
	SellByContract(ctx context.Context, params venue.SellParams) (*venue.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	SetApproval(ctx context.Context, contractAddress string) error
}

// ChainBroker is the slice of the chain helper the executor uses.
type ChainBroker interface {
	Approve(ctx context.Context, spender string, amount *big.Int) (*venue.Tx, error)
	SplitPosition(ctx context.Context, conditionID string, amount *big.Int) (*venue.Tx, error)
	ClaimPosition(ctx context.Context, conditionID string) (*venue.Tx, error)
}

// ExecutorConfig are the risk knobs shared by all executors.
type ExecutorConfig struct {
	Limits              types.GlobalLimits
	TradingHoursEnabled bool
	StartHour           int
	EndHour             int

	// GlobalExposure yields the USDC notional open across every executor;
	// the engine wires it so MaxTotalInvestment binds process-wide. Nil
	// disables the gate.
	GlobalExposure func() float64
}

const (
	minTimeToExpiry = time.Minute
	maxTimeToExpiry = 30 * 24 * time.Hour
	minLiquidity    = 50
	minVolume       = 10
)

type executorState int

// openPosition is one holding this executor opened.
type openPosition struct {
	conditionID string
	amount      float64
}

const (
	executorStopped executorState = iota
	executorStarting
	executorRunning
	executorStopping
)

// Executor receives opportunities for one account, applies the risk gates
// in a fixed order, and submits the order through the matching venue or
// chain call. It owns the account's dynamic risk state and the lifecycle of
// the positions it opened.
type Executor struct {
	accountID string
	client    OrderClient
	chain     ChainBroker
	cfg       ExecutorConfig
	maxRisk   func() float64 // live view of the account's per-account cap
	events    chan types.ExecutionEvent
	logger    *slog.Logger
	now       func() time.Time
	rng       *rand.Rand

	mu              sync.Mutex
	state           executorState
	activePositions int
	totalExposure   float64
	dailyLoss       float64
	day             time.Time // midnight the daily counters belong to

	// positionID → what the position cost, so settling it releases the
	// same exposure it booked.
	positions map[string]openPosition
	// contracts with a confirmed USDC approval.
	approved map[string]bool
	// contracts whose approval failed; disqualifies this account for them.
	approvalFailed map[string]bool
}

// NewExecutor builds an executor. events is the engine-owned shared channel;
// maxRisk yields the account's current per-account cap.
func NewExecutor(accountID string, client OrderClient, chain ChainBroker, cfg ExecutorConfig,
	maxRisk func() float64, events chan types.ExecutionEvent, logger *slog.Logger) *Executor {
	return &Executor{
		accountID:      accountID,
		client:         client,
		chain:          chain,
		cfg:            cfg,
		maxRisk:        maxRisk,
		events:         events,
		logger:         logger.With("component", "executor", "account", accountID),
		now:            time.Now,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		positions:      make(map[string]openPosition),
		approved:       make(map[string]bool),
		approvalFailed: make(map[string]bool),
	}
}

// AccountID returns the owning account's id.
func (e *Executor) AccountID() string { return e.accountID }

// Start authenticates the client and moves to running. A client without a
// wallet address cannot trade.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != executorStopped {
		e.mu.Unlock()
		return fmt.Errorf("executor %s already started", e.accountID)
	}
	e.state = executorStarting
	e.mu.Unlock()

	if e.client.WalletAddress() == "" {
		e.mu.Lock()
		e.state = executorStopped
		e.mu.Unlock()
		return fmt.Errorf("executor %s has no wallet address", e.accountID)
	}
	if err := e.client.EnsureAuthenticated(ctx); err != nil {
		e.logger.Warn("authentication failed on start, will retry on first order", "error", err)
	}

	e.mu.Lock()
	e.state = executorRunning
	e.mu.Unlock()
	e.logger.Info("executor started")
	return nil
}

// Stop moves the executor back to stopped. In-flight submissions finish on
// their own timeouts.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == executorStopped {
		return
	}
	e.state = executorStopping
	e.state = executorStopped
	e.logger.Info("executor stopped")
}

// ActivePositions returns the number of open positions this executor opened.
func (e *Executor) ActivePositions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activePositions
}

// TotalExposure returns the USDC notional currently at risk.
func (e *Executor) TotalExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalExposure
}

// RecordLoss adds to today's realized loss.
func (e *Executor) RecordLoss(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDayLocked()
	e.dailyLoss += amount
}

// IsApprovalBlacklisted reports whether a market contract's approval failed
// for this account. The coordinator excludes such accounts for that market.
func (e *Executor) IsApprovalBlacklisted(contractAddress string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.approvalFailed[contractAddress]
}

// HasPosition reports whether a position id belongs to this executor.
func (e *Executor) HasPosition(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[positionID]
	return ok
}

// resetDayLocked rolls the daily-loss window at local midnight.
func (e *Executor) resetDayLocked() {
	now := e.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !midnight.Equal(e.day) {
		e.day = midnight
		e.dailyLoss = 0
	}
}

// checkGates applies the risk gates in their fixed order. Caller does not
// hold e.mu.
func (e *Executor) checkGates(opp types.Opportunity) error {
	amount, _ := opp.Amount.Float64()
	now := e.now()

	reject := func(reason string, limit float64) error {
		return &RiskError{Reason: reason, AccountID: e.accountID, Amount: amount, Limit: limit}
	}

	if cap := e.maxRisk(); amount > cap {
		return reject("per-account cap", cap)
	}
	if amount > e.cfg.Limits.MaxPositionSize {
		return reject("global position size", e.cfg.Limits.MaxPositionSize)
	}
	if e.cfg.Limits.MaxTotalInvestment > 0 && e.cfg.GlobalExposure != nil {
		if total := e.cfg.GlobalExposure(); total+amount > e.cfg.Limits.MaxTotalInvestment {
			return reject("total investment cap", e.cfg.Limits.MaxTotalInvestment)
		}
	}
	if opp.RiskLevel > 0 && e.cfg.Limits.MaxRiskLevel > 0 && opp.RiskLevel > e.cfg.Limits.MaxRiskLevel {
		return reject("risk level", e.cfg.Limits.MaxRiskLevel)
	}

	if opp.Market.IsExpired(now) || opp.Market.EndDate.Sub(now) < minTimeToExpiry {
		return reject("market expiring", minTimeToExpiry.Seconds())
	}
	if e.cfg.TradingHoursEnabled {
		if h := now.Hour(); h < e.cfg.StartHour || h > e.cfg.EndHour {
			return reject("outside trading hours", float64(e.cfg.EndHour))
		}
	}
	if opp.Market.EndDate.Sub(now) > maxTimeToExpiry {
		return reject("settlement too far", maxTimeToExpiry.Hours())
	}
	if opp.Market.Liquidity > 0 && opp.Market.Liquidity < minLiquidity {
		return reject("thin liquidity", minLiquidity)
	}
	if opp.Market.Volume > 0 && opp.Market.Volume < minVolume {
		return reject("thin volume", minVolume)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDayLocked()
	if e.cfg.Limits.EmergencyStopLoss > 0 && e.dailyLoss >= e.cfg.Limits.EmergencyStopLoss {
		// Kill switch: realized losses past this line halt the account for
		// the rest of the day regardless of the opportunity's size.
		return reject("emergency stop", e.cfg.Limits.EmergencyStopLoss)
	}
	if e.dailyLoss+amount > e.cfg.Limits.MaxDailyLoss {
		return reject("daily loss budget", e.cfg.Limits.MaxDailyLoss)
	}
	if e.activePositions >= e.cfg.Limits.MaxConcurrentPositionsPerAccount {
		return reject("concurrent positions", float64(e.cfg.Limits.MaxConcurrentPositionsPerAccount))
	}
	if e.totalExposure+amount > 3*e.cfg.Limits.MaxPositionSize {
		return reject("total exposure", 3 * e.cfg.Limits.MaxPositionSize)
	}
	return nil
}

// ensureApproved runs the on-chain USDC approval and the venue-side record
// for a market contract, once. A failed approval is remembered and
// disqualifies the account for that contract.
func (e *Executor) ensureApproved(ctx context.Context, contractAddress string) error {
	e.mu.Lock()
	if e.approved[contractAddress] {
		e.mu.Unlock()
		return nil
	}
	if e.approvalFailed[contractAddress] {
		e.mu.Unlock()
		return &RiskError{Reason: "approval previously failed", AccountID: e.accountID}
	}
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.approvalFailed[contractAddress] = true
		e.mu.Unlock()
		e.logger.Warn("approval failed, account disqualified for contract",
			"contract", contractAddress, "error", err)
		return fmt.Errorf("approve %s: %w", contractAddress, err)
	}

	tx, err := e.chain.Approve(ctx, contractAddress, venue.MaxApproval)
	if err != nil {
		return fail(err)
	}
	if err := tx.Wait(ctx); err != nil {
		return fail(err)
	}
	if err := e.client.SetApproval(ctx, contractAddress); err != nil {
		return fail(err)
	}

	e.mu.Lock()
	e.approved[contractAddress] = true
	e.mu.Unlock()
	return nil
}

// newPositionID issues "<strategy>_<marketId>_<nowMs>_<rand9>".
func (e *Executor) newPositionID(strategy, marketID string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 9)
	e.mu.Lock()
	for i := range suffix {
		suffix[i] = alphabet[e.rng.Intn(len(alphabet))]
	}
	e.mu.Unlock()
	return fmt.Sprintf("%s_%s_%d_%s", strategy, marketID, e.now().UnixMilli(), suffix)
}

// ReceiveOpportunity runs the gates, submits the order, and updates risk
// state. It returns the issued position id on success. The coordinator
// treats any error as a dropped opportunity.
func (e *Executor) ReceiveOpportunity(ctx context.Context, strategy string, opp types.Opportunity) (string, error) {
	e.mu.Lock()
	running := e.state == executorRunning
	e.mu.Unlock()
	if !running {
		return "", fmt.Errorf("executor %s not running", e.accountID)
	}

	if err := e.checkGates(opp); err != nil {
		e.logger.Debug("opportunity rejected", "strategy", strategy, "reason", err)
		return "", err
	}

	if opp.Market.Address != "" && opp.Route != types.RouteSplit {
		if err := e.ensureApproved(ctx, opp.Market.Address); err != nil {
			return "", err
		}
	}

	positionID := e.newPositionID(strategy, opp.Market.ConditionID)
	if err := e.submit(ctx, positionID, opp); err != nil {
		e.emit(types.ExecutionEvent{
			Kind:        types.EventTradeFailed,
			PositionID:  positionID,
			Strategy:    strategy,
			AccountID:   e.accountID,
			ConditionID: opp.Market.ConditionID,
			Err:         err.Error(),
			At:          e.now(),
		})
		return "", err
	}

	amount, _ := opp.Amount.Float64()

	if opp.Route == types.RouteLimit && opp.Side == types.SideSell {
		// A resting exit quote on an existing holding, not a new position;
		// submit already emitted the orderPlaced event.
		return positionID, nil
	}

	if opp.ClosePositionID != "" {
		// A sell that exits a tracked position releases what it booked.
		e.mu.Lock()
		if pos, ok := e.positions[opp.ClosePositionID]; ok {
			delete(e.positions, opp.ClosePositionID)
			e.activePositions--
			e.totalExposure -= pos.amount
			if e.totalExposure < 0 {
				e.totalExposure = 0
			}
		}
		e.mu.Unlock()

		e.emit(types.ExecutionEvent{
			Kind:        types.EventPositionClosed,
			PositionID:  opp.ClosePositionID,
			Strategy:    strategy,
			AccountID:   e.accountID,
			ConditionID: opp.Market.ConditionID,
			At:          e.now(),
		})
		return opp.ClosePositionID, nil
	}

	e.mu.Lock()
	e.positions[positionID] = openPosition{conditionID: opp.Market.ConditionID, amount: amount}
	e.activePositions++
	e.totalExposure += amount
	e.mu.Unlock()

	market := opp.Market
	oppCopy := opp
	e.emit(types.ExecutionEvent{
		Kind:        types.EventTradeExecuted,
		PositionID:  positionID,
		Strategy:    strategy,
		AccountID:   e.accountID,
		ConditionID: opp.Market.ConditionID,
		At:          e.now(),
		Market:      &market,
		Opportunity: &oppCopy,
	})
	return positionID, nil
}

// submit routes the opportunity to the venue or the chain.
func (e *Executor) submit(ctx context.Context, positionID string, opp types.Opportunity) error {
	switch {
	case opp.Route == types.RouteSplit:
		amount := opp.Amount.Shift(types.USDCDecimals).Round(0).BigInt()
		tx, err := e.chain.SplitPosition(ctx, opp.Market.ConditionID, amount)
		if err != nil {
			return err
		}
		return tx.Wait(ctx)

	case opp.Route == types.RouteLimit:
		amount, _ := opp.Amount.Float64()
		side := 0
		if opp.Side == types.SideSell {
			side = 1
		}
		res, err := e.client.PlaceLimitOrder(ctx, &venue.LimitOrderParams{
			TokenID:    opp.Market.TokenID(opp.OutcomeIndex),
			Price:      opp.LimitPrice,
			Quantity:   amount,
			Side:       side,
			MarketSlug: opp.Market.Slug,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("limit order rejected")
		}
		e.emit(types.ExecutionEvent{
			Kind:        types.EventOrderPlaced,
			PositionID:  positionID,
			AccountID:   e.accountID,
			ConditionID: opp.Market.ConditionID,
			OrderID:     res.OrderID,
			At:          e.now(),
			Opportunity: &opp,
		})
		return nil

	case opp.Side == types.SideSell:
		maxTokens := opp.Amount
		res, err := e.client.SellByContract(ctx, venue.SellParams{
			ContractAddress:        opp.Market.Address,
			OutcomeIndex:           opp.OutcomeIndex,
			ReturnAmount:           opp.ReturnAmount,
			MaxOutcomeTokensToSell: maxTokens,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("amm sell rejected")
		}
		return nil

	default: // buy via AMM
		res, err := e.client.PlaceHourlyOrder(ctx, venue.HourlyOrderParams{
			ContractAddress:  opp.Market.Address,
			InvestmentAmount: opp.Amount,
			PricePerToken:    opp.PricePerToken,
			OutcomeIndex:     opp.OutcomeIndex,
			Slippage:         opp.Slippage,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("amm buy rejected")
		}
		return nil
	}
}

// MarketLookup resolves a condition id to a market, typically backed by the
// market snapshot.
type MarketLookup interface {
	Lookup(conditionID string) (types.Market, bool)
}

// CheckPositions claims positions whose market has closed. Run from the
// engine's position-check ticker.
func (e *Executor) CheckPositions(ctx context.Context, markets MarketLookup) {
	e.mu.Lock()
	if e.state != executorRunning {
		e.mu.Unlock()
		return
	}
	open := make(map[string]openPosition, len(e.positions))
	for id, pos := range e.positions {
		open[id] = pos
	}
	e.mu.Unlock()

	for positionID, pos := range open {
		market, ok := markets.Lookup(pos.conditionID)
		if !ok || !market.Closed {
			continue
		}

		tx, err := e.chain.ClaimPosition(ctx, pos.conditionID)
		if err == nil {
			err = tx.Wait(ctx)
		}
		if err != nil {
			e.logger.Warn("claim failed, will retry next cycle", "position", positionID, "error", err)
			continue
		}

		e.mu.Lock()
		if cur, ok := e.positions[positionID]; ok {
			delete(e.positions, positionID)
			e.activePositions--
			e.totalExposure -= cur.amount
			if e.totalExposure < 0 {
				e.totalExposure = 0
			}
		}
		e.mu.Unlock()

		e.emit(types.ExecutionEvent{
			Kind:        types.EventPositionSettled,
			PositionID:  positionID,
			AccountID:   e.accountID,
			ConditionID: pos.conditionID,
			At:          e.now(),
		})
		e.logger.Info("position settled", "position", positionID, "market", pos.conditionID)
	}
}

// emit delivers an event to the engine pump. Delivery is mandatory — the
// coordinator's position cap and the strategies' order tracking ride on
// these events — so a full buffer blocks the trade path rather than drop.
// Executors stop before the pump does, so a send never outlives its reader.
func (e *Executor) emit(ev types.ExecutionEvent) {
	e.events <- ev
}
