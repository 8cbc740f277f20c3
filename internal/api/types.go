package api

import (
	"time"

	"predictbot/internal/stats"
)

// StatusSnapshot is the full engine state served on /api/snapshot and
// pushed to fresh websocket clients.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Markets    MarketsStatus       `json:"markets"`
	Positions  PositionsStatus     `json:"positions"`
	Accounts   []AccountStatus     `json:"accounts"`
	Strategies []StrategyStatus    `json:"strategies"`
	Strategy   []CoordinatorStatus `json:"coordinator"`
	Execution  stats.Snapshot      `json:"execution"`
}

// MarketsStatus reports the market snapshot's health.
type MarketsStatus struct {
	Count         int       `json:"count"`
	LastRefreshed time.Time `json:"lastRefreshed"`
	RefreshErrors int64     `json:"refreshErrors"`
}

// PositionsStatus reports the position registry's health.
type PositionsStatus struct {
	Bootstrapped  bool  `json:"bootstrapped"`
	RefreshErrors int64 `json:"refreshErrors"`
}

// AccountStatus is one account's public view; never includes key material.
type AccountStatus struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Active        bool    `json:"active"`
	Degraded      bool    `json:"degraded"`
	Balance       float64 `json:"balance"`
	OpenPositions int     `json:"openPositions"`
	Exposure      float64 `json:"exposure"`
}

// StrategyStatus mirrors a strategy's lifecycle counters.
type StrategyStatus struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	TicksRun      int64  `json:"ticksRun"`
	Opportunities int64  `json:"opportunities"`
	LastTick      string `json:"lastTick,omitempty"`
}

// CoordinatorStatus is one strategy's dispatch counters.
type CoordinatorStatus struct {
	Strategy      string `json:"strategy"`
	Dispatched    int64  `json:"dispatched"`
	SkippedAtCap  int64  `json:"skippedAtCap"`
	Dropped       int64  `json:"dropped"`
	OpenPositions int    `json:"openPositions"`
}

// StreamEvent is the wrapper for everything pushed over /ws.
type StreamEvent struct {
	Type      string    `json:"type"` // "snapshot", "execution", "account"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Provider supplies the current engine state; implemented by the engine.
type Provider interface {
	StatusSnapshot() StatusSnapshot
}
