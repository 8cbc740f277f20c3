// Package strategy implements opportunity detection. Strategies never
// submit orders themselves: each tick produces opportunities and hands them
// to the coordinator, which picks the executing account.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predictbot/pkg/types"
)

// State is a strategy's lifecycle state.
type State string

const (
	StateIdle         State = "IDLE"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateError        State = "ERROR"
)

// Distributor routes opportunities to executors; implemented by the
// coordinator.
type Distributor interface {
	Distribute(ctx context.Context, strategy string, opportunities []types.Opportunity) int
}

// MarketView is the read side of the market snapshot.
type MarketView interface {
	Get() []types.Market
	Lookup(conditionID string) (types.Market, bool)
}

// Strategy is the engine-facing surface every strategy implements.
type Strategy interface {
	Name() string
	Initialize(ctx context.Context) error
	Start() error
	Stop()
	Execute(ctx context.Context) (int, error)
	Status() Status
	ScanInterval() time.Duration
	HandleEvent(ev types.ExecutionEvent)
}

// Status is a strategy's reportable state.
type Status struct {
	Name          string `json:"name"`
	State         State  `json:"state"`
	TicksRun      int64  `json:"ticksRun"`
	Opportunities int64  `json:"opportunities"`
	LastTick      string `json:"lastTick,omitempty"`
}

func errInvalidAmount(v float64) error {
	return fmt.Errorf("trade amount %.2f must be positive", v)
}

// base carries the state machine, timers and counters shared by all
// strategies. The machine is
// IDLE → INITIALIZING → IDLE → RUNNING ⇄ PAUSED → STOPPING → STOPPED, with
// ERROR accepting only Stop.
type base struct {
	name   string
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	timers        map[string]chan struct{}
	ticksRun      int64
	opportunities int64
	lastTick      time.Time
}

func newBase(name string, logger *slog.Logger) base {
	return base{
		name:   name,
		logger: logger.With("component", "strategy", "strategy", name),
		now:    time.Now,
		state:  StateIdle,
		timers: make(map[string]chan struct{}),
	}
}

// Name returns the strategy's registered name.
func (b *base) Name() string { return b.name }

// CurrentState returns the lifecycle state.
func (b *base) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) transition(from []State, to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range from {
		if b.state == s {
			b.state = to
			return nil
		}
	}
	return fmt.Errorf("strategy %s: cannot move %s -> %s", b.name, b.state, to)
}

// beginInitialize moves IDLE → INITIALIZING.
func (b *base) beginInitialize() error {
	return b.transition([]State{StateIdle}, StateInitializing)
}

// finishInitialize returns to IDLE on success, ERROR otherwise.
func (b *base) finishInitialize(err error) error {
	if err != nil {
		b.mu.Lock()
		b.state = StateError
		b.mu.Unlock()
		b.logger.Error("initialization failed", "error", err)
		return err
	}
	return b.transition([]State{StateInitializing}, StateIdle)
}

// Start moves IDLE → RUNNING.
func (b *base) Start() error {
	if err := b.transition([]State{StateIdle}, StateRunning); err != nil {
		return err
	}
	b.logger.Info("strategy started")
	return nil
}

// Pause moves RUNNING → PAUSED; ticks become no-ops.
func (b *base) Pause() error {
	return b.transition([]State{StateRunning}, StatePaused)
}

// Resume moves PAUSED → RUNNING.
func (b *base) Resume() error {
	return b.transition([]State{StatePaused}, StateRunning)
}

// Stop halts the strategy from any live state and clears all timers.
func (b *base) Stop() {
	b.mu.Lock()
	switch b.state {
	case StateStopped:
		b.mu.Unlock()
		return
	case StateError:
		// ERROR permits only stop.
	default:
	}
	b.state = StateStopping
	for name, stop := range b.timers {
		close(stop)
		delete(b.timers, name)
	}
	b.state = StateStopped
	b.mu.Unlock()
	b.logger.Info("strategy stopped")
}

// running reports whether ticks should do work.
func (b *base) running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning
}

// setTimer starts a named periodic timer; replacing an existing name stops
// the old one. All timers die on Stop.
func (b *base) setTimer(name string, interval time.Duration, fn func()) {
	b.mu.Lock()
	if old, ok := b.timers[name]; ok {
		close(old)
	}
	stop := make(chan struct{})
	b.timers[name] = stop
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// recordTick bumps the tick counters.
func (b *base) recordTick(produced int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticksRun++
	b.opportunities += int64(produced)
	b.lastTick = b.now()
}

// status snapshots the shared counters for Status implementations.
func (b *base) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		Name:          b.name,
		State:         b.state,
		TicksRun:      b.ticksRun,
		Opportunities: b.opportunities,
	}
	if !b.lastTick.IsZero() {
		s.LastTick = b.lastTick.Format(time.RFC3339)
	}
	return s
}
