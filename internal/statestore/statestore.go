// Package statestore persists plaintext per-account metadata.
//
// The store is a single pretty-printed JSON file
// (<dataDir>/state/accounts.json) mapping account id to state. It never
// holds private material. Every mutation rewrites the whole file atomically
// and emits an event; a best-effort autosave also fires every 5 minutes so
// in-memory balance updates survive a crash.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"predictbot/pkg/types"
)

const autosaveInterval = 5 * time.Minute

// ErrNotFound is returned when an account id has no state record.
var ErrNotFound = errors.New("account not found")

// EventKind discriminates state store events.
type EventKind string

const (
	EventAdded      EventKind = "added"
	EventUpdated    EventKind = "updated"
	EventRemoved    EventKind = "removed"
	EventActivation EventKind = "activation"
)

// Event notifies subscribers of a state mutation.
type Event struct {
	Kind      EventKind
	AccountID string
	At        time.Time
}

// Update is a partial mutation; nil fields are left unchanged.
type Update struct {
	Name       *string
	Balance    *float64
	MaxRisk    *float64
	Strategies []string
}

// Store holds account state in memory and mirrors it to disk.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]types.AccountState
	dirty    bool

	events chan Event
}

// Open loads (or creates) the accounts file under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		path:     filepath.Join(dir, "accounts.json"),
		logger:   logger.With("component", "statestore"),
		accounts: make(map[string]types.AccountState),
		events:   make(chan Event, 64),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh store.
	case err != nil:
		return nil, fmt.Errorf("read accounts: %w", err)
	default:
		if err := json.Unmarshal(data, &s.accounts); err != nil {
			return nil, fmt.Errorf("parse accounts: %w", err)
		}
	}

	return s, nil
}

// Events returns the mutation event channel. Events are dropped oldest-first
// if nobody is draining.
func (s *Store) Events() <-chan Event {
	return s.events
}

// Run drives the periodic autosave until ctx is cancelled, then flushes.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// Get returns a copy of one account's state.
func (s *Store) Get(id string) (types.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return types.AccountState{}, ErrNotFound
	}
	return cloneState(acct), nil
}

// List returns all account states sorted by id.
func (s *Store) List() []types.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AccountState, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, cloneState(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add creates a new account record and saves immediately.
func (s *Store) Add(acct types.AccountState) error {
	s.mu.Lock()
	if _, ok := s.accounts[acct.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("account %q already exists", acct.ID)
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	s.accounts[acct.ID] = acct
	err := s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventAdded, AccountID: acct.ID, At: time.Now()})
	return err
}

// Update applies a partial mutation and saves immediately.
func (s *Store) Update(id string, u Update) error {
	s.mu.Lock()
	acct, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if u.Name != nil {
		acct.Name = *u.Name
	}
	if u.Balance != nil {
		acct.Balance = *u.Balance
		acct.LastBalanceUpdate = time.Now().UTC()
	}
	if u.MaxRisk != nil {
		acct.MaxRisk = *u.MaxRisk
	}
	if u.Strategies != nil {
		acct.Strategies = append([]string(nil), u.Strategies...)
	}
	s.accounts[id] = acct
	err := s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, AccountID: id, At: time.Now()})
	return err
}

// Remove deletes an account record. Absent is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.accounts[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.accounts, id)
	err := s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRemoved, AccountID: id, At: time.Now()})
	return err
}

// SetActive flips an account's active flag.
func (s *Store) SetActive(id string, active bool) error {
	s.mu.Lock()
	acct, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	acct.IsActive = active
	s.accounts[id] = acct
	err := s.saveLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventActivation, AccountID: id, At: time.Now()})
	return err
}

// flush persists the current state if anything failed to save earlier.
func (s *Store) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("autosave failed", "error", err)
	}
}

// saveLocked writes the whole file atomically. On failure the store is
// marked dirty so the autosave retries. Caller holds s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		s.dirty = true
		return fmt.Errorf("encode accounts: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.dirty = true
		return fmt.Errorf("write accounts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.dirty = true
		return fmt.Errorf("replace accounts: %w", err)
	}
	s.dirty = false
	return nil
}

// emit sends an event, dropping the oldest if the buffer is full.
func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

func cloneState(a types.AccountState) types.AccountState {
	a.Strategies = append([]string(nil), a.Strategies...)
	return a
}
