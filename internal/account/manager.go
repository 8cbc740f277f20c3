// Package account joins the key vault and the state store into live trading
// accounts, and runs the per-account executor that applies risk gates and
// submits orders.
package account

import (
	"context"
	"log/slog"
	"sync"

	"predictbot/internal/keystore"
	"predictbot/internal/statestore"
	"predictbot/internal/venue"
	"predictbot/pkg/types"
)

// Account is one tradable account: its state record plus the venue client
// and chain helper built from its private key.
type Account struct {
	State  types.AccountState
	Client *venue.Client
	Chain  *venue.Chain
}

// ManagerOptions carries the shared dependencies for building clients.
type ManagerOptions struct {
	ClientOptions venue.ClientOptions
	RPCURL        string
}

// Manager owns the id → account mapping. LoadAccounts re-joins the vault
// and the state store; a client is reused only while its private key is
// unchanged in the vault.
type Manager struct {
	vault  *keystore.Vault
	store  *statestore.Store
	opts   ManagerOptions
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
	degraded map[string]bool // state record present, vault key missing
}

// NewManager wires the vault and state store together.
func NewManager(vault *keystore.Vault, store *statestore.Store, opts ManagerOptions, logger *slog.Logger) *Manager {
	return &Manager{
		vault:    vault,
		store:    store,
		opts:     opts,
		logger:   logger.With("component", "accounts"),
		accounts: make(map[string]*Account),
		degraded: make(map[string]bool),
	}
}

// LoadAccounts walks the state store and builds or refreshes the account
// set. A record without a vault key is kept in degraded mode: visible to
// the CLI and status API, never given a client. Vault keys without a state
// record are ignored.
func (m *Manager) LoadAccounts(ctx context.Context) error {
	states := m.store.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(states))
	for _, state := range states {
		seen[state.ID] = true

		key, err := m.vault.GetAccountKey(state.ID)
		if err != nil {
			return err
		}
		if key == "" {
			if !m.degraded[state.ID] {
				m.logger.Warn("account has no key in vault, degraded", "account", state.ID)
				m.degraded[state.ID] = true
			}
			delete(m.accounts, state.ID)
			continue
		}
		delete(m.degraded, state.ID)

		if existing, ok := m.accounts[state.ID]; ok && existing.Client.PrivateKeyMatches(key) {
			existing.State = state
			continue
		}

		client, err := venue.NewClient(state.ID, key, m.opts.ClientOptions)
		if err != nil {
			m.logger.Error("building client failed", "account", state.ID, "error", err)
			continue
		}
		chain, err := venue.NewChain(m.opts.RPCURL, client.Signer(), m.opts.ClientOptions.ConfirmRealTransactions, m.logger)
		if err != nil {
			m.logger.Error("building chain helper failed", "account", state.ID, "error", err)
			continue
		}
		if err := client.Login(ctx); err != nil {
			// Kept anyway: EnsureAuthenticated retries on first use.
			m.logger.Warn("initial login failed", "account", state.ID, "error", err)
		}
		m.accounts[state.ID] = &Account{State: state, Client: client, Chain: chain}
		m.logger.Info("account loaded", "account", state.ID, "wallet", client.WalletAddress())
	}

	// Drop accounts whose state record disappeared.
	for id := range m.accounts {
		if !seen[id] {
			delete(m.accounts, id)
			m.logger.Info("account removed", "account", id)
		}
	}
	for id := range m.degraded {
		if !seen[id] {
			delete(m.degraded, id)
		}
	}

	return nil
}

// Get returns one loaded account.
func (m *Manager) Get(id string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok
}

// GetActiveAccounts returns the accounts flagged active, vault key present.
func (m *Manager) GetActiveAccounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.State.IsActive {
			out = append(out, a)
		}
	}
	return out
}

// PositionSources adapts the active accounts for the position registry.
func (m *Manager) PositionSources() []*venue.Client {
	var out []*venue.Client
	for _, a := range m.GetActiveAccounts() {
		out = append(out, a.Client)
	}
	return out
}

// AnyClient returns an arbitrary loaded client for anonymous-style reads
// such as the market snapshot refresh.
func (m *Manager) AnyClient() (*venue.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		return a.Client, true
	}
	return nil, false
}

// CheckRiskLimit rejects an amount above the account's configured cap.
func (m *Manager) CheckRiskLimit(accountID string, amount float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return statestore.ErrNotFound
	}
	if amount > a.State.MaxRisk {
		return &RiskError{Reason: "per-account cap", AccountID: accountID, Amount: amount, Limit: a.State.MaxRisk}
	}
	return nil
}

// DegradedIDs lists accounts loaded without a vault key.
func (m *Manager) DegradedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id := range m.degraded {
		out = append(out, id)
	}
	return out
}
