package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"predictbot/internal/keystore"
	"predictbot/internal/statestore"
	"predictbot/internal/venue"
	"predictbot/pkg/types"
)

const (
	managerKey1 = "0x0000000000000000000000000000000000000000000000000000000000000001"
	managerKey2 = "0x0000000000000000000000000000000000000000000000000000000000000002"
)

type managerFixture struct {
	vault *keystore.Vault
	store *statestore.Store
	mgr   *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	dir := t.TempDir()

	vault, err := keystore.Open(dir, "test-master")
	if err != nil {
		t.Fatal(err)
	}
	store, err := statestore.Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// A venue that accepts every login.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/nonce", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"nonce": "n"})
	})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"userId": "u"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mgr := NewManager(vault, store, ManagerOptions{
		ClientOptions: venue.ClientOptions{
			BaseURL: srv.URL,
			Timeout: 5 * time.Second,
			ChainID: 8453,
			Logger:  testLogger(),
		},
	}, testLogger())

	return &managerFixture{vault: vault, store: store, mgr: mgr}
}

func (f *managerFixture) addAccount(t *testing.T, id, key string, active bool) {
	t.Helper()
	if err := f.vault.AddAccountKey(id, key); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Add(types.AccountState{ID: id, Name: id, MaxRisk: 50, IsActive: active}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAccountsJoinsVaultAndState(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	f.addAccount(t, "a", managerKey1, true)
	f.addAccount(t, "b", managerKey2, false)

	// A state record without a vault key loads degraded.
	if err := f.store.Add(types.AccountState{ID: "ghost", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	// A vault key without a state record is ignored.
	if err := f.vault.AddAccountKey("orphan", managerKey2); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}

	active := f.mgr.GetActiveAccounts()
	if len(active) != 1 || active[0].State.ID != "a" {
		t.Fatalf("active accounts = %+v", active)
	}
	if _, ok := f.mgr.Get("b"); !ok {
		t.Error("inactive account should still be loaded")
	}
	if _, ok := f.mgr.Get("ghost"); ok {
		t.Error("degraded account must not get a client")
	}
	if ids := f.mgr.DegradedIDs(); len(ids) != 1 || ids[0] != "ghost" {
		t.Errorf("degraded = %v", ids)
	}
	if _, ok := f.mgr.Get("orphan"); ok {
		t.Error("vault-only id must be ignored")
	}
}

func TestClientReuseTracksVaultKey(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	f.addAccount(t, "a", managerKey1, true)

	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := f.mgr.Get("a")

	// Unchanged key: the client pointer survives the reload.
	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, _ := f.mgr.Get("a")
	if first.Client != second.Client {
		t.Error("client rebuilt despite unchanged key")
	}

	// Key rotation: a fresh client with the new wallet.
	if err := f.vault.AddAccountKey("a", managerKey2); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	third, _ := f.mgr.Get("a")
	if third.Client == second.Client {
		t.Error("client not rebuilt after key rotation")
	}
	if third.Client.WalletAddress() == second.Client.WalletAddress() {
		t.Error("wallet address unchanged after key rotation")
	}
}

func TestRemovedStateRecordDropsAccount(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	f.addAccount(t, "a", managerKey1, true)

	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.mgr.Get("a"); ok {
		t.Error("account survived state record removal")
	}
}

func TestCheckRiskLimit(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)
	f.addAccount(t, "a", managerKey1, true)
	if err := f.mgr.LoadAccounts(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.CheckRiskLimit("a", 50); err != nil {
		t.Errorf("amount at cap rejected: %v", err)
	}
	if err := f.mgr.CheckRiskLimit("a", 50.01); err == nil {
		t.Error("amount above cap accepted")
	}
	if err := f.mgr.CheckRiskLimit("nope", 1); err == nil {
		t.Error("unknown account accepted")
	}
}
