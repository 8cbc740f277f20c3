package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"predictbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct{ snap StatusSnapshot }

func (f fakeProvider) StatusSnapshot() StatusSnapshot { return f.snap }

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.StatusConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8090",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8090",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8090",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.StatusConfig{},
			reqHost: "localhost:8090",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.StatusConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8090",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.StatusConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8090",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8090",
			cfg:     config.StatusConfig{},
			reqHost: "bot.internal:8090",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleSnapshotServesProviderState(t *testing.T) {
	t.Parallel()

	provider := fakeProvider{snap: StatusSnapshot{
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Markets:   MarketsStatus{Count: 7, RefreshErrors: 1},
		Accounts: []AccountStatus{
			{ID: "acct-1", Active: true, Balance: 120.5, OpenPositions: 2},
		},
		Strategies: []StrategyStatus{{Name: "hourly_arbitrage", State: "RUNNING"}},
	}}
	h := NewHandlers(provider, config.StatusConfig{}, NewHub(testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Markets.Count != 7 || len(got.Accounts) != 1 || got.Accounts[0].ID != "acct-1" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := NewHandlers(fakeProvider{}, config.StatusConfig{}, NewHub(testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
