package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue is an httptest server speaking just enough of the venue API.
type fakeVenue struct {
	srv *httptest.Server
	mux *http.ServeMux

	logins atomic.Int32
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	f := &fakeVenue{mux: http.NewServeMux()}

	f.mux.HandleFunc("POST /auth/nonce", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"nonce": "nonce-1"})
	})
	f.mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var body struct {
			Message   string `json:"message"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Signature == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
		json.NewEncoder(w).Encode(map[string]string{"userId": "user-1"})
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVenue) client(t *testing.T, confirm bool) *Client {
	t.Helper()
	c, err := NewClient("acct1", testKey, ClientOptions{
		BaseURL:                 f.srv.URL,
		Timeout:                 5 * time.Second,
		ChainID:                 8453,
		ConfirmRealTransactions: confirm,
		Logger:                  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)
	c := f.client(t, false)

	if err := c.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.UserID() != "user-1" {
		t.Errorf("user id = %q", c.UserID())
	}

	// Cached session: EnsureAuthenticated must not log in again.
	if err := c.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := f.logins.Load(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}
}

func TestGetMarketsParsesTokenIDVariants(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)
	f.mux.HandleFunc("GET /markets/active", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"conditionId":"0xc1","slug":"m1","tokenIds":["11","12"],"endDate":"2030-01-01T00:00:00Z"},
			{"conditionId":"0xc2","slug":"m2","tokenId":"21","endDate":"2030-01-01T00:00:00Z","feedPrices":{"YES":0.7,"NO":0.3}}
		]`)
	})
	c := f.client(t, false)

	markets, err := c.GetMarkets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(markets) != 2 {
		t.Fatalf("markets = %d", len(markets))
	}
	if len(markets[0].TokenIDs) != 2 || markets[0].TokenIDs[1] != "12" {
		t.Errorf("tokenIds = %v", markets[0].TokenIDs)
	}
	if len(markets[1].TokenIDs) != 1 || markets[1].TokenIDs[0] != "21" {
		t.Errorf("singular tokenId not promoted: %v", markets[1].TokenIDs)
	}
	if markets[1].FeedPrices == nil || markets[1].FeedPrices.Yes != 0.7 {
		t.Errorf("feed prices = %+v", markets[1].FeedPrices)
	}
}

func TestReloginOnceOn401(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)

	var calls atomic.Int32
	f.mux.HandleFunc("GET /portfolio/positions", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"amm":[{"market":{"conditionId":"0xc1"},"outcomeIndex":1,"outcomeTokenAmount":"3.5","totalBuysCost":"2","totalSellsCost":"0"}]}`)
	})
	c := f.client(t, false)

	positions, err := c.GetPortfolioPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].AccountID != "acct1" || positions[0].OutcomeIndex != 1 {
		t.Errorf("positions = %+v", positions)
	}
	if !positions[0].OutcomeTokenAmount.Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("token amount = %s", positions[0].OutcomeTokenAmount)
	}
	// One initial login plus one re-login.
	if n := f.logins.Load(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestPersistent401BecomesAuthError(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)
	f.mux.HandleFunc("GET /markets/active", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := f.client(t, false)

	var authErr *AuthError
	if _, err := c.GetMarkets(context.Background()); !errors.As(err, &authErr) {
		t.Errorf("err = %v, want AuthError", err)
	}
	// One initial login, one re-login, no third attempt.
	if n := f.logins.Load(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestPlaceLimitOrderAmountsAndSaltReuse(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)

	var orders []WireOrder
	f.mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Order      WireOrder `json:"order"`
			MarketSlug string    `json:"marketSlug"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		orders = append(orders, body.Order)
		json.NewEncoder(w).Encode(OrderResult{OrderID: "o1", Success: true})
	})
	c := f.client(t, false)

	// Buy 10 USDC at 0.25: pay 10 USDC, receive 40 shares.
	params := &LimitOrderParams{TokenID: "11", Price: 0.25, Quantity: 10, Side: 0, MarketSlug: "m1"}
	res, err := c.PlaceLimitOrder(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.OrderID != "o1" {
		t.Errorf("result = %+v", res)
	}
	if params.Salt == "" {
		t.Fatal("salt was not assigned to params")
	}

	got := orders[0]
	if got.MakerAmount != "10000000" {
		t.Errorf("makerAmount = %s, want 10000000", got.MakerAmount)
	}
	if got.TakerAmount != "40000000" {
		t.Errorf("takerAmount = %s, want 40000000", got.TakerAmount)
	}
	if got.Maker != c.WalletAddress() || got.Signer != got.Maker {
		t.Errorf("maker/signer = %s/%s", got.Maker, got.Signer)
	}
	if got.Taker != "0x0000000000000000000000000000000000000000" {
		t.Errorf("taker = %s", got.Taker)
	}
	if got.Nonce != "0" || got.Signature == "" {
		t.Errorf("order = %+v", got)
	}

	// Resubmitting the same params reuses the salt.
	if _, err := c.PlaceLimitOrder(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	if orders[1].Salt != orders[0].Salt {
		t.Errorf("salt changed across retry: %s vs %s", orders[1].Salt, orders[0].Salt)
	}
}

func TestPlaceLimitOrderRejectsBadPrice(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)
	c := f.client(t, false)

	for _, price := range []float64{0, 1, -0.5, 1.5} {
		if _, err := c.PlaceLimitOrder(context.Background(), &LimitOrderParams{TokenID: "11", Price: price, Quantity: 10}); err == nil {
			t.Errorf("price %v accepted", price)
		}
	}
}

func TestDryRunBlocksBroadcastPaths(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)

	var hit atomic.Int32
	f.mux.HandleFunc("POST /orders/market", func(w http.ResponseWriter, r *http.Request) { hit.Add(1) })
	f.mux.HandleFunc("POST /orders/sell", func(w http.ResponseWriter, r *http.Request) { hit.Add(1) })
	c := f.client(t, false)

	res, err := c.PlaceHourlyOrder(context.Background(), HourlyOrderParams{
		ContractAddress:  "0xm",
		InvestmentAmount: decimal.NewFromInt(10),
		PricePerToken:    0.3,
	})
	if err != nil || !res.Success {
		t.Fatalf("dry-run hourly = (%+v, %v)", res, err)
	}

	res, err = c.SellByContract(context.Background(), SellParams{
		ContractAddress: "0xm",
		ReturnAmount:    decimal.NewFromInt(12),
	})
	if err != nil || !res.Success {
		t.Fatalf("dry-run sell = (%+v, %v)", res, err)
	}

	if hit.Load() != 0 {
		t.Error("dry-run must not reach the venue")
	}
}

func TestHourlyOrderSentWhenConfirmed(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)

	var body map[string]any
	f.mux.HandleFunc("POST /orders/market", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(OrderResult{OrderID: "m1", Success: true})
	})
	c := f.client(t, true)

	_, err := c.PlaceHourlyOrder(context.Background(), HourlyOrderParams{
		ContractAddress:  "0xm",
		InvestmentAmount: decimal.RequireFromString("12.5"),
		PricePerToken:    0.3,
		OutcomeIndex:     1,
		Slippage:         0.02,
	})
	if err != nil {
		t.Fatal(err)
	}
	if body["investmentAmount"] != "12500000" {
		t.Errorf("investmentAmount = %v, want 12500000", body["investmentAmount"])
	}
	if body["outcomeIndex"] != float64(1) {
		t.Errorf("outcomeIndex = %v", body["outcomeIndex"])
	}
}

func TestApiErrorCarriesStatusAndBody(t *testing.T) {
	t.Parallel()
	f := newFakeVenue(t)
	f.mux.HandleFunc("GET /markets/active", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream sad")
	})
	c := f.client(t, false)

	var apiErr *ApiError
	if _, err := c.GetMarkets(context.Background()); !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want ApiError", err)
	} else if apiErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d", apiErr.Status)
	}
}
