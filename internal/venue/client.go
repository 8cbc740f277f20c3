// Package venue implements the per-account HTTP client for the prediction
// market exchange, plus EIP-712 order signing and the on-chain helpers for
// split/merge/claim and ERC-20 approvals.
//
// Client surface:
//   - Login:                 POST /auth/nonce + /auth/login — SIWE session
//   - GetMarkets:            GET  /markets/active
//   - GetOrderbook:          GET  /markets/{slug}/orderbook
//   - GetPortfolioPositions: GET  /portfolio/positions
//   - PlaceLimitOrder:       POST /orders — signed EIP-712 limit order
//   - PlaceHourlyOrder:      POST /orders/market — AMM market buy
//   - SellByContract:        POST /orders/sell — AMM sell with slippage bound
//   - CancelOrder:           DELETE /orders/{id}
//   - SetApproval:           POST /approvals/{contract}
//
// Every request is rate-limited per category. A 401 triggers exactly one
// re-login and retry; transport failures rotate the outbound proxy.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predictbot/internal/proxy"
	"predictbot/pkg/types"
)

const (
	defaultFeeRateBps    = 0
	defaultSignatureType = 0
	limitOrderTTL        = 24 * time.Hour
)

// LimitOrderParams describes a resting limit order. Quantity is USDC
// notional, not shares. Salt is assigned on first submission and reused on
// retries so the venue sees an identical order.
type LimitOrderParams struct {
	TokenID    string
	Price      float64
	Quantity   float64
	Side       int // 0 buy, 1 sell
	MarketSlug string
	Salt       string
}

// HourlyOrderParams is an AMM market buy.
type HourlyOrderParams struct {
	ContractAddress  string
	InvestmentAmount decimal.Decimal
	PricePerToken    float64
	OutcomeIndex     int
	Slippage         float64
}

// SellParams is an AMM sell with a slippage bound on tokens given up.
type SellParams struct {
	ContractAddress        string
	OutcomeIndex           int
	ReturnAmount           decimal.Decimal
	MaxOutcomeTokensToSell decimal.Decimal
}

// OrderResult is the venue's acknowledgement of an order.
type OrderResult struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
}

// Client is one account's authenticated venue client. Login is serialized;
// data and order calls may run concurrently.
type Client struct {
	accountID string
	signer    *Signer
	http      *resty.Client
	rl        *RateLimiter
	pool      *proxy.Pool
	domain    string
	confirm   bool
	logger    *slog.Logger

	authMu   sync.Mutex
	loggedIn bool
	userID   string
	proxyURL string
}

// ClientOptions carries the shared pieces every account client needs.
type ClientOptions struct {
	BaseURL                 string
	Timeout                 time.Duration
	ChainID                 int64
	ConfirmRealTransactions bool
	Pool                    *proxy.Pool
	Logger                  *slog.Logger
}

// NewClient builds a client for one account from its private key. No network
// calls are made; Login happens lazily.
func NewClient(accountID, privateKey string, opts ClientOptions) (*Client, error) {
	signer, err := NewSigner(privateKey, opts.ChainID)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetCookieJar(jar).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Client{
		accountID: accountID,
		signer:    signer,
		http:      httpClient,
		rl:        NewRateLimiter(),
		pool:      opts.Pool,
		domain:    base.Host,
		confirm:   opts.ConfirmRealTransactions,
		logger:    opts.Logger.With("component", "venue", "account", accountID),
	}

	if c.pool != nil {
		if p, err := c.pool.Pick(); err == nil && p != "" {
			c.proxyURL = p
			c.http.SetProxy(p)
		}
	}

	return c, nil
}

// AccountID returns the owning account's id.
func (c *Client) AccountID() string { return c.accountID }

// WalletAddress returns the account's EVM address.
func (c *Client) WalletAddress() string { return c.signer.Address().Hex() }

// PrivateKeyMatches reports whether this client was built from the given
// key. The account manager uses it to decide client reuse.
func (c *Client) PrivateKeyMatches(privateKey string) bool {
	other, err := NewSigner(privateKey, c.signer.chainID.Int64())
	if err != nil {
		return false
	}
	return other.Address() == c.signer.Address()
}

// Signer exposes the account's signer for on-chain transaction building.
func (c *Client) Signer() *Signer { return c.signer }

// Login runs the SIWE flow: fetch a nonce, sign the message, exchange it
// for a session cookie and user id.
func (c *Client) Login(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	var nonceResp struct {
		Nonce string `json:"nonce"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"address": c.signer.Address().Hex()}).
		SetResult(&nonceResp).
		Post("/auth/nonce")
	if err != nil {
		c.rotateProxy()
		return &NetworkError{Op: "auth nonce", Err: err}
	}
	if resp.IsError() {
		return &AuthError{Err: &ApiError{Status: resp.StatusCode(), Body: resp.String()}}
	}

	msg := c.signer.SiweMessage(c.domain, nonceResp.Nonce, time.Now())
	sig, err := c.signer.SignMessage(msg)
	if err != nil {
		return err
	}

	var loginResp struct {
		UserID string `json:"userId"`
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"message": msg, "signature": sig}).
		SetResult(&loginResp).
		Post("/auth/login")
	if err != nil {
		c.rotateProxy()
		return &NetworkError{Op: "auth login", Err: err}
	}
	if resp.IsError() {
		return &AuthError{Err: &ApiError{Status: resp.StatusCode(), Body: resp.String()}}
	}

	c.loggedIn = true
	c.userID = loginResp.UserID
	c.logger.Info("logged in", "user_id", loginResp.UserID)
	return nil
}

// EnsureAuthenticated logs in if no session is cached.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

// UserID returns the venue user id from the last login, or "".
func (c *Client) UserID() string {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.userID
}

// do runs an authenticated request. On 401 the session is dropped, one
// re-login is attempted, and the request is retried once.
func (c *Client) do(ctx context.Context, op string, fn func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	resp, err := fn()
	if err != nil {
		c.rotateProxy()
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	c.authMu.Lock()
	c.loggedIn = false
	relogin := c.loginLocked(ctx)
	c.authMu.Unlock()
	if relogin != nil {
		return nil, &AuthError{Err: relogin}
	}

	resp, err = fn()
	if err != nil {
		c.rotateProxy()
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, &AuthError{Err: &ApiError{Status: resp.StatusCode(), Body: resp.String()}}
	}
	return resp, nil
}

// rotateProxy swaps in the next proxy after a transport failure.
func (c *Client) rotateProxy() {
	if c.pool == nil {
		return
	}
	if c.proxyURL != "" {
		c.pool.MarkError(c.proxyURL)
	}
	next, err := c.pool.Rotate()
	if err != nil || next == "" {
		if errors.Is(err, proxy.ErrPoolExhausted) {
			c.logger.Warn("proxy pool exhausted, going direct")
		}
		c.proxyURL = ""
		c.http.RemoveProxy()
		return
	}
	c.proxyURL = next
	c.http.SetProxy(next)
	c.logger.Debug("rotated proxy")
}

// wireMarket is the venue's market payload; tokenId and tokenIds both occur
// in the wild.
type wireMarket struct {
	ConditionID  string                `json:"conditionId"`
	Address      string                `json:"address"`
	Slug         string                `json:"slug"`
	Title        string                `json:"title"`
	TokenID      string                `json:"tokenId"`
	TokenIDs     []string              `json:"tokenIds"`
	EndDate      time.Time             `json:"endDate"`
	Expired      bool                  `json:"expired"`
	Closed       bool                  `json:"closed"`
	Tags         []string              `json:"tags"`
	IsRewardable bool                  `json:"isRewardable"`
	FeedPrices   *types.FeedPrices     `json:"feedPrices"`
	TradePrices  []types.TradePrice    `json:"tradePrices"`
	Settings     *types.MarketSettings `json:"settings"`
	Liquidity    float64               `json:"liquidity"`
	Volume       float64               `json:"volume"`
}

func (w wireMarket) toMarket() types.Market {
	tokenIDs := w.TokenIDs
	if len(tokenIDs) == 0 && w.TokenID != "" {
		tokenIDs = []string{w.TokenID}
	}
	return types.Market{
		ConditionID:  w.ConditionID,
		Address:      w.Address,
		Slug:         w.Slug,
		Title:        w.Title,
		TokenIDs:     tokenIDs,
		EndDate:      w.EndDate,
		Expired:      w.Expired,
		Closed:       w.Closed,
		Tags:         w.Tags,
		IsRewardable: w.IsRewardable,
		FeedPrices:   w.FeedPrices,
		TradePrices:  w.TradePrices,
		Settings:     w.Settings,
		Liquidity:    w.Liquidity,
		Volume:       w.Volume,
	}
}

// GetMarkets fetches the active market list.
func (c *Client) GetMarkets(ctx context.Context) ([]types.Market, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var wire []wireMarket
	resp, err := c.do(ctx, "get markets", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&wire).Get("/markets/active")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}

	markets := make([]types.Market, 0, len(wire))
	for _, w := range wire {
		markets = append(markets, w.toMarket())
	}
	return markets, nil
}

// GetOrderbook fetches one market's book by slug.
func (c *Client) GetOrderbook(ctx context.Context, slug string) (*types.Orderbook, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var book types.Orderbook
	resp, err := c.do(ctx, "get orderbook", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&book).Get("/markets/" + url.PathEscape(slug) + "/orderbook")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &book, nil
}

// GetPortfolioPositions fetches this account's open AMM positions.
func (c *Client) GetPortfolioPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var wire struct {
		AMM []struct {
			Market struct {
				ConditionID string `json:"conditionId"`
			} `json:"market"`
			OutcomeIndex       int             `json:"outcomeIndex"`
			OutcomeTokenAmount decimal.Decimal `json:"outcomeTokenAmount"`
			TotalBuysCost      decimal.Decimal `json:"totalBuysCost"`
			TotalSellsCost     decimal.Decimal `json:"totalSellsCost"`
		} `json:"amm"`
	}
	resp, err := c.do(ctx, "get positions", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&wire).Get("/portfolio/positions")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}

	positions := make([]types.Position, 0, len(wire.AMM))
	for _, p := range wire.AMM {
		positions = append(positions, types.Position{
			AccountID:          c.accountID,
			ConditionID:        p.Market.ConditionID,
			OutcomeIndex:       p.OutcomeIndex,
			OutcomeTokenAmount: p.OutcomeTokenAmount,
			TotalBuysCost:      p.TotalBuysCost,
			TotalSellsCost:     p.TotalSellsCost,
		})
	}
	return positions, nil
}

// PlaceLimitOrder signs and submits a limit order. Quantity is USDC; for a
// buy makerAmount is the USDC paid and takerAmount the shares received at
// the limit price, and for a sell the two are swapped. The params' Salt is
// assigned on first use so a retried call resubmits the identical order.
func (c *Client) PlaceLimitOrder(ctx context.Context, params *LimitOrderParams) (*OrderResult, error) {
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}
	if params.Price <= 0 || params.Price >= 1 {
		return nil, fmt.Errorf("limit price %v out of (0,1)", params.Price)
	}
	if params.Salt == "" {
		salt, err := NewSalt()
		if err != nil {
			return nil, err
		}
		params.Salt = salt
	}

	usdc := decimal.NewFromFloat(params.Quantity)
	shares := usdc.Div(decimal.NewFromFloat(params.Price))
	var makerAmount, takerAmount string
	if params.Side == 0 {
		makerAmount = types.ToWireAmount(usdc)
		takerAmount = types.ToWireAmount(shares)
	} else {
		makerAmount = types.ToWireAmount(shares)
		takerAmount = types.ToWireAmount(usdc)
	}

	addr := c.signer.Address().Hex()
	order := WireOrder{
		Salt:          params.Salt,
		Maker:         addr,
		Signer:        addr,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       params.TokenID,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    fmt.Sprintf("%d", time.Now().Add(limitOrderTTL).Unix()),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", defaultFeeRateBps),
		Side:          params.Side,
		SignatureType: defaultSignatureType,
	}
	if err := c.signer.SignOrder(&order); err != nil {
		return nil, err
	}

	body := struct {
		Order      WireOrder `json:"order"`
		MarketSlug string    `json:"marketSlug"`
	}{Order: order, MarketSlug: params.MarketSlug}

	var result OrderResult
	resp, err := c.do(ctx, "place limit order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/orders")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// PlaceHourlyOrder submits an AMM market buy. Gated on the real-transaction
// sentinel: when off, it logs and reports simulated success.
func (c *Client) PlaceHourlyOrder(ctx context.Context, params HourlyOrderParams) (*OrderResult, error) {
	if !c.confirm {
		c.logger.Warn("DRY-RUN: would place market buy",
			"contract", params.ContractAddress,
			"amount", params.InvestmentAmount,
			"outcome", params.OutcomeIndex)
		return &OrderResult{OrderID: "dry-run", Success: true}, nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"contractAddress":  params.ContractAddress,
		"investmentAmount": types.ToWireAmount(params.InvestmentAmount),
		"pricePerToken":    params.PricePerToken,
		"outcomeIndex":     params.OutcomeIndex,
		"slippage":         params.Slippage,
	}

	var result OrderResult
	resp, err := c.do(ctx, "place market order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/orders/market")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// SellByContract submits an AMM sell. Gated on the real-transaction
// sentinel like PlaceHourlyOrder.
func (c *Client) SellByContract(ctx context.Context, params SellParams) (*OrderResult, error) {
	if !c.confirm {
		c.logger.Warn("DRY-RUN: would sell via AMM",
			"contract", params.ContractAddress,
			"outcome", params.OutcomeIndex,
			"return", params.ReturnAmount)
		return &OrderResult{OrderID: "dry-run", Success: true}, nil
	}
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"contractAddress":        params.ContractAddress,
		"outcomeIndex":           params.OutcomeIndex,
		"returnAmount":           types.ToWireAmount(params.ReturnAmount),
		"maxOutcomeTokensToSell": types.ToWireAmount(params.MaxOutcomeTokensToSell),
	}

	var result OrderResult
	resp, err := c.do(ctx, "sell by contract", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/orders/sell")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}

// CancelOrder cancels one resting order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.do(ctx, "cancel order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Delete("/orders/" + url.PathEscape(orderID))
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// SetApproval records on the venue side that the on-chain USDC approval for
// a market contract exists.
func (c *Client) SetApproval(ctx context.Context, contractAddress string) error {
	if err := c.rl.Trade.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.do(ctx, "set approval", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).Post("/approvals/" + url.PathEscape(contractAddress))
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &ApiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// MaxApproval is the allowance granted on first trade against a contract.
var MaxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
