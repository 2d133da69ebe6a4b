// polymarket.go implements the primary CLOB-style venue client.
//
//   - GetOrderBook:  GET  /book                — L2 book for a token
//   - PostOrder:     POST /order               — place a signed order
//   - CancelOrder:   DELETE /order             — cancel by ID
//   - GetBalance:    GET  /balance-allowance   — collateral balance, with
//     an on-chain balanceOf fallback via raw eth_call when the CLOB
//     endpoint fails (common with proxy wallets)
//   - DeriveAPIKey:  GET  /auth/derive-api-key — bootstrap L2 creds
//
// Every request passes the shared rate limiter. In dry-run mode the
// mutating surface simulates fills at the requested limit price and the
// client needs no credentials — only the public book endpoint is used.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// paperBalance is the simulated bankroll reported in dry-run mode so
// sizing logic still produces realistic orders.
const paperBalance = 1000.0

// Polymarket is the primary CLOB venue client.
type Polymarket struct {
	http   *resty.Client
	rpc    *resty.Client
	auth   *Auth // nil in credential-less dry runs
	rl     *RateLimiter
	api    config.APIConfig
	dryRun bool
	logger *slog.Logger

	balanceMu    sync.Mutex
	balance      float64
	balanceKnown bool

	dryOrderSeq atomic.Int64
}

// NewPolymarket creates the client. In live mode the account must carry a
// private key; in dry-run mode credentials are optional and only the
// public read surface is exercised.
func NewPolymarket(cfg *config.Config, acct *config.Account, rl *RateLimiter, logger *slog.Logger) (*Polymarket, error) {
	baseURL := cfg.API.CLOBBaseURL
	if acct.CLOBUrl != "" {
		baseURL = acct.CLOBUrl
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeouts.HTTPRead).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	rpcClient := resty.New().
		SetBaseURL(cfg.API.RPCURL).
		SetTimeout(cfg.Timeouts.Balance)

	p := &Polymarket{
		http:   httpClient,
		rpc:    rpcClient,
		rl:     rl,
		api:    cfg.API,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "venue", "venue", "polymarket"),
	}

	if acct.PrivateKey != "" {
		auth, err := NewAuth(acct)
		if err != nil {
			return nil, err
		}
		p.auth = auth
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("live mode requires PRIVATE_KEY")
	}

	return p, nil
}

// Name implements Client.
func (p *Polymarket) Name() string { return "polymarket" }

// Address returns the funder wallet address, or a placeholder in
// credential-less dry runs.
func (p *Polymarket) Address() string {
	if p.auth == nil {
		return "0xdryrun"
	}
	return p.auth.FunderAddress().Hex()
}

// DeriveAPIKey derives L2 API credentials via L1 authentication. Called
// once at startup when the credential file has no API key triplet.
func (p *Polymarket) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if p.auth == nil {
		return nil, fmt.Errorf("no signer configured")
	}
	headers, err := p.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, &TransientError{Op: "derive api key", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	p.auth.SetCredentials(result)
	p.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// HasL2Credentials reports whether trading credentials are loaded.
func (p *Polymarket) HasL2Credentials() bool {
	return p.auth != nil && p.auth.HasL2Credentials()
}

// GetOrderBook fetches the order book for a single token.
func (p *Polymarket) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if err := p.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	var result types.OrderBook
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, &TransientError{Op: "get book", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	if result.TokenID == "" {
		result.TokenID = tokenID
	}
	if result.Bids == nil {
		result.Bids = []types.Level{}
	}
	if result.Asks == nil {
		result.Asks = []types.Level{}
	}
	result.Timestamp = time.Now()
	return &result, nil
}

// balanceAllowanceResponse is the CLOB balance endpoint shape.
type balanceAllowanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance returns the spendable collateral balance in USD. The value
// is cached until forceRefresh. When the CLOB endpoint fails, the wallet's
// on-chain collateral balance is read directly via eth_call.
func (p *Polymarket) GetBalance(ctx context.Context, forceRefresh bool) (float64, error) {
	if p.dryRun {
		return paperBalance, nil
	}

	p.balanceMu.Lock()
	defer p.balanceMu.Unlock()

	if p.balanceKnown && !forceRefresh {
		return p.balance, nil
	}

	bal, err := p.fetchBalanceCLOB(ctx)
	if err != nil {
		p.logger.Warn("balance via CLOB failed, falling back to chain", "error", err)
		bal, err = p.fetchBalanceChain(ctx)
		if err != nil {
			return 0, err
		}
	}

	p.balance = bal
	p.balanceKnown = true
	return bal, nil
}

func (p *Polymarket) fetchBalanceCLOB(ctx context.Context) (float64, error) {
	headers, err := p.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result balanceAllowanceResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return 0, &TransientError{Op: "get balance", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	// The endpoint reports raw collateral units.
	bal := raw.Shift(int32(-p.api.CollateralDecimals))
	f, _ := bal.Float64()
	return f, nil
}

// fetchBalanceChain reads the collateral token's balanceOf(funder) via a
// raw eth_call and normalizes by the token's decimals.
func (p *Polymarket) fetchBalanceChain(ctx context.Context) (float64, error) {
	funder := p.Address()
	if len(funder) < 2 {
		return 0, fmt.Errorf("no funder address for chain balance")
	}

	// balanceOf(address) selector + left-padded address argument.
	callData := "0x70a08231000000000000000000000000" + strings.ToLower(strings.TrimPrefix(funder, "0x"))

	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params": []any{
			map[string]string{
				"to":   p.api.CollateralContract,
				"data": callData,
			},
			"latest",
		},
		"id": 1,
	}

	var result struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := p.rpc.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("")
	if err != nil {
		return 0, &TransientError{Op: "rpc balance", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("rpc balance: status %d", resp.StatusCode())
	}
	if result.Error != nil {
		return 0, fmt.Errorf("rpc balance: %s", result.Error.Message)
	}
	if result.Result == "" || result.Result == "0x" {
		return 0, nil
	}

	units, err := decimal.NewFromString(hexToDecimalString(result.Result))
	if err != nil {
		return 0, fmt.Errorf("parse rpc balance %q: %w", result.Result, err)
	}
	bal := units.Shift(int32(-p.api.CollateralDecimals))
	f, _ := bal.Float64()
	p.logger.Info("on-chain balance", "usd", f)
	return f, nil
}

// orderPayload is the REST request body for POST /order.
type orderPayload struct {
	Order     *signedOrder    `json:"order"`
	Owner     string          `json:"owner"`
	OrderType types.OrderType `json:"orderType"`
}

// orderResponse is the venue's placement result.
type orderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

// PostOrder signs and submits a single order.
func (p *Polymarket) PostOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	req.Price = RoundPrice(req.Price)
	req.Size = RoundSize(req.Size)
	if req.Type == "" {
		req.Type = types.OrderTypeGTC
	}

	if p.dryRun {
		id := p.dryOrderSeq.Add(1)
		p.logger.Info("DRY-RUN: would post order",
			"token", shortID(req.TokenID), "side", req.Side, "size", req.Size, "price", req.Price)
		return &OrderResult{
			OrderID:    fmt.Sprintf("dry-run-%d", id),
			FilledSize: req.Size,
			AvgPrice:   req.Price,
			Status:     "matched",
		}, nil
	}

	if err := p.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	order, err := p.auth.SignOrder(req, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := orderPayload{
		Order:     order,
		Owner:     p.auth.creds.ApiKey,
		OrderType: req.Type,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := p.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, &TransientError{Op: "post order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, &RejectionError{Venue: p.Name(), Reason: result.ErrorMsg}
	}

	p.logger.Info("order placed",
		"order_id", result.OrderID, "token", shortID(req.TokenID),
		"side", req.Side, "size", req.Size, "price", req.Price, "status", result.Status)

	return &OrderResult{
		OrderID:    result.OrderID,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Status:     result.Status,
	}, nil
}

// CancelOrder cancels a resting order by ID.
func (p *Polymarket) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if p.dryRun {
		p.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return true, nil
	}
	if err := p.rl.Acquire(ctx); err != nil {
		return false, err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := p.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Canceled []string `json:"canceled"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return false, &TransientError{Op: "cancel order", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return len(result.Canceled) > 0, nil
}

// hexToDecimalString converts a 0x-prefixed hex quantity into a base-10
// string so it can feed decimal.NewFromString without float truncation.
func hexToDecimalString(hexStr string) string {
	s := strings.TrimPrefix(hexStr, "0x")
	if s == "" {
		return "0"
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return "0"
	}
	return v.String()
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}
