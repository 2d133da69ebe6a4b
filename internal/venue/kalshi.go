// kalshi.go implements the cross-platform counterpart venue.
//
// Kalshi quotes prices in cents (0–100) and trades integer contracts; the
// client normalizes everything to probabilities in [0, 1] and fractional
// sizes so detectors and the executor see identical semantics on both
// venues. Outcome tokens are addressed as "<ticker>:YES" / "<ticker>:NO"
// because the venue has one ticker per market rather than per outcome.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Kalshi is the secondary venue client.
type Kalshi struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	balanceMu    sync.Mutex
	balance      float64
	balanceKnown bool

	dryOrderSeq atomic.Int64
}

// NewKalshi creates the client using the account's secondary-venue key.
func NewKalshi(cfg *config.Config, acct *config.Account, rl *RateLimiter, logger *slog.Logger) (*Kalshi, error) {
	if !cfg.DryRun && acct.SecondaryVenueAPIKey == "" {
		return nil, fmt.Errorf("live cross-platform mode requires SECONDARY_VENUE_API_KEY")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.API.SecondaryBaseURL).
		SetTimeout(cfg.Timeouts.HTTPRead).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(acct.SecondaryVenueAPIKey)

	return &Kalshi{
		http:   httpClient,
		rl:     rl,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "venue", "venue", "kalshi"),
	}, nil
}

// Name implements Client.
func (k *Kalshi) Name() string { return "kalshi" }

// Address returns the venue account identifier (Kalshi has no wallet).
func (k *Kalshi) Address() string { return "kalshi-account" }

// SplitTokenID decomposes "<ticker>:YES" into ticker and side label.
func SplitTokenID(tokenID string) (ticker, outcome string, err error) {
	idx := strings.LastIndex(tokenID, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("token id %q missing outcome suffix", tokenID)
	}
	ticker, outcome = tokenID[:idx], tokenID[idx+1:]
	if outcome != "YES" && outcome != "NO" {
		return "", "", fmt.Errorf("token id %q has unknown outcome %q", tokenID, outcome)
	}
	return ticker, outcome, nil
}

// kalshiLevel is a raw book level: price in cents, quantity in contracts.
type kalshiLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type kalshiBookResponse struct {
	Orderbook struct {
		Yes []kalshiLevel `json:"yes"`
		No  []kalshiLevel `json:"no"`
	} `json:"orderbook"`
}

// GetOrderBook fetches the book for one side of a market. The venue lists
// resting YES bids and NO bids; for the requested outcome the opposite
// side's bids become asks via the complement price (a NO bid at c cents is
// a YES offer at 1 − c/100).
func (k *Kalshi) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	ticker, outcome, err := SplitTokenID(tokenID)
	if err != nil {
		return nil, err
	}

	if err := k.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	var result kalshiBookResponse
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/markets/%s/orderbook", ticker))
	if err != nil {
		return nil, &TransientError{Op: "get kalshi book", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get kalshi book: status %d: %s", resp.StatusCode(), resp.String())
	}

	same, opposite := result.Orderbook.Yes, result.Orderbook.No
	if outcome == "NO" {
		same, opposite = result.Orderbook.No, result.Orderbook.Yes
	}

	book := &types.OrderBook{
		TokenID:   tokenID,
		Bids:      make([]types.Level, 0, len(same)),
		Asks:      make([]types.Level, 0, len(opposite)),
		Timestamp: time.Now(),
	}

	// Same-outcome resting orders are bids, best (highest) first.
	for _, lv := range same {
		book.Bids = append(book.Bids, types.Level{Price: lv.Price / 100, Size: lv.Quantity})
	}
	sortLevelsDesc(book.Bids)

	// Opposite-outcome bids are complementary offers, best (lowest) first.
	for _, lv := range opposite {
		book.Asks = append(book.Asks, types.Level{Price: 1 - lv.Price/100, Size: lv.Quantity})
	}
	sortLevelsAsc(book.Asks)

	return book, nil
}

// GetBalance returns the spendable account balance in USD.
func (k *Kalshi) GetBalance(ctx context.Context, forceRefresh bool) (float64, error) {
	if k.dryRun {
		return paperBalance, nil
	}

	k.balanceMu.Lock()
	defer k.balanceMu.Unlock()
	if k.balanceKnown && !forceRefresh {
		return k.balance, nil
	}

	if err := k.rl.Acquire(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Balance struct {
			Balance int64 `json:"balance"` // cents
		} `json:"balance"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/portfolio/balance")
	if err != nil {
		return 0, &TransientError{Op: "get kalshi balance", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get kalshi balance: status %d", resp.StatusCode())
	}

	bal, _ := decimal.NewFromInt(result.Balance.Balance).Shift(-2).Float64()
	k.balance = bal
	k.balanceKnown = true
	return bal, nil
}

// kalshiOrderRequest is the POST /portfolio/orders body.
type kalshiOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`   // "yes" or "no"
	Action        string `json:"action"` // "buy" or "sell"
	Count         int    `json:"count"`
	Type          string `json:"type"` // "limit"
	YesPrice      *int   `json:"yes_price,omitempty"`
	NoPrice       *int   `json:"no_price,omitempty"`
}

// PostOrder places a limit order. Sizes round to the nearest whole
// contract (at least one) and prices to whole cents, the venue's
// granularity.
func (k *Kalshi) PostOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	ticker, outcome, err := SplitTokenID(req.TokenID)
	if err != nil {
		return nil, err
	}

	priceCents := int(math.Round(RoundPrice(req.Price) * 100))
	if priceCents < 1 {
		priceCents = 1
	}
	count := int(math.Round(req.Size))
	if count < 1 {
		count = 1
	}

	if k.dryRun {
		id := k.dryOrderSeq.Add(1)
		k.logger.Info("DRY-RUN: would post kalshi order",
			"ticker", ticker, "outcome", outcome, "side", req.Side, "count", count, "cents", priceCents)
		return &OrderResult{
			OrderID:    fmt.Sprintf("dry-run-kalshi-%d", id),
			FilledSize: float64(count),
			AvgPrice:   float64(priceCents) / 100,
			Status:     "matched",
		}, nil
	}

	if err := k.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	action := "buy"
	if req.Side == types.SELL {
		action = "sell"
	}

	body := kalshiOrderRequest{
		Ticker:        ticker,
		ClientOrderID: uuid.NewString(),
		Side:          strings.ToLower(outcome),
		Action:        action,
		Count:         count,
		Type:          "limit",
	}
	if outcome == "YES" {
		body.YesPrice = &priceCents
	} else {
		body.NoPrice = &priceCents
	}

	var result struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return nil, &TransientError{Op: "post kalshi order", Err: err}
	}
	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusCreated:
	case resp.StatusCode() >= 500:
		return nil, &TransientError{Op: "post kalshi order", Err: fmt.Errorf("status %d", resp.StatusCode())}
	default:
		reason := result.Error.Message
		if reason == "" {
			reason = resp.String()
		}
		return nil, &RejectionError{Venue: k.Name(), Reason: reason}
	}
	if result.Order.OrderID == "" {
		return nil, &RejectionError{Venue: k.Name(), Reason: "no order id in response"}
	}

	k.logger.Info("kalshi order placed",
		"order_id", result.Order.OrderID, "ticker", ticker,
		"outcome", outcome, "action", action, "count", count, "cents", priceCents)

	return &OrderResult{
		OrderID:    result.Order.OrderID,
		FilledSize: float64(count),
		AvgPrice:   float64(priceCents) / 100,
		Status:     result.Order.Status,
	}, nil
}

// CancelOrder cancels a resting order by ID.
func (k *Kalshi) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if k.dryRun {
		k.logger.Info("DRY-RUN: would cancel kalshi order", "order_id", orderID)
		return true, nil
	}
	if err := k.rl.Acquire(ctx); err != nil {
		return false, err
	}

	resp, err := k.http.R().
		SetContext(ctx).
		Delete("/portfolio/orders/" + orderID)
	if err != nil {
		return false, &TransientError{Op: "cancel kalshi order", Err: err}
	}
	return resp.StatusCode() == http.StatusOK, nil
}

// kalshiMarket is the venue's market catalog shape.
type kalshiMarket struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle"`
	Status    string `json:"status"`
	CloseTime string `json:"close_time"`
	Category  string `json:"category"`
}

// GetMarkets lists open markets, normalized to the shared Market shape
// with pseudo token IDs "<ticker>:YES" / "<ticker>:NO".
func (k *Kalshi) GetMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	if err := k.rl.Acquire(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Markets []kalshiMarket `json:"markets"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  fmt.Sprintf("%d", limit),
			"status": "open",
		}).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, &TransientError{Op: "get kalshi markets", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get kalshi markets: status %d", resp.StatusCode())
	}

	markets := make([]types.Market, 0, len(result.Markets))
	for _, m := range result.Markets {
		mk := types.Market{
			ID:           m.Ticker,
			Question:     m.Title,
			Description:  m.Subtitle,
			Category:     m.Category,
			Venue:        k.Name(),
			Status:       types.MarketOpen,
			YesTokenID:   m.Ticker + ":YES",
			NoTokenID:    m.Ticker + ":NO",
			OutcomeCount: 2,
		}
		if m.Status != "open" && m.Status != "active" {
			mk.Status = types.MarketClosed
		}
		if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
			mk.EndDate = t
		}
		markets = append(markets, mk)
	}
	return markets, nil
}

func sortLevelsDesc(levels []types.Level) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
}

func sortLevelsAsc(levels []types.Level) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}
