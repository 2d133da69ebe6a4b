// Package venue implements the trading-venue clients.
//
// Every venue is exposed to the detectors and the executor through the
// same Client contract: order books, balances, order placement and
// cancellation. Two concrete implementations exist — the primary
// CLOB-style venue (Polymarket) and the cross-platform counterpart
// (Kalshi). Price units are normalized internally so callers always see
// probabilities in [0, 1].
//
// All venue calls flow through a shared multi-tier rate limiter.
package venue

import (
	"context"
	"errors"
	"fmt"
	"math"

	"polyarb/pkg/types"
)

// OrderRequest is a single order to place. Price and size are rounded to
// the venue convention (3 and 2 decimals) before submission.
type OrderRequest struct {
	TokenID string
	Side    types.Side
	Price   float64
	Size    float64
	Type    types.OrderType
}

// OrderResult is a confirmed placement. FilledSize/AvgPrice reflect what
// the venue reported (for GTC orders this may be the resting size at the
// limit price).
type OrderResult struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	Status     string
}

// Client is the uniform capability set every venue must provide.
type Client interface {
	// Name identifies the venue ("polymarket", "kalshi") and tags legs.
	Name() string
	// GetOrderBook fetches the current book for one outcome token.
	GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
	// GetBalance returns the account's spendable collateral in USD.
	// The value is cached; forceRefresh bypasses the cache.
	GetBalance(ctx context.Context, forceRefresh bool) (float64, error)
	// PostOrder signs and submits an order. Venue rejections surface as
	// *RejectionError; transport faults as *TransientError.
	PostOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// CancelOrder cancels a resting order by venue order ID.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// Address returns the trading wallet/account identifier.
	Address() string
}

// RejectionError is a venue-reported order rejection (insufficient
// balance, post-only violation, market closed). Not retried.
type RejectionError struct {
	Venue  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected order: %s", e.Venue, e.Reason)
}

// TransientError wraps transport-level faults (timeouts, 5xx, socket
// drops) that are safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a venue rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsTransient reports whether err is a retryable transport fault.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RoundPrice rounds a price to 3 decimals (venue tick convention).
func RoundPrice(p float64) float64 {
	return math.Round(p*1000) / 1000
}

// RoundSize rounds a size to 2 decimals.
func RoundSize(s float64) float64 {
	return math.Round(s*100) / 100
}
