// Package market provides market discovery and semantic clustering.
//
// Catalog polls the venue's paginated catalog endpoint for every scan —
// scans start cold, nothing is cached between them. The raw wire shape is
// converted to types.Market at the boundary; malformed entries are
// dropped, never propagated.
//
// cluster.go groups markets that describe the same underlying event with
// different expiries; llm.go is the optional semantic matcher behind a
// strict JSON contract.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// catalogPageSize is the venue's maximum page size.
const catalogPageSize = 100

// gammaMarket is the JSON shape returned by the catalog API.
type gammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Volume24hr      float64 `json:"volume24hr"`
	Outcomes        string  `json:"outcomes"`      // JSON-encoded list of outcome labels
	ClobTokenIds    string  `json:"clobTokenIds"`  // JSON-encoded list of token IDs
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
}

// gammaEvent is one hierarchical event with nested markets.
type gammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	EndDate string        `json:"endDate"`
	Markets []gammaMarket `json:"markets"`
}

// Event is a catalog event: related markets under one title.
type Event struct {
	ID      string
	Title   string
	EndDate time.Time
	Markets []types.Market
}

// Catalog fetches market listings from the venue's catalog endpoint.
type Catalog struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewCatalog creates a catalog poller.
func NewCatalog(cfg *config.Config, logger *slog.Logger) *Catalog {
	client := resty.New().
		SetBaseURL(cfg.API.CatalogBaseURL).
		SetTimeout(cfg.Timeouts.HTTPRead).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Catalog{
		http:   client,
		logger: logger.With("component", "catalog"),
	}
}

// ActiveMarkets pages through the catalog and returns all open markets,
// capped at maxMarkets. Entries that fail conversion are skipped.
func (c *Catalog) ActiveMarkets(ctx context.Context, maxMarkets int) ([]types.Market, error) {
	var all []types.Market
	offset := 0

	for {
		var page []gammaMarket
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(catalogPageSize),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		for _, gm := range page {
			m, ok := convertMarket(gm)
			if !ok {
				continue
			}
			all = append(all, m)
			if len(all) >= maxMarkets {
				c.logger.Debug("market cap reached", "max", maxMarkets)
				return all, nil
			}
		}

		if len(page) < catalogPageSize {
			break
		}
		offset += catalogPageSize
	}

	return all, nil
}

// Events fetches hierarchical events with their nested markets.
func (c *Catalog) Events(ctx context.Context, limit int) ([]Event, error) {
	var raw []gammaEvent
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  strconv.Itoa(limit),
			"active": "true",
			"closed": "false",
		}).
		SetResult(&raw).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch events: status %d", resp.StatusCode())
	}

	events := make([]Event, 0, len(raw))
	for _, ge := range raw {
		ev := Event{ID: ge.ID, Title: ge.Title}
		if t, err := time.Parse(time.RFC3339, ge.EndDate); err == nil {
			ev.EndDate = t
		}
		for _, gm := range ge.Markets {
			if m, ok := convertMarket(gm); ok {
				ev.Markets = append(ev.Markets, m)
			}
		}
		if len(ev.Markets) > 0 {
			events = append(events, ev)
		}
	}
	return events, nil
}

// convertMarket maps the wire shape into the internal Market. Returns
// false for entries that cannot be traded (missing tokens, closed, bad
// token list).
func convertMarket(gm gammaMarket) (types.Market, bool) {
	m := types.Market{
		ID:          gm.ID,
		Question:    gm.Question,
		Description: gm.Description,
		Category:    gm.Category,
		Venue:       "polymarket",
		BestBid:     gm.BestBid,
		BestAsk:     gm.BestAsk,
		Volume24h:   gm.Volume24hr,
	}

	if gm.Closed || !gm.Active || !gm.AcceptingOrders || !gm.EnableOrderBook {
		return m, false
	}
	m.Status = types.MarketOpen

	if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
		m.EndDate = t
	}
	if liq, err := strconv.ParseFloat(gm.Liquidity, 64); err == nil {
		m.Liquidity = liq
	}

	// Token IDs arrive as a JSON-encoded string list.
	var tokens []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokens); err != nil {
			return m, false
		}
	}
	if len(tokens) < 2 {
		return m, false
	}
	m.YesTokenID, m.NoTokenID = tokens[0], tokens[1]

	m.OutcomeCount = 2
	if gm.Outcomes != "" {
		var outcomes []string
		if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err == nil && len(outcomes) > 0 {
			m.OutcomeCount = len(outcomes)
		}
	}

	return m, true
}

// FilterByHours keeps markets with at least minHours until close.
func FilterByHours(markets []types.Market, minHours float64, now time.Time) []types.Market {
	out := markets[:0:0]
	for _, m := range markets {
		if m.HoursUntilClose(now) >= minHours {
			out = append(out, m)
		}
	}
	return out
}

// FilterByVolume keeps markets with at least minVolume trailing volume.
func FilterByVolume(markets []types.Market, minVolume float64) []types.Market {
	out := markets[:0:0]
	for _, m := range markets {
		if m.Volume24h >= minVolume {
			out = append(out, m)
		}
	}
	return out
}

// HasInvalidityRisk flags markets whose outcome may resolve neither YES
// nor NO, which breaks the calendar subset assumption: more than two
// outcomes, or "invalid" appearing in the question or description.
func HasInvalidityRisk(m types.Market) bool {
	if m.OutcomeCount > 2 {
		return true
	}
	return containsFold(m.Question, "invalid") || containsFold(m.Description, "invalid")
}
