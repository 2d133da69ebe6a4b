package detector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/internal/venue"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue is a scriptable venue client shared by the detector tests.
type fakeVenue struct {
	name    string
	balance float64

	mu      sync.Mutex
	books   map[string]*types.OrderBook
	fail    map[string]string
	orders  []venue.OrderRequest
	nextSeq int
	markets []types.Market
}

func newFakeVenue(name string, balance float64) *fakeVenue {
	return &fakeVenue{
		name:    name,
		balance: balance,
		books:   make(map[string]*types.OrderBook),
		fail:    make(map[string]string),
	}
}

func (f *fakeVenue) Name() string    { return f.name }
func (f *fakeVenue) Address() string { return "0xfake" }

func (f *fakeVenue) setBook(tokenID string, bids, asks []types.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[tokenID] = &types.OrderBook{TokenID: tokenID, Bids: bids, Asks: asks}
}

func (f *fakeVenue) GetOrderBook(_ context.Context, tokenID string) (*types.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.books[tokenID]; ok {
		return b, nil
	}
	return &types.OrderBook{TokenID: tokenID, Bids: []types.Level{}, Asks: []types.Level{}}, nil
}

func (f *fakeVenue) GetBalance(context.Context, bool) (float64, error) { return f.balance, nil }

func (f *fakeVenue) PostOrder(_ context.Context, req venue.OrderRequest) (*venue.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if reason, ok := f.fail[req.TokenID]; ok {
		return nil, &venue.RejectionError{Venue: f.name, Reason: reason}
	}
	f.nextSeq++
	return &venue.OrderResult{
		OrderID:    fmt.Sprintf("%s-%d", f.name, f.nextSeq),
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Status:     "matched",
	}, nil
}

func (f *fakeVenue) CancelOrder(context.Context, string) (bool, error) { return true, nil }

func (f *fakeVenue) GetMarkets(context.Context, int) ([]types.Market, error) {
	return f.markets, nil
}

// catalogServer serves a fixed /markets and /events payload.
func catalogServer(t *testing.T, marketsJSON, eventsJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") != "0" {
			w.Write([]byte("[]"))
			return
		}
		w.Write([]byte(marketsJSON))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(eventsJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestDeps wires real config/catalog/executor/gate around fakes.
func newTestDeps(t *testing.T, catalogURL string, primary *fakeVenue, secondary venue.Client) Deps {
	t.Helper()

	cfg, err := config.Load("", map[string]any{
		"api": map[string]any{"catalog_base_url": catalogURL},
	})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	st, err := store.Open(t.TempDir(), "0xtest", testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	clients := []venue.Client{primary}
	if secondary != nil {
		clients = append(clients, secondary)
	}
	exec := executor.New(clients, st, cfg.Strategy.EstimatedFee, testLogger())

	gate := risk.NewGate(cfg.Risk, testLogger())
	gate.SetBalance(primary.balance)

	return Deps{
		Config:    cfg,
		Catalog:   market.NewCatalog(cfg, testLogger()),
		Executor:  exec,
		Primary:   primary,
		Secondary: secondary,
		Gate:      gate,
		Logger:    testLogger(),
	}
}

// calendarMarketJSON builds a catalog entry for the calendar tests.
func calendarMarketJSON(id, question, endDate, yesTok, noTok string) string {
	return fmt.Sprintf(`{
		"id":%q,"question":%q,
		"active":true,"closed":false,"acceptingOrders":true,"enableOrderBook":true,
		"endDate":%q,"liquidity":"10000","volume24hr":5000,
		"outcomes":"[\"Yes\",\"No\"]",
		"clobTokenIds":"[\"%s\",\"%s\"]"
	}`, id, question, endDate, yesTok, noTok)
}

func futureDate(months int) string {
	return time.Now().AddDate(0, months, 0).UTC().Format(time.RFC3339)
}
