package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

func crossFixture(t *testing.T) (Deps, *fakeVenue, *fakeVenue) {
	t.Helper()

	markets := "[" +
		calendarMarketJSON("p1", "Will Bitcoin reach $100,000 before December 2025?", futureDate(3), "p_yes", "p_no") +
		"]"

	primary := newFakeVenue("polymarket", 1000)
	secondary := newFakeVenue("kalshi", 1000)
	secondary.markets = []types.Market{{
		ID:           "BTC-100K",
		Question:     "Bitcoin above $100,000 before December settlement",
		Venue:        "kalshi",
		Status:       types.MarketOpen,
		YesTokenID:   "BTC-100K:YES",
		NoTokenID:    "BTC-100K:NO",
		OutcomeCount: 2,
		EndDate:      time.Now().AddDate(0, 3, 0),
	}}

	srv := catalogServer(t, markets, "[]")
	deps := newTestDeps(t, srv.URL, primary, secondary)
	// Keyword matching only; the LLM path is exercised separately.
	deps.Config.CrossPlatform.UseLLM = false
	return deps, primary, secondary
}

func TestCrossPlatformScanFindsDiscrepancy(t *testing.T) {
	t.Parallel()

	deps, primary, secondary := crossFixture(t)

	// Strategy A: YES primary (0.52) + NO secondary (0.42) = 0.94;
	// profit = 1 − 0.94 − 0.02 = 0.04 > 2%.
	primary.setBook("p_yes", nil, []types.Level{{Price: 0.52, Size: 50}})
	primary.setBook("p_no", nil, []types.Level{{Price: 0.50, Size: 50}})
	secondary.setBook("BTC-100K:YES", nil, []types.Level{{Price: 0.56, Size: 50}})
	secondary.setBook("BTC-100K:NO", nil, []types.Level{{Price: 0.42, Size: 50}})

	d, err := New("cross_platform", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, types.KindCrossPlatformPair, opp.Kind)
	assert.InDelta(t, 0.94, opp.TotalCost, 1e-9)
	assert.InDelta(t, 0.04, opp.ExpectedProfit, 1e-9)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, "polymarket", opp.Legs[0].Venue)
	assert.Equal(t, "p_yes", opp.Legs[0].TokenID)
	assert.Equal(t, "kalshi", opp.Legs[1].Venue)
	assert.Equal(t, "BTC-100K:NO", opp.Legs[1].TokenID)
}

func TestCrossPlatformPicksBetterStructure(t *testing.T) {
	t.Parallel()

	deps, primary, secondary := crossFixture(t)

	// Mirror structure is better: NO primary (0.40) + YES secondary (0.50)
	// = 0.90 beats YES primary (0.58) + NO secondary (0.48) = 1.06.
	primary.setBook("p_yes", nil, []types.Level{{Price: 0.58, Size: 50}})
	primary.setBook("p_no", nil, []types.Level{{Price: 0.40, Size: 50}})
	secondary.setBook("BTC-100K:YES", nil, []types.Level{{Price: 0.50, Size: 50}})
	secondary.setBook("BTC-100K:NO", nil, []types.Level{{Price: 0.48, Size: 50}})

	d, err := New("cross_platform", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	assert.Equal(t, "p_no", opps[0].Legs[0].TokenID)
	assert.Equal(t, "BTC-100K:YES", opps[0].Legs[1].TokenID)
	assert.InDelta(t, 0.90, opps[0].TotalCost, 1e-9)
}

func TestCrossPlatformNoEdgeNoOpportunity(t *testing.T) {
	t.Parallel()

	deps, primary, secondary := crossFixture(t)

	// Both structures sum near 1: nothing clears 2% after fees.
	primary.setBook("p_yes", nil, []types.Level{{Price: 0.52, Size: 50}})
	primary.setBook("p_no", nil, []types.Level{{Price: 0.49, Size: 50}})
	secondary.setBook("BTC-100K:YES", nil, []types.Level{{Price: 0.51, Size: 50}})
	secondary.setBook("BTC-100K:NO", nil, []types.Level{{Price: 0.48, Size: 50}})

	d, err := New("cross_platform", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestCrossPlatformEnterPlacesLegsOnBothVenues(t *testing.T) {
	t.Parallel()

	deps, primary, secondary := crossFixture(t)

	primary.setBook("p_yes", nil, []types.Level{{Price: 0.52, Size: 50}})
	primary.setBook("p_no", nil, []types.Level{{Price: 0.50, Size: 50}})
	secondary.setBook("BTC-100K:YES", nil, []types.Level{{Price: 0.56, Size: 50}})
	secondary.setBook("BTC-100K:NO", nil, []types.Level{{Price: 0.42, Size: 50}})

	d, err := New("cross_platform", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	ok, err := d.ShouldEnter(context.Background(), opps[0])
	require.NoError(t, err)
	require.True(t, ok)

	entered, err := d.EnterPosition(context.Background(), opps[0])
	require.NoError(t, err)
	require.True(t, entered)

	primary.mu.Lock()
	primaryOrders := len(primary.orders)
	primary.mu.Unlock()
	secondary.mu.Lock()
	secondaryOrders := len(secondary.orders)
	secondary.mu.Unlock()
	assert.Equal(t, 1, primaryOrders)
	assert.Equal(t, 1, secondaryOrders)

	pos, found := deps.Executor.Store().Get("p_yes")
	require.True(t, found)
	assert.Contains(t, pos.GroupID, "CROSS-")
}

func TestCrossPlatformMaxPositionsCap(t *testing.T) {
	t.Parallel()

	deps, _, _ := crossFixture(t)
	deps.Config.CrossPlatform.MaxPositions = 0

	d, err := New("cross_platform", deps)
	require.NoError(t, err)

	ok, err := d.ShouldEnter(context.Background(), types.Opportunity{
		Legs: []types.Leg{{Size: 10}},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
