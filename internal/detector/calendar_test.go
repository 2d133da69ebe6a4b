package detector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyarb/pkg/types"
)

// calendarFixture: two markets sharing the normalized key
// "bitcoin hits 100k", one expiring well before the other.
// Ask(NO_early)=0.40, Ask(YES_late)=0.55, both with depth ≥ 10.
func calendarFixture(t *testing.T) (Deps, *fakeVenue) {
	t.Helper()

	// Close expiries keep the 5% gross annualizing far above the ROI bar.
	markets := "[" +
		calendarMarketJSON("early", "Will Bitcoin hit 100k by end of March?", futureDate(1), "yes_early", "no_early") + "," +
		calendarMarketJSON("late", "Will Bitcoin hit 100k by end of December?", futureDate(2), "yes_late", "no_late") +
		"]"

	primary := newFakeVenue("polymarket", 1000)
	primary.setBook("no_early",
		[]types.Level{{Price: 0.38, Size: 20}},
		[]types.Level{{Price: 0.40, Size: 20}})
	primary.setBook("yes_late",
		[]types.Level{{Price: 0.53, Size: 20}},
		[]types.Level{{Price: 0.55, Size: 20}})

	srv := catalogServer(t, markets, "[]")
	return newTestDeps(t, srv.URL, primary, nil), primary
}

func TestCalendarScanFindsProfitablePair(t *testing.T) {
	t.Parallel()

	deps, _ := calendarFixture(t)
	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, types.KindCalendarPair, opp.Kind)
	assert.InDelta(t, 0.95, opp.TotalCost, 1e-9)
	// expected_profit = 1 − 0.95 − 2×0.01
	assert.InDelta(t, 0.03, opp.ExpectedProfit, 1e-9)
	require.Len(t, opp.Legs, 2)
	assert.Equal(t, "no_early", opp.Legs[0].TokenID)
	assert.Equal(t, "yes_late", opp.Legs[1].TokenID)
	assert.Equal(t, types.BUY, opp.Legs[0].Side)
	assert.Positive(t, opp.AnnualizedROI)

	ok, err := d.ShouldEnter(context.Background(), opp)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCalendarEnterPlacesBothLegsAndStoresGroup(t *testing.T) {
	t.Parallel()

	deps, primary := calendarFixture(t)
	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	entered, err := d.EnterPosition(context.Background(), opps[0])
	require.NoError(t, err)
	require.True(t, entered)

	primary.mu.Lock()
	orders := len(primary.orders)
	primary.mu.Unlock()
	assert.Equal(t, 2, orders, "both BUY legs placed")

	pos, ok := deps.Executor.Store().Get("no_early")
	require.True(t, ok, "position persisted under the NO leg")
	assert.Equal(t, "CAL-no_ear-yes_la", pos.GroupID)
	assert.True(t, strings.HasPrefix(pos.GroupID, "CAL-"))
	assert.Equal(t, types.PositionOpen, pos.Status)
}

func TestCalendarSecondLegFailureRollsBack(t *testing.T) {
	t.Parallel()

	deps, primary := calendarFixture(t)
	primary.fail["yes_late"] = "insufficient balance"

	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	entered, err := d.EnterPosition(context.Background(), opps[0])
	require.NoError(t, err, "leg failure is handled, not propagated")
	assert.False(t, entered)

	// A compensating SELL at the visible best bid (0.38) went out.
	primary.mu.Lock()
	var rollback []string
	for _, o := range primary.orders {
		if o.Side == types.SELL {
			rollback = append(rollback, o.TokenID)
			assert.Equal(t, 0.38, o.Price)
		}
	}
	primary.mu.Unlock()
	assert.Equal(t, []string{"no_early"}, rollback)

	assert.False(t, deps.Executor.Store().Has("no_early"))
	assert.False(t, deps.Executor.Store().Has("yes_late"))

	// Capital reservation was released.
	snap := deps.Gate.Snapshot()
	assert.Zero(t, snap.Reserved)
	assert.Zero(t, snap.Committed)
}

func TestCalendarScanRejectsThinMargin(t *testing.T) {
	t.Parallel()

	deps, primary := calendarFixture(t)
	// 0.50 + 0.48 = 0.98 ≥ 1 − 0.02 − 0.02 = 0.96: no opportunity.
	primary.setBook("no_early", nil, []types.Level{{Price: 0.50, Size: 20}})
	primary.setBook("yes_late", nil, []types.Level{{Price: 0.48, Size: 20}})

	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestCalendarScanRejectsLowROI(t *testing.T) {
	t.Parallel()

	// 4.5% gross over ~10 months annualizes to ~5.4%, below the 15% bar.
	markets := "[" +
		calendarMarketJSON("early", "Will Bitcoin hit 100k by end of March?", futureDate(2), "yes_early", "no_early") + "," +
		calendarMarketJSON("late", "Will Bitcoin hit 100k by end of December?", futureDate(10), "yes_late", "no_late") +
		"]"
	primary := newFakeVenue("polymarket", 1000)
	primary.setBook("no_early", nil, []types.Level{{Price: 0.43, Size: 20}})
	primary.setBook("yes_late", nil, []types.Level{{Price: 0.525, Size: 20}})

	srv := catalogServer(t, markets, "[]")
	deps := newTestDeps(t, srv.URL, primary, nil)

	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestCalendarShouldExitTakeProfit(t *testing.T) {
	t.Parallel()

	deps, primary := calendarFixture(t)
	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	pos := types.Position{
		Strategy: "calendar_arbitrage",
		GroupID:  "CAL-x",
		Legs: []types.PositionLeg{
			{TokenID: "no_early", Venue: "polymarket", EntryPrice: 0.40, Size: 10},
			{TokenID: "yes_late", Venue: "polymarket", EntryPrice: 0.55, Size: 10},
		},
		EntryCost: 0.95,
		Status:    types.PositionOpen,
	}

	// Bids sum to 0.91: below 0.95 + 0.02 + 0.005, and the 0.04 gap is
	// above the 2% stop — stop-loss fires.
	primary.setBook("no_early", []types.Level{{Price: 0.45, Size: 20}}, nil)
	primary.setBook("yes_late", []types.Level{{Price: 0.46, Size: 20}}, nil)
	exit, err := d.ShouldExit(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, exit, "stop loss should fire at 4% adverse move")

	// Bids sum to 0.98 ≥ 0.95 + 0.02 + 0.005: take profit.
	primary.setBook("no_early", []types.Level{{Price: 0.50, Size: 20}}, nil)
	primary.setBook("yes_late", []types.Level{{Price: 0.48, Size: 20}}, nil)
	exit, err = d.ShouldExit(context.Background(), pos)
	require.NoError(t, err)
	assert.True(t, exit, "take profit should fire")

	// Bids sum to 0.955: inside the hold band.
	primary.setBook("no_early", []types.Level{{Price: 0.475, Size: 20}}, nil)
	primary.setBook("yes_late", []types.Level{{Price: 0.48, Size: 20}}, nil)
	exit, err = d.ShouldExit(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, exit, "hold to resolution inside the band")
}

func TestCalendarSkipsInvalidityRisk(t *testing.T) {
	t.Parallel()

	markets := "[" +
		calendarMarketJSON("early", "Will X happen by end of March? Resolves invalid on postponement", futureDate(2), "yes_e", "no_e") + "," +
		calendarMarketJSON("late", "Will X happen by end of December? Resolves invalid on postponement", futureDate(10), "yes_l", "no_l") +
		"]"

	primary := newFakeVenue("polymarket", 1000)
	primary.setBook("no_e", nil, []types.Level{{Price: 0.40, Size: 20}})
	primary.setBook("yes_l", nil, []types.Level{{Price: 0.55, Size: 20}})

	srv := catalogServer(t, markets, "[]")
	deps := newTestDeps(t, srv.URL, primary, nil)

	d, err := New("calendar_arbitrage", deps)
	require.NoError(t, err)

	opps, err := d.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps, "invalidity-risk pairs must be rejected")
}
