package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/detector"
	"polyarb/internal/executor"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/internal/stream"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedDetector is a hand-driven Detector for runtime tests.
type scriptedDetector struct {
	mu         sync.Mutex
	name       string
	scans      []types.Opportunity
	enterOK    bool
	exitAnswer bool
	entered    []string // fingerprints passed to EnterPosition
	exited     []string // group/token ids passed to ExitPosition
	st         *store.Store
}

func (d *scriptedDetector) Name() string { return d.name }

func (d *scriptedDetector) Scan(context.Context) ([]types.Opportunity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans, nil
}

func (d *scriptedDetector) ShouldEnter(context.Context, types.Opportunity) (bool, error) {
	return d.enterOK, nil
}

func (d *scriptedDetector) ShouldExit(context.Context, types.Position) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitAnswer, nil
}

func (d *scriptedDetector) EnterPosition(_ context.Context, opp types.Opportunity) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entered = append(d.entered, opp.Fingerprint())
	// Mirror the real flow: persist so dedupe sees it.
	pos := types.Position{
		Strategy: d.name,
		Legs: []types.PositionLeg{{
			TokenID:    opp.Legs[0].TokenID,
			Venue:      opp.Legs[0].Venue,
			Side:       opp.Legs[0].Side,
			EntryPrice: opp.Legs[0].Price,
			Size:       opp.Legs[0].Size,
		}},
		Status: types.PositionOpen,
	}
	return true, d.st.Add(opp.Legs[0].TokenID, pos)
}

func (d *scriptedDetector) ExitPosition(_ context.Context, pos types.Position) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exited = append(d.exited, groupOrToken(pos))
	for _, leg := range pos.Legs {
		if err := d.st.Remove(leg.TokenID); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *scriptedDetector) enteredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entered)
}

func (d *scriptedDetector) exitedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.exited)
}

func newTestRuntime(t *testing.T) (*Runtime, *scriptedDetector, *store.Store) {
	t.Helper()

	cfg, err := config.Load("", map[string]any{
		"strategy": map[string]any{"scan_interval": "50ms"},
		"api":      map[string]any{"ws_market_url": "ws://127.0.0.1:1/never"},
		"timeouts": map[string]any{"scan_backoff": "50ms", "ws_connect": "100ms", "stream_silence": "1s"},
	})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	st, err := store.Open(t.TempDir(), "0xtest", testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	det := &scriptedDetector{name: "scripted", enterOK: true, st: st}
	exec := executor.New(nil, st, 0.01, testLogger())
	gate := risk.NewGate(cfg.Risk, testLogger())
	gate.SetBalance(1000)
	streamer := stream.New(cfg, testLogger())

	return New(cfg, det, exec, st, streamer, gate, testLogger()), det, st
}

func singleOpp(token string, price float64) types.Opportunity {
	return types.Opportunity{
		Kind: types.KindSpread,
		Legs: []types.Leg{{
			TokenID: token, Venue: "polymarket", Side: types.BUY, Price: price, Size: 10,
		}},
		TargetPrice: price * 2,
	}
}

func TestScanOnceEntersAndDedupes(t *testing.T) {
	t.Parallel()

	rt, det, _ := newTestRuntime(t)
	det.scans = []types.Opportunity{singleOpp("tok1", 0.05)}

	if err := rt.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if det.enteredCount() != 1 {
		t.Fatalf("entered %d, want 1", det.enteredCount())
	}

	// Second scan sees the same fingerprint: skipped.
	if err := rt.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if det.enteredCount() != 1 {
		t.Errorf("entered %d after rescan, dedupe failed", det.enteredCount())
	}
}

func TestScanOnceSkipsOpenPositionTokens(t *testing.T) {
	t.Parallel()

	rt, det, st := newTestRuntime(t)

	// A pre-existing open position on tok1 (different fingerprint shape).
	pre := types.Position{
		Strategy: "scripted",
		Legs:     []types.PositionLeg{{TokenID: "tok1", Venue: "polymarket", EntryPrice: 0.04, Size: 10}},
		Status:   types.PositionOpen,
	}
	if err := st.Add("tok1", pre); err != nil {
		t.Fatalf("Add: %v", err)
	}

	det.scans = []types.Opportunity{singleOpp("tok1", 0.05)}
	if err := rt.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if det.enteredCount() != 0 {
		t.Errorf("entered %d, open-position token must be skipped", det.enteredCount())
	}
}

func TestScanOnceRespectsShouldEnter(t *testing.T) {
	t.Parallel()

	rt, det, _ := newTestRuntime(t)
	det.enterOK = false
	det.scans = []types.Opportunity{singleOpp("tok1", 0.05)}

	if err := rt.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce: %v", err)
	}
	if det.enteredCount() != 0 {
		t.Errorf("entered %d despite ShouldEnter=false", det.enteredCount())
	}
}

func TestMonitorExitsWhenDetectorSaysSo(t *testing.T) {
	t.Parallel()

	rt, det, st := newTestRuntime(t)
	pos := types.Position{
		Strategy: "scripted",
		Legs:     []types.PositionLeg{{TokenID: "tok1", Venue: "polymarket", EntryPrice: 0.05, Size: 10}},
		Status:   types.PositionOpen,
	}
	if err := st.Add("tok1", pos); err != nil {
		t.Fatalf("Add: %v", err)
	}

	det.exitAnswer = false
	rt.monitorOnce(context.Background())
	if det.exitedCount() != 0 {
		t.Fatal("exited without ShouldExit")
	}

	det.mu.Lock()
	det.exitAnswer = true
	det.mu.Unlock()
	rt.monitorOnce(context.Background())
	if det.exitedCount() != 1 {
		t.Fatalf("exited %d, want 1", det.exitedCount())
	}
	if st.Has("tok1") {
		t.Error("position should be removed after exit")
	}
}

func TestPennyDefenseFlowEndToEnd(t *testing.T) {
	t.Parallel()

	rt, det, st := newTestRuntime(t)

	// Open position with entry 0.05.
	pos := types.Position{
		Strategy: "scripted",
		Legs:     []types.PositionLeg{{TokenID: "tok1", Venue: "polymarket", EntryPrice: 0.05, Size: 100}},
		Status:   types.PositionOpen,
	}
	if err := st.Add("tok1", pos); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Streamer reports the market bidding through our entry.
	rt.onPriceUpdate(types.PriceUpdate{TokenID: "tok1", BestBid: 0.06, BestAsk: 0.10})

	got, _ := st.Get("tok1")
	if !got.ForceExit {
		t.Fatal("force_exit not set by penny defense")
	}

	// Next monitor pass exits even though ShouldExit would say no.
	det.exitAnswer = false
	rt.monitorOnce(context.Background())
	if det.exitedCount() != 1 {
		t.Fatalf("exited %d, want 1 via force_exit", det.exitedCount())
	}
	if st.Has("tok1") {
		t.Error("position should be removed after forced exit")
	}
}

func TestPennyDefenseIgnoresFavorableOrUnknown(t *testing.T) {
	t.Parallel()

	rt, _, st := newTestRuntime(t)

	pos := types.Position{
		Strategy: "scripted",
		Legs:     []types.PositionLeg{{TokenID: "tok1", Venue: "polymarket", EntryPrice: 0.05, Size: 100}},
		Status:   types.PositionOpen,
	}
	if err := st.Add("tok1", pos); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Bid below entry: no flag.
	rt.onPriceUpdate(types.PriceUpdate{TokenID: "tok1", BestBid: 0.04})
	got, _ := st.Get("tok1")
	if got.ForceExit {
		t.Error("bid below entry must not flag")
	}

	// Unknown token: no panic, no effect.
	rt.onPriceUpdate(types.PriceUpdate{TokenID: "mystery", BestBid: 0.99})
}

func TestRunShutsDownGracefully(t *testing.T) {
	t.Parallel()

	rt, _, _ := newTestRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancellation")
	}
}

// Compile-time check that the scripted detector satisfies the contract.
var _ detector.Detector = (*scriptedDetector)(nil)
