package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, "0xabc123", testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func singleLeg(token string) types.Position {
	return types.Position{
		Strategy: "ExtremePriceStrategy",
		Kind:     types.KindExtremePrice,
		Legs: []types.PositionLeg{
			{TokenID: token, Venue: "polymarket", Side: types.BUY, EntryPrice: 0.004, Size: 1250},
		},
		EntryTime:   time.Now().UTC().Truncate(time.Second),
		EntryCost:   0.004,
		TargetPrice: 0.008,
		Status:      types.PositionOpen,
	}
}

func TestAddGetRemoveRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	pos := singleLeg("tok1")

	if err := s.Add("tok1", pos); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Has("tok1") {
		t.Fatal("Has after Add = false")
	}

	got, ok := s.Get("tok1")
	if !ok {
		t.Fatal("Get after Add missing")
	}
	if got.TargetPrice != 0.008 || got.Status != types.PositionOpen {
		t.Errorf("round trip mangled position: %+v", got)
	}

	if err := s.Remove("tok1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has("tok1") {
		t.Error("Has after Remove = true")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.Add("tok1", singleLeg("tok1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2 := openTestStore(t, dir)
	if !s2.Has("tok1") {
		t.Error("position lost across reopen")
	}
	got, _ := s2.Get("tok1")
	if got.Legs[0].EntryPrice != 0.004 {
		t.Errorf("entry price lost: %+v", got)
	}
}

func TestCorruptFileBackedUp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "positions_0xabc123.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	s := openTestStore(t, dir)
	if len(s.GetAll()) != 0 {
		t.Error("corrupt load should yield empty store")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt_") && strings.HasSuffix(e.Name(), ".json") {
			found = true
		}
	}
	if !found {
		t.Error("corrupt file was not renamed aside")
	}

	// The store must still be writable after a corrupt load.
	if err := s.Add("tok1", singleLeg("tok1")); err != nil {
		t.Errorf("Add after corrupt load: %v", err)
	}
}

func TestAddGroupSharesRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	pos := types.Position{
		Strategy: "CalendarArbitrageStrategy",
		Kind:     types.KindCalendarPair,
		GroupID:  "CAL-noearl-yeslat",
		Legs: []types.PositionLeg{
			{TokenID: "no_early", Venue: "polymarket", Side: types.BUY, EntryPrice: 0.40, Size: 10},
			{TokenID: "yes_late", Venue: "polymarket", Side: types.BUY, EntryPrice: 0.55, Size: 10},
		},
		EntryCost: 0.95,
		Status:    types.PositionOpen,
	}

	if err := s.AddGroup(pos); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if !s.Has("no_early") || !s.Has("yes_late") {
		t.Fatal("group not visible under both tokens")
	}

	byStrategy := s.GetByStrategy("CalendarArbitrageStrategy")
	if len(byStrategy) != 1 {
		t.Errorf("GetByStrategy returned %d entries, want 1 (group deduplicated)", len(byStrategy))
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}

	if err := s.RemoveGroup("CAL-noearl-yeslat"); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if s.Has("no_early") || s.Has("yes_late") {
		t.Error("RemoveGroup left records behind")
	}
}

func TestUpdateSetsForceExit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.Add("tok1", singleLeg("tok1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, err := s.Update("tok1", func(p *types.Position) { p.ForceExit = true })
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}

	got, _ := s.Get("tok1")
	if !got.ForceExit {
		t.Error("ForceExit not persisted")
	}

	// Unknown token is a no-op, not an error.
	ok, err = s.Update("missing", func(p *types.Position) {})
	if err != nil || ok {
		t.Errorf("Update missing: ok=%v err=%v, want false,nil", ok, err)
	}
}

func TestUpdateGroupTransitionsStatus(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	pos := types.Position{
		Strategy: "s", GroupID: "g1", Status: types.PositionOpen,
		Legs: []types.PositionLeg{
			{TokenID: "a"}, {TokenID: "b"},
		},
	}
	if err := s.AddGroup(pos); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}

	n, err := s.UpdateGroup("g1", func(p *types.Position) { p.Status = types.PositionExiting })
	if err != nil || n != 2 {
		t.Fatalf("UpdateGroup: n=%d err=%v", n, err)
	}
	got, _ := s.Get("a")
	if got.Status != types.PositionExiting {
		t.Errorf("status = %v, want exiting", got.Status)
	}
}

func TestGetAllReturnsSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	if err := s.Add("tok1", singleLeg("tok1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	snap := s.GetAll()
	delete(snap, "tok1") // mutating the snapshot must not affect the store
	if !s.Has("tok1") {
		t.Error("GetAll returned live map, not a snapshot")
	}
}
