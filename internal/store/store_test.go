package store

import (
	"testing"
	"time"

	"derivdash/pkg/types"
)

func TestSaveAndLoadSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := Snapshot{
		Currency: "BTC",
		Spot:     100000,
		KPIs: map[string]types.KPIPayload{
			"atm_term": {
				KPIID:  "atm_term",
				Status: types.StatusReady,
				Main:   &types.Metric{Label: "30d ATM IV", Value: 0.52, Formatted: "52.0%"},
			},
		},
		UpdatedAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}

	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot("BTC")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadSnapshot returned nil")
	}

	if loaded.Spot != snap.Spot {
		t.Errorf("Spot = %v, want %v", loaded.Spot, snap.Spot)
	}
	got, ok := loaded.KPIs["atm_term"]
	if !ok || got.Main == nil {
		t.Fatalf("atm_term payload missing: %+v", loaded.KPIs)
	}
	if got.Main.Value != 0.52 {
		t.Errorf("Main.Value = %v, want 0.52", got.Main.Value)
	}
	if !loaded.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", loaded.UpdatedAt, snap.UpdatedAt)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadSnapshot("ETH")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveSnapshot(Snapshot{Currency: "BTC", Spot: 100000})
	_ = s.SaveSnapshot(Snapshot{Currency: "BTC", Spot: 101000})

	loaded, err := s.LoadSnapshot("BTC")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.Spot != 101000 {
		t.Errorf("Spot = %v, want 101000 (latest save)", loaded.Spot)
	}
}
