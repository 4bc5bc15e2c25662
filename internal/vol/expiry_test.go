package vol

import (
	"testing"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

func groupsAt(now time.Time, daysOut ...float64) map[int64][]types.Instrument {
	groups := make(map[int64][]types.Instrument, len(daysOut))
	for _, d := range daysOut {
		ts := now.Add(time.Duration(d * 24 * float64(time.Hour))).UnixMilli()
		groups[ts] = []types.Instrument{{
			Name:     "BTC-TEST",
			Kind:     types.KindOption,
			Strike:   100000,
			ExpiryTS: ts,
			IsActive: true,
		}}
	}
	return groups
}

func TestSelectNearOnlyUnchanged(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sel := NewSelector(config.ExpiryConfig{Max: 8, NearDays: 14, MinMonthly: 2})

	groups := groupsAt(now, 1, 2, 5, 9, 13)
	got := sel.Select(groups, now)

	if len(got) != 5 {
		t.Fatalf("got %d expiries, want all 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("output not strictly ascending at %d: %v", i, got)
		}
	}
}

func TestSelectReservesFarMonthly(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sel := NewSelector(config.ExpiryConfig{Max: 6, NearDays: 14, MinMonthly: 2})

	// 8 near expiries would fill the cap on their own; far expiries span
	// three calendar months.
	groups := groupsAt(now, 1, 2, 3, 5, 7, 9, 11, 13, 40, 45, 70, 100)
	got := sel.Select(groups, now)

	if len(got) != 6 {
		t.Fatalf("got %d expiries, want cap of 6", len(got))
	}

	nearCutoff := now.Add(14 * 24 * time.Hour)
	var far int
	for _, ts := range got {
		if time.UnixMilli(ts).After(nearCutoff) {
			far++
		}
	}
	if far < 2 {
		t.Errorf("got %d far entries, want at least min_monthly=2", far)
	}
}

func TestSelectCollapsesFarToMonthly(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sel := NewSelector(config.ExpiryConfig{Max: 8, NearDays: 14, MinMonthly: 2})

	// 40 and 45 days out land in the same calendar month; only the later one
	// should survive.
	groups := groupsAt(now, 40, 45, 70)
	got := sel.Select(groups, now)

	if len(got) != 2 {
		t.Fatalf("got %d expiries, want 2 (one per far month): %v", len(got), got)
	}
	want45 := now.Add(45 * 24 * time.Hour).UnixMilli()
	if got[0] != want45 {
		t.Errorf("same-month collapse kept %d, want the later expiry %d", got[0], want45)
	}
}

func TestGroupByExpiryFilters(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	future := now.Add(7 * 24 * time.Hour).UnixMilli()
	past := now.Add(-24 * time.Hour).UnixMilli()

	instruments := []types.Instrument{
		{Name: "keep", Kind: types.KindOption, ExpiryTS: future, IsActive: true},
		{Name: "expired", Kind: types.KindOption, ExpiryTS: past, IsActive: true},
		{Name: "inactive", Kind: types.KindOption, ExpiryTS: future, IsActive: false},
		{Name: "future-not-option", Kind: types.KindFuture, ExpiryTS: future, IsActive: true},
	}

	groups := GroupByExpiry(instruments, now)
	if len(groups) != 1 || len(groups[future]) != 1 || groups[future][0].Name != "keep" {
		t.Fatalf("unexpected groups: %#v", groups)
	}
}
