package vol

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

type fakeQuotes struct {
	tickers map[string]types.Ticker
	err     error
	calls   [][]string
}

func (f *fakeQuotes) FetchAll(_ context.Context, names []string) (map[string]types.Ticker, error) {
	f.calls = append(f.calls, names)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]types.Ticker, len(names))
	for _, n := range names {
		if t, ok := f.tickers[n]; ok {
			out[n] = t
		}
	}
	return out, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTermBuilderSingleExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(10 * 24 * time.Hour).UnixMilli()
	spot := 100000.0

	groups := map[int64][]types.Instrument{
		ts: {
			{Name: "BTC-P", Kind: types.KindOption, Strike: 95000, OptionType: types.Put, ExpiryTS: ts, IsActive: true},
			{Name: "BTC-C", Kind: types.KindOption, Strike: 105000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		},
	}
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		"BTC-P": {InstrumentName: "BTC-P", MarkIV: 0.50},
		"BTC-C": {InstrumentName: "BTC-C", MarkIV: 0.50},
	}}

	b := NewTermBuilder(config.TermConfig{StrikeBandPct: 0.25}, quotes, discard())
	points, err := b.Build(context.Background(), groups, []int64{ts}, spot, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if points[0].IV != 0.50 {
		t.Errorf("iv = %v, want exactly 0.50", points[0].IV)
	}
	if points[0].CallInstrument != "BTC-C" || points[0].PutInstrument != "BTC-P" {
		t.Errorf("legs = %q/%q, want BTC-C/BTC-P", points[0].CallInstrument, points[0].PutInstrument)
	}
	if len(quotes.calls) != 1 {
		t.Errorf("got %d batches, want one batched fetch", len(quotes.calls))
	}
}

func TestTermBuilderDropsInvalidLegs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts1 := now.Add(7 * 24 * time.Hour).UnixMilli()
	ts2 := now.Add(30 * 24 * time.Hour).UnixMilli()

	groups := map[int64][]types.Instrument{
		ts1: {
			{Name: "C1", Kind: types.KindOption, Strike: 100000, OptionType: types.Call, ExpiryTS: ts1, IsActive: true},
			{Name: "P1", Kind: types.KindOption, Strike: 100000, OptionType: types.Put, ExpiryTS: ts1, IsActive: true},
		},
		ts2: {
			{Name: "C2", Kind: types.KindOption, Strike: 100000, OptionType: types.Call, ExpiryTS: ts2, IsActive: true},
		},
	}
	// P1 has no usable IV; ts2's only leg has none at all.
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		"C1": {InstrumentName: "C1", MarkIV: 0.60},
		"P1": {InstrumentName: "P1", MarkIV: 0},
		"C2": {InstrumentName: "C2", MarkIV: 0},
	}}

	b := NewTermBuilder(config.TermConfig{}, quotes, discard())
	points, err := b.Build(context.Background(), groups, []int64{ts1, ts2}, 100000, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1 (empty expiry dropped)", len(points))
	}
	if points[0].IV != 0.60 {
		t.Errorf("iv = %v, want the surviving leg's 0.60", points[0].IV)
	}
	if points[0].PutInstrument != "" {
		t.Errorf("put leg = %q, want unset for invalid IV", points[0].PutInstrument)
	}
}

func TestTermBuilderStrikeBand(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(7 * 24 * time.Hour).UnixMilli()

	// Nearest call strike sits outside the ±10% band; the in-band one wins.
	groups := map[int64][]types.Instrument{
		ts: {
			{Name: "FAR", Kind: types.KindOption, Strike: 200000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
			{Name: "IN", Kind: types.KindOption, Strike: 108000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		},
	}
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		"IN": {InstrumentName: "IN", MarkIV: 0.55},
	}}

	b := NewTermBuilder(config.TermConfig{StrikeBandPct: 0.10}, quotes, discard())
	points, err := b.Build(context.Background(), groups, []int64{ts}, 100000, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(points) != 1 || points[0].CallInstrument != "IN" {
		t.Fatalf("points = %+v, want single node from in-band strike", points)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		nodes []types.TermNode
		want  Regime
	}{
		{
			name: "contango",
			nodes: []types.TermNode{
				{TAnnual: 7.0 / 365, IV: 0.40},
				{TAnnual: 30.0 / 365, IV: 0.50},
				{TAnnual: 90.0 / 365, IV: 0.55},
			},
			want: RegimeContango,
		},
		{
			name: "backwardation",
			nodes: []types.TermNode{
				{TAnnual: 7.0 / 365, IV: 0.80},
				{TAnnual: 30.0 / 365, IV: 0.60},
				{TAnnual: 90.0 / 365, IV: 0.55},
			},
			want: RegimeBackwardation,
		},
		{
			name: "flat within epsilon",
			nodes: []types.TermNode{
				{TAnnual: 7.0 / 365, IV: 0.5000},
				{TAnnual: 30.0 / 365, IV: 0.5001},
			},
			want: RegimeFlat,
		},
		{
			name:  "insufficient",
			nodes: []types.TermNode{{TAnnual: 7.0 / 365, IV: 0.50}},
			want:  RegimeInsufficient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.nodes, 0.005)
			if got.Regime != tt.want {
				t.Errorf("regime = %q, want %q (slope %v, premium %v)", got.Regime, tt.want, got.Slope, got.TermPremium)
			}
		})
	}
}

func TestExpectedMoveFormula(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	nodes := []types.TermNode{{TAnnual: 7.0 / 365, IV: 0.60}}
	spot := 100000.0

	em, ok := ComputeExpectedMove(nodes, spot, 7, now)
	if !ok {
		t.Fatal("expected a result")
	}
	want := 0.60 * math.Sqrt(7.0/365)
	if !almostEqual(em.EM/spot, want, 1e-12) {
		t.Errorf("em/spot = %v, want iv·√t = %v", em.EM/spot, want)
	}
	if !almostEqual(em.EMPct, want, 1e-12) {
		t.Errorf("em_pct = %v, want %v", em.EMPct, want)
	}
}

func TestExpectedMoveExpirySelection(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	listed := now.Add(9 * 24 * time.Hour)
	nodes := []types.TermNode{
		{TAnnual: 2.0 / 365, IV: 0.55, ExpiryTS: now.Add(2 * 24 * time.Hour).UnixMilli()},
		{TAnnual: 9.0 / 365, IV: 0.50, ExpiryTS: listed.UnixMilli()},
	}

	// 7-day tenor: the 9-day listed expiry is within max(2×7, 10) days.
	em, ok := ComputeExpectedMove(nodes, 100000, 7, now)
	if !ok {
		t.Fatal("expected a result")
	}
	if em.ExpirySource != ExpiryListed || !em.Expiry.Equal(listed) {
		t.Errorf("expiry = %v (%s), want listed %v", em.Expiry, em.ExpirySource, listed)
	}

	// 1-day tenor: the nearest listed candidate (2 days) is fine; but with
	// only far expiries a synthetic date is shown.
	farOnly := []types.TermNode{{TAnnual: 60.0 / 365, IV: 0.50, ExpiryTS: now.Add(60 * 24 * time.Hour).UnixMilli()}}
	em, ok = ComputeExpectedMove(farOnly, 100000, 1, now)
	if !ok {
		t.Fatal("expected a result")
	}
	if em.ExpirySource != ExpirySynthetic {
		t.Errorf("expiry source = %q, want synthetic for implausible candidates", em.ExpirySource)
	}
	if !em.Expiry.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("synthetic expiry = %v, want now+1d", em.Expiry)
	}
}
