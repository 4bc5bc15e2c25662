package gamma

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
}

func (f *fakeQuotes) FetchAll(_ context.Context, names []string) (map[string]types.Ticker, error) {
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

func gammaCfg() config.GammaConfig {
	return config.GammaConfig{WindowPct: 0.05, TopN: 5, PinnedPct: 0.0075}
}

func TestGammaExposureHandComputed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(7 * 24 * time.Hour).UnixMilli()
	spot := 100000.0

	instruments := []types.Instrument{
		{Name: "C100", Kind: types.KindOption, Strike: 100000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		{Name: "P102", Kind: types.KindOption, Strike: 102000, OptionType: types.Put, ExpiryTS: ts, IsActive: true},
	}
	summaries := []types.BookSummaryRow{
		{InstrumentName: "C100", OpenInterest: 100},
		{InstrumentName: "P102", OpenInterest: 50},
	}
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		"C100": {Greeks: types.Greeks{Gamma: 2e-8}},
		"P102": {Greeks: types.Greeks{Gamma: 1e-8}},
	}}

	m, _, err := New(gammaCfg(), quotes, discard()).Compute(context.Background(), instruments, summaries, spot, now)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(m.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(m.Rows))
	}

	// gamma × spot² × OI: 2e-8 × 1e10 × 100 = 20000; 1e-8 × 1e10 × 50 = 5000.
	want := map[float64]Row{
		100000: {Strike: 100000, CallUSD: 20000, NetUSD: 20000, AbsUSD: 20000},
		102000: {Strike: 102000, PutUSD: 5000, NetUSD: -5000, AbsUSD: 5000},
	}
	for _, row := range m.Rows {
		w := want[row.Strike]
		if row != w {
			t.Errorf("row at %v = %+v, want %+v", row.Strike, row, w)
		}
		if row.AbsUSD != math.Abs(row.NetUSD) {
			t.Errorf("abs != |net| at strike %v", row.Strike)
		}
	}

	// Ranked by abs descending: the 100k call wall first.
	if m.Rows[0].Strike != 100000 {
		t.Errorf("top wall strike = %v, want 100000", m.Rows[0].Strike)
	}
	if m.Total.NetUSD != 15000 || m.Total.AbsUSD != 25000 {
		t.Errorf("totals = %+v, want net 15000 abs 25000", m.Total)
	}
}

func TestGammaAbsInvariant(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(3 * 24 * time.Hour).UnixMilli()
	spot := 100000.0

	// Mixed call/put exposure at every strike.
	var instruments []types.Instrument
	var summaries []types.BookSummaryRow
	tickers := map[string]types.Ticker{}
	strikes := []float64{96000, 98000, 100000, 102000, 104000}
	for i, k := range strikes {
		c := "C" + string(rune('0'+i))
		p := "P" + string(rune('0'+i))
		instruments = append(instruments,
			types.Instrument{Name: c, Kind: types.KindOption, Strike: k, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
			types.Instrument{Name: p, Kind: types.KindOption, Strike: k, OptionType: types.Put, ExpiryTS: ts, IsActive: true},
		)
		summaries = append(summaries,
			types.BookSummaryRow{InstrumentName: c, OpenInterest: float64(10 * (i + 1))},
			types.BookSummaryRow{InstrumentName: p, OpenInterest: float64(25 - 3*i)},
		)
		tickers[c] = types.Ticker{Greeks: types.Greeks{Gamma: 1.5e-8}}
		tickers[p] = types.Ticker{Greeks: types.Greeks{Gamma: 2.5e-8}}
	}

	m, _, err := New(gammaCfg(), &fakeQuotes{tickers: tickers}, discard()).Compute(context.Background(), instruments, summaries, spot, now)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, row := range m.Rows {
		if row.AbsUSD != math.Abs(row.NetUSD) {
			t.Errorf("strike %v: abs %v != |net %v|", row.Strike, row.AbsUSD, row.NetUSD)
		}
	}
}

func TestGammaWindowAndMissingData(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(7 * 24 * time.Hour).UnixMilli()
	spot := 100000.0

	instruments := []types.Instrument{
		{Name: "IN", Kind: types.KindOption, Strike: 103000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		{Name: "OUT", Kind: types.KindOption, Strike: 120000, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		{Name: "NOOI", Kind: types.KindOption, Strike: 99000, OptionType: types.Put, ExpiryTS: ts, IsActive: true},
	}
	summaries := []types.BookSummaryRow{
		{InstrumentName: "IN", OpenInterest: 10},
		{InstrumentName: "OUT", OpenInterest: 500},
	}
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		"IN":  {Greeks: types.Greeks{Gamma: 1e-8}},
		"OUT": {Greeks: types.Greeks{Gamma: 1e-8}},
	}}

	m, _, err := New(gammaCfg(), quotes, discard()).Compute(context.Background(), instruments, summaries, spot, now)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(m.Rows) != 1 || m.Rows[0].Strike != 103000 {
		t.Fatalf("rows = %+v, want only the in-window strike with OI", m.Rows)
	}
}

func TestCenterOfMass(t *testing.T) {
	t.Parallel()

	eng := New(gammaCfg(), &fakeQuotes{}, discard())

	t.Run("pinned", func(t *testing.T) {
		t.Parallel()
		legs := []leg{
			{strike: 99500, side: types.Put, gexUSD: 10000, dte: 2},
			{strike: 100500, side: types.Call, gexUSD: 10000, dte: 2},
		}
		coms := eng.centersOfMass(legs, 100000)
		if len(coms) != 2 {
			t.Fatalf("got %d coms, want all + front", len(coms))
		}
		all := coms[0]
		if all.Strike != 100000 || all.Class != ClassPinned {
			t.Errorf("com = %+v, want pinned at 100000", all)
		}
	})

	t.Run("upside and front bucket", func(t *testing.T) {
		t.Parallel()
		legs := []leg{
			{strike: 105000, side: types.Call, gexUSD: 30000, dte: 2},
			{strike: 95000, side: types.Put, gexUSD: 10000, dte: 10}, // outside front bucket
		}
		coms := eng.centersOfMass(legs, 100000)
		if len(coms) != 2 {
			t.Fatalf("got %d coms, want 2", len(coms))
		}
		if coms[0].Class != ClassUpside {
			t.Errorf("all-bucket class = %q, want upside", coms[0].Class)
		}
		if coms[1].Bucket != "front" || coms[1].Strike != 105000 {
			t.Errorf("front com = %+v, want only the 2-DTE leg", coms[1])
		}
	})

	t.Run("time decay shifts weight to the front", func(t *testing.T) {
		t.Parallel()
		cfg := gammaCfg()
		cfg.DecayHalfDTE = 2
		decayed := New(cfg, &fakeQuotes{}, discard())

		legs := []leg{
			{strike: 100000, side: types.Call, gexUSD: 10000, dte: 1},
			{strike: 110000, side: types.Call, gexUSD: 10000, dte: 20},
		}
		plain := eng.centersOfMass(legs, 100000)[0].Strike
		front := decayed.centersOfMass(legs, 100000)[0].Strike
		if front >= plain {
			t.Errorf("decayed com %v not below undecayed %v", front, plain)
		}
	})
}
