package vol

import (
	"context"
	"fmt"
	"testing"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

func condorChain(ts int64) []types.Instrument {
	strikes := []float64{95000, 96000, 97000, 98000, 99000, 100000, 101000, 102000, 103000, 104000, 105000}
	out := make([]types.Instrument, 0, 2*len(strikes))
	for _, k := range strikes {
		out = append(out,
			types.Instrument{Name: condorName(k, types.Put), Kind: types.KindOption, Strike: k, OptionType: types.Put, ExpiryTS: ts, IsActive: true},
			types.Instrument{Name: condorName(k, types.Call), Kind: types.KindOption, Strike: k, OptionType: types.Call, ExpiryTS: ts, IsActive: true},
		)
	}
	return out
}

func condorName(strike float64, side types.OptionSide) string {
	suffix := "C"
	if side == types.Put {
		suffix = "P"
	}
	return fmt.Sprintf("BTC-%.0f-%s", strike, suffix)
}

func quote(bid, ask float64) types.Ticker {
	return types.Ticker{BestBid: bid, BestAsk: ask}
}

func condorCfg() config.CondorConfig {
	return config.CondorConfig{
		TenorDays:     7,
		ShortMult:     1.0,
		HedgeMult:     1.5,
		MinCreditFrac: 0.15,
		MaxSpreadFrac: 0.25,
	}
}

func TestCondorTradeable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(7 * 24 * time.Hour).UnixMilli()
	spot, em := 100000.0, 2000.0

	groups := map[int64][]types.Instrument{ts: condorChain(ts)}
	// Shorts at spot∓1×EM = 98k/102k, hedges at spot∓1.5×EM = 97k/103k.
	quotes := &fakeQuotes{tickers: map[string]types.Ticker{
		condorName(98000, types.Put):   quote(0.0039, 0.0041), // mid 0.0040
		condorName(97000, types.Put):   quote(0.0014, 0.0016), // mid 0.0015
		condorName(102000, types.Call): quote(0.0039, 0.0041),
		condorName(103000, types.Call): quote(0.0014, 0.0016),
	}}

	eng := NewCondorEngine(condorCfg(), quotes, discard())
	c, ok, err := eng.Compute(context.Background(), groups, spot, em, now)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !ok {
		t.Fatal("expected a result")
	}

	// Credit = (0.0040+0.0040−0.0015−0.0015) × spot = 500 USD.
	if !almostEqual(c.CreditUSD, 500, 1e-6) {
		t.Errorf("credit = %v, want 500", c.CreditUSD)
	}
	if !almostEqual(c.MaxLossUSD, 500, 1e-6) {
		t.Errorf("max loss = %v, want width 1000 − credit 500", c.MaxLossUSD)
	}
	if !c.Tradeable {
		t.Errorf("not tradeable: %s", c.Reason)
	}
	if len(c.Legs) != 4 {
		t.Fatalf("got %d legs, want 4", len(c.Legs))
	}
	wantStrikes := map[string]float64{"short_put": 98000, "long_put": 97000, "short_call": 102000, "long_call": 103000}
	for _, leg := range c.Legs {
		if leg.Strike != wantStrikes[leg.Side] {
			t.Errorf("%s strike = %v, want %v", leg.Side, leg.Strike, wantStrikes[leg.Side])
		}
	}
}

func TestCondorRejections(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	ts := now.Add(7 * 24 * time.Hour).UnixMilli()
	groups := map[int64][]types.Instrument{ts: condorChain(ts)}

	t.Run("credit below floor", func(t *testing.T) {
		t.Parallel()
		// Net credit 100 USD < 0.15 × 2000.
		quotes := &fakeQuotes{tickers: map[string]types.Ticker{
			condorName(98000, types.Put):   quote(0.0010, 0.0012),
			condorName(97000, types.Put):   quote(0.0005, 0.0007),
			condorName(102000, types.Call): quote(0.0010, 0.0012),
			condorName(103000, types.Call): quote(0.0005, 0.0007),
		}}
		c, ok, err := NewCondorEngine(condorCfg(), quotes, discard()).Compute(context.Background(), groups, 100000, 2000, now)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if c.Tradeable || c.Reason != "credit below floor" {
			t.Errorf("tradeable=%v reason=%q, want credit rejection", c.Tradeable, c.Reason)
		}
	})

	t.Run("spread too wide", func(t *testing.T) {
		t.Parallel()
		// Healthy credit but the short put quotes 0.0020/0.0060.
		quotes := &fakeQuotes{tickers: map[string]types.Ticker{
			condorName(98000, types.Put):   quote(0.0020, 0.0060),
			condorName(97000, types.Put):   quote(0.0014, 0.0016),
			condorName(102000, types.Call): quote(0.0039, 0.0041),
			condorName(103000, types.Call): quote(0.0014, 0.0016),
		}}
		c, ok, err := NewCondorEngine(condorCfg(), quotes, discard()).Compute(context.Background(), groups, 100000, 2000, now)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if c.Tradeable || c.Reason != "leg spread too wide" {
			t.Errorf("tradeable=%v reason=%q, want spread rejection", c.Tradeable, c.Reason)
		}
	})

	t.Run("no usable em", func(t *testing.T) {
		t.Parallel()
		_, ok, err := NewCondorEngine(condorCfg(), &fakeQuotes{}, discard()).Compute(context.Background(), groups, 100000, 0, now)
		if err != nil || ok {
			t.Fatalf("ok=%v err=%v, want no result for zero EM", ok, err)
		}
	})
}
