package vol

import (
	"context"
	"log/slog"
	"math"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// CondorLeg is one priced leg of the EM-sized iron condor.
type CondorLeg struct {
	Instrument string  `json:"instrument"`
	Strike     float64 `json:"strike"`
	Side       string  `json:"side"` // short_put, long_put, short_call, long_call
	Mid        float64 `json:"mid"`  // in underlying terms
	SpreadFrac float64 `json:"spread_frac"`
}

// Condor is the pricing check result: would an iron condor with short strikes
// one expected move out collect a workable credit at current quotes?
type Condor struct {
	Expiry     time.Time   `json:"expiry"`
	EM         float64     `json:"em"`
	Legs       []CondorLeg `json:"legs"`
	CreditUSD  float64     `json:"credit_usd"`
	MaxLossUSD float64     `json:"max_loss_usd"`
	CreditFrac float64     `json:"credit_frac"` // credit / EM
	Tradeable  bool        `json:"tradeable"`
	Reason     string      `json:"reason,omitempty"` // why not tradeable
}

// CondorEngine prices the four legs of an EM-sized iron condor.
type CondorEngine struct {
	cfg    config.CondorConfig
	quotes TickerSource
	logger *slog.Logger
}

// NewCondorEngine creates a condor pricing engine.
func NewCondorEngine(cfg config.CondorConfig, quotes TickerSource, logger *slog.Logger) *CondorEngine {
	return &CondorEngine{cfg: cfg, quotes: quotes, logger: logger.With("component", "condor")}
}

// Compute selects the expiry nearest the configured tenor, places short
// strikes at spot ∓ ShortMult×EM and hedges at spot ∓ HedgeMult×EM (nearest
// listed strikes), prices all four legs off one batched fetch and reports the
// net credit against the structure's max loss. em is the 1σ move in quote
// currency for the same tenor.
func (e *CondorEngine) Compute(ctx context.Context, groups map[int64][]types.Instrument, spot, em float64, now time.Time) (Condor, bool, error) {
	if spot <= 0 || em <= 0 {
		return Condor{}, false, nil
	}

	ts := nearestExpiry(groups, e.cfg.TenorDays, now)
	if ts == 0 {
		return Condor{}, false, nil
	}
	insts := groups[ts]

	shortPut := nearestStrike(insts, types.Put, spot-e.cfg.ShortMult*em, spot, 0)
	longPut := nearestStrike(insts, types.Put, spot-e.cfg.HedgeMult*em, spot, 0)
	shortCall := nearestStrike(insts, types.Call, spot+e.cfg.ShortMult*em, spot, 0)
	longCall := nearestStrike(insts, types.Call, spot+e.cfg.HedgeMult*em, spot, 0)
	if shortPut == nil || longPut == nil || shortCall == nil || longCall == nil {
		return Condor{}, false, nil
	}
	// Hedges collapsing onto the shorts means the chain has no strike far
	// enough out; the structure would have zero width.
	if longPut.Strike >= shortPut.Strike || longCall.Strike <= shortCall.Strike {
		return Condor{}, false, nil
	}

	names := []string{shortPut.Name, longPut.Name, shortCall.Name, longCall.Name}
	tickers, err := e.quotes.FetchAll(ctx, names)
	if err != nil {
		return Condor{}, false, err
	}

	mkLeg := func(inst *types.Instrument, side string) (CondorLeg, bool) {
		t := tickers[inst.Name]
		mid, spread := midAndSpread(t)
		if mid <= 0 {
			return CondorLeg{}, false
		}
		return CondorLeg{
			Instrument: inst.Name,
			Strike:     inst.Strike,
			Side:       side,
			Mid:        mid,
			SpreadFrac: spread / mid,
		}, true
	}

	sp, ok1 := mkLeg(shortPut, "short_put")
	lp, ok2 := mkLeg(longPut, "long_put")
	sc, ok3 := mkLeg(shortCall, "short_call")
	lc, ok4 := mkLeg(longCall, "long_call")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Condor{}, false, nil
	}

	// Quotes are in underlying terms; USD via spot.
	credit := (sp.Mid + sc.Mid - lp.Mid - lc.Mid) * spot
	width := math.Max(shortPut.Strike-longPut.Strike, longCall.Strike-shortCall.Strike)
	maxLoss := width - credit

	c := Condor{
		Expiry:     time.UnixMilli(ts).UTC(),
		EM:         em,
		Legs:       []CondorLeg{sp, lp, sc, lc},
		CreditUSD:  credit,
		MaxLossUSD: maxLoss,
		CreditFrac: credit / em,
	}

	switch {
	case credit < e.cfg.MinCreditFrac*em:
		c.Reason = "credit below floor"
	case maxSpreadFrac(c.Legs) > e.cfg.MaxSpreadFrac:
		c.Reason = "leg spread too wide"
	default:
		c.Tradeable = true
	}
	return c, true, nil
}

// nearestExpiry returns the listed expiry closest to the target tenor,
// excluding already-expired groups. 0 when none qualify.
func nearestExpiry(groups map[int64][]types.Instrument, tenorDays float64, now time.Time) int64 {
	var best int64
	bestDist := math.Inf(1)
	for ts := range groups {
		dte := time.UnixMilli(ts).Sub(now).Hours() / 24
		if dte <= 0 {
			continue
		}
		if d := math.Abs(dte - tenorDays); d < bestDist {
			bestDist = d
			best = ts
		}
	}
	return best
}

// midAndSpread derives a usable mid and absolute spread from a quote,
// falling back through ask-only, bid-only, then mark.
func midAndSpread(t types.Ticker) (mid, spread float64) {
	switch {
	case t.BestBid > 0 && t.BestAsk > 0:
		return (t.BestBid + t.BestAsk) / 2, t.BestAsk - t.BestBid
	case t.BestAsk > 0:
		return t.BestAsk, t.BestAsk
	case t.BestBid > 0:
		return t.BestBid, t.BestBid
	default:
		return t.MarkPrice, 0
	}
}

func maxSpreadFrac(legs []CondorLeg) float64 {
	var worst float64
	for _, l := range legs {
		if l.SpreadFrac > worst {
			worst = l.SpreadFrac
		}
	}
	return worst
}
