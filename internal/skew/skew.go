// Package skew implements the 25Δ risk-reversal engine: OTM call and put IVs
// interpolated in delta space to ±0.25, with a nearest-leg fallback when the
// bracket is unreliable.
package skew

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// TickerSource is the batched quote fetch the engine consumes.
type TickerSource interface {
	FetchAll(ctx context.Context, names []string) (map[string]types.Ticker, error)
}

// Method tags how a leg IV was obtained.
type Method string

const (
	// MethodInterpolated means a true delta-space interpolation to ±0.25.
	MethodInterpolated Method = "interpolated"
	// MethodNearest means the single nearest-delta leg was used because the
	// bracket was clamped at a curve edge or spanned too wide.
	MethodNearest Method = "nearest"
)

// Leg is one side of the risk reversal.
type Leg struct {
	IV         float64 `json:"iv"`
	Delta      float64 `json:"delta"` // delta actually achieved
	Method     Method  `json:"method"`
	Instrument string  `json:"instrument,omitempty"` // set for nearest-leg results
}

// Skew is the 25Δ risk reversal for one expiry.
type Skew struct {
	Expiry time.Time `json:"expiry"`
	DTE    float64   `json:"dte"`
	Call   Leg       `json:"call"`
	Put    Leg       `json:"put"`
	Skew   float64   `json:"skew"` // ivCall25 − ivPut25, vol points
}

// Engine computes the 25Δ skew off a bounded-concurrency ticker fetch.
type Engine struct {
	cfg    config.SkewConfig
	quotes TickerSource
	logger *slog.Logger
}

// New creates a skew engine.
func New(cfg config.SkewConfig, quotes TickerSource, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, quotes: quotes, logger: logger.With("component", "skew_25d")}
}

// leg is an OTM quote with its delta, the interpolation unit.
type leg struct {
	name  string
	delta float64
	iv    float64
}

// Compute picks the expiry nearest the target tenor (excluding anything at or
// under MinDTE), fetches up to MaxPerSide strikes nearest spot per side, and
// interpolates both sides to ±0.25Δ. Returns false when either side cannot
// produce a leg.
func (e *Engine) Compute(ctx context.Context, groups map[int64][]types.Instrument, spot float64, now time.Time) (Skew, bool, error) {
	if spot <= 0 {
		return Skew{}, false, nil
	}

	ts := e.targetExpiry(groups, now)
	if ts == 0 {
		return Skew{}, false, nil
	}

	calls := nearestToSpot(groups[ts], types.Call, spot, e.cfg.MaxPerSide)
	puts := nearestToSpot(groups[ts], types.Put, spot, e.cfg.MaxPerSide)
	if len(calls) == 0 || len(puts) == 0 {
		return Skew{}, false, nil
	}

	names := make([]string, 0, len(calls)+len(puts))
	for _, i := range calls {
		names = append(names, i.Name)
	}
	for _, i := range puts {
		names = append(names, i.Name)
	}
	tickers, err := e.quotes.FetchAll(ctx, names)
	if err != nil {
		return Skew{}, false, err
	}

	callLegs := e.otmLegs(calls, tickers, types.Call)
	putLegs := e.otmLegs(puts, tickers, types.Put)

	callLeg, okC := e.solve(callLegs, 0.25)
	putLeg, okP := e.solve(putLegs, -0.25)
	if !okC || !okP {
		return Skew{}, false, nil
	}

	exp := time.UnixMilli(ts).UTC()
	return Skew{
		Expiry: exp,
		DTE:    exp.Sub(now).Hours() / 24,
		Call:   callLeg,
		Put:    putLeg,
		Skew:   callLeg.IV - putLeg.IV,
	}, true, nil
}

// targetExpiry returns the expiry closest to TargetDays, skipping anything at
// or under MinDTE days out.
func (e *Engine) targetExpiry(groups map[int64][]types.Instrument, now time.Time) int64 {
	var best int64
	bestDist := math.Inf(1)
	for ts := range groups {
		dte := time.UnixMilli(ts).Sub(now).Hours() / 24
		if dte <= e.cfg.MinDTE {
			continue
		}
		if d := math.Abs(dte - e.cfg.TargetDays); d < bestDist {
			bestDist = d
			best = ts
		}
	}
	return best
}

// otmLegs filters quotes to plausible OTM legs: calls 0<Δ≤0.5, puts −0.5≤Δ<0,
// IV in (0, MaxIV]. Sorted by delta ascending.
func (e *Engine) otmLegs(insts []types.Instrument, tickers map[string]types.Ticker, side types.OptionSide) []leg {
	legs := make([]leg, 0, len(insts))
	for _, inst := range insts {
		t, ok := tickers[inst.Name]
		if !ok {
			continue
		}
		d, iv := t.Greeks.Delta, t.MarkIV
		if iv <= 0 || iv > e.cfg.MaxIV {
			continue
		}
		if side == types.Call && (d <= 0 || d > 0.5) {
			continue
		}
		if side == types.Put && (d >= 0 || d < -0.5) {
			continue
		}
		legs = append(legs, leg{name: inst.Name, delta: d, iv: iv})
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].delta < legs[j].delta })
	return legs
}

// solve interpolates the delta-sorted legs to the target delta, falling back
// to the nearest leg when the bracket is clamped at an edge or spans wider
// than DeltaSpanMax.
func (e *Engine) solve(legs []leg, target float64) (Leg, bool) {
	if len(legs) == 0 {
		return Leg{}, false
	}
	if len(legs) == 1 {
		return nearestLeg(legs, target), true
	}

	lo, hi := legs[0], legs[len(legs)-1]
	if target <= lo.delta || target >= hi.delta {
		// Clamped at a curve edge: interpolation would silently return an
		// endpoint, so report the nearest leg explicitly instead.
		if target == lo.delta || target == hi.delta {
			// Exact endpoint hit is a legitimate interpolation result.
			return exactLeg(legs, target)
		}
		return nearestLeg(legs, target), true
	}

	for i := 0; i+1 < len(legs); i++ {
		l, r := legs[i], legs[i+1]
		if target < l.delta || target > r.delta {
			continue
		}
		if l.delta == target {
			return Leg{IV: l.iv, Delta: l.delta, Method: MethodInterpolated, Instrument: l.name}, true
		}
		if r.delta == target {
			return Leg{IV: r.iv, Delta: r.delta, Method: MethodInterpolated, Instrument: r.name}, true
		}
		if r.delta-l.delta > e.cfg.DeltaSpanMax {
			return nearestLeg(legs, target), true
		}
		w := (target - l.delta) / (r.delta - l.delta)
		return Leg{IV: l.iv + w*(r.iv-l.iv), Delta: target, Method: MethodInterpolated}, true
	}

	return nearestLeg(legs, target), true
}

// exactLeg returns the leg whose delta equals target.
func exactLeg(legs []leg, target float64) (Leg, bool) {
	for _, l := range legs {
		if l.delta == target {
			return Leg{IV: l.iv, Delta: l.delta, Method: MethodInterpolated, Instrument: l.name}, true
		}
	}
	return Leg{}, false
}

// nearestLeg returns the single leg closest to the target delta.
func nearestLeg(legs []leg, target float64) Leg {
	best := legs[0]
	bestDist := math.Abs(best.delta - target)
	for _, l := range legs[1:] {
		if d := math.Abs(l.delta - target); d < bestDist {
			bestDist = d
			best = l
		}
	}
	return Leg{IV: best.iv, Delta: best.delta, Method: MethodNearest, Instrument: best.name}
}

// nearestToSpot returns up to n instruments of the given side ordered by
// strike distance to spot.
func nearestToSpot(insts []types.Instrument, side types.OptionSide, spot float64, n int) []types.Instrument {
	filtered := make([]types.Instrument, 0, len(insts))
	for _, inst := range insts {
		if inst.OptionType == side && inst.Strike > 0 {
			filtered = append(filtered, inst)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return math.Abs(filtered[i].Strike-spot) < math.Abs(filtered[j].Strike-spot)
	})
	if n > 0 && len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}
