package vol

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// TickerSource is the batched quote fetch the term builder consumes.
// gateway.TickerPool implements it; tests substitute fakes.
type TickerSource interface {
	FetchAll(ctx context.Context, names []string) (map[string]types.Ticker, error)
}

// TermBuilder constructs ATM term-structure nodes: per selected expiry it
// picks the strike nearest the reference on each side, fetches both legs'
// IVs in one bounded-concurrency batch, and averages whatever is present.
type TermBuilder struct {
	cfg    config.TermConfig
	quotes TickerSource
	logger *slog.Logger
}

// NewTermBuilder creates an ATM term builder.
func NewTermBuilder(cfg config.TermConfig, quotes TickerSource, logger *slog.Logger) *TermBuilder {
	return &TermBuilder{cfg: cfg, quotes: quotes, logger: logger.With("component", "atm_term")}
}

// Build returns ATM IV points for the given expiries, sorted ascending.
// Expiries where no leg yields a valid normalized IV are dropped.
func (b *TermBuilder) Build(ctx context.Context, groups map[int64][]types.Instrument, expiries []int64, spot float64, now time.Time) ([]types.IVPoint, error) {
	if spot <= 0 || len(expiries) == 0 {
		return nil, nil
	}

	type legs struct {
		call, put *types.Instrument
	}
	selected := make(map[int64]legs, len(expiries))
	var names []string

	for _, ts := range expiries {
		insts := groups[ts]
		if len(insts) == 0 {
			continue
		}
		ref := b.reference(spot, time.UnixMilli(ts).Sub(now).Hours()/types.HoursPerYear)
		call := nearestStrike(insts, types.Call, ref, spot, b.cfg.StrikeBandPct)
		put := nearestStrike(insts, types.Put, ref, spot, b.cfg.StrikeBandPct)
		if call == nil && put == nil {
			continue
		}
		selected[ts] = legs{call: call, put: put}
		if call != nil {
			names = append(names, call.Name)
		}
		if put != nil {
			names = append(names, put.Name)
		}
	}

	tickers, err := b.quotes.FetchAll(ctx, names)
	if err != nil {
		return nil, err
	}

	points := make([]types.IVPoint, 0, len(selected))
	for ts, lg := range selected {
		var sum float64
		var n int
		point := types.IVPoint{}
		point.ExpiryTS = ts
		point.TAnnual = time.UnixMilli(ts).Sub(now).Hours() / types.HoursPerYear

		if lg.call != nil {
			if iv := tickers[lg.call.Name].MarkIV; iv > 0 {
				sum += iv
				n++
				point.CallInstrument = lg.call.Name
				point.CallStrike = lg.call.Strike
			}
		}
		if lg.put != nil {
			if iv := tickers[lg.put.Name].MarkIV; iv > 0 {
				sum += iv
				n++
				point.PutInstrument = lg.put.Name
				point.PutStrike = lg.put.Strike
			}
		}
		if n == 0 || point.TAnnual <= 0 {
			continue
		}
		point.IV = sum / float64(n)
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].TAnnual < points[j].TAnnual })
	return points, nil
}

// reference returns the strike-selection anchor: spot, or the carry-adjusted
// forward when rate/yield inputs are configured.
func (b *TermBuilder) reference(spot, tAnnual float64) float64 {
	carry := b.cfg.RateAnnual - b.cfg.YieldAnnual
	if carry == 0 || tAnnual <= 0 {
		return spot
	}
	return spot * math.Exp(carry*tAnnual)
}

// nearestStrike picks the instrument of the given side whose strike is
// closest to ref, optionally restricted to ±bandPct around spot.
func nearestStrike(insts []types.Instrument, side types.OptionSide, ref, spot, bandPct float64) *types.Instrument {
	var best *types.Instrument
	bestDist := math.Inf(1)
	for i := range insts {
		inst := &insts[i]
		if inst.OptionType != side || inst.Strike <= 0 {
			continue
		}
		if bandPct > 0 && math.Abs(inst.Strike-spot) > bandPct*spot {
			continue
		}
		if d := math.Abs(inst.Strike - ref); d < bestDist {
			bestDist = d
			best = inst
		}
	}
	return best
}

// Nodes strips IVPoints down to the interpolation unit.
func Nodes(points []types.IVPoint) []types.TermNode {
	out := make([]types.TermNode, len(points))
	for i, p := range points {
		out[i] = p.TermNode
	}
	return out
}
