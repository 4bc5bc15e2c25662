// Package gamma implements the dealer gamma-exposure map and its
// center-of-mass companion.
package gamma

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

// Row is aggregated USD gamma exposure at one strike.
type Row struct {
	Strike  float64 `json:"strike"`
	CallUSD float64 `json:"call_usd"`
	PutUSD  float64 `json:"put_usd"`
	NetUSD  float64 `json:"net_usd"` // call − put
	AbsUSD  float64 `json:"abs_usd"` // |net|, the wall-ranking weight
}

// Map is the full exposure picture around spot.
type Map struct {
	Spot  float64 `json:"spot"`
	Rows  []Row   `json:"rows"`  // ranked by AbsUSD descending
	Walls []Row   `json:"walls"` // top-N slice of Rows
	Total struct {
		NetUSD float64 `json:"net_usd"`
		AbsUSD float64 `json:"abs_usd"`
	} `json:"total"`
}

// leg is one option's exposure contribution, kept for COM time-decay.
type leg struct {
	strike float64
	side   types.OptionSide
	gexUSD float64
	dte    float64
}

// Engine builds the per-strike gamma exposure map.
type Engine struct {
	cfg    config.GammaConfig
	quotes TickerSource
	logger *slog.Logger
}

// New creates a gamma-exposure engine.
func New(cfg config.GammaConfig, quotes TickerSource, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, quotes: quotes, logger: logger.With("component", "gamma")}
}

// Compute filters options to ±WindowPct of spot, joins per-instrument open
// interest from the book summary with per-instrument gamma from tickers, and
// aggregates USD exposure per strike. Legs without OI or gamma contribute
// nothing.
func (e *Engine) Compute(ctx context.Context, instruments []types.Instrument, summaries []types.BookSummaryRow, spot float64, now time.Time) (Map, []Com, error) {
	if spot <= 0 {
		return Map{}, nil, nil
	}

	oi := make(map[string]float64, len(summaries))
	for _, s := range summaries {
		oi[s.InstrumentName] = s.OpenInterest
	}

	var candidates []types.Instrument
	for _, inst := range instruments {
		if inst.Kind != types.KindOption || !inst.IsActive || inst.Strike <= 0 {
			continue
		}
		if math.Abs(inst.Strike-spot) > e.cfg.WindowPct*spot {
			continue
		}
		if oi[inst.Name] <= 0 {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return Map{Spot: spot}, nil, nil
	}

	names := make([]string, len(candidates))
	for i, inst := range candidates {
		names[i] = inst.Name
	}
	tickers, err := e.quotes.FetchAll(ctx, names)
	if err != nil {
		return Map{}, nil, err
	}

	legs := make([]leg, 0, len(candidates))
	for _, inst := range candidates {
		g := tickers[inst.Name].Greeks.Gamma
		if g <= 0 {
			continue
		}
		legs = append(legs, leg{
			strike: inst.Strike,
			side:   inst.OptionType,
			gexUSD: g * spot * spot * oi[inst.Name],
			dte:    inst.DTE(now),
		})
	}

	m := e.aggregate(legs, spot)
	coms := e.centersOfMass(legs, spot)
	return m, coms, nil
}

// aggregate rolls legs up per strike, ranks by AbsUSD descending with ties
// broken by proximity to spot, and slices the top-N walls.
func (e *Engine) aggregate(legs []leg, spot float64) Map {
	byStrike := make(map[float64]*Row)
	for _, l := range legs {
		r, ok := byStrike[l.strike]
		if !ok {
			r = &Row{Strike: l.strike}
			byStrike[l.strike] = r
		}
		if l.side == types.Call {
			r.CallUSD += l.gexUSD
		} else {
			r.PutUSD += l.gexUSD
		}
	}

	m := Map{Spot: spot, Rows: make([]Row, 0, len(byStrike))}
	for _, r := range byStrike {
		r.NetUSD = r.CallUSD - r.PutUSD
		r.AbsUSD = math.Abs(r.NetUSD)
		m.Rows = append(m.Rows, *r)
		m.Total.NetUSD += r.NetUSD
		m.Total.AbsUSD += r.AbsUSD
	}

	sort.Slice(m.Rows, func(i, j int) bool {
		if m.Rows[i].AbsUSD != m.Rows[j].AbsUSD {
			return m.Rows[i].AbsUSD > m.Rows[j].AbsUSD
		}
		return math.Abs(m.Rows[i].Strike-spot) < math.Abs(m.Rows[j].Strike-spot)
	})

	n := e.cfg.TopN
	if n <= 0 || n > len(m.Rows) {
		n = len(m.Rows)
	}
	m.Walls = m.Rows[:n]
	return m
}
