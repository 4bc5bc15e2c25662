// Package liquidity implements the composite liquidity stress score: spread
// and depth stress over a perpetual plus short- and long-dated ATM options,
// combined with fixed weights.
package liquidity

import (
	"context"
	"log/slog"
	"math"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// BookSource reads one instrument's order book.
type BookSource interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (*types.OrderBook, error)
}

// Role identifies which representative market a score belongs to.
type Role string

const (
	RolePerp     Role = "perp"
	RoleShortOpt Role = "short_option" // nearest 3 DTE
	RoleLongOpt  Role = "long_option"  // nearest 30 DTE
)

// MarketStress is one market's spread/depth scores, each in [0,1].
type MarketStress struct {
	Instrument   string  `json:"instrument"`
	Role         Role    `json:"role"`
	Mid          float64 `json:"mid"`
	SpreadStress float64 `json:"spread_stress"`
	DepthStress  float64 `json:"depth_stress"`
	DepthUSD     float64 `json:"depth_usd"`
	Stress       float64 `json:"stress"`
}

// Stress is the combined picture across available markets.
type Stress struct {
	Markets  []MarketStress `json:"markets"`
	Combined float64        `json:"combined"` // weighted over available markets, in [0,1]
}

// Deribit option quote ticks. Options trade in coarse ticks above half a
// vol-cent of premium.
const (
	optionTickCoarse = 0.0005
	optionTickFine   = 0.0001
	optionTickCutoff = 0.005
	perpMaxSpreadBps = 400.0
	optionMinWindow  = 0.03
	bookDepth        = 50
)

// Engine scores order-book liquidity.
type Engine struct {
	cfg    config.LiquidityConfig
	books  BookSource
	logger *slog.Logger
}

// New creates a liquidity stress engine.
func New(cfg config.LiquidityConfig, books BookSource, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, books: books, logger: logger.With("component", "liquidity")}
}

// Compute selects the perpetual plus the ATM options nearest 3 and 30 DTE,
// reads each book and combines per-market stress with the configured weights,
// renormalized over whichever markets are actually available. Book read
// failures drop that market rather than failing the score.
func (e *Engine) Compute(ctx context.Context, instruments []types.Instrument, spot float64, now time.Time) (Stress, bool) {
	type pick struct {
		name   string
		role   Role
		option bool
		weight float64
	}
	var picks []pick

	if perp := findPerp(instruments); perp != "" {
		picks = append(picks, pick{name: perp, role: RolePerp, weight: e.cfg.PerpWeight})
	}
	if short := atmOption(instruments, spot, now, 3, 2, 7); short != "" {
		picks = append(picks, pick{name: short, role: RoleShortOpt, option: true, weight: e.cfg.ShortOptWeight})
	}
	if long := atmOption(instruments, spot, now, 30, 21, 40); long != "" {
		picks = append(picks, pick{name: long, role: RoleLongOpt, option: true, weight: e.cfg.LongOptWeight})
	}
	if len(picks) == 0 {
		return Stress{}, false
	}

	var out Stress
	var sumW, sumWS float64
	for _, p := range picks {
		book, err := e.books.GetOrderBook(ctx, p.name, bookDepth)
		if err != nil {
			e.logger.Warn("book read failed", "instrument", p.name, "error", err)
			continue
		}
		ms := e.score(book, p.option, spot)
		ms.Instrument = p.name
		ms.Role = p.role
		out.Markets = append(out.Markets, ms)
		sumW += p.weight
		sumWS += p.weight * ms.Stress
	}
	if len(out.Markets) == 0 || sumW <= 0 {
		return Stress{}, false
	}
	out.Combined = clamp01(sumWS / sumW)
	return out, true
}

// score computes one market's spread and depth stress from its book.
func (e *Engine) score(book *types.OrderBook, option bool, spot float64) MarketStress {
	mid := midPrice(book)
	ms := MarketStress{Mid: mid}

	if book.BestBid > 0 && book.BestAsk > 0 && mid > 0 {
		spread := book.BestAsk - book.BestBid
		if option {
			tick := optionTickFine
			if mid >= optionTickCutoff {
				tick = optionTickCoarse
			}
			// 1 tick is a perfect market, 8+ ticks saturates.
			ms.SpreadStress = clamp01((spread/tick - 1) / 7)
		} else {
			ms.SpreadStress = clamp01(spread / mid * 10000 / perpMaxSpreadBps)
		}
	} else {
		ms.SpreadStress = 1
	}

	window := e.cfg.DepthWindowPct
	if option && window < optionMinWindow {
		window = optionMinWindow
	}
	ms.DepthUSD = depthUSD(book, mid, window, option, spot)
	ms.DepthStress = 1 - math.Min(ms.DepthUSD/(4*e.cfg.ClipSizeUSD), 1)

	sw, dw := e.cfg.SpreadWeight, e.cfg.DepthWeight
	ms.Stress = clamp01((sw*ms.SpreadStress + dw*ms.DepthStress) / (sw + dw))
	return ms
}

// midPrice falls back through ask, bid, then mark when one side is empty.
func midPrice(book *types.OrderBook) float64 {
	switch {
	case book.BestBid > 0 && book.BestAsk > 0:
		return (book.BestBid + book.BestAsk) / 2
	case book.BestAsk > 0:
		return book.BestAsk
	case book.BestBid > 0:
		return book.BestBid
	default:
		return book.MarkPrice
	}
}

// depthUSD sums both sides' size within ±window of mid. Perp amounts are
// already USD-denominated; option amounts are in underlying units.
func depthUSD(book *types.OrderBook, mid, window float64, option bool, spot float64) float64 {
	if mid <= 0 {
		return 0
	}
	lo, hi := mid*(1-window), mid*(1+window)
	var total float64
	add := func(levels []types.PriceLevel) {
		for _, l := range levels {
			if l.Price < lo || l.Price > hi {
				continue
			}
			if option {
				total += l.Amount * spot
			} else {
				total += l.Amount
			}
		}
	}
	add(book.Bids)
	add(book.Asks)
	return total
}

// findPerp returns the perpetual instrument name, if listed.
func findPerp(instruments []types.Instrument) string {
	for _, inst := range instruments {
		if inst.IsActive && inst.IsPerpetual() {
			return inst.Name
		}
	}
	return ""
}

// atmOption picks the strike nearest spot on the expiry nearest targetDTE
// within [minDTE, maxDTE]. Empty when no expiry lands in the bucket.
func atmOption(instruments []types.Instrument, spot float64, now time.Time, targetDTE, minDTE, maxDTE float64) string {
	var bestExpiry int64
	bestDist := math.Inf(1)
	for _, inst := range instruments {
		if inst.Kind != types.KindOption || !inst.IsActive {
			continue
		}
		dte := inst.DTE(now)
		if dte < minDTE || dte > maxDTE {
			continue
		}
		if d := math.Abs(dte - targetDTE); d < bestDist {
			bestDist = d
			bestExpiry = inst.ExpiryTS
		}
	}
	if bestExpiry == 0 {
		return ""
	}

	var name string
	strikeDist := math.Inf(1)
	for _, inst := range instruments {
		if inst.ExpiryTS != bestExpiry || inst.Kind != types.KindOption || inst.Strike <= 0 {
			continue
		}
		if d := math.Abs(inst.Strike - spot); d < strikeDist {
			strikeDist = d
			name = inst.Name
		}
	}
	return name
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
