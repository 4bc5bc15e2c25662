// Package oi implements open-interest concentration metrics over book-summary
// rows: per-strike shares, top-1/top-N, HHI, Shannon entropy and Gini.
package oi

import (
	"math"
	"sort"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// StrikeOI is aggregated open interest at one strike.
type StrikeOI struct {
	Strike float64 `json:"strike"`
	OI     float64 `json:"oi"`
	Share  float64 `json:"share"`
}

// Concentration summarizes how open interest is distributed across strikes.
// All metrics are computed only over the included (post-filter) strikes.
type Concentration struct {
	Strikes   []StrikeOI `json:"strikes"` // ranked by OI descending
	TotalOI   float64    `json:"total_oi"`
	Top1Share float64    `json:"top1_share"`
	TopNShare float64    `json:"topn_share"`
	TopN      int        `json:"top_n"`
	HHI       float64    `json:"hhi"`
	Entropy   float64    `json:"entropy"` // nats
	Gini      float64    `json:"gini"`
}

// Compute aggregates OI per strike, optionally scoped to the front expiry
// and/or a price window around spot, and derives the concentration metrics.
// A zero-OI market returns zeroed metrics, never a division by zero.
func Compute(cfg config.OIConfig, rows []types.BookSummaryRow, spot float64) Concentration {
	rows = filter(cfg, rows, spot)

	byStrike := make(map[float64]float64)
	for _, r := range rows {
		if r.Strike <= 0 || r.OpenInterest <= 0 {
			continue
		}
		byStrike[r.Strike] += r.OpenInterest
	}

	c := Concentration{TopN: cfg.TopN}
	for k, oi := range byStrike {
		c.Strikes = append(c.Strikes, StrikeOI{Strike: k, OI: oi})
		c.TotalOI += oi
	}
	if c.TotalOI <= 0 {
		c.Strikes = nil
		return c
	}

	sort.Slice(c.Strikes, func(i, j int) bool { return c.Strikes[i].OI > c.Strikes[j].OI })

	n := cfg.TopN
	if n <= 0 || n > len(c.Strikes) {
		n = len(c.Strikes)
	}
	for i := range c.Strikes {
		p := c.Strikes[i].OI / c.TotalOI
		c.Strikes[i].Share = p
		c.HHI += p * p
		if p > 0 {
			c.Entropy += p * math.Log(1/p)
		}
		if i < n {
			c.TopNShare += p
		}
	}
	c.Top1Share = c.Strikes[0].Share
	c.Gini = gini(c.Strikes, c.TotalOI)
	return c
}

// filter applies the front-expiry and price-window scopes.
func filter(cfg config.OIConfig, rows []types.BookSummaryRow, spot float64) []types.BookSummaryRow {
	if cfg.FrontOnly {
		var front int64
		for _, r := range rows {
			if r.ExpiryTS == 0 {
				continue
			}
			if front == 0 || r.ExpiryTS < front {
				front = r.ExpiryTS
			}
		}
		if front != 0 {
			kept := rows[:0:0]
			for _, r := range rows {
				if r.ExpiryTS == front {
					kept = append(kept, r)
				}
			}
			rows = kept
		}
	}

	if cfg.WindowPct > 0 && spot > 0 {
		kept := rows[:0:0]
		for _, r := range rows {
			if math.Abs(r.Strike-spot) <= cfg.WindowPct*spot {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return rows
}

// gini computes the Gini coefficient via the sorted cumulative-sum formula.
// strikes arrive ranked descending; the formula wants ascending.
func gini(strikes []StrikeOI, total float64) float64 {
	n := len(strikes)
	if n < 2 {
		return 0
	}
	asc := make([]float64, n)
	for i, s := range strikes {
		asc[n-1-i] = s.OI
	}
	var weighted float64
	for i, v := range asc {
		weighted += float64(i+1) * v
	}
	fn := float64(n)
	return (2*weighted)/(fn*total) - (fn+1)/fn
}
