// Package vol implements the implied-volatility analytics: expiry selection,
// ATM term-structure construction, variance-space interpolation, term
// classification, expected move, 0-DTE kink, realized vol, and the EM-sized
// condor pricing check.
package vol

import (
	"sort"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// Selector chooses a bounded, well-distributed subset of listed expiries.
// Near-term expiries are kept verbatim; far-dated ones are collapsed to one
// per UTC calendar month. MinMonthly far slots are reserved before near
// entries fill the cap, so long-tenor interpolation always has a right
// bracket.
type Selector struct {
	cfg config.ExpiryConfig
}

// NewSelector creates an expiry selector.
func NewSelector(cfg config.ExpiryConfig) *Selector {
	return &Selector{cfg: cfg}
}

// GroupByExpiry groups active options by expiry timestamp, dropping expired
// and non-option instruments.
func GroupByExpiry(instruments []types.Instrument, now time.Time) map[int64][]types.Instrument {
	groups := make(map[int64][]types.Instrument)
	for _, inst := range instruments {
		if inst.Kind != types.KindOption || !inst.IsActive {
			continue
		}
		if inst.ExpiryTS == 0 || !inst.ExpiryTime().After(now) {
			continue
		}
		groups[inst.ExpiryTS] = append(groups[inst.ExpiryTS], inst)
	}
	return groups
}

// Select returns an ascending list of at most Max expiry timestamps.
func (s *Selector) Select(groups map[int64][]types.Instrument, now time.Time) []int64 {
	all := make([]int64, 0, len(groups))
	for ts := range groups {
		if time.UnixMilli(ts).After(now) {
			all = append(all, ts)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	nearCutoff := now.Add(time.Duration(s.cfg.NearDays * 24 * float64(time.Hour)))

	var near, far []int64
	for _, ts := range all {
		if !time.UnixMilli(ts).After(nearCutoff) {
			near = append(near, ts)
		} else {
			far = append(far, ts)
		}
	}

	farMonthly := latestPerMonth(far)

	// Reserve far slots first so a crowded front end never starves the
	// long end of bracket nodes.
	reserved := s.cfg.MinMonthly
	if reserved > len(farMonthly) {
		reserved = len(farMonthly)
	}
	if reserved > s.cfg.Max {
		reserved = s.cfg.Max
	}

	nearTake := s.cfg.Max - reserved
	if nearTake > len(near) {
		nearTake = len(near)
	}
	farTake := s.cfg.Max - nearTake
	if farTake > len(farMonthly) {
		farTake = len(farMonthly)
	}

	out := make([]int64, 0, nearTake+farTake)
	out = append(out, near[:nearTake]...)
	out = append(out, farMonthly[:farTake]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// latestPerMonth reduces ascending timestamps to the last expiry of each UTC
// calendar month.
func latestPerMonth(ts []int64) []int64 {
	type monthKey struct {
		year  int
		month time.Month
	}
	latest := make(map[monthKey]int64)
	var order []monthKey
	for _, t := range ts {
		u := time.UnixMilli(t).UTC()
		k := monthKey{u.Year(), u.Month()}
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		if t > latest[k] {
			latest[k] = t
		}
	}
	out := make([]int64, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
