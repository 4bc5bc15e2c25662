package vol

import (
	"math"
	"time"

	"derivdash/pkg/types"
)

// ExpirySource tags how the display expiry of an expected move was chosen.
type ExpirySource string

const (
	// ExpiryListed means the smallest listed expiry at or beyond the tenor.
	ExpiryListed ExpirySource = "listed"
	// ExpirySynthetic means now + tenor, used when every listed candidate is
	// implausibly far from the target.
	ExpirySynthetic ExpirySource = "synthetic"
)

// ExpectedMove is a 1σ move estimate for one display tenor.
type ExpectedMove struct {
	TenorDays    float64      `json:"tenor_days"`
	IV           float64      `json:"iv"`
	EM           float64      `json:"em"`     // in quote currency
	EMPct        float64      `json:"em_pct"` // EM / spot
	IVSource     Source       `json:"iv_source"`
	Expiry       time.Time    `json:"expiry"`
	ExpirySource ExpirySource `json:"expiry_source"`
}

// ComputeExpectedMove returns spot × iv(tenor) × √t for one tenor. The IV is
// read off the term curve with flat extrapolation outside the observed range
// (a sloped extrapolation over-states far display tenors). Returns false if
// the curve is unusable.
func ComputeExpectedMove(nodes []types.TermNode, spot, tenorDays float64, now time.Time) (ExpectedMove, bool) {
	if spot <= 0 || tenorDays <= 0 {
		return ExpectedMove{}, false
	}
	t := tenorDays / 365.0
	res, ok := IVAt(nodes, t, ModeFlatIV)
	if !ok || res.IV <= 0 {
		return ExpectedMove{}, false
	}

	em := spot * res.IV * math.Sqrt(t)
	expiry, src := displayExpiry(nodes, tenorDays, now)

	return ExpectedMove{
		TenorDays:    tenorDays,
		IV:           res.IV,
		EM:           em,
		EMPct:        em / spot,
		IVSource:     res.Source,
		Expiry:       expiry,
		ExpirySource: src,
	}, true
}

// displayExpiry picks a representative real expiry for a tenor: the smallest
// listed expiry at or beyond the target (the right interpolation bracket for
// in-range tenors). When that candidate sits more than max(2×target, 10 days)
// out — or nothing is listed beyond the target — a synthetic now+tenor date
// is shown instead of a misleading one.
func displayExpiry(nodes []types.TermNode, tenorDays float64, now time.Time) (time.Time, ExpirySource) {
	limit := math.Max(2*tenorDays, 10)
	for _, n := range nodes {
		if n.ExpiryTS == 0 {
			continue
		}
		exp := time.UnixMilli(n.ExpiryTS).UTC()
		dte := exp.Sub(now).Hours() / 24
		if dte+1e-9 < tenorDays {
			continue
		}
		if dte > limit {
			break
		}
		return exp, ExpiryListed
	}
	return now.Add(time.Duration(tenorDays * 24 * float64(time.Hour))).UTC(), ExpirySynthetic
}
