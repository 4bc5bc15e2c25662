package vol

import "derivdash/pkg/types"

// Regime labels the shape of the IV term structure.
type Regime string

const (
	RegimeContango      Regime = "contango"
	RegimeBackwardation Regime = "backwardation"
	RegimeFlat          Regime = "flat"
	RegimeInsufficient  Regime = "insufficient"
)

// Classification is the regression summary of IV against tenor.
type Classification struct {
	Regime      Regime  `json:"regime"`
	Slope       float64 `json:"slope"`        // vol points per year
	TermPremium float64 `json:"term_premium"` // iv(last) − iv(first)
	N           int     `json:"n"`
}

// Classify runs an OLS regression of IV on annualized tenor and labels the
// curve. epsilon is the slope noise floor (vol points per year) below which
// the curve reads as flat; at least two nodes are required.
func Classify(nodes []types.TermNode, epsilon float64) Classification {
	if len(nodes) < 2 {
		return Classification{Regime: RegimeInsufficient, N: len(nodes)}
	}

	var sumT, sumIV, sumTT, sumTIV float64
	for _, n := range nodes {
		sumT += n.TAnnual
		sumIV += n.IV
		sumTT += n.TAnnual * n.TAnnual
		sumTIV += n.TAnnual * n.IV
	}
	fn := float64(len(nodes))
	denom := fn*sumTT - sumT*sumT
	if denom == 0 {
		return Classification{Regime: RegimeInsufficient, N: len(nodes)}
	}
	slope := (fn*sumTIV - sumT*sumIV) / denom
	premium := nodes[len(nodes)-1].IV - nodes[0].IV

	c := Classification{Slope: slope, TermPremium: premium, N: len(nodes)}
	switch {
	case slope > epsilon && premium > 0:
		c.Regime = RegimeContango
	case slope < -epsilon && premium < 0:
		c.Regime = RegimeBackwardation
	default:
		c.Regime = RegimeFlat
	}
	return c
}
