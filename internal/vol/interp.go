package vol

import (
	"math"

	"derivdash/pkg/types"
)

// Source tags how an interpolated IV was produced, so callers can flag
// reduced confidence instead of inferring it from populated fields.
type Source string

const (
	// SourceExact means the target landed exactly on a node.
	SourceExact Source = "exact"
	// SourceInterpolated means a true in-range variance interpolation.
	SourceInterpolated Source = "interpolated"
	// SourceExtrapolated means the variance slope of the nearest two nodes
	// was extended beyond the observed range.
	SourceExtrapolated Source = "extrapolated"
	// SourceFlat means the nearest node's IV was used unchanged outside the
	// observed range (the expected-move display mode).
	SourceFlat Source = "flat"
	// SourceSingle means the curve had one node, returned unchanged.
	SourceSingle Source = "single"
)

// Mode selects the extrapolation behavior outside the observed curve.
type Mode int

const (
	// ModeVarianceSlope extends the variance slope of the nearest two nodes,
	// clamping variance at zero.
	ModeVarianceSlope Mode = iota
	// ModeFlatIV holds IV flat outside the curve. Used for expected-move
	// display, where a sloped extrapolation over-states far tenors.
	ModeFlatIV
)

// Result is an interpolated IV with its provenance. Left/Right are set for
// in-range interpolation.
type Result struct {
	IV     float64
	Source Source
	Left   *types.TermNode
	Right  *types.TermNode
	Weight float64 // √t-space position inside the bracket, 0 at Left, 1 at Right
}

// IVAt interpolates the IV curve at tTarget in total-variance space
// (V = iv²·t), weighting along the √t axis so short-dated brackets are not
// over-weighted. Nodes must be sorted ascending by TAnnual with valid decimal
// IVs. Returns false for an empty curve or a non-positive/non-finite target.
func IVAt(nodes []types.TermNode, tTarget float64, mode Mode) (Result, bool) {
	if len(nodes) == 0 || tTarget <= 0 || math.IsNaN(tTarget) || math.IsInf(tTarget, 0) {
		return Result{}, false
	}
	if len(nodes) == 1 {
		return Result{IV: nodes[0].IV, Source: SourceSingle}, true
	}

	// Exact node hit returns the node IV untouched — no round trip through
	// variance space that could perturb the last bit.
	for i := range nodes {
		if nodes[i].TAnnual == tTarget {
			return Result{IV: nodes[i].IV, Source: SourceExact, Left: &nodes[i], Right: &nodes[i]}, true
		}
	}

	first, last := nodes[0], nodes[len(nodes)-1]

	if tTarget < first.TAnnual {
		if mode == ModeFlatIV {
			return Result{IV: first.IV, Source: SourceFlat}, true
		}
		iv := extrapolate(nodes[0], nodes[1], tTarget)
		return Result{IV: iv, Source: SourceExtrapolated}, true
	}
	if tTarget > last.TAnnual {
		if mode == ModeFlatIV {
			return Result{IV: last.IV, Source: SourceFlat}, true
		}
		iv := extrapolate(nodes[len(nodes)-2], nodes[len(nodes)-1], tTarget)
		return Result{IV: iv, Source: SourceExtrapolated}, true
	}

	for i := 0; i+1 < len(nodes); i++ {
		l, r := nodes[i], nodes[i+1]
		if tTarget < l.TAnnual || tTarget > r.TAnnual {
			continue
		}
		w := (math.Sqrt(tTarget) - math.Sqrt(l.TAnnual)) / (math.Sqrt(r.TAnnual) - math.Sqrt(l.TAnnual))
		vl := l.IV * l.IV * l.TAnnual
		vr := r.IV * r.IV * r.TAnnual
		v := vl + w*(vr-vl)
		if v < 0 {
			v = 0
		}
		return Result{
			IV:     math.Sqrt(v / tTarget),
			Source: SourceInterpolated,
			Left:   &nodes[i],
			Right:  &nodes[i+1],
			Weight: w,
		}, true
	}

	return Result{}, false
}

// extrapolate extends the √t-space variance slope between two nodes to
// tTarget. Variance is clamped at zero before the square root so a steeply
// inverted curve can never produce NaN.
func extrapolate(a, b types.TermNode, tTarget float64) float64 {
	va := a.IV * a.IV * a.TAnnual
	vb := b.IV * b.IV * b.TAnnual
	slope := (vb - va) / (math.Sqrt(b.TAnnual) - math.Sqrt(a.TAnnual))
	v := va + slope*(math.Sqrt(tTarget)-math.Sqrt(a.TAnnual))
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v / tTarget)
}
