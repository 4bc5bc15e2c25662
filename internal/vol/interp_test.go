package vol

import (
	"math"
	"testing"

	"derivdash/pkg/types"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestIVAtExactNode(t *testing.T) {
	t.Parallel()

	nodes := []types.TermNode{
		{TAnnual: 7.0 / 365, IV: 0.60},
		{TAnnual: 30.0 / 365, IV: 0.50},
	}

	res, ok := IVAt(nodes, 30.0/365, ModeVarianceSlope)
	if !ok {
		t.Fatal("expected a result")
	}
	if res.IV != 0.50 {
		t.Errorf("exact node hit: got %v, want 0.50 exactly", res.IV)
	}
	if res.Source != SourceExact {
		t.Errorf("source = %q, want %q", res.Source, SourceExact)
	}
}

func TestIVAtVarianceSpace(t *testing.T) {
	t.Parallel()

	nodes := []types.TermNode{
		{TAnnual: 7.0 / 365, IV: 0.60},
		{TAnnual: 30.0 / 365, IV: 0.50},
	}

	res, ok := IVAt(nodes, 14.0/365, ModeVarianceSlope)
	if !ok {
		t.Fatal("expected a result")
	}
	if res.Source != SourceInterpolated {
		t.Errorf("source = %q, want %q", res.Source, SourceInterpolated)
	}
	if !almostEqual(res.IV, 0.5636, 1e-3) {
		t.Errorf("variance interp at 14d: got %v, want ≈0.5636", res.IV)
	}
	// Distinct from the naive linear-IV value, which would be ≈0.5565.
	if almostEqual(res.IV, 0.5565, 1e-3) {
		t.Error("result matches linear-IV interpolation; variance space not used")
	}
}

func TestIVAtBetweenness(t *testing.T) {
	t.Parallel()

	// Monotone front-loaded curve, the typical shape after an event.
	nodes := []types.TermNode{
		{TAnnual: 7.0 / 365, IV: 0.60},
		{TAnnual: 30.0 / 365, IV: 0.50},
		{TAnnual: 90.0 / 365, IV: 0.45},
	}

	for _, days := range []float64{8, 10, 14, 21, 29, 31, 60, 89} {
		res, ok := IVAt(nodes, days/365, ModeVarianceSlope)
		if !ok {
			t.Fatalf("no result at %v days", days)
		}
		lo, hi := res.Left.IV, res.Right.IV
		if lo > hi {
			lo, hi = hi, lo
		}
		if res.IV < lo-1e-9 || res.IV > hi+1e-9 {
			t.Errorf("iv at %vd = %v, outside bracket [%v, %v]", days, res.IV, lo, hi)
		}
	}
}

func TestIVAtEdges(t *testing.T) {
	t.Parallel()

	nodes := []types.TermNode{
		{TAnnual: 7.0 / 365, IV: 0.60},
		{TAnnual: 30.0 / 365, IV: 0.50},
	}

	tests := []struct {
		name    string
		nodes   []types.TermNode
		target  float64
		mode    Mode
		ok      bool
		source  Source
		wantIV  float64
		checkIV bool
	}{
		{name: "empty curve", nodes: nil, target: 0.1, ok: false},
		{name: "zero target", nodes: nodes, target: 0, ok: false},
		{name: "negative target", nodes: nodes, target: -1, ok: false},
		{name: "nan target", nodes: nodes, target: math.NaN(), ok: false},
		{name: "single node", nodes: nodes[:1], target: 0.5, ok: true, source: SourceSingle, wantIV: 0.60, checkIV: true},
		{name: "below range flat", nodes: nodes, target: 1.0 / 365, mode: ModeFlatIV, ok: true, source: SourceFlat, wantIV: 0.60, checkIV: true},
		{name: "above range flat", nodes: nodes, target: 90.0 / 365, mode: ModeFlatIV, ok: true, source: SourceFlat, wantIV: 0.50, checkIV: true},
		{name: "below range slope", nodes: nodes, target: 1.0 / 365, mode: ModeVarianceSlope, ok: true, source: SourceExtrapolated},
		{name: "above range slope", nodes: nodes, target: 90.0 / 365, mode: ModeVarianceSlope, ok: true, source: SourceExtrapolated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := IVAt(tt.nodes, tt.target, tt.mode)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if res.Source != tt.source {
				t.Errorf("source = %q, want %q", res.Source, tt.source)
			}
			if tt.checkIV && res.IV != tt.wantIV {
				t.Errorf("iv = %v, want %v", res.IV, tt.wantIV)
			}
			if math.IsNaN(res.IV) || res.IV < 0 {
				t.Errorf("iv = %v, want finite non-negative", res.IV)
			}
		})
	}
}

func TestIVAtClampsNegativeVariance(t *testing.T) {
	t.Parallel()

	// Steeply inverted curve: the extended variance slope goes negative well
	// before the far target.
	nodes := []types.TermNode{
		{TAnnual: 7.0 / 365, IV: 1.50},
		{TAnnual: 14.0 / 365, IV: 0.20},
	}

	res, ok := IVAt(nodes, 180.0/365, ModeVarianceSlope)
	if !ok {
		t.Fatal("expected a result")
	}
	if math.IsNaN(res.IV) {
		t.Fatal("negative variance leaked through as NaN")
	}
	if res.IV != 0 {
		t.Errorf("iv = %v, want 0 from clamped variance", res.IV)
	}
}
