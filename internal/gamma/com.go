package gamma

import "math"

// Class labels where the gamma center of mass sits relative to spot.
type Class string

const (
	ClassPinned   Class = "pinned"
	ClassUpside   Class = "upside"
	ClassDownside Class = "downside"
)

// Com is the |GEX|-weighted strike center of mass for one DTE bucket.
type Com struct {
	Bucket    string  `json:"bucket"` // "all" or "front"
	Strike    float64 `json:"strike"`
	DistPct   float64 `json:"dist_pct"` // (K_com − spot)/spot, signed
	Class     Class   `json:"class"`
	WeightUSD float64 `json:"weight_usd"` // total |GEX| behind the estimate
}

// frontDTE bounds the short-dated COM bucket.
const frontDTE = 3.0

// centersOfMass computes the weighted strike centroid over all legs and over
// the front (≤3 DTE) bucket. When DecayHalfDTE is set, each leg's weight
// decays exponentially with DTE so near-dated gamma dominates the overall
// figure.
func (e *Engine) centersOfMass(legs []leg, spot float64) []Com {
	var coms []Com
	if c, ok := e.comOver(legs, spot, "all", -1); ok {
		coms = append(coms, c)
	}
	if c, ok := e.comOver(legs, spot, "front", frontDTE); ok {
		coms = append(coms, c)
	}
	return coms
}

// comOver computes one bucket's COM. maxDTE < 0 means no bucket restriction.
func (e *Engine) comOver(legs []leg, spot float64, bucket string, maxDTE float64) (Com, bool) {
	var sumWK, sumW float64
	for _, l := range legs {
		if maxDTE >= 0 && l.dte > maxDTE {
			continue
		}
		w := math.Abs(l.gexUSD)
		if e.cfg.DecayHalfDTE > 0 && l.dte > 0 {
			w *= math.Exp(-math.Ln2 * l.dte / e.cfg.DecayHalfDTE)
		}
		sumWK += l.strike * w
		sumW += w
	}
	if sumW <= 0 {
		return Com{}, false
	}

	k := sumWK / sumW
	dist := (k - spot) / spot
	c := Com{Bucket: bucket, Strike: k, DistPct: dist, WeightUSD: sumW}
	switch {
	case math.Abs(dist) < e.cfg.PinnedPct:
		c.Class = ClassPinned
	case dist > 0:
		c.Class = ClassUpside
	default:
		c.Class = ClassDownside
	}
	return c, true
}
