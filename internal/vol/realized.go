package vol

import (
	"math"

	"derivdash/pkg/types"
)

// Realized is annualized close-to-close realized volatility over a window,
// with the implied/realized comparison attached when an IV curve is available.
type Realized struct {
	RV         float64 `json:"rv"` // annualized decimal
	WindowDays int     `json:"window_days"`
	Returns    int     `json:"returns"` // log returns used
	IV         float64 `json:"iv,omitempty"`
	VRP        float64 `json:"vrp,omitempty"`    // iv − rv, the variance risk premium proxy
	Factor     float64 `json:"factor,omitempty"` // rv / iv
}

// ComputeRealized computes annualized close-to-close realized vol from OHLC
// candles. periodsPerYear is the annualization count for the candle spacing
// (365 for daily bars). At least three candles (two returns) are required.
func ComputeRealized(candles []types.Candle, periodsPerYear float64) (Realized, bool) {
	rets := make([]float64, 0, len(candles))
	var prev float64
	for _, c := range candles {
		if c.Close <= 0 {
			continue
		}
		if prev > 0 {
			rets = append(rets, math.Log(c.Close/prev))
		}
		prev = c.Close
	}
	if len(rets) < 2 || periodsPerYear <= 0 {
		return Realized{}, false
	}

	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	variance := ss / float64(len(rets)-1)

	return Realized{
		RV:      math.Sqrt(variance * periodsPerYear),
		Returns: len(rets),
	}, true
}

// AttachImplied fills in the implied/realized comparison from the ATM curve
// at the given tenor. No-op when the curve is unusable.
func (r *Realized) AttachImplied(nodes []types.TermNode, tenorDays float64) {
	res, ok := IVAt(nodes, tenorDays/365.0, ModeFlatIV)
	if !ok || res.IV <= 0 {
		return
	}
	r.IV = res.IV
	r.VRP = res.IV - r.RV
	r.Factor = r.RV / res.IV
}

// AnnualizeFunding converts an 8-hour funding rate to an annualized decimal
// (three periods a day).
func AnnualizeFunding(rate8h float64) float64 {
	return rate8h * types.FundingPeriodsPerYear
}

// MeanFunding8H averages the 8-hour rates of a funding history window.
func MeanFunding8H(points []types.FundingPoint) (float64, bool) {
	if len(points) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range points {
		sum += p.Rate8H
	}
	return sum / float64(len(points)), true
}
