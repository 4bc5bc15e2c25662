package vol

import (
	"context"
	"log/slog"
	"math"
	"time"

	"derivdash/pkg/types"
)

// Kink compares 0-DTE ATM IV against the mean of the 1–3-DTE ATM IVs.
// A positive KinkPoints means the front of the curve trades rich.
type Kink struct {
	IV0        float64 `json:"iv_0dte"`
	MeanIV13   float64 `json:"mean_iv_1_3dte"`
	KinkPoints float64 `json:"kink_points"` // iv(0) − mean
	KinkRatio  float64 `json:"kink_ratio"`  // iv(0) / mean
	Buckets    int     `json:"buckets"`     // 1–3-DTE buckets that had data
}

// KinkEngine builds the DTE-bucketed ATM legs and computes the kink.
type KinkEngine struct {
	quotes TickerSource
	logger *slog.Logger
}

// NewKinkEngine creates a term-structure kink engine.
func NewKinkEngine(quotes TickerSource, logger *slog.Logger) *KinkEngine {
	return &KinkEngine{quotes: quotes, logger: logger.With("component", "term_kink")}
}

// Compute picks the ATM instrument per DTE bucket (0 through 3 days) by
// minimizing |ln(strike/spot)|, fetches their IVs, and returns the kink.
// Missing 1–3-DTE buckets reduce the mean's sample size; a missing 0-DTE leg
// or empty mean yields no result.
func (k *KinkEngine) Compute(ctx context.Context, groups map[int64][]types.Instrument, spot float64, now time.Time) (Kink, bool, error) {
	if spot <= 0 {
		return Kink{}, false, nil
	}

	// bucket → ATM instrument
	atm := make(map[int]string, 4)
	best := map[int]float64{}
	for ts, insts := range groups {
		dte := time.UnixMilli(ts).Sub(now).Hours() / 24
		if dte < 0 || dte >= 4 {
			continue
		}
		bucket := int(math.Floor(dte))
		for _, inst := range insts {
			if inst.Strike <= 0 {
				continue
			}
			d := math.Abs(math.Log(inst.Strike / spot))
			if cur, ok := best[bucket]; !ok || d < cur {
				best[bucket] = d
				atm[bucket] = inst.Name
			}
		}
	}

	if atm[0] == "" {
		return Kink{}, false, nil
	}

	names := make([]string, 0, len(atm))
	for _, name := range atm {
		names = append(names, name)
	}
	tickers, err := k.quotes.FetchAll(ctx, names)
	if err != nil {
		return Kink{}, false, err
	}

	iv0 := tickers[atm[0]].MarkIV
	if iv0 <= 0 {
		return Kink{}, false, nil
	}

	var sum float64
	var n int
	for b := 1; b <= 3; b++ {
		name, ok := atm[b]
		if !ok {
			continue
		}
		if iv := tickers[name].MarkIV; iv > 0 {
			sum += iv
			n++
		}
	}
	if n == 0 {
		return Kink{}, false, nil
	}

	mean := sum / float64(n)
	return Kink{
		IV0:        iv0,
		MeanIV13:   mean,
		KinkPoints: iv0 - mean,
		KinkRatio:  iv0 / mean,
		Buckets:    n,
	}, true, nil
}
