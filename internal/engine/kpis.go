package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"derivdash/internal/gateway"
	"derivdash/internal/oi"
	"derivdash/internal/skew"
	"derivdash/internal/vol"
	"derivdash/pkg/types"
)

// emHeadlineTenor is the tenor shown as the expected-move headline.
const emHeadlineTenor = 7.0

func (e *Engine) refreshTerm(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	points, err := e.term.Build(ctx, cyc.groups, cyc.expiries, cyc.spot, cyc.now)
	if err != nil {
		return types.KPIPayload{}, err
	}
	cyc.nodes = vol.Nodes(points)
	if len(points) == 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	cls := vol.Classify(cyc.nodes, e.cfg.Term.SlopeEpsilon)

	p := types.KPIPayload{
		Status:     types.StatusReady,
		ExtraBadge: string(cls.Regime),
		Meta: map[string]any{
			"points":         points,
			"classification": cls,
		},
	}
	if res, ok := vol.IVAt(cyc.nodes, 30.0/365, vol.ModeVarianceSlope); ok {
		p.Main = &types.Metric{
			Key: "iv30", Label: "30d ATM IV",
			Value: res.IV, Formatted: fmtPct(res.IV),
		}
		p.Mini = append(p.Mini, types.Metric{Key: "iv_source", Label: "IV source", Formatted: string(res.Source)})
	}
	p.Mini = append(p.Mini,
		types.Metric{Key: "slope", Label: "Slope (vol/yr)", Value: cls.Slope, Formatted: fmtSigned(cls.Slope)},
		types.Metric{Key: "premium", Label: "Term premium", Value: cls.TermPremium, Formatted: fmtSignedPct(cls.TermPremium)},
	)
	return p, nil
}

func (e *Engine) refreshExpectedMove(_ context.Context, cyc *cycle) (types.KPIPayload, error) {
	if len(cyc.nodes) == 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	cyc.moves = cyc.moves[:0]
	for _, tenor := range e.cfg.Term.EMTenorDays {
		if em, ok := vol.ComputeExpectedMove(cyc.nodes, cyc.spot, tenor, cyc.now); ok {
			cyc.moves = append(cyc.moves, em)
		}
	}
	if len(cyc.moves) == 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	p := types.KPIPayload{
		Status: types.StatusReady,
		Meta:   map[string]any{"moves": cyc.moves},
	}
	for _, em := range cyc.moves {
		m := types.Metric{
			Key:       fmt.Sprintf("em_%dd", int(em.TenorDays)),
			Label:     fmt.Sprintf("±%dd move", int(em.TenorDays)),
			Value:     em.EM,
			Formatted: fmt.Sprintf("%s (%s)", fmtUSD(em.EM), fmtPct(em.EMPct)),
		}
		if em.TenorDays == emHeadlineTenor {
			p.Main = &m
		} else {
			p.Mini = append(p.Mini, m)
		}
	}
	if p.Main == nil {
		p.Main = &p.Mini[0]
		p.Mini = p.Mini[1:]
	}
	return p, nil
}

func (e *Engine) refreshSkew(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	s, ok, err := e.skew.Compute(ctx, cyc.groups, cyc.spot, cyc.now)
	if err != nil {
		return types.KPIPayload{}, err
	}
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	badge := ""
	if s.Call.Method == skew.MethodNearest || s.Put.Method == skew.MethodNearest {
		badge = "nearest-strike"
	}
	return types.KPIPayload{
		Status:     types.StatusReady,
		ExtraBadge: badge,
		Main: &types.Metric{
			Key: "skew", Label: fmt.Sprintf("25Δ RR (%.0fd)", s.DTE),
			Value: s.Skew, Formatted: fmtSignedPct(s.Skew),
		},
		Mini: []types.Metric{
			{Key: "call25", Label: "25Δ call IV", Value: s.Call.IV, Formatted: fmtPct(s.Call.IV)},
			{Key: "put25", Label: "25Δ put IV", Value: s.Put.IV, Formatted: fmtPct(s.Put.IV)},
		},
		Meta: map[string]any{"skew": s},
	}, nil
}

func (e *Engine) refreshKink(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	k, ok, err := e.kink.Compute(ctx, cyc.groups, cyc.spot, cyc.now)
	if err != nil {
		return types.KPIPayload{}, err
	}
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	return types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "kink", Label: "0-DTE kink",
			Value: k.KinkPoints, Formatted: fmtSignedPct(k.KinkPoints),
		},
		Mini: []types.Metric{
			{Key: "iv0", Label: "0-DTE IV", Value: k.IV0, Formatted: fmtPct(k.IV0)},
			{Key: "mean13", Label: "1–3d mean IV", Value: k.MeanIV13, Formatted: fmtPct(k.MeanIV13)},
			{Key: "ratio", Label: "Ratio", Value: k.KinkRatio, Formatted: fmt.Sprintf("%.2f×", k.KinkRatio)},
		},
		Meta: map[string]any{"kink": k},
	}, nil
}

// refreshGamma publishes both gamma_walls and gamma_com from one computation.
func (e *Engine) refreshGamma(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	m, coms, err := e.gamma.Compute(ctx, cyc.options, cyc.summaries, cyc.spot, cyc.now)
	if err != nil {
		e.fail(KPIGammaCom, cyc.reqs[KPIGammaCom], err)
		return types.KPIPayload{}, err
	}
	if len(m.Rows) == 0 {
		e.publish(KPIGammaCom, cyc.reqs[KPIGammaCom], types.KPIPayload{Status: types.StatusEmpty})
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	comPayload := types.KPIPayload{Status: types.StatusEmpty}
	if len(coms) > 0 {
		c := coms[0]
		comPayload = types.KPIPayload{
			Status:     types.StatusReady,
			ExtraBadge: string(c.Class),
			Main: &types.Metric{
				Key: "com_dist", Label: "Γ-COM vs spot",
				Value: c.DistPct, Formatted: fmtSignedPct(c.DistPct),
			},
			Mini: []types.Metric{
				{Key: "com_strike", Label: "Γ-COM strike", Value: c.Strike, Formatted: fmtUSD(c.Strike)},
			},
			Meta: map[string]any{"coms": coms},
		}
	}
	e.publish(KPIGammaCom, cyc.reqs[KPIGammaCom], comPayload)

	top := m.Walls[0]
	return types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "top_wall", Label: "Top gamma wall",
			Value: top.Strike, Formatted: fmtUSD(top.Strike),
		},
		Mini: []types.Metric{
			{Key: "net", Label: "Net GEX", Value: m.Total.NetUSD, Formatted: fmtUSD(m.Total.NetUSD)},
			{Key: "abs", Label: "Abs GEX", Value: m.Total.AbsUSD, Formatted: fmtUSD(m.Total.AbsUSD)},
		},
		Meta: map[string]any{"walls": m.Walls, "spot": m.Spot},
	}, nil
}

func (e *Engine) refreshOIConcentration(_ context.Context, cyc *cycle) (types.KPIPayload, error) {
	c := oi.Compute(e.cfg.OI, cyc.summaries, cyc.spot)
	if c.TotalOI <= 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	return types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "top1", Label: "Top strike share",
			Value: c.Top1Share, Formatted: fmtPct(c.Top1Share),
		},
		Mini: []types.Metric{
			{Key: "topn", Label: fmt.Sprintf("Top-%d share", c.TopN), Value: c.TopNShare, Formatted: fmtPct(c.TopNShare)},
			{Key: "hhi", Label: "HHI", Value: c.HHI, Formatted: fmt.Sprintf("%.3f", c.HHI)},
			{Key: "gini", Label: "Gini", Value: c.Gini, Formatted: fmt.Sprintf("%.3f", c.Gini)},
			{Key: "entropy", Label: "Entropy", Value: c.Entropy, Formatted: fmt.Sprintf("%.2f nats", c.Entropy)},
		},
		Meta: map[string]any{"strikes": c.Strikes, "total_oi": c.TotalOI},
	}, nil
}

func (e *Engine) refreshLiquidity(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	all := append(append([]types.Instrument{}, cyc.options...), cyc.futures...)
	s, ok := e.liquidity.Compute(ctx, all, cyc.spot, cyc.now)
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	p := types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "stress", Label: "Liquidity stress",
			Value: s.Combined, Formatted: fmt.Sprintf("%.2f", s.Combined),
		},
		Meta:          map[string]any{"markets": s.Markets},
		GuidanceValue: &s.Combined,
	}
	for _, m := range s.Markets {
		p.Mini = append(p.Mini, types.Metric{
			Key: string(m.Role), Label: m.Instrument,
			Value: m.Stress, Formatted: fmt.Sprintf("%.2f", m.Stress),
		})
	}
	return p, nil
}

func (e *Engine) refreshRealized(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	window := time.Duration(e.cfg.Realized.WindowDays+1) * 24 * time.Hour
	candles, err := e.client.GetChartData(ctx, e.perpName(), cyc.now.Add(-window), cyc.now, e.cfg.Realized.Resolution)
	if err != nil {
		return types.KPIPayload{}, err
	}

	rv, ok := vol.ComputeRealized(candles, periodsPerYear(e.cfg.Realized.Resolution))
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}
	rv.WindowDays = e.cfg.Realized.WindowDays
	rv.AttachImplied(cyc.nodes, float64(e.cfg.Realized.WindowDays))

	p := types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "rv", Label: fmt.Sprintf("%dd realized vol", rv.WindowDays),
			Value: rv.RV, Formatted: fmtPct(rv.RV),
		},
		Meta: map[string]any{"realized": rv},
	}
	if rv.IV > 0 {
		p.Mini = append(p.Mini,
			types.Metric{Key: "iv", Label: "Implied", Value: rv.IV, Formatted: fmtPct(rv.IV)},
			types.Metric{Key: "vrp", Label: "IV−RV", Value: rv.VRP, Formatted: fmtSignedPct(rv.VRP)},
			types.Metric{Key: "factor", Label: "RV/IV", Value: rv.Factor, Formatted: fmt.Sprintf("%.2f", rv.Factor)},
		)
	}
	return p, nil
}

func (e *Engine) refreshCondor(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	em, ok := vol.ComputeExpectedMove(cyc.nodes, cyc.spot, e.cfg.Condor.TenorDays, cyc.now)
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	c, ok, err := e.condor.Compute(ctx, cyc.groups, cyc.spot, em.EM, cyc.now)
	if err != nil {
		return types.KPIPayload{}, err
	}
	if !ok {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	badge := "no trade"
	if c.Tradeable {
		badge = "tradeable"
	}
	return types.KPIPayload{
		Status:     types.StatusReady,
		ExtraBadge: badge,
		Main: &types.Metric{
			Key: "credit", Label: fmt.Sprintf("±1σ condor credit (%.0fd)", e.cfg.Condor.TenorDays),
			Value: c.CreditUSD, Formatted: fmtUSD(c.CreditUSD),
		},
		Mini: []types.Metric{
			{Key: "max_loss", Label: "Max loss", Value: c.MaxLossUSD, Formatted: fmtUSD(c.MaxLossUSD)},
			{Key: "credit_frac", Label: "Credit / EM", Value: c.CreditFrac, Formatted: fmtPct(c.CreditFrac)},
		},
		Meta: map[string]any{"condor": c},
	}, nil
}

func (e *Engine) refreshFunding(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	points, err := e.client.GetFundingRateHistory(ctx, e.perpName(), cyc.now.Add(-24*time.Hour), cyc.now)
	if err != nil {
		return types.KPIPayload{}, err
	}
	if len(points) == 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	current := points[len(points)-1].Rate8H
	annualized := vol.AnnualizeFunding(current)

	p := types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "funding_apr", Label: "Funding (annualized)",
			Value: annualized, Formatted: fmtSignedPct(annualized),
		},
		Mini: []types.Metric{
			{Key: "funding_8h", Label: "Current 8h", Value: current, Formatted: fmt.Sprintf("%+.4f%%", current*100)},
		},
		Meta: map[string]any{"history": points},
	}
	if mean, ok := vol.MeanFunding8H(points); ok {
		p.Mini = append(p.Mini, types.Metric{
			Key: "funding_24h", Label: "24h mean (ann.)",
			Value: vol.AnnualizeFunding(mean), Formatted: fmtSignedPct(vol.AnnualizeFunding(mean)),
		})
	}
	return p, nil
}

func (e *Engine) refreshVolIndex(ctx context.Context, cyc *cycle) (types.KPIPayload, error) {
	candles, err := e.client.GetVolatilityIndex(ctx, e.cfg.Currency, cyc.now.Add(-24*time.Hour), cyc.now, "3600")
	if err != nil {
		return types.KPIPayload{}, err
	}
	if len(candles) == 0 {
		return types.KPIPayload{Status: types.StatusEmpty}, nil
	}

	current := gateway.VolIndexPercent(candles[len(candles)-1].Close)
	p := types.KPIPayload{
		Status: types.StatusReady,
		Main: &types.Metric{
			Key: "dvol", Label: "Vol index",
			Value: current, Formatted: fmt.Sprintf("%.1f", current),
		},
	}
	first := gateway.VolIndexPercent(candles[0].Close)
	if first > 0 {
		change := current - first
		p.Mini = append(p.Mini, types.Metric{
			Key: "dvol_24h", Label: "24h change",
			Value: change, Formatted: fmt.Sprintf("%+.1f", change),
		})
	}
	if len(candles) > 1 {
		below := 0
		for _, c := range candles {
			if gateway.VolIndexPercent(c.Close) <= current {
				below++
			}
		}
		pct := float64(below) / float64(len(candles))
		p.Mini = append(p.Mini, types.Metric{
			Key: "dvol_pctile", Label: "Window percentile",
			Value: pct, Formatted: fmtPct(pct),
		})
	}
	return p, nil
}

// perpName is the venue's perpetual instrument id for the configured currency.
func (e *Engine) perpName() string {
	return e.cfg.Currency + "-PERPETUAL"
}

// periodsPerYear maps a candle resolution to its annualization count.
func periodsPerYear(resolution string) float64 {
	switch resolution {
	case "1D":
		return 365
	case "12H", "720":
		return 730
	case "1H", "3600", "60":
		return 365 * 24
	default:
		return 365
	}
}

func fmtPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func fmtSignedPct(v float64) string {
	return fmt.Sprintf("%+.1f%%", v*100)
}

func fmtSigned(v float64) string {
	return fmt.Sprintf("%+.3f", v)
}

func fmtUSD(v float64) string {
	if math.Abs(v) >= 1e6 {
		return fmt.Sprintf("$%.2fM", v/1e6)
	}
	return fmt.Sprintf("$%.0f", v)
}
