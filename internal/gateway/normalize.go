// normalize.go is the single adapter between the venue's wire shapes and the
// engine's normalized types. Upstream payloads vary in field names and units
// (IV as percent or decimal, funding as interest_8h / rate_8h / funding_rate,
// books as [price, amount] pairs); every quirk is resolved here, once, so the
// engines never see raw wire data.
package gateway

import (
	"math"
	"time"

	"derivdash/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Wire DTOs
// ————————————————————————————————————————————————————————————————————————

type instrumentDTO struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	BaseCurrency        string  `json:"base_currency"`
	Strike              float64 `json:"strike"`
	OptionType          string  `json:"option_type"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	IsActive            bool    `json:"is_active"`
}

type greeksDTO struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

type tickerDTO struct {
	InstrumentName string    `json:"instrument_name"`
	MarkIV         float64   `json:"mark_iv"`
	Greeks         greeksDTO `json:"greeks"`
	BestBidPrice   float64   `json:"best_bid_price"`
	BestAskPrice   float64   `json:"best_ask_price"`
	MarkPrice      float64   `json:"mark_price"`
	LastPrice      float64   `json:"last_price"`
	OpenInterest   float64   `json:"open_interest"`
	IndexPrice     float64   `json:"index_price"`
}

type bookDTO struct {
	InstrumentName string       `json:"instrument_name"`
	BestBidPrice   float64      `json:"best_bid_price"`
	BestAskPrice   float64      `json:"best_ask_price"`
	MarkPrice      float64      `json:"mark_price"`
	Bids           [][2]float64 `json:"bids"` // [price, amount]
	Asks           [][2]float64 `json:"asks"`
	Timestamp      int64        `json:"timestamp"`
}

type summaryDTO struct {
	InstrumentName string  `json:"instrument_name"`
	OpenInterest   float64 `json:"open_interest"`
}

// fundingDTO uses pointers so the adapter can tell which of the three
// historical field names the venue actually sent.
type fundingDTO struct {
	Timestamp   int64    `json:"timestamp"`
	Interest8H  *float64 `json:"interest_8h"`
	Rate8H      *float64 `json:"rate_8h"`
	FundingRate *float64 `json:"funding_rate"`
	Interest1H  *float64 `json:"interest_1h"`
}

type indexPriceDTO struct {
	IndexPrice float64 `json:"index_price"`
	Timestamp  int64   `json:"timestamp"`
}

// volIndexDTO carries [timestamp, open, high, low, close] rows.
type volIndexDTO struct {
	Data [][]float64 `json:"data"`
}

// chartDTO is the columnar OHLC response for underlying price history.
type chartDTO struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
}

// ————————————————————————————————————————————————————————————————————————
// Conversions
// ————————————————————————————————————————————————————————————————————————

func normalizeInstrument(d instrumentDTO) (types.Instrument, bool) {
	if d.InstrumentName == "" {
		return types.Instrument{}, false
	}
	inst := types.Instrument{
		Name:     d.InstrumentName,
		Currency: d.BaseCurrency,
		ExpiryTS: d.ExpirationTimestamp,
		IsActive: d.IsActive,
	}
	switch d.Kind {
	case "option":
		inst.Kind = types.KindOption
		if d.Strike <= 0 || math.IsInf(d.Strike, 0) || math.IsNaN(d.Strike) {
			return types.Instrument{}, false
		}
		inst.Strike = d.Strike
		switch d.OptionType {
		case "call":
			inst.OptionType = types.Call
		case "put":
			inst.OptionType = types.Put
		default:
			return types.Instrument{}, false
		}
	case "future":
		inst.Kind = types.KindFuture
	default:
		return types.Instrument{}, false
	}
	return inst, true
}

// normalizeTicker maps a wire ticker to the engine type. Implausible values
// are dropped, not clamped: an IV outside (0, 5] decimal becomes 0 (missing),
// a delta outside [-1, 1] zeroes the greeks.
func normalizeTicker(d tickerDTO) types.Ticker {
	t := types.Ticker{
		InstrumentName: d.InstrumentName,
		BestBid:        d.BestBidPrice,
		BestAsk:        d.BestAskPrice,
		MarkPrice:      d.MarkPrice,
		LastPrice:      d.LastPrice,
		OpenInterest:   d.OpenInterest,
		IndexPrice:     d.IndexPrice,
	}
	if iv, ok := types.NormalizeIV(d.MarkIV); ok {
		t.MarkIV = iv
	}
	g := types.Greeks{Delta: d.Greeks.Delta, Gamma: d.Greeks.Gamma, Vega: d.Greeks.Vega, Theta: d.Greeks.Theta}
	if math.Abs(g.Delta) > 1 || math.IsNaN(g.Delta) || math.IsNaN(g.Gamma) || g.Gamma < 0 {
		g = types.Greeks{}
	}
	t.Greeks = g
	return t
}

func normalizeBook(d bookDTO) *types.OrderBook {
	ob := &types.OrderBook{
		InstrumentName: d.InstrumentName,
		BestBid:        d.BestBidPrice,
		BestAsk:        d.BestAskPrice,
		MarkPrice:      d.MarkPrice,
		Timestamp:      time.UnixMilli(d.Timestamp).UTC(),
	}
	ob.Bids = make([]types.PriceLevel, 0, len(d.Bids))
	for _, lv := range d.Bids {
		if lv[0] <= 0 || lv[1] <= 0 {
			continue
		}
		ob.Bids = append(ob.Bids, types.PriceLevel{Price: lv[0], Amount: lv[1]})
	}
	ob.Asks = make([]types.PriceLevel, 0, len(d.Asks))
	for _, lv := range d.Asks {
		if lv[0] <= 0 || lv[1] <= 0 {
			continue
		}
		ob.Asks = append(ob.Asks, types.PriceLevel{Price: lv[0], Amount: lv[1]})
	}
	return ob
}

// normalizeSummary parses strike/side/expiry out of the instrument name,
// since the summary endpoint omits them.
func normalizeSummary(d summaryDTO) (types.BookSummaryRow, bool) {
	inst, err := types.ParseInstrument(d.InstrumentName)
	if err != nil || inst.Kind != types.KindOption {
		return types.BookSummaryRow{}, false
	}
	if d.OpenInterest < 0 || math.IsNaN(d.OpenInterest) {
		return types.BookSummaryRow{}, false
	}
	return types.BookSummaryRow{
		InstrumentName: d.InstrumentName,
		OpenInterest:   d.OpenInterest,
		Strike:         inst.Strike,
		OptionType:     inst.OptionType,
		ExpiryTS:       inst.ExpiryTS,
	}, true
}

// normalizeFunding resolves the three possible funding field names into one
// 8h rate. An hourly rate is aggregated ×8.
func normalizeFunding(d fundingDTO) (types.FundingPoint, bool) {
	p := types.FundingPoint{Timestamp: time.UnixMilli(d.Timestamp).UTC()}
	switch {
	case d.Interest8H != nil:
		p.Rate8H = *d.Interest8H
	case d.Rate8H != nil:
		p.Rate8H = *d.Rate8H
	case d.FundingRate != nil:
		p.Rate8H = *d.FundingRate
	case d.Interest1H != nil:
		p.Rate8H = *d.Interest1H * 8
	default:
		return types.FundingPoint{}, false
	}
	if math.IsNaN(p.Rate8H) || math.IsInf(p.Rate8H, 0) {
		return types.FundingPoint{}, false
	}
	return p, true
}

func normalizeVolIndex(d volIndexDTO) []types.Candle {
	out := make([]types.Candle, 0, len(d.Data))
	for _, row := range d.Data {
		if len(row) < 5 {
			continue
		}
		out = append(out, types.Candle{
			Timestamp: time.UnixMilli(int64(row[0])).UTC(),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
		})
	}
	return out
}

func normalizeChart(d chartDTO) []types.Candle {
	n := len(d.Ticks)
	if len(d.Open) < n || len(d.High) < n || len(d.Low) < n || len(d.Close) < n {
		return nil
	}
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := types.Candle{
			Timestamp: time.UnixMilli(d.Ticks[i]).UTC(),
			Open:      d.Open[i],
			High:      d.High[i],
			Low:       d.Low[i],
			Close:     d.Close[i],
		}
		if len(d.Volume) > i {
			c.Volume = d.Volume[i]
		}
		if c.Close <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// VolIndexPercent renders a vol-index value on the percent scale regardless
// of how the venue quoted it (55.3 stays 55.3, 0.553 becomes 55.3).
func VolIndexPercent(v float64) float64 {
	if v < 1 {
		return v * 100
	}
	return v
}
