// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the analytics engine — instruments,
// tickers, order books, term-structure nodes, and the KPI payload contract the
// dashboard consumes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Kind classifies an instrument.
type Kind string

const (
	KindOption Kind = "option"
	KindFuture Kind = "future"
)

// OptionSide is the option type: call or put.
type OptionSide string

const (
	Call OptionSide = "call"
	Put  OptionSide = "put"
)

// Time constants shared by the engines.
const (
	HoursPerYear = 24.0 * 365.0

	// FundingPeriodsPerYear is the number of 8-hour funding periods in a year.
	FundingPeriodsPerYear = 1095.0
)

// ————————————————————————————————————————————————————————————————————————
// Market snapshot entities (all ephemeral, rebuilt per refresh)
// ————————————————————————————————————————————————————————————————————————

// Instrument is one listed contract on the venue.
type Instrument struct {
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	Currency   string     `json:"currency"`
	Strike     float64    `json:"strike,omitempty"`
	OptionType OptionSide `json:"option_type,omitempty"`
	ExpiryTS   int64      `json:"expiry_ts"` // unix millis, 0 for perpetuals
	IsActive   bool       `json:"is_active"`
}

// ExpiryTime returns the expiry as a time.Time. Zero for perpetuals.
func (i Instrument) ExpiryTime() time.Time {
	if i.ExpiryTS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(i.ExpiryTS).UTC()
}

// DTE returns days to expiry relative to now. Negative if already expired.
func (i Instrument) DTE(now time.Time) float64 {
	if i.ExpiryTS == 0 {
		return math.Inf(1)
	}
	return i.ExpiryTime().Sub(now).Hours() / 24.0
}

// TAnnual returns the time to expiry in years relative to now.
func (i Instrument) TAnnual(now time.Time) float64 {
	if i.ExpiryTS == 0 {
		return math.Inf(1)
	}
	return i.ExpiryTime().Sub(now).Hours() / HoursPerYear
}

// IsPerpetual reports whether the instrument is a perpetual swap.
func (i Instrument) IsPerpetual() bool {
	return i.Kind == KindFuture && strings.HasSuffix(i.Name, "-PERPETUAL")
}

// Greeks holds the option sensitivities the engines consume.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

// Ticker is a point-in-time quote for one instrument. MarkIV is already
// normalized to a decimal by the gateway adapter.
type Ticker struct {
	InstrumentName string  `json:"instrument_name"`
	MarkIV         float64 `json:"mark_iv"`
	Greeks         Greeks  `json:"greeks"`
	BestBid        float64 `json:"best_bid"`
	BestAsk        float64 `json:"best_ask"`
	MarkPrice      float64 `json:"mark_price"`
	LastPrice      float64 `json:"last_price"`
	OpenInterest   float64 `json:"open_interest"`
	IndexPrice     float64 `json:"index_price"`
}

// PriceLevel is one order book level.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is an L2 snapshot. Bids descending, asks ascending.
type OrderBook struct {
	InstrumentName string       `json:"instrument_name"`
	BestBid        float64      `json:"best_bid"`
	BestAsk        float64      `json:"best_ask"`
	MarkPrice      float64      `json:"mark_price"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	Timestamp      time.Time    `json:"timestamp"`
}

// BookSummaryRow is the per-instrument summary used for open interest scans.
// Strike/OptionType/ExpiryTS are parsed from the instrument name when the
// venue omits them.
type BookSummaryRow struct {
	InstrumentName string     `json:"instrument_name"`
	OpenInterest   float64    `json:"open_interest"`
	Strike         float64    `json:"strike"`
	OptionType     OptionSide `json:"option_type"`
	ExpiryTS       int64      `json:"expiry_ts"`
}

// IndexPrice is the venue index with its timestamp.
type IndexPrice struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLC bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// FundingPoint is one funding rate observation, normalized to the 8h rate.
type FundingPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Rate8H    float64   `json:"rate_8h"`
}

// ————————————————————————————————————————————————————————————————————————
// Derived analytics types
// ————————————————————————————————————————————————————————————————————————

// TermNode is the minimal unit of the IV term structure: an annualized tenor
// and a decimal IV. ExpiryTS links back to the real listed expiry when the
// node came from one.
type TermNode struct {
	TAnnual  float64 `json:"t_annual"`
	IV       float64 `json:"iv"`
	ExpiryTS int64   `json:"expiry_ts,omitempty"`
}

// IVPoint is a TermNode plus the strikes/instruments it was built from,
// kept for display.
type IVPoint struct {
	TermNode
	CallInstrument string  `json:"call_instrument,omitempty"`
	PutInstrument  string  `json:"put_instrument,omitempty"`
	CallStrike     float64 `json:"call_strike,omitempty"`
	PutStrike      float64 `json:"put_strike,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// KPI payload — the boundary contract to the presentation layer
// ————————————————————————————————————————————————————————————————————————

// KPIStatus is the lifecycle state of one KPI.
type KPIStatus string

const (
	StatusLoading KPIStatus = "loading"
	StatusReady   KPIStatus = "ready"
	StatusError   KPIStatus = "error"
	StatusEmpty   KPIStatus = "empty"
)

// Metric is one labeled value with its display formatting.
type Metric struct {
	Key       string  `json:"key,omitempty"`
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	Formatted string  `json:"formatted"`
}

// KPIPayload is the per-KPI view-model pushed to the dashboard and the
// optional snapshot sink.
type KPIPayload struct {
	KPIID         string         `json:"kpiId"`
	Status        KPIStatus      `json:"status"`
	Main          *Metric        `json:"main"`
	Mini          []Metric       `json:"mini,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	ExtraBadge    string         `json:"extraBadge,omitempty"`
	GuidanceValue *float64       `json:"guidanceValue,omitempty"`
	Error         string         `json:"error,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalization helpers
// ————————————————————————————————————————————————————————————————————————

// NormalizeIV converts an implied volatility of ambiguous unit (percent or
// decimal) into a decimal, and reports whether the result is plausible.
// Values above 5 are assumed to be percent quotes; after conversion the IV
// must land in (0, 5]. A value of exactly 1.0 is treated as a decimal
// (100% vol) — a raw 1% vol quote does not occur on crypto venues.
func NormalizeIV(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	if v > 5 {
		v /= 100
	}
	if v <= 0 || v > 5 {
		return 0, false
	}
	return v, true
}

// ParseInstrument parses a venue instrument name of the form
// SYMBOL-EXPIRY-STRIKE-[C|P] (options), SYMBOL-EXPIRY (futures) or
// SYMBOL-PERPETUAL. Expiry is DDMMMYY and settles at 08:00 UTC.
func ParseInstrument(name string) (Instrument, error) {
	parts := strings.Split(name, "-")
	switch len(parts) {
	case 2:
		inst := Instrument{Name: name, Kind: KindFuture, Currency: parts[0], IsActive: true}
		if parts[1] == "PERPETUAL" {
			return inst, nil
		}
		ts, err := parseExpiry(parts[1])
		if err != nil {
			return Instrument{}, fmt.Errorf("parse instrument %q: %w", name, err)
		}
		inst.ExpiryTS = ts
		return inst, nil
	case 4:
		ts, err := parseExpiry(parts[1])
		if err != nil {
			return Instrument{}, fmt.Errorf("parse instrument %q: %w", name, err)
		}
		// Fractional strikes use "d" as the decimal separator (e.g. 0d25).
		strike, err := strconv.ParseFloat(strings.ReplaceAll(parts[2], "d", "."), 64)
		if err != nil || strike <= 0 || math.IsInf(strike, 0) {
			return Instrument{}, fmt.Errorf("parse instrument %q: bad strike %q", name, parts[2])
		}
		var side OptionSide
		switch parts[3] {
		case "C":
			side = Call
		case "P":
			side = Put
		default:
			return Instrument{}, fmt.Errorf("parse instrument %q: bad option side %q", name, parts[3])
		}
		return Instrument{
			Name:       name,
			Kind:       KindOption,
			Currency:   parts[0],
			Strike:     strike,
			OptionType: side,
			ExpiryTS:   ts,
			IsActive:   true,
		}, nil
	default:
		return Instrument{}, fmt.Errorf("parse instrument %q: unrecognized format", name)
	}
}

// parseExpiry parses DDMMMYY (e.g. 27MAR26) into unix millis at 08:00 UTC.
func parseExpiry(s string) (int64, error) {
	if len(s) < 6 {
		return 0, fmt.Errorf("bad expiry %q", s)
	}
	// time.Parse wants "Mar", venues print "MAR".
	up := strings.ToUpper(s)
	n := len(up)
	norm := up[:n-4] + strings.ToLower(up[n-4:n-2]) + up[n-2:]
	t, err := time.Parse("2Jan06", norm)
	if err != nil {
		return 0, fmt.Errorf("bad expiry %q: %w", s, err)
	}
	t = time.Date(t.Year(), t.Month(), t.Day(), 8, 0, 0, 0, time.UTC)
	return t.UnixMilli(), nil
}
