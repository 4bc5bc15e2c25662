// Package gateway implements the market-data client for the venue's public
// JSON-RPC-over-HTTP API.
//
// The client exposes exactly the operations the analytics engines consume:
//   - GetInstruments:            /public/get_instruments
//   - GetIndexPrice:             /public/get_index_price
//   - GetTicker:                 /public/ticker
//   - GetOrderBook:              /public/get_order_book
//   - GetBookSummaryByCurrency:  /public/get_book_summary_by_currency
//   - GetFundingRateHistory:     /public/get_funding_rate_history
//   - GetVolatilityIndex:        /public/get_volatility_index_data
//   - GetChartData:              /public/get_tradingview_chart_data
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and guarded by a circuit breaker so a misbehaving
// venue degrades into per-KPI error states instead of hammering the API.
// All wire payloads pass through the normalize.go adapter exactly once.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"derivdash/internal/config"
	"derivdash/internal/metrics"
	"derivdash/pkg/types"
)

// Client is the venue REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and a circuit breaker.
type Client struct {
	http    *resty.Client
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    httpClient,
		rl:      NewRateLimiter(),
		breaker: breaker,
		logger:  logger.With("component", "gateway"),
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one rate-limited, breaker-guarded GET and returns the raw
// JSON-RPC result. Rate-limit rejections surface as a gateway Error but do
// not count as breaker failures.
func (c *Client) call(ctx context.Context, bucket *TokenBucket, op, path string, params map[string]string) (json.RawMessage, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode() >= 500 {
			return nil, &Error{Op: op, Status: resp.StatusCode()}
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.GatewayRequests.WithLabelValues(op, "breaker_open").Inc()
			return nil, &Error{Op: op, Status: 0, Msg: "circuit breaker open"}
		}
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	resp := res.(*resty.Response)
	if resp.StatusCode() == http.StatusTooManyRequests {
		metrics.GatewayRequests.WithLabelValues(op, "rate_limited").Inc()
		return nil, &Error{Op: op, Status: resp.StatusCode()}
	}

	var env rpcEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.Error != nil {
		outcome := "error"
		ge := &Error{Op: op, Status: resp.StatusCode(), Code: env.Error.Code, Msg: env.Error.Message}
		if ge.RateLimited() {
			outcome = "rate_limited"
		}
		metrics.GatewayRequests.WithLabelValues(op, outcome).Inc()
		return nil, ge
	}
	if resp.StatusCode() != http.StatusOK {
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, &Error{Op: op, Status: resp.StatusCode()}
	}

	metrics.GatewayRequests.WithLabelValues(op, "ok").Inc()
	return env.Result, nil
}

// GetInstruments fetches the active instrument list for a currency and kind.
func (c *Client) GetInstruments(ctx context.Context, currency string, kind types.Kind) ([]types.Instrument, error) {
	raw, err := c.call(ctx, c.rl.Summary, "get_instruments", "/public/get_instruments", map[string]string{
		"currency": currency,
		"kind":     string(kind),
		"expired":  "false",
	})
	if err != nil {
		return nil, err
	}

	var dtos []instrumentDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("get_instruments: decode result: %w", err)
	}

	out := make([]types.Instrument, 0, len(dtos))
	for _, d := range dtos {
		if inst, ok := normalizeInstrument(d); ok && inst.IsActive {
			out = append(out, inst)
		}
	}
	return out, nil
}

// GetIndexPrice fetches the current index price for a currency pair.
func (c *Client) GetIndexPrice(ctx context.Context, currency string) (types.IndexPrice, error) {
	raw, err := c.call(ctx, c.rl.Ticker, "get_index_price", "/public/get_index_price", map[string]string{
		"index_name": indexName(currency),
	})
	if err != nil {
		return types.IndexPrice{}, err
	}

	var dto indexPriceDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return types.IndexPrice{}, fmt.Errorf("get_index_price: decode result: %w", err)
	}
	if dto.IndexPrice <= 0 {
		return types.IndexPrice{}, &Error{Op: "get_index_price", Msg: "non-positive index price"}
	}
	ts := time.Now().UTC()
	if dto.Timestamp > 0 {
		ts = time.UnixMilli(dto.Timestamp).UTC()
	}
	return types.IndexPrice{Price: dto.IndexPrice, Timestamp: ts}, nil
}

// GetTicker fetches the quote for one instrument. Implausible IV and greeks
// are dropped by the adapter, not surfaced as errors.
func (c *Client) GetTicker(ctx context.Context, instrument string) (types.Ticker, error) {
	raw, err := c.call(ctx, c.rl.Ticker, "ticker", "/public/ticker", map[string]string{
		"instrument_name": instrument,
	})
	if err != nil {
		return types.Ticker{}, err
	}

	var dto tickerDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return types.Ticker{}, fmt.Errorf("ticker: decode result: %w", err)
	}
	return normalizeTicker(dto), nil
}

// GetOrderBook fetches an L2 snapshot with the given depth.
func (c *Client) GetOrderBook(ctx context.Context, instrument string, depth int) (*types.OrderBook, error) {
	raw, err := c.call(ctx, c.rl.Book, "get_order_book", "/public/get_order_book", map[string]string{
		"instrument_name": instrument,
		"depth":           strconv.Itoa(depth),
	})
	if err != nil {
		return nil, err
	}

	var dto bookDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("get_order_book: decode result: %w", err)
	}
	return normalizeBook(dto), nil
}

// GetBookSummaryByCurrency fetches per-instrument open interest for all
// options of a currency. Rows with unparseable names are dropped.
func (c *Client) GetBookSummaryByCurrency(ctx context.Context, currency string) ([]types.BookSummaryRow, error) {
	raw, err := c.call(ctx, c.rl.Summary, "get_book_summary_by_currency", "/public/get_book_summary_by_currency", map[string]string{
		"currency": currency,
		"kind":     string(types.KindOption),
	})
	if err != nil {
		return nil, err
	}

	var dtos []summaryDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("get_book_summary_by_currency: decode result: %w", err)
	}

	out := make([]types.BookSummaryRow, 0, len(dtos))
	for _, d := range dtos {
		if row, ok := normalizeSummary(d); ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// GetFundingRateHistory fetches funding points for a perpetual, normalized
// to 8h rates regardless of how the venue names the field.
func (c *Client) GetFundingRateHistory(ctx context.Context, instrument string, start, end time.Time) ([]types.FundingPoint, error) {
	raw, err := c.call(ctx, c.rl.History, "get_funding_rate_history", "/public/get_funding_rate_history", map[string]string{
		"instrument_name": instrument,
		"start_timestamp": strconv.FormatInt(start.UnixMilli(), 10),
		"end_timestamp":   strconv.FormatInt(end.UnixMilli(), 10),
	})
	if err != nil {
		return nil, err
	}

	var dtos []fundingDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("get_funding_rate_history: decode result: %w", err)
	}

	out := make([]types.FundingPoint, 0, len(dtos))
	for _, d := range dtos {
		if p, ok := normalizeFunding(d); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetVolatilityIndex fetches annualized vol-index OHLC candles.
func (c *Client) GetVolatilityIndex(ctx context.Context, currency string, start, end time.Time, resolution string) ([]types.Candle, error) {
	raw, err := c.call(ctx, c.rl.History, "get_volatility_index_data", "/public/get_volatility_index_data", map[string]string{
		"currency":        currency,
		"start_timestamp": strconv.FormatInt(start.UnixMilli(), 10),
		"end_timestamp":   strconv.FormatInt(end.UnixMilli(), 10),
		"resolution":      resolution,
	})
	if err != nil {
		return nil, err
	}

	var dto volIndexDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("get_volatility_index_data: decode result: %w", err)
	}
	return normalizeVolIndex(dto), nil
}

// GetChartData fetches OHLC candles for the underlying (used by the
// realized-vol engine).
func (c *Client) GetChartData(ctx context.Context, instrument string, start, end time.Time, resolution string) ([]types.Candle, error) {
	raw, err := c.call(ctx, c.rl.History, "get_tradingview_chart_data", "/public/get_tradingview_chart_data", map[string]string{
		"instrument_name": instrument,
		"start_timestamp": strconv.FormatInt(start.UnixMilli(), 10),
		"end_timestamp":   strconv.FormatInt(end.UnixMilli(), 10),
		"resolution":      resolution,
	})
	if err != nil {
		return nil, err
	}

	var dto chartDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("get_tradingview_chart_data: decode result: %w", err)
	}
	if dto.Status != "" && dto.Status != "ok" {
		return nil, &Error{Op: "get_tradingview_chart_data", Msg: "status " + dto.Status}
	}
	return normalizeChart(dto), nil
}

func indexName(currency string) string {
	return strings.ToLower(currency) + "_usd"
}
