// fetch.go provides the bounded-concurrency ticker fetch pool used by the
// engines that need many quotes per refresh (ATM term, skew, gamma).
//
// Rate-limit rejections are retried with exponential backoff (base→cap,
// bounded attempts); every other failure is fail-fast and cancels the whole
// batch, per the one-refresh-cycle error model.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"derivdash/internal/config"
	"derivdash/internal/metrics"
	"derivdash/pkg/types"
)

// TickerFetcher is the single-quote operation the pool parallelizes.
// *Client implements it; tests substitute fakes.
type TickerFetcher interface {
	GetTicker(ctx context.Context, instrument string) (types.Ticker, error)
}

// TickerPool fans a batch of ticker fetches across a bounded set of workers.
type TickerPool struct {
	fetcher     TickerFetcher
	concurrency int
	retryMax    int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
}

// NewTickerPool creates a pool with the gateway's concurrency and backoff
// settings.
func NewTickerPool(fetcher TickerFetcher, cfg config.GatewayConfig, logger *slog.Logger) *TickerPool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 5
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = 2 * time.Second
	}
	return &TickerPool{
		fetcher:     fetcher,
		concurrency: concurrency,
		retryMax:    retryMax,
		backoffBase: base,
		backoffCap:  cap,
		logger:      logger.With("component", "ticker_pool"),
	}
}

// FetchAll fetches tickers for all names. On a non-rate-limit error the batch
// is cancelled and the error returned; rate-limit errors are retried with
// exponential backoff up to the attempt bound.
func (p *TickerPool) FetchAll(ctx context.Context, names []string) (map[string]types.Ticker, error) {
	if len(names) == 0 {
		return map[string]types.Ticker{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	type result struct {
		ticker types.Ticker
		err    error
	}
	results := make(chan result, len(names))

	workers := p.concurrency
	if workers > len(names) {
		workers = len(names)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				t, err := p.fetchOne(ctx, name)
				results <- result{ticker: t, err: err}
				if err != nil {
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, name := range names {
			select {
			case jobs <- name:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]types.Ticker, len(names))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.ticker.InstrumentName] = r.ticker
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// fetchOne retries a single ticker fetch on rate-limit errors only.
func (p *TickerPool) fetchOne(ctx context.Context, name string) (types.Ticker, error) {
	backoff := p.backoffBase
	for attempt := 1; ; attempt++ {
		t, err := p.fetcher.GetTicker(ctx, name)
		if err == nil {
			return t, nil
		}
		if !IsRateLimit(err) || attempt >= p.retryMax {
			return types.Ticker{}, err
		}

		metrics.RateLimitRetries.Inc()
		p.logger.Debug("rate limited, backing off",
			"instrument", name,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return types.Ticker{}, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > p.backoffCap {
			backoff = p.backoffCap
		}
	}
}
