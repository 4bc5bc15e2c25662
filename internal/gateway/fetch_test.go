package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"derivdash/internal/config"
	"derivdash/pkg/types"
)

// fakeFetcher returns canned tickers and can fail the first N calls per
// instrument with a configurable error.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	failFor  map[string]int // instrument → number of initial failures
	failWith error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), failFor: make(map[string]int)}
}

func (f *fakeFetcher) GetTicker(_ context.Context, name string) (types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.failFor[name] > 0 {
		f.failFor[name]--
		return types.Ticker{}, f.failWith
	}
	return types.Ticker{InstrumentName: name, MarkIV: 0.5}, nil
}

func testPool(f TickerFetcher) *TickerPool {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewTickerPool(f, config.GatewayConfig{
		Concurrency: 4,
		RetryMax:    3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, logger)
}

func TestFetchAllReturnsAllTickers(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher()
	pool := testPool(f)

	names := []string{"BTC-27MAR26-60000-C", "BTC-27MAR26-60000-P", "BTC-27MAR26-70000-C"}
	out, err := pool.FetchAll(context.Background(), names)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(out) != len(names) {
		t.Fatalf("got %d tickers, want %d", len(out), len(names))
	}
	for _, n := range names {
		if out[n].InstrumentName != n {
			t.Errorf("missing ticker for %s", n)
		}
	}
}

func TestFetchAllRetriesRateLimits(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher()
	f.failWith = &Error{Op: "ticker", Status: 429}
	f.failFor["BTC-27MAR26-60000-C"] = 2
	pool := testPool(f)

	out, err := pool.FetchAll(context.Background(), []string{"BTC-27MAR26-60000-C"})
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d tickers, want 1", len(out))
	}
	if f.calls["BTC-27MAR26-60000-C"] != 3 {
		t.Errorf("calls = %d, want 3 (2 rate-limited + 1 success)", f.calls["BTC-27MAR26-60000-C"])
	}
}

func TestFetchAllRateLimitAttemptsBounded(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher()
	f.failWith = &Error{Op: "ticker", Status: 429}
	f.failFor["BTC-27MAR26-60000-C"] = 100
	pool := testPool(f)

	_, err := pool.FetchAll(context.Background(), []string{"BTC-27MAR26-60000-C"})
	if !IsRateLimit(err) {
		t.Fatalf("err = %v, want rate-limit error after bounded attempts", err)
	}
	if f.calls["BTC-27MAR26-60000-C"] != 3 {
		t.Errorf("calls = %d, want retryMax (3)", f.calls["BTC-27MAR26-60000-C"])
	}
}

func TestFetchAllFailsFastOnOtherErrors(t *testing.T) {
	t.Parallel()
	f := newFakeFetcher()
	f.failWith = errors.New("boom")
	f.failFor["BTC-27MAR26-60000-C"] = 1
	pool := testPool(f)

	_, err := pool.FetchAll(context.Background(), []string{"BTC-27MAR26-60000-C", "BTC-27MAR26-60000-P"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if f.calls["BTC-27MAR26-60000-C"] != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-rate-limit errors)", f.calls["BTC-27MAR26-60000-C"])
	}
}

func TestFetchAllEmpty(t *testing.T) {
	t.Parallel()
	pool := testPool(newFakeFetcher())

	out, err := pool.FetchAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d tickers, want 0", len(out))
	}
}

func TestIsRateLimit(t *testing.T) {
	t.Parallel()

	if !IsRateLimit(&Error{Op: "ticker", Status: 429}) {
		t.Error("status 429 should be a rate limit")
	}
	if !IsRateLimit(&Error{Op: "ticker", Code: 10028}) {
		t.Error("code 10028 should be a rate limit")
	}
	if IsRateLimit(&Error{Op: "ticker", Status: 500}) {
		t.Error("status 500 should not be a rate limit")
	}
	if IsRateLimit(errors.New("boom")) {
		t.Error("plain error should not be a rate limit")
	}
}
