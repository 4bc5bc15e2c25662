// ws.go implements the WebSocket index-price feed.
//
// A full dashboard refresh needs the spot index many times; streaming it over
// one WebSocket keeps that out of the REST rate budget. The feed subscribes to
// the currency's price-index channel, caches the latest value, and
// auto-reconnects with exponential backoff (1s → 30s max). A read deadline
// ensures silent server failures are detected within ~2 missed pings.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"derivdash/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send a test request to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// IndexFeed maintains a WebSocket subscription to the index-price channel
// and caches the latest observation for the engines.
type IndexFeed struct {
	url      string
	currency string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	latestMu sync.RWMutex
	latest   types.IndexPrice
	haveData bool

	logger *slog.Logger
}

// NewIndexFeed creates a feed for one currency's price index.
func NewIndexFeed(wsURL, currency string, logger *slog.Logger) *IndexFeed {
	return &IndexFeed{
		url:      wsURL,
		currency: currency,
		logger:   logger.With("component", "ws_index"),
	}
}

// Latest returns the most recent index price and whether it is fresher than
// maxAge. Engines fall back to the REST index endpoint when it is not.
func (f *IndexFeed) Latest(maxAge time.Duration) (types.IndexPrice, bool) {
	f.latestMu.RLock()
	defer f.latestMu.RUnlock()
	if !f.haveData || time.Since(f.latest.Timestamp) > maxAge {
		return types.IndexPrice{}, false
	}
	return f.latest, true
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *IndexFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *IndexFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *IndexFeed) channel() string {
	return "deribit_price_index." + strings.ToLower(f.currency) + "_usd"
}

func (f *IndexFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(rpcRequest{
		JSONRPC: "2.0",
		Method:  "public/subscribe",
		Params:  rpcParams{Channels: []string{f.channel()}},
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channel())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

type rpcParams struct {
	Channels []string `json:"channels"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params,omitempty"`
}

func (f *IndexFeed) dispatchMessage(data []byte) {
	var envelope struct {
		Method string `json:"method"`
		Params struct {
			Channel string `json:"channel"`
			Data    struct {
				Price     float64 `json:"price"`
				Timestamp int64   `json:"timestamp"`
			} `json:"data"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if envelope.Method != "subscription" || envelope.Params.Data.Price <= 0 {
		return
	}

	ts := time.Now().UTC()
	if envelope.Params.Data.Timestamp > 0 {
		ts = time.UnixMilli(envelope.Params.Data.Timestamp).UTC()
	}

	f.latestMu.Lock()
	f.latest = types.IndexPrice{Price: envelope.Params.Data.Price, Timestamp: ts}
	f.haveData = true
	f.latestMu.Unlock()
}

func (f *IndexFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(rpcRequest{JSONRPC: "2.0", Method: "public/test"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *IndexFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
