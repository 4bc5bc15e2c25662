// Package engine is the refresh orchestrator of the analytics daemon.
//
// It wires the gateway to the analytics engines and owns all derived state:
//
//  1. Each cycle fetches the shared market context once (instruments, spot,
//     book summaries) and hands it to every KPI engine.
//  2. KPI refreshes run sequentially with a small stagger so a cycle never
//     bursts the venue rate limiter; ticker fetches inside one engine still
//     run on the bounded worker pool.
//  3. Every KPI owns its own {loading, error, data} state. One engine failing
//     marks only its own card; the rest of the cycle continues.
//  4. A monotonic request id per KPI discards superseded in-flight results
//     (last-writer-wins) when a manual refresh overlaps the poll timer.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"derivdash/internal/config"
	"derivdash/internal/gamma"
	"derivdash/internal/gateway"
	"derivdash/internal/liquidity"
	"derivdash/internal/metrics"
	"derivdash/internal/skew"
	"derivdash/internal/store"
	"derivdash/internal/vol"
	"derivdash/pkg/types"
)

// KPI identifiers, stable across the API and the snapshot store.
const (
	KPITerm        = "atm_term"
	KPIExpectedMv  = "expected_move"
	KPISkew        = "skew_25d"
	KPIKink        = "term_kink"
	KPIGammaWalls  = "gamma_walls"
	KPIGammaCom    = "gamma_com"
	KPIOIConc      = "oi_concentration"
	KPILiquidity   = "liquidity_stress"
	KPIRealizedVol = "realized_vol"
	KPICondor      = "condor_credit"
	KPIFunding     = "funding"
	KPIVolIndex    = "vol_index"
)

// indexMaxAge bounds how stale a websocket index print may be before the
// engine falls back to a REST index fetch.
const indexMaxAge = 30 * time.Second

// cycle is the shared market context one refresh pass works from. Built once
// per cycle; engines only read it.
type cycle struct {
	now       time.Time
	spot      float64
	groups    map[int64][]types.Instrument
	expiries  []int64
	options   []types.Instrument
	futures   []types.Instrument
	summaries []types.BookSummaryRow
	reqs      map[string]uint64

	// term-structure products filled in dependency order
	nodes []types.TermNode
	moves []vol.ExpectedMove
}

// Engine orchestrates all KPI refreshes.
type Engine struct {
	cfg       config.Config
	client    *gateway.Client
	pool      *gateway.TickerPool
	indexFeed *gateway.IndexFeed
	selector  *vol.Selector
	term      *vol.TermBuilder
	kink      *vol.KinkEngine
	condor    *vol.CondorEngine
	skew      *skew.Engine
	gamma     *gamma.Engine
	liquidity *liquidity.Engine
	snapshots *store.Store // nil when persistence is disabled
	logger    *slog.Logger

	state  *stateTable
	events chan types.KPIPayload

	refreshCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	client := gateway.NewClient(cfg.Gateway, logger)
	pool := gateway.NewTickerPool(client, cfg.Gateway, logger)

	var feed *gateway.IndexFeed
	if cfg.Gateway.WSURL != "" {
		feed = gateway.NewIndexFeed(cfg.Gateway.WSURL, cfg.Currency, logger)
	}

	var snapshots *store.Store
	if cfg.Store.Enabled {
		var err error
		snapshots, err = store.Open(cfg.Store.DataDir)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		client:    client,
		pool:      pool,
		indexFeed: feed,
		selector:  vol.NewSelector(cfg.Expiries),
		term:      vol.NewTermBuilder(cfg.Term, pool, logger),
		kink:      vol.NewKinkEngine(pool, logger),
		condor:    vol.NewCondorEngine(cfg.Condor, pool, logger),
		skew:      skew.New(cfg.Skew, pool, logger),
		gamma:     gamma.New(cfg.Gamma, pool, logger),
		liquidity: liquidity.New(cfg.Liquidity, client, logger),
		snapshots: snapshots,
		logger:    logger.With("component", "engine"),
		state:     newStateTable(),
		events:    make(chan types.KPIPayload, 100),
		refreshCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	if snapshots != nil {
		if snap, err := snapshots.LoadSnapshot(cfg.Currency); err != nil {
			logger.Warn("could not restore snapshot", "error", err)
		} else if snap != nil {
			e.state.restore(snap.KPIs)
			logger.Info("restored persisted snapshot", "age", time.Since(snap.UpdatedAt).Round(time.Second))
		}
	}

	return e, nil
}

// Start launches the index feed and the refresh loop. The first cycle runs
// immediately.
func (e *Engine) Start() error {
	if e.indexFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.indexFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("index feed stopped", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go e.runLoop()

	e.logger.Info("engine started",
		"currency", e.cfg.Currency,
		"interval", e.cfg.Refresh.Interval,
		"concurrency", e.cfg.Gateway.Concurrency,
	)
	return nil
}

// Stop cancels all work and waits for in-flight refreshes to finish.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	if e.indexFeed != nil {
		_ = e.indexFeed.Close()
	}
	close(e.events)
	e.logger.Info("engine stopped")
}

// Refresh requests an immediate refresh cycle. Non-blocking; a cycle already
// queued absorbs the request.
func (e *Engine) Refresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state of every KPI.
func (e *Engine) Snapshot() map[string]types.KPIPayload {
	return e.state.snapshot()
}

// Spot returns the freshest index price, zero if none is known yet.
func (e *Engine) Spot() float64 {
	if e.indexFeed != nil {
		if idx, ok := e.indexFeed.Latest(indexMaxAge); ok {
			return idx.Price
		}
	}
	return 0
}

// Currency returns the configured currency.
func (e *Engine) Currency() string {
	return e.cfg.Currency
}

// Events is the stream of published KPI payloads, consumed by the dashboard
// server. Closed on Stop.
func (e *Engine) Events() <-chan types.KPIPayload {
	return e.events
}

// runLoop drives refresh cycles from the poll timer and manual triggers.
func (e *Engine) runLoop() {
	defer e.wg.Done()

	e.refreshAll()

	var tick <-chan time.Time
	if e.cfg.Refresh.Interval > 0 {
		t := time.NewTicker(e.cfg.Refresh.Interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick:
			e.refreshAll()
		case <-e.refreshCh:
			e.refreshAll()
		}
	}
}

// refreshAll runs one full cycle: shared context, then every KPI in sequence
// with the configured stagger delay between engines.
func (e *Engine) refreshAll() {
	started := time.Now()
	ids := []string{
		KPITerm, KPIExpectedMv, KPISkew, KPIKink, KPIGammaWalls, KPIGammaCom,
		KPIOIConc, KPILiquidity, KPIRealizedVol, KPICondor, KPIFunding, KPIVolIndex,
	}
	reqs := make(map[string]uint64, len(ids))
	for _, id := range ids {
		reqs[id] = e.state.begin(id)
	}

	cyc, err := e.loadCycle(e.ctx)
	if err != nil {
		e.logger.Error("cycle context fetch failed", "error", err)
		for _, id := range ids {
			e.fail(id, reqs[id], err)
		}
		return
	}
	cyc.reqs = reqs

	type step struct {
		id  string
		run func(context.Context, *cycle) (types.KPIPayload, error)
	}
	// Order matters: the term curve feeds expected move, realized-vol factor
	// and the condor's EM sizing.
	steps := []step{
		{KPITerm, e.refreshTerm},
		{KPIExpectedMv, e.refreshExpectedMove},
		{KPISkew, e.refreshSkew},
		{KPIKink, e.refreshKink},
		{KPIGammaWalls, e.refreshGamma},
		{KPIOIConc, e.refreshOIConcentration},
		{KPILiquidity, e.refreshLiquidity},
		{KPIRealizedVol, e.refreshRealized},
		{KPICondor, e.refreshCondor},
		{KPIFunding, e.refreshFunding},
		{KPIVolIndex, e.refreshVolIndex},
	}

	// gamma_com is published by refreshGamma alongside gamma_walls; every
	// other step owns exactly one KPI.
	for i, st := range steps {
		if e.ctx.Err() != nil {
			return
		}
		e.runStep(st.id, reqs[st.id], cyc, st.run)
		if i < len(steps)-1 && e.cfg.Refresh.StaggerDelay > 0 {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(e.cfg.Refresh.StaggerDelay):
			}
		}
	}

	e.persist(cyc)
	e.logger.Info("refresh cycle complete",
		"spot", cyc.spot,
		"expiries", len(cyc.expiries),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
}

// runStep executes one KPI refresh inside its own failure boundary: errors
// and panics mark only that KPI.
func (e *Engine) runStep(id string, req uint64, cyc *cycle, run func(context.Context, *cycle) (types.KPIPayload, error)) {
	started := time.Now()
	defer func() {
		metrics.RefreshDuration.WithLabelValues(id).Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			e.logger.Error("kpi refresh panicked", "kpi", id, "panic", r, "stack", string(debug.Stack()))
			e.fail(id, req, fmt.Errorf("panic: %v", r))
		}
	}()

	payload, err := run(e.ctx, cyc)
	if err != nil {
		e.logger.Warn("kpi refresh failed", "kpi", id, "error", err)
		e.fail(id, req, err)
		return
	}
	e.publish(id, req, payload)
}

// fail publishes an error state, keeping the KPI's previous data out of the
// payload so the dashboard shows the failure.
func (e *Engine) fail(id string, req uint64, err error) {
	metrics.RefreshErrors.WithLabelValues(id).Inc()
	e.publish(id, req, types.KPIPayload{
		Status: types.StatusError,
		Error:  err.Error(),
	})
}

func (e *Engine) publish(id string, req uint64, p types.KPIPayload) {
	p.UpdatedAt = time.Now().UTC()
	if !e.state.publish(id, req, p) {
		e.logger.Debug("discarding superseded result", "kpi", id)
		return
	}
	p.KPIID = id
	select {
	case e.events <- p:
	default:
		e.logger.Warn("event channel full, dropping update", "kpi", id)
	}
}

// loadCycle fetches the shared market context every engine reads.
func (e *Engine) loadCycle(ctx context.Context) (*cycle, error) {
	now := time.Now().UTC()

	options, err := e.client.GetInstruments(ctx, e.cfg.Currency, types.KindOption)
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	futures, err := e.client.GetInstruments(ctx, e.cfg.Currency, types.KindFuture)
	if err != nil {
		return nil, fmt.Errorf("futures: %w", err)
	}

	spot, err := e.spotPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("index price: %w", err)
	}

	summaries, err := e.client.GetBookSummaryByCurrency(ctx, e.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("book summary: %w", err)
	}

	groups := vol.GroupByExpiry(options, now)
	return &cycle{
		now:       now,
		spot:      spot,
		groups:    groups,
		expiries:  e.selector.Select(groups, now),
		options:   options,
		futures:   futures,
		summaries: summaries,
	}, nil
}

// spotPrice prefers the websocket index feed, falling back to REST when the
// feed is absent or stale.
func (e *Engine) spotPrice(ctx context.Context) (float64, error) {
	if e.indexFeed != nil {
		if idx, ok := e.indexFeed.Latest(indexMaxAge); ok {
			return idx.Price, nil
		}
	}
	idx, err := e.client.GetIndexPrice(ctx, e.cfg.Currency)
	if err != nil {
		return 0, err
	}
	return idx.Price, nil
}

// persist writes the cycle's results to the snapshot store, if enabled.
func (e *Engine) persist(cyc *cycle) {
	if e.snapshots == nil {
		return
	}
	snap := store.Snapshot{
		Currency:  e.cfg.Currency,
		Spot:      cyc.spot,
		KPIs:      e.state.snapshot(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.snapshots.SaveSnapshot(snap); err != nil {
		e.logger.Warn("snapshot persist failed", "error", err)
	}
}
