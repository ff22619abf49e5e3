// Package engine is the central orchestrator of the coordinator.
//
// It wires together all subsystems:
//
//  1. Three WebSocket feeds (orders, positions, quotes) deliver broker events.
//  2. The reconciler merges stream events, REST snapshots, and the durable
//     store into the in-memory caches.
//  3. Buy fills are queued onto a bounded worker pool; the lifecycle engine
//     handles each one under the per-symbol lock.
//  4. The tracker consumes quotes and ratchets stop prices upward.
//  5. A debounced writer batches cache writes into the document store.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stopkeeper/internal/broker"
	"stopkeeper/internal/config"
	"stopkeeper/internal/lifecycle"
	"stopkeeper/internal/state"
	"stopkeeper/internal/store"
	"stopkeeper/internal/symlock"
	"stopkeeper/internal/tracker"
	"stopkeeper/pkg/types"
)

// quoteDebounce is the per-symbol quote coalescing window.
const quoteDebounce = 200 * time.Millisecond

// Engine orchestrates all components of the coordinator. It owns the
// lifecycle of every goroutine.
type Engine struct {
	cfg    config.Config
	client *broker.Client

	ordersFeed    *broker.Feed
	positionsFeed *broker.Feed
	quotesFeed    *broker.Feed

	db       store.Store
	writer   *store.Writer
	rec      *state.Reconciler
	lc       *lifecycle.Engine
	pool     *lifecycle.Pool
	trk      *tracker.Tracker
	cfgStore *tracker.ConfigStore

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all coordinator components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var db store.Store
	if cfg.DB.URI == "" {
		logger.Warn("DB_URI not configured, using volatile in-memory store; " +
			"the stop-limit repository will NOT survive a restart")
		db = store.NewMemory()
	} else {
		m, err := store.OpenMongo(context.Background(), cfg.DB.URI, cfg.DB.Database)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		db = m
	}

	client := broker.NewClient(cfg.Broker, cfg.DryRun, logger)
	writer := store.NewWriter(db, cfg.Cache.Debounce, cfg.Cache.Flush, logger)
	rec := state.New(client, db, writer,
		cfg.StopLimit.ReconnectWindow, cfg.StopLimit.ReconcileCooldown, logger)
	locks := symlock.New()
	cfgStore := tracker.NewConfigStore(cfg.Tracker, logger)
	lc := lifecycle.New(client, db, rec, locks, cfg.StopLimit, cfgStore.Current, logger)
	pool, err := lifecycle.NewPool(lc, cfg.StopLimit.Workers, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	trk := tracker.New(rec, db, writer, cfgStore, lc, quoteDebounce, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:           cfg,
		client:        client,
		ordersFeed:    broker.NewFeed(broker.FeedOrders, cfg.Broker.OrdersWSURL, logger),
		positionsFeed: broker.NewFeed(broker.FeedPositions, cfg.Broker.PositionsWSURL, logger),
		quotesFeed:    broker.NewFeed(broker.FeedQuotes, cfg.Broker.QuotesWSURL, logger),
		db:            db,
		writer:        writer,
		rec:           rec,
		lc:            lc,
		pool:          pool,
		trk:           trk,
		cfgStore:      cfgStore,
		logger:        logger.With("component", "engine"),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start restores durable state, rehydrates the caches, then launches the
// feeds and dispatchers. Fills queued during startup drain once the caches
// are warm.
func (e *Engine) Start() error {
	if err := e.db.EnsureIndexes(e.ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	if err := e.lc.Restore(e.ctx); err != nil {
		return fmt.Errorf("restore repository: %w", err)
	}
	if err := e.trk.Restore(e.ctx); err != nil {
		return fmt.Errorf("restore tracker progress: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writer.Run(e.ctx)
	}()

	// Feeds
	for _, f := range []*broker.Feed{e.ordersFeed, e.positionsFeed, e.quotesFeed} {
		f := f
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := f.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed stopped", "error", err)
			}
		}()
	}

	// Dispatchers
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchOrders()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchPositions()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchQuotes()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchReconnects()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchPositionClosed()
	}()

	// Warm the caches before any queued fill is handled. Stream events
	// received meanwhile sit in the feed channels and the pool gate.
	if err := e.rec.Rehydrate(e.ctx, e.cfg.StopLimit.RehydratePacing); err != nil {
		e.logger.Error("rehydration failed, continuing on snapshots and streams", "error", err)
	}
	e.pool.Open()

	e.logger.Info("coordinator started", "dry_run", e.cfg.DryRun)
	return nil
}

// Stop gracefully shuts down: cancels all goroutines, waits for them, and
// flushes the debounced writer as a safety net so no cache write is lost.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.writer.FlushAll(flushCtx)

	e.ordersFeed.Close()
	e.positionsFeed.Close()
	e.quotesFeed.Close()
	e.pool.Close()
	if err := e.db.Close(flushCtx); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// dispatchOrders routes the orders stream: every update lands in the caches
// immediately; buy fills go through the worker pool, status changes are
// applied inline.
func (e *Engine) dispatchOrders() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.ordersFeed.Orders():
			order := e.rec.UpsertOrderFromStream(upd, upd.Raw)
			if order.Side == types.Buy && types.IsFillStatus(order.StatusRaw) {
				e.pool.SubmitOrderUpdate(e.ctx, order)
				continue
			}
			e.lc.OnOrderStatusChange(e.ctx, order)
		}
	}
}

// dispatchPositions applies position updates to the cache first (no lock
// needed, so fill handlers polling the cache always see fresh numbers), then
// lets the lifecycle engine re-sync quantities.
func (e *Engine) dispatchPositions() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd := <-e.positionsFeed.Positions():
			e.rec.UpsertPosition(upd.Symbol, upd.Quantity, upd.AveragePrice)
			if upd.Quantity > 0 {
				e.lc.OnPositionUpdate(e.ctx, upd.Symbol)
			}
		}
	}
}

func (e *Engine) dispatchQuotes() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case q := <-e.quotesFeed.Quotes():
			e.trk.OnQuote(e.ctx, q)
		}
	}
}

// watchReconnects opens the reconnect window on every feed (re)connect and
// refreshes the caches from REST snapshots, since stream events during the
// gap are gone for good.
func (e *Engine) watchReconnects() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.ordersFeed.Reconnects():
			e.rec.ReconnectBarrier()
			if err := e.rec.ReconcileAllOrders(e.ctx); err != nil {
				e.logger.Warn("post-reconnect order reconcile failed", "error", err)
			}
		case <-e.positionsFeed.Reconnects():
			e.rec.ReconnectBarrier()
			e.snapshotPositions()
		case <-e.quotesFeed.Reconnects():
			// Quotes are stateless; nothing to reconcile.
		}
	}
}

// snapshotPositions pulls the REST positions snapshot into the cache.
func (e *Engine) snapshotPositions() {
	rows, err := e.client.Positions(e.ctx)
	if err != nil {
		e.logger.Warn("positions snapshot failed", "error", err)
		return
	}
	for _, row := range rows {
		e.rec.UpsertPosition(row.Symbol, row.Quantity, row.AveragePrice)
	}
	e.logger.Info("positions snapshot applied", "positions", len(rows))
}

// watchPositionClosed reacts to positions dropping to zero: the protective
// order is cancelled and the tracker's step progress resets.
func (e *Engine) watchPositionClosed() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case symbol := <-e.rec.PositionClosed():
			e.lc.OnPositionClosed(e.ctx, symbol)
			e.trk.Reset(e.ctx, symbol)
		}
	}
}

// Accessors for the operator API.

// Feeds returns the WebSocket feeds keyed by stream name.
func (e *Engine) Feeds() map[string]*broker.Feed {
	return map[string]*broker.Feed{
		"orders":    e.ordersFeed,
		"positions": e.positionsFeed,
		"quotes":    e.quotesFeed,
	}
}

// Reconciler exposes cache state for the status endpoint.
func (e *Engine) Reconciler() *state.Reconciler { return e.rec }

// Lifecycle exposes the lifecycle engine for the operator surface.
func (e *Engine) Lifecycle() *lifecycle.Engine { return e.lc }

// TrackerConfig exposes the live trailing-stop table.
func (e *Engine) TrackerConfig() *tracker.ConfigStore { return e.cfgStore }

// BrokerHealthy reports whether the broker mutation circuit is closed.
func (e *Engine) BrokerHealthy() bool { return e.client.Healthy() }
