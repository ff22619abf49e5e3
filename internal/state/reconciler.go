// Package state keeps the in-memory caches consistent with the
// authoritative broker view.
//
// Inputs are merged from three sources: stream events (orders, positions),
// REST snapshots fetched on stream (re)connect, and the durable store on
// startup. The reconciler owns the ordersCache, the positionsCache, and the
// activeOrdersBySymbolSide index; the stop-limit repository itself is owned
// by the lifecycle engine.
//
// Reconnect semantics: after every stream (re)connect the reconciler opens
// a window (default 30 s) during which "no active sell exists" answers are
// provisional. Existence checks made inside the window must first run
// ReconcileSymbolOrders, otherwise a live protective sell could be misread
// as absent and duplicated.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"stopkeeper/internal/broker"
	"stopkeeper/internal/store"
	"stopkeeper/pkg/types"
)

// OpenOrdersFetcher is the slice of the broker client the reconciler needs.
type OpenOrdersFetcher interface {
	OpenOrders(ctx context.Context) ([]types.SnapshotOrder, error)
}

// Reconciler merges stream events, REST snapshots, and durable store
// contents into the in-memory caches.
type Reconciler struct {
	fetcher OpenOrdersFetcher
	db      store.Store
	writer  *store.Writer

	mu        sync.RWMutex
	orders    map[string]types.Order    // brokerOrderId → order
	positions map[string]types.Position // symbol → position
	// active maps "SYMBOL|side" → set of broker order IDs whose
	// statusNorm is ACTIVE. INACTIVE orders never appear here.
	active map[string]map[string]struct{}

	// reconnectWindowUntil advances monotonically on every stream
	// (re)connect; zero means no window is open.
	reconnectWindowUntil atomic.Int64
	reconnectWindow      time.Duration
	lastReconnectAt      atomic.Int64

	// cooldowns rate-limits per-symbol snapshot reconciles.
	cooldowns *gocache.Cache
	cooldown  time.Duration

	rehydrated atomic.Bool

	// positionClosedCh announces symbols whose quantity dropped to zero.
	positionClosedCh chan string

	// unknownStatusWarned rate-limits unknown-status warnings per code.
	unknownStatusWarned *gocache.Cache

	logger *slog.Logger
}

// New creates a reconciler over the given snapshot fetcher and store.
func New(fetcher OpenOrdersFetcher, db store.Store, writer *store.Writer,
	reconnectWindow, reconcileCooldown time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		fetcher:             fetcher,
		db:                  db,
		writer:              writer,
		orders:              make(map[string]types.Order),
		positions:           make(map[string]types.Position),
		active:              make(map[string]map[string]struct{}),
		reconnectWindow:     reconnectWindow,
		cooldowns:           gocache.New(reconcileCooldown, time.Minute),
		cooldown:            reconcileCooldown,
		positionClosedCh:    make(chan string, 64),
		unknownStatusWarned: gocache.New(time.Minute, time.Minute),
		logger:              logger.With("component", "reconciler"),
	}
}

func indexKey(symbol string, side types.Side) string {
	return strings.ToUpper(symbol) + "|" + string(side)
}

// ————————————————————————————————————————————————————————————————————————
// Upserts
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder normalizes and applies one order observation. The in-memory
// cache and the symbol/side index update immediately; the store write is
// debounced. Returns the normalized order.
func (r *Reconciler) UpsertOrder(order types.Order, source types.Source) types.Order {
	norm, known := types.NormalizeStatusKnown(order.StatusRaw)
	if !known {
		if _, warned := r.unknownStatusWarned.Get(order.StatusRaw); !warned {
			r.unknownStatusWarned.SetDefault(order.StatusRaw, struct{}{})
			r.logger.Warn("unknown broker status, treating as INACTIVE",
				"status", order.StatusRaw, "order_id", order.BrokerOrderID)
		}
	}
	order.StatusNorm = norm
	order.Symbol = strings.ToUpper(order.Symbol)
	order.Source = source
	order.UpdatedAt = time.Now()

	r.mu.Lock()
	if prev, ok := r.orders[order.BrokerOrderID]; ok && !prev.OpenedAt.IsZero() {
		order.OpenedAt = prev.OpenedAt
	} else if order.OpenedAt.IsZero() {
		order.OpenedAt = order.UpdatedAt
	}
	r.orders[order.BrokerOrderID] = order

	key := indexKey(order.Symbol, order.Side)
	if order.StatusNorm == types.StatusActive {
		if r.active[key] == nil {
			r.active[key] = make(map[string]struct{})
		}
		r.active[key][order.BrokerOrderID] = struct{}{}
	} else if set, ok := r.active[key]; ok {
		delete(set, order.BrokerOrderID)
		if len(set) == 0 {
			delete(r.active, key)
		}
	}
	r.mu.Unlock()

	o := order
	r.writer.Enqueue("order:"+order.BrokerOrderID, func(ctx context.Context) error {
		return r.db.UpsertOrderState(ctx, o)
	})
	return order
}

// UpsertOrderFromStream converts and applies one Orders-stream update.
func (r *Reconciler) UpsertOrderFromStream(upd types.OrderUpdate, raw []byte) types.Order {
	return r.UpsertOrder(types.Order{
		BrokerOrderID: upd.BrokerOrderID,
		ClientOrderID: upd.ClientOrderID,
		Symbol:        upd.ResolveSymbol(),
		Side:          types.ParseSide(upd.Side),
		TypeRaw:       upd.Type,
		StatusRaw:     upd.Status,
		LimitPrice:    upd.LimitPrice,
		StopPrice:     upd.StopPrice,
		Qty:           upd.Qty,
		RemainingQty:  upd.RemainingQty,
		FillPrice:     upd.FillPrice,
		Raw:           raw,
	}, types.SourceStream)
}

// UpsertPosition applies one position observation. A zero quantity emits a
// position-closed event for the lifecycle engine.
func (r *Reconciler) UpsertPosition(symbol string, qty, avgPrice float64) {
	symbol = strings.ToUpper(symbol)
	pos := types.Position{
		Symbol:       symbol,
		Quantity:     qty,
		AveragePrice: avgPrice,
		LastUpdated:  time.Now(),
	}

	r.mu.Lock()
	r.positions[symbol] = pos
	r.mu.Unlock()

	if qty == 0 {
		select {
		case r.positionClosedCh <- symbol:
		default:
			r.logger.Warn("position-closed channel full, dropping event", "symbol", symbol)
		}
		r.writer.Enqueue("position:"+symbol, func(ctx context.Context) error {
			return r.db.DeletePosition(ctx, symbol)
		})
		return
	}

	r.writer.Enqueue("position:"+symbol, func(ctx context.Context) error {
		return r.db.UpsertPosition(ctx, pos)
	})
}

// PositionClosed announces symbols whose position quantity dropped to zero.
func (r *Reconciler) PositionClosed() <-chan string { return r.positionClosedCh }

// ————————————————————————————————————————————————————————————————————————
// Lookups
// ————————————————————————————————————————————————————————————————————————

// Position returns the cached position for symbol, if any.
func (r *Reconciler) Position(symbol string) (types.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[strings.ToUpper(symbol)]
	return pos, ok
}

// Order returns the cached order by broker order ID, if any.
func (r *Reconciler) Order(brokerOrderID string) (types.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[brokerOrderID]
	return o, ok
}

// ActiveStopLimitSells returns every ACTIVE sell order for symbol whose
// type is stop-limit, oldest first, consulting the symbol/side index.
func (r *Reconciler) ActiveStopLimitSells(symbol string) []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.active[indexKey(symbol, types.Sell)]
	if !ok {
		return nil
	}

	var matches []types.Order
	for id := range set {
		o, ok := r.orders[id]
		if ok && types.IsStopLimit(o.TypeRaw) {
			matches = append(matches, o)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].OpenedAt.Before(matches[j].OpenedAt)
	})
	return matches
}

// ActiveStopLimitSell returns the oldest ACTIVE stop-limit sell for symbol.
func (r *Reconciler) ActiveStopLimitSell(symbol string) (types.Order, bool) {
	matches := r.ActiveStopLimitSells(symbol)
	if len(matches) == 0 {
		return types.Order{}, false
	}
	return matches[0], true
}

// ActiveOrderCount reports the total number of indexed active orders.
func (r *Reconciler) ActiveOrderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.active {
		n += len(set)
	}
	return n
}

// CacheSizes reports cache cardinalities for the status endpoint.
func (r *Reconciler) CacheSizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"orders":    len(r.orders),
		"positions": len(r.positions),
		"active":    len(r.active),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reconnect window and snapshot reconciliation
// ————————————————————————————————————————————————————————————————————————

// ReconnectBarrier opens (or extends) the reconnect window. Called on every
// stream (re)connect. The timestamp only ever advances.
func (r *Reconciler) ReconnectBarrier() {
	until := time.Now().Add(r.reconnectWindow).UnixNano()
	for {
		cur := r.reconnectWindowUntil.Load()
		if until <= cur {
			break
		}
		if r.reconnectWindowUntil.CompareAndSwap(cur, until) {
			break
		}
	}
	r.lastReconnectAt.Store(time.Now().UnixNano())
}

// InReconnectWindow reports whether in-memory "order absent" answers are
// currently provisional.
func (r *Reconciler) InReconnectWindow() bool {
	return time.Now().UnixNano() < r.reconnectWindowUntil.Load()
}

// LastReconnectAt returns the time of the most recent stream (re)connect.
func (r *Reconciler) LastReconnectAt() time.Time {
	ns := r.lastReconnectAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ReconcileSymbolOrders fetches the open-orders snapshot and upserts every
// row for symbol. Rate-limited to one call per cooldown period per symbol.
// The snapshot may be partial, so rows present in the store but missing
// from the snapshot are NOT marked INACTIVE — the stream owns INACTIVE
// transitions.
func (r *Reconciler) ReconcileSymbolOrders(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	if _, onCooldown := r.cooldowns.Get(symbol); onCooldown {
		return nil
	}
	r.cooldowns.SetDefault(symbol, struct{}{})

	rows, err := r.fetcher.OpenOrders(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrSnapshotUnavailable) {
			r.logger.Debug("open-orders snapshot unavailable, relying on stream", "symbol", symbol)
			return nil
		}
		return fmt.Errorf("reconcile %s: %w", symbol, err)
	}

	n := 0
	for _, row := range rows {
		if !strings.EqualFold(row.Symbol, symbol) {
			continue
		}
		r.UpsertOrder(types.Order{
			BrokerOrderID: row.OrderID,
			Symbol:        row.Symbol,
			Side:          types.ParseSide(row.Side),
			TypeRaw:       row.Type,
			StatusRaw:     row.Status,
			LimitPrice:    row.LimitPrice,
			StopPrice:     row.StopPrice,
			Qty:           row.Qty,
			RemainingQty:  row.RemainingQty,
		}, types.SourceRESTSnapshot)
		n++
	}
	r.logger.Debug("symbol reconciled", "symbol", symbol, "orders", n)
	return nil
}

// ReconcileAllOrders fetches the open-orders snapshot and upserts every row,
// bypassing the per-symbol cooldown. Run after a stream (re)connect so fills
// and cancels that happened during the gap are observed.
func (r *Reconciler) ReconcileAllOrders(ctx context.Context) error {
	rows, err := r.fetcher.OpenOrders(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrSnapshotUnavailable) {
			r.logger.Debug("open-orders snapshot unavailable, relying on stream")
			return nil
		}
		return fmt.Errorf("reconcile all: %w", err)
	}
	for _, row := range rows {
		r.UpsertOrder(types.Order{
			BrokerOrderID: row.OrderID,
			Symbol:        row.Symbol,
			Side:          types.ParseSide(row.Side),
			TypeRaw:       row.Type,
			StatusRaw:     row.Status,
			LimitPrice:    row.LimitPrice,
			StopPrice:     row.StopPrice,
			Qty:           row.Qty,
			RemainingQty:  row.RemainingQty,
		}, types.SourceRESTSnapshot)
	}
	r.logger.Info("full order snapshot reconciled", "orders", len(rows))
	return nil
}

// Rehydrate loads all statusNorm=ACTIVE order rows from the store into the
// caches, then schedules a paced reconcile for each distinct symbol so the
// snapshot can correct anything that terminated during downtime.
func (r *Reconciler) Rehydrate(ctx context.Context, pacing time.Duration) error {
	rows, err := r.db.LoadAllActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	symbols := make(map[string]struct{})
	r.mu.Lock()
	for _, o := range rows {
		r.orders[o.BrokerOrderID] = o
		key := indexKey(o.Symbol, o.Side)
		if r.active[key] == nil {
			r.active[key] = make(map[string]struct{})
		}
		r.active[key][o.BrokerOrderID] = struct{}{}
		symbols[o.Symbol] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("rehydrated active orders", "orders", len(rows), "symbols", len(symbols))

	for symbol := range symbols {
		if err := r.ReconcileSymbolOrders(ctx, symbol); err != nil {
			r.logger.Warn("startup reconcile failed", "symbol", symbol, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pacing):
		}
	}

	r.rehydrated.Store(true)
	return nil
}

// RehydrationComplete reports whether startup rehydration has finished.
func (r *Reconciler) RehydrationComplete() bool { return r.rehydrated.Load() }
