// Package lifecycle owns the stop-limit repository and the decisions that
// keep every open long position covered by exactly one protective stop-limit
// sell.
//
// Every entry point funnels through the per-symbol lock registry, so events
// for one symbol are handled strictly one at a time while different symbols
// proceed in parallel. The engine never decides WHETHER to protect a
// position, only HOW: a buy fill either modifies the tracked order's
// quantity to the current position size or creates a fresh stop-limit.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stopkeeper/internal/broker"
	"stopkeeper/internal/config"
	"stopkeeper/internal/state"
	"stopkeeper/internal/store"
	"stopkeeper/internal/symlock"
	"stopkeeper/pkg/types"
)

// Broker is the slice of the REST client the engine mutates orders through.
type Broker interface {
	PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.PlaceOrderResponse, error)
	ModifyOrderQuantity(ctx context.Context, orderID string, qty float64) error
	ModifyOrderStopPrice(ctx context.Context, orderID string, stopPrice, limitPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
}

// FillEvent is one buy fill handed to OnBuyFilled.
type FillEvent struct {
	BrokerOrderID string
	Symbol        string
	// Price is the fill (limit) price when the stream carries one; zero
	// falls back to the position's average price.
	Price float64
	Qty   float64
	// Tracked marks fills of buys registered through the operator API.
	// Untracked fills inside a reconnect window take the shorter fallback
	// position-wait.
	Tracked bool
}

// Engine applies the stop-limit lifecycle rules.
type Engine struct {
	broker Broker
	db     store.Store
	rec    *state.Reconciler
	locks  *symlock.Registry
	cfg    config.StopLimitConfig

	// groups returns the current trailing-stop group table; it is a
	// closure so hot config swaps never require restarting the engine.
	groups func() *config.TrackerConfig

	repoMu sync.RWMutex
	repo   map[string]types.StopLimitEntry // symbol → repository entry

	pendingMu   sync.Mutex
	pendingBuys map[string]struct{}

	logger *slog.Logger
}

// New creates the lifecycle engine. groups must never return nil.
func New(b Broker, db store.Store, rec *state.Reconciler, locks *symlock.Registry,
	cfg config.StopLimitConfig, groups func() *config.TrackerConfig, logger *slog.Logger) *Engine {
	return &Engine{
		broker:      b,
		db:          db,
		rec:         rec,
		locks:       locks,
		cfg:         cfg,
		groups:      groups,
		repo:        make(map[string]types.StopLimitEntry),
		pendingBuys: make(map[string]struct{}),
		logger:      logger.With("component", "lifecycle"),
	}
}

// Restore loads still-active repository entries from the store. Called once
// on startup before any stream event is processed.
func (e *Engine) Restore(ctx context.Context) error {
	rows, err := e.db.LoadAllActiveStopLimitEntries(ctx)
	if err != nil {
		return err
	}
	e.repoMu.Lock()
	for _, entry := range rows {
		e.repo[entry.Symbol] = entry
	}
	e.repoMu.Unlock()
	e.logger.Info("stop-limit repository restored", "entries", len(rows))
	return nil
}

// RegisterPendingBuy marks a manually placed buy so its fill takes the
// tracked path (full position-wait) instead of the fallback path.
func (e *Engine) RegisterPendingBuy(brokerOrderID string) {
	e.pendingMu.Lock()
	e.pendingBuys[brokerOrderID] = struct{}{}
	e.pendingMu.Unlock()
}

func (e *Engine) consumePendingBuy(brokerOrderID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pendingBuys[brokerOrderID]; ok {
		delete(e.pendingBuys, brokerOrderID)
		return true
	}
	return false
}

// HandleOrderUpdate routes one normalized order observation: buy fills go to
// OnBuyFilled, everything else to OnOrderStatusChange. The reconciler has
// already applied the update to the caches before this is called.
func (e *Engine) HandleOrderUpdate(ctx context.Context, order types.Order) Outcome {
	if order.Side == types.Buy && types.IsFillStatus(order.StatusRaw) {
		tracked := e.consumePendingBuy(order.BrokerOrderID)
		if !tracked && !fallbackEligible(order.TypeRaw) {
			return skipped("untracked_order_type")
		}
		price := order.FillPrice
		if price <= 0 {
			price = order.LimitPrice
		}
		return e.OnBuyFilled(ctx, FillEvent{
			BrokerOrderID: order.BrokerOrderID,
			Symbol:        order.Symbol,
			Price:         price,
			Qty:           order.Qty,
			Tracked:       tracked,
		})
	}
	return e.OnOrderStatusChange(ctx, order)
}

// fallbackEligible reports whether an untracked buy fill should still drive
// protection: plain limit, empty, or unknown types qualify; market and
// stop-limit buys do not.
func fallbackEligible(typeRaw string) bool {
	if types.IsStopLimit(typeRaw) {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(typeRaw), string(types.OrderTypeMarket))
}

// OnBuyFilled covers a freshly (re)filled long position: modify the tracked
// stop-limit's quantity to the CURRENT position size, or create a new
// stop-limit when none exists.
func (e *Engine) OnBuyFilled(ctx context.Context, fill FillEvent) Outcome {
	symbol := strings.ToUpper(fill.Symbol)
	if symbol == "" {
		return skipped("no_symbol")
	}
	release := e.locks.Acquire(symbol)
	defer release()

	log := e.logger.With("symbol", symbol, "fill_order", fill.BrokerOrderID)

	// Replay guard: the repository remembers which fill last drove it.
	if entry, ok := e.entry(symbol); ok && entry.CreatedByFill == fill.BrokerOrderID {
		log.Debug("fill already handled")
		return noop("fill_already_handled")
	}

	// Untracked fills get the full wait too, except inside a reconnect
	// window, where snapshots are already refreshing state and a missing
	// position is resolved faster by skipping.
	wait := e.cfg.PositionWait
	if !fill.Tracked && e.rec.InReconnectWindow() {
		wait = e.cfg.FallbackWait
	}

	// The Positions stream may lag the Orders stream; wait for the position
	// to appear before acting, then fall back to the durable store.
	var pos types.Position
	found := waitFor(ctx, e.cfg.PollInterval, wait, func() bool {
		p, ok := e.rec.Position(symbol)
		if ok && p.Quantity > 0 {
			pos = p
			return true
		}
		return false
	})
	if !found {
		if p, err := e.db.FindPosition(ctx, symbol); err == nil && p.Quantity > 0 {
			pos = *p
		} else {
			log.Warn("no position visible after buy fill, skipping", "waited", wait)
			return skipped("position_missing")
		}
	}

	if entry, ok := e.resolveActive(ctx, symbol); ok {
		return e.modifyForFill(ctx, log, symbol, entry, pos, fill)
	}
	return e.createForFill(ctx, log, symbol, pos, fill)
}

// modifyForFill is the rebuy path: one modify_order_quantity carrying the
// current position quantity.
func (e *Engine) modifyForFill(ctx context.Context, log *slog.Logger, symbol string,
	entry types.StopLimitEntry, pos types.Position, fill FillEvent) Outcome {

	// If the cached quantity still equals what the order already covers,
	// the positions stream has not applied this fill yet. Give it the same
	// wait window so a single modify carries the final number.
	if pos.Quantity == entry.Qty {
		waitFor(ctx, e.cfg.PollInterval, e.cfg.PositionWait, func() bool {
			p, ok := e.rec.Position(symbol)
			if ok && p.Quantity > 0 && p.Quantity != entry.Qty {
				pos = p
				return true
			}
			return false
		})
	}
	if pos.Quantity == entry.Qty {
		entry.CreatedByFill = fill.BrokerOrderID
		e.persistEntry(ctx, entry)
		return noop("quantity_already_current")
	}

	err := e.broker.ModifyOrderQuantity(ctx, entry.OrderID, pos.Quantity)
	switch {
	case err == nil:
		entry.Qty = pos.Quantity
		entry.CreatedByFill = fill.BrokerOrderID
		e.persistEntry(ctx, entry)
		log.Info("stop-limit quantity updated", "order", entry.OrderID, "qty", pos.Quantity)
		return modified()
	case broker.IsTerminalOrderError(err):
		// The tracked order died upstream while we thought it was live.
		log.Warn("modify hit terminal order, recreating", "order", entry.OrderID, "error", err)
		e.removeEntry(ctx, symbol)
		return e.createForFill(ctx, log, symbol, pos, fill)
	default:
		log.Error("modify quantity failed", "order", entry.OrderID, "error", err)
		return failed(classifyBrokerError(err), err)
	}
}

// createForFill places a fresh protective stop-limit sell for the position.
func (e *Engine) createForFill(ctx context.Context, log *slog.Logger, symbol string,
	pos types.Position, fill FillEvent) Outcome {

	basePrice := fill.Price
	if basePrice <= 0 {
		basePrice = pos.AveragePrice
	}
	group := e.groups().GroupForPrice(basePrice)
	if group == nil {
		log.Warn("no enabled price group for fill, leaving position unprotected", "price", basePrice)
		return noop("no_price_group")
	}
	stopPrice := types.RoundCents(basePrice + group.InitialStopPriceOffset)

	orderID, statusRaw, err := e.placeStopLimit(ctx, log, symbol, pos.Quantity, stopPrice)
	if err != nil {
		log.Error("stop-limit creation failed", "error", err)
		return failed(classifyBrokerError(err), err)
	}

	entry := types.StopLimitEntry{
		Symbol:        symbol,
		OrderID:       orderID,
		OpenedAt:      time.Now(),
		StatusRaw:     statusRaw,
		CreatedByFill: fill.BrokerOrderID,
		Qty:           pos.Quantity,
		StopPrice:     stopPrice,
	}
	e.persistEntry(ctx, entry)
	log.Info("stop-limit created", "order", orderID, "qty", pos.Quantity, "stop", stopPrice)

	e.verifyNoDuplicate(ctx, log, symbol, orderID)
	return created()
}

// placeStopLimit submits the order and, when the submit times out, checks
// whether it landed anyway before retrying — the broker may have accepted an
// order whose response was lost.
func (e *Engine) placeStopLimit(ctx context.Context, log *slog.Logger,
	symbol string, qty, stopPrice float64) (orderID, statusRaw string, err error) {

	req := types.PlaceOrderRequest{
		Symbol:     symbol,
		Side:       types.Sell,
		Type:       types.OrderTypeStopLimit,
		Qty:        qty,
		LimitPrice: stopPrice,
		StopPrice:  stopPrice,
	}

	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(e.cfg.PostCreateCheck):
			}
		}

		resp, placeErr := e.broker.PlaceOrder(ctx, req)
		if placeErr == nil {
			return resp.OrderID, resp.Status, nil
		}
		err = placeErr
		if classifyBrokerError(placeErr) != FailTransientUpstream {
			return "", "", placeErr
		}

		// Ambiguous outcome: reconcile and look for a sell that matches
		// what we just tried to place.
		log.Warn("place_order inconclusive, checking broker state",
			"attempt", attempt+1, "error", placeErr)
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(2 * e.cfg.PostCreateCheck):
		}
		_ = e.rec.ReconcileSymbolOrders(ctx, symbol)
		if o, ok := e.rec.ActiveStopLimitSell(symbol); ok {
			log.Info("adopting stop-limit found after inconclusive place", "order", o.BrokerOrderID)
			return o.BrokerOrderID, o.StatusRaw, nil
		}
	}
	return "", "", err
}

// verifyNoDuplicate re-checks the symbol shortly after a create. If a race
// left two active stop-limit sells, the newer one is cancelled and the
// repository is pointed at the survivor.
func (e *Engine) verifyNoDuplicate(ctx context.Context, log *slog.Logger, symbol, createdID string) {
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PostCreateCheck):
		}

		sells := e.rec.ActiveStopLimitSells(symbol)
		if len(sells) == 0 {
			// Our own ACK has not streamed back yet; inconclusive, look
			// once more.
			continue
		}
		if len(sells) == 1 {
			return
		}

		oldest, newest := sells[0], sells[len(sells)-1]
		log.Error("ALERT duplicate active stop-limits detected",
			"symbol", symbol, "keeping", oldest.BrokerOrderID, "cancelling", newest.BrokerOrderID)
		if err := e.broker.CancelOrder(ctx, newest.BrokerOrderID); err != nil {
			log.Error("duplicate cancel failed", "order", newest.BrokerOrderID, "error", err)
			return
		}
		if newest.BrokerOrderID == createdID {
			// We cancelled our own creation; track the survivor instead.
			if entry, ok := e.entry(symbol); ok {
				entry.OrderID = oldest.BrokerOrderID
				entry.OpenedAt = oldest.OpenedAt
				entry.StatusRaw = oldest.StatusRaw
				entry.Qty = oldest.Qty
				entry.StopPrice = oldest.StopPrice
				e.persistEntry(ctx, entry)
			}
		}
		return
	}
}

// OnPositionUpdate re-syncs the tracked order's quantity when the position
// changes outside a fill (partial manual sells, broker adjustments).
func (e *Engine) OnPositionUpdate(ctx context.Context, symbol string) Outcome {
	symbol = strings.ToUpper(symbol)
	release := e.locks.Acquire(symbol)
	defer release()

	pos, ok := e.rec.Position(symbol)
	if !ok || pos.Quantity <= 0 {
		// Zero quantity arrives separately as a position-closed event.
		return noop("no_open_position")
	}
	entry, ok := e.entry(symbol)
	if !ok {
		return noop("no_tracked_order")
	}
	if entry.Qty == pos.Quantity {
		return noop("quantity_current")
	}

	err := e.broker.ModifyOrderQuantity(ctx, entry.OrderID, pos.Quantity)
	switch {
	case err == nil:
		entry.Qty = pos.Quantity
		e.persistEntry(ctx, entry)
		e.logger.Info("stop-limit quantity re-synced",
			"symbol", symbol, "order", entry.OrderID, "qty", pos.Quantity)
		return modified()
	case broker.IsTerminalOrderError(err):
		e.logger.Warn("tracked order terminal during re-sync, dropping entry",
			"symbol", symbol, "order", entry.OrderID)
		e.removeEntry(ctx, symbol)
		return skipped("order_terminal")
	default:
		return failed(classifyBrokerError(err), err)
	}
}

// OnPositionClosed cancels the protective order once the position it covered
// is gone and clears the repository entry.
func (e *Engine) OnPositionClosed(ctx context.Context, symbol string) Outcome {
	symbol = strings.ToUpper(symbol)
	release := e.locks.Acquire(symbol)
	defer release()

	entry, ok := e.entry(symbol)
	if !ok {
		return noop("no_tracked_order")
	}

	if err := e.broker.CancelOrder(ctx, entry.OrderID); err != nil && !broker.IsTerminalOrderError(err) {
		e.logger.Error("cancel after position close failed",
			"symbol", symbol, "order", entry.OrderID, "error", err)
		// Still drop the entry: with no position there is nothing to
		// protect, and the reconciler keeps watching the order itself.
	}
	e.removeEntry(ctx, symbol)
	e.logger.Info("stop-limit released after position close", "symbol", symbol, "order", entry.OrderID)
	return modified()
}

// OnOrderStatusChange keeps the repository entry's status mirror current and
// drops the entry when the tracked order reaches a terminal state.
func (e *Engine) OnOrderStatusChange(ctx context.Context, order types.Order) Outcome {
	symbol := strings.ToUpper(order.Symbol)
	if symbol == "" {
		return noop("no_symbol")
	}
	release := e.locks.Acquire(symbol)
	defer release()

	entry, ok := e.entry(symbol)
	if !ok || entry.OrderID != order.BrokerOrderID {
		return noop("untracked_order")
	}

	entry.StatusRaw = order.StatusRaw
	if len(order.Raw) > 0 {
		entry.Order = order.Raw
	}
	if types.IsTerminalStatus(order.StatusRaw) {
		e.removeEntry(ctx, symbol)
		e.logger.Info("tracked stop-limit reached terminal state",
			"symbol", symbol, "order", order.BrokerOrderID, "status", order.StatusRaw)
		return modified()
	}
	e.persistEntry(ctx, entry)
	return modified()
}

// OnTrackerStepAdvance raises the tracked order's stop price. Stops only
// ever move up; a target at or below the current stop is ignored.
func (e *Engine) OnTrackerStepAdvance(ctx context.Context, symbol string, newStop float64) Outcome {
	symbol = strings.ToUpper(symbol)
	release := e.locks.Acquire(symbol)
	defer release()

	entry, ok := e.resolveActive(ctx, symbol)
	if !ok {
		return skipped("no_active_stoplimit")
	}
	if newStop <= entry.StopPrice {
		return noop("stop_not_raised")
	}

	err := e.broker.ModifyOrderStopPrice(ctx, entry.OrderID, newStop, newStop)
	switch {
	case err == nil:
		entry.StopPrice = newStop
		e.persistEntry(ctx, entry)
		e.logger.Info("stop price raised", "symbol", symbol, "order", entry.OrderID, "stop", newStop)
		return modified()
	case broker.IsTerminalOrderError(err):
		e.logger.Warn("tracked order terminal during stop raise, dropping entry",
			"symbol", symbol, "order", entry.OrderID)
		e.removeEntry(ctx, symbol)
		return skipped("order_terminal")
	default:
		return failed(classifyBrokerError(err), err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Repository access
// ————————————————————————————————————————————————————————————————————————

// resolveActive is the authoritative "does a protective order exist" check:
// in-memory repository, then the durable store, then the live order index.
// Inside a reconnect window a snapshot reconcile runs first, so a stale
// "absent" answer cannot cause a duplicate create.
func (e *Engine) resolveActive(ctx context.Context, symbol string) (types.StopLimitEntry, bool) {
	if e.rec.InReconnectWindow() {
		if err := e.rec.ReconcileSymbolOrders(ctx, symbol); err != nil {
			e.logger.Warn("reconnect-window reconcile failed", "symbol", symbol, "error", err)
		}
	}

	if entry, ok := e.entry(symbol); ok {
		return entry, true
	}
	if row, err := e.db.FindActiveStopLimitBySymbol(ctx, symbol); err == nil {
		e.setEntry(*row)
		return *row, true
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("repository lookup failed", "symbol", symbol, "error", err)
	}
	if o, ok := e.rec.ActiveStopLimitSell(symbol); ok {
		entry := types.StopLimitEntry{
			Symbol:    symbol,
			OrderID:   o.BrokerOrderID,
			OpenedAt:  o.OpenedAt,
			StatusRaw: o.StatusRaw,
			Qty:       o.Qty,
			StopPrice: o.StopPrice,
		}
		e.logger.Info("adopting untracked stop-limit", "symbol", symbol, "order", o.BrokerOrderID)
		e.persistEntry(ctx, entry)
		return entry, true
	}
	return types.StopLimitEntry{}, false
}

func (e *Engine) entry(symbol string) (types.StopLimitEntry, bool) {
	e.repoMu.RLock()
	defer e.repoMu.RUnlock()
	entry, ok := e.repo[symbol]
	if !ok || !entry.IsActive() {
		return types.StopLimitEntry{}, false
	}
	return entry, true
}

func (e *Engine) setEntry(entry types.StopLimitEntry) {
	e.repoMu.Lock()
	e.repo[entry.Symbol] = entry
	e.repoMu.Unlock()
}

// persistEntry updates memory and writes through to the store synchronously.
// Repository writes are never debounced: this row is what prevents duplicate
// protective orders across restarts.
func (e *Engine) persistEntry(ctx context.Context, entry types.StopLimitEntry) {
	e.setEntry(entry)
	if err := e.db.UpsertStopLimitEntry(ctx, entry); err != nil {
		e.logger.Error("repository write failed, in-memory copy is authoritative",
			"symbol", entry.Symbol, "error", err)
	}
}

func (e *Engine) removeEntry(ctx context.Context, symbol string) {
	e.repoMu.Lock()
	delete(e.repo, symbol)
	e.repoMu.Unlock()
	if err := e.db.DeleteStopLimitEntry(ctx, symbol); err != nil {
		e.logger.Error("repository delete failed", "symbol", symbol, "error", err)
	}
}

// ActiveEntries snapshots the repository for the status endpoint.
func (e *Engine) ActiveEntries() []types.StopLimitEntry {
	e.repoMu.RLock()
	defer e.repoMu.RUnlock()
	out := make([]types.StopLimitEntry, 0, len(e.repo))
	for _, entry := range e.repo {
		if entry.IsActive() {
			out = append(out, entry)
		}
	}
	return out
}

// classifyBrokerError folds transport errors into the retry taxonomy:
// circuit-open, 429, 5xx, and network timeouts are transient; other API
// rejections are permanent.
func classifyBrokerError(err error) FailureKind {
	if errors.Is(err, broker.ErrCircuitOpen) {
		return FailTransientUpstream
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return FailTransientUpstream
		}
		return FailPermanentUpstream
	}
	return FailTransientUpstream
}
