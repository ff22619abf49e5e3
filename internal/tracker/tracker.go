// Package tracker raises protective stop prices as open positions move into
// profit.
//
// Quotes are debounced per symbol (only the last quote in each window is
// evaluated). For each quote the tracker computes the position's open PnL,
// finds the price group covering the average buy price, and ratchets through
// the group's steps: once PnL crosses the next step's threshold the step
// index advances by one and the stop is raised to avgPrice + step offset.
// A spike across several thresholds is absorbed over successive windows.
// Steps only ever advance; a pullback in price never lowers the stop.
package tracker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stopkeeper/internal/lifecycle"
	"stopkeeper/internal/state"
	"stopkeeper/internal/store"
	"stopkeeper/pkg/types"
)

// Advancer is the slice of the lifecycle engine the tracker drives.
type Advancer interface {
	OnTrackerStepAdvance(ctx context.Context, symbol string, newStop float64) lifecycle.Outcome
}

// Tracker consumes the quote stream and advances trailing-stop steps.
type Tracker struct {
	rec      *state.Reconciler
	db       store.Store
	writer   *store.Writer
	cfgStore *ConfigStore
	advancer Advancer
	debounce time.Duration

	mu       sync.Mutex
	latest   map[string]float64 // symbol → last quote in the open window
	pending  map[string]bool    // symbol → debounce timer armed
	progress map[string]types.TrackerProgress

	logger *slog.Logger
}

// New creates a tracker. Call Restore before feeding quotes.
func New(rec *state.Reconciler, db store.Store, writer *store.Writer, cfgStore *ConfigStore,
	advancer Advancer, debounce time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		rec:      rec,
		db:       db,
		writer:   writer,
		cfgStore: cfgStore,
		advancer: advancer,
		debounce: debounce,
		latest:   make(map[string]float64),
		pending:  make(map[string]bool),
		progress: make(map[string]types.TrackerProgress),
		logger:   logger.With("component", "tracker"),
	}
}

// Restore loads persisted step progress so a restart does not re-raise stops
// from step zero.
func (t *Tracker) Restore(ctx context.Context) error {
	rows, err := t.db.LoadAllTrackerProgress(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, p := range rows {
		t.progress[p.Symbol] = p
	}
	t.mu.Unlock()
	t.logger.Info("tracker progress restored", "symbols", len(rows))
	return nil
}

// OnQuote records a quote and arms the per-symbol debounce window. Quotes
// for symbols with no open position are evaluated and discarded cheaply.
func (t *Tracker) OnQuote(ctx context.Context, q types.Quote) {
	symbol := strings.ToUpper(q.Symbol)
	if symbol == "" || q.Last <= 0 {
		return
	}

	t.mu.Lock()
	t.latest[symbol] = q.Last
	if t.pending[symbol] {
		t.mu.Unlock()
		return
	}
	t.pending[symbol] = true
	t.mu.Unlock()

	time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		last := t.latest[symbol]
		delete(t.pending, symbol)
		t.mu.Unlock()
		t.evaluate(ctx, symbol, last)
	})
}

// Evaluate runs one evaluation immediately, bypassing the debounce window.
// Used by tests and by the startup path after progress restore.
func (t *Tracker) Evaluate(ctx context.Context, symbol string, last float64) {
	t.evaluate(ctx, strings.ToUpper(symbol), last)
}

func (t *Tracker) evaluate(ctx context.Context, symbol string, last float64) {
	pos, ok := t.rec.Position(symbol)
	if !ok || pos.Quantity <= 0 {
		return
	}

	cfg := t.cfgStore.Current()
	group := cfg.GroupForPrice(pos.AveragePrice)
	if group == nil || len(group.Steps) == 0 {
		return
	}

	t.mu.Lock()
	prog, ok := t.progress[symbol]
	if !ok || prog.GroupID != group.GroupID {
		prog = types.TrackerProgress{Symbol: symbol, GroupID: group.GroupID, StepIndex: -1}
	}
	t.mu.Unlock()

	pnl := (last - pos.AveragePrice) * pos.Quantity

	// One step per evaluation: a PnL spike that clears several thresholds
	// still raises the stop gradually, one debounce window at a time.
	target := prog.StepIndex + 1
	if target >= len(group.Steps) || pnl < group.Steps[target].PnL {
		return
	}

	newStop := types.RoundCents(pos.AveragePrice + group.Steps[target].Stop)
	out := t.advancer.OnTrackerStepAdvance(ctx, symbol, newStop)
	switch out.Result {
	case lifecycle.ResultModified, lifecycle.ResultNoOp:
		// NoOp means the stop already sits at or above the target; the
		// step is still consumed so it is not re-raised on every quote.
	default:
		t.logger.Warn("step advance not applied", "symbol", symbol,
			"step", target, "stop", newStop, "outcome", out.String())
		return
	}

	prog.StepIndex = target
	prog.LastPnL = pnl
	prog.LastUpdate = time.Now()
	t.mu.Lock()
	t.progress[symbol] = prog
	t.mu.Unlock()

	p := prog
	t.writer.Enqueue("progress:"+symbol, func(ctx context.Context) error {
		return t.db.UpsertTrackerProgress(ctx, p)
	})
	t.logger.Info("trailing step advanced", "symbol", symbol,
		"group", group.GroupID, "step", target, "stop", newStop, "pnl", pnl)
}

// Reset clears a symbol's progress once its position is closed.
func (t *Tracker) Reset(ctx context.Context, symbol string) {
	symbol = strings.ToUpper(symbol)
	t.mu.Lock()
	delete(t.progress, symbol)
	delete(t.latest, symbol)
	t.mu.Unlock()

	if err := t.db.DeleteTrackerProgress(ctx, symbol); err != nil {
		t.logger.Error("progress delete failed", "symbol", symbol, "error", err)
	}
}

// StepIndex reports the current step for symbol, -1 when untouched.
func (t *Tracker) StepIndex(symbol string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.progress[strings.ToUpper(symbol)]; ok {
		return p.StepIndex
	}
	return -1
}
