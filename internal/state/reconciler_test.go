package state

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"stopkeeper/internal/broker"
	"stopkeeper/internal/store"
	"stopkeeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeFetcher serves a scripted open-orders snapshot and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	rows  []types.SnapshotOrder
	err   error
	calls int
}

func (f *fakeFetcher) OpenOrders(ctx context.Context) ([]types.SnapshotOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.rows, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestReconciler(f *fakeFetcher) (*Reconciler, *store.Memory, *store.Writer) {
	mem := store.NewMemory()
	w := store.NewWriter(mem, time.Millisecond, time.Hour, testLogger())
	r := New(f, mem, w, 30*time.Second, 5*time.Second, testLogger())
	return r, mem, w
}

func TestUpsertOrderMaintainsIndex(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	r.UpsertOrder(types.Order{
		BrokerOrderID: "S1", Symbol: "aapl", Side: types.Sell,
		TypeRaw: "stop_limit", StatusRaw: "ACK", Qty: 500,
	}, types.SourceStream)

	got, ok := r.ActiveStopLimitSell("AAPL")
	if !ok {
		t.Fatal("active stop-limit sell not found after ACK upsert")
	}
	if got.BrokerOrderID != "S1" {
		t.Errorf("order = %q, want S1", got.BrokerOrderID)
	}
	if got.Symbol != "AAPL" {
		t.Errorf("symbol not upper-cased: %q", got.Symbol)
	}

	// Terminal status removes it from the index.
	r.UpsertOrder(types.Order{
		BrokerOrderID: "S1", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "stop_limit", StatusRaw: "CAN",
	}, types.SourceStream)

	if _, ok := r.ActiveStopLimitSell("AAPL"); ok {
		t.Error("cancelled order still in active index")
	}
}

func TestUpsertOrderIdempotent(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	o := types.Order{BrokerOrderID: "S1", Symbol: "AAPL", Side: types.Sell, TypeRaw: "stop_limit", StatusRaw: "ACK"}
	r.UpsertOrder(o, types.SourceStream)
	r.UpsertOrder(o, types.SourceStream)

	if n := r.ActiveOrderCount(); n != 1 {
		t.Errorf("ActiveOrderCount = %d, want 1", n)
	}
}

func TestActiveStopLimitSellIgnoresOtherTypes(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	r.UpsertOrder(types.Order{
		BrokerOrderID: "L1", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "limit", StatusRaw: "ACK",
	}, types.SourceStream)

	if _, ok := r.ActiveStopLimitSell("AAPL"); ok {
		t.Error("plain limit sell matched as stop-limit")
	}
}

func TestActiveStopLimitSellPrefersOldest(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	older := time.Now().Add(-time.Minute)
	r.UpsertOrder(types.Order{
		BrokerOrderID: "S1", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "stop_limit", StatusRaw: "ACK", OpenedAt: older,
	}, types.SourceStream)
	r.UpsertOrder(types.Order{
		BrokerOrderID: "S2", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "STOP_LIMIT", StatusRaw: "NEW",
	}, types.SourceStream)

	got, ok := r.ActiveStopLimitSell("AAPL")
	if !ok || got.BrokerOrderID != "S1" {
		t.Errorf("got %q, want oldest S1", got.BrokerOrderID)
	}
}

func TestStreamUpsertKeepsRawPayload(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	raw := []byte(`{"orderId":"S1","status":"ACK","venue":"arca"}`)
	got := r.UpsertOrderFromStream(types.OrderUpdate{
		BrokerOrderID: "S1", Symbol: "AAPL", Side: "sell",
		Type: "stop_limit", Status: "ACK",
	}, raw)

	if string(got.Raw) != string(raw) {
		t.Errorf("Raw = %s, want the stream payload echoed through", got.Raw)
	}
	if o, ok := r.Order("S1"); !ok || string(o.Raw) != string(raw) {
		t.Errorf("cached Raw = %s, want the stream payload", o.Raw)
	}
}

func TestUpsertPositionEmitsClosedEvent(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	r.UpsertPosition("TRX", 100, 18.0)
	select {
	case sym := <-r.PositionClosed():
		t.Fatalf("unexpected closed event for %q", sym)
	default:
	}

	r.UpsertPosition("TRX", 0, 0)
	select {
	case sym := <-r.PositionClosed():
		if sym != "TRX" {
			t.Errorf("closed symbol = %q, want TRX", sym)
		}
	case <-time.After(time.Second):
		t.Fatal("no position-closed event for zero quantity")
	}
}

func TestReconcileSymbolOrdersCooldown(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{rows: []types.SnapshotOrder{
		{OrderID: "S1", Symbol: "AAPL", Side: "sell", Type: "stop_limit", Status: "ACK", Qty: 500},
		{OrderID: "X1", Symbol: "PLTR", Side: "buy", Type: "limit", Status: "ACK", Qty: 10},
	}}
	r, _, _ := newTestReconciler(f)
	ctx := context.Background()

	if err := r.ReconcileSymbolOrders(ctx, "AAPL"); err != nil {
		t.Fatalf("ReconcileSymbolOrders: %v", err)
	}
	// Only the AAPL row lands.
	if _, ok := r.Order("S1"); !ok {
		t.Error("AAPL snapshot row not upserted")
	}
	if _, ok := r.Order("X1"); ok {
		t.Error("PLTR row upserted during AAPL reconcile")
	}

	// Second call within the cooldown is a no-op.
	_ = r.ReconcileSymbolOrders(ctx, "AAPL")
	if got := f.callCount(); got != 1 {
		t.Errorf("fetcher calls = %d, want 1 (cooldown)", got)
	}

	// A different symbol is not on cooldown.
	_ = r.ReconcileSymbolOrders(ctx, "PLTR")
	if got := f.callCount(); got != 2 {
		t.Errorf("fetcher calls = %d, want 2", got)
	}
}

func TestReconcileSnapshotUnavailableIsNotFatal(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{err: broker.ErrSnapshotUnavailable}
	r, _, _ := newTestReconciler(f)

	if err := r.ReconcileSymbolOrders(context.Background(), "AAPL"); err != nil {
		t.Errorf("snapshot 404 should not be an error, got %v", err)
	}
}

func TestReconnectWindow(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	if r.InReconnectWindow() {
		t.Error("window open before any reconnect")
	}
	r.ReconnectBarrier()
	if !r.InReconnectWindow() {
		t.Error("window not open after barrier")
	}
	if r.LastReconnectAt().IsZero() {
		t.Error("LastReconnectAt not recorded")
	}
}

func TestRehydrateLoadsActiveOrders(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{}
	r, mem, _ := newTestReconciler(f)
	ctx := context.Background()

	_ = mem.UpsertOrderState(ctx, types.Order{
		BrokerOrderID: "S1", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "stop_limit", StatusRaw: "ACK", StatusNorm: types.StatusActive, Qty: 500,
	})
	_ = mem.UpsertOrderState(ctx, types.Order{
		BrokerOrderID: "B9", Symbol: "TRX", Side: types.Buy,
		TypeRaw: "limit", StatusRaw: "FIL", StatusNorm: types.StatusInactive,
	})

	if err := r.Rehydrate(ctx, time.Millisecond); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if !r.RehydrationComplete() {
		t.Error("RehydrationComplete = false after Rehydrate")
	}
	if _, ok := r.ActiveStopLimitSell("AAPL"); !ok {
		t.Error("rehydrated stop-limit not in index")
	}
	if n := r.ActiveOrderCount(); n != 1 {
		t.Errorf("ActiveOrderCount = %d, want 1 (INACTIVE rows excluded)", n)
	}
	if f.callCount() == 0 {
		t.Error("rehydrate did not schedule per-symbol reconcile")
	}
}

func TestUnknownStatusGoesInactive(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestReconciler(&fakeFetcher{})

	got := r.UpsertOrder(types.Order{
		BrokerOrderID: "S1", Symbol: "AAPL", Side: types.Sell,
		TypeRaw: "stop_limit", StatusRaw: "SOMETHING_NEW",
	}, types.SourceStream)

	if got.StatusNorm != types.StatusInactive {
		t.Errorf("unknown status normalized to %v, want INACTIVE", got.StatusNorm)
	}
	if _, ok := r.ActiveStopLimitSell("AAPL"); ok {
		t.Error("unknown-status order in active index")
	}
}
