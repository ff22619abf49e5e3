package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"stopkeeper/pkg/types"
)

func testWriterLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemoryOrderStateRoundTrip(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	order := types.Order{
		BrokerOrderID: "B1", Symbol: "AAPL", Side: types.Buy,
		TypeRaw: "limit", StatusRaw: "ACK", StatusNorm: types.StatusActive, Qty: 500,
	}
	if err := m.UpsertOrderState(ctx, order); err != nil {
		t.Fatalf("UpsertOrderState: %v", err)
	}

	active, err := m.LoadAllActiveOrders(ctx)
	if err != nil {
		t.Fatalf("LoadAllActiveOrders: %v", err)
	}
	if len(active) != 1 || active[0].BrokerOrderID != "B1" {
		t.Fatalf("active = %+v, want [B1]", active)
	}

	order.StatusRaw = "FIL"
	order.StatusNorm = types.StatusInactive
	if err := m.UpsertOrderState(ctx, order); err != nil {
		t.Fatalf("UpsertOrderState: %v", err)
	}
	active, _ = m.LoadAllActiveOrders(ctx)
	if len(active) != 0 {
		t.Errorf("active after fill = %+v, want empty", active)
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	order := types.Order{BrokerOrderID: "B1", Symbol: "AAPL", StatusNorm: types.StatusActive}
	_ = m.UpsertOrderState(ctx, order)
	_ = m.UpsertOrderState(ctx, order)

	active, _ := m.LoadAllActiveOrders(ctx)
	if len(active) != 1 {
		t.Errorf("duplicate upsert produced %d rows, want 1", len(active))
	}
}

func TestMemoryFindActiveStopLimit(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.FindActiveStopLimitBySymbol(ctx, "AAPL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry: err = %v, want ErrNotFound", err)
	}

	entry := types.StopLimitEntry{Symbol: "AAPL", OrderID: "S1", StatusRaw: "ACK", Qty: 500}
	if err := m.UpsertStopLimitEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertStopLimitEntry: %v", err)
	}

	got, err := m.FindActiveStopLimitBySymbol(ctx, "AAPL")
	if err != nil {
		t.Fatalf("FindActiveStopLimitBySymbol: %v", err)
	}
	if got.OrderID != "S1" {
		t.Errorf("OrderID = %q, want S1", got.OrderID)
	}

	// A terminal status makes the entry invisible to the active lookup.
	entry.StatusRaw = "CAN"
	_ = m.UpsertStopLimitEntry(ctx, entry)
	if _, err := m.FindActiveStopLimitBySymbol(ctx, "AAPL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("terminal entry: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryTrackerProgress(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	_ = m.UpsertTrackerProgress(ctx, types.TrackerProgress{Symbol: "AAPL", GroupID: "g1", StepIndex: 2})
	_ = m.UpsertTrackerProgress(ctx, types.TrackerProgress{Symbol: "PLTR", GroupID: "g1", StepIndex: -1})

	all, err := m.LoadAllTrackerProgress(ctx)
	if err != nil {
		t.Fatalf("LoadAllTrackerProgress: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows, want 2", len(all))
	}

	_ = m.DeleteTrackerProgress(ctx, "AAPL")
	all, _ = m.LoadAllTrackerProgress(ctx)
	if len(all) != 1 || all[0].Symbol != "PLTR" {
		t.Errorf("after delete: %+v, want only PLTR", all)
	}
}

func TestMemoryPositionLookup(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	_ = m.UpsertPosition(ctx, types.Position{Symbol: "AAPL", Quantity: 500, AveragePrice: 225.50})

	pos, err := m.FindPosition(ctx, "AAPL")
	if err != nil {
		t.Fatalf("FindPosition: %v", err)
	}
	if pos.Quantity != 500 || pos.AveragePrice != 225.50 {
		t.Errorf("pos = %+v", pos)
	}

	if _, err := m.FindPosition(ctx, "TRX"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing position: err = %v, want ErrNotFound", err)
	}
}

// failingStore wraps Memory and fails the first N order upserts.
type failingStore struct {
	*Memory
	failsLeft int
}

func (f *failingStore) UpsertOrderState(ctx context.Context, order types.Order) error {
	if f.failsLeft > 0 {
		f.failsLeft--
		return errors.New("simulated db outage")
	}
	return f.Memory.UpsertOrderState(ctx, order)
}

func TestWriterDebouncesAndFlushes(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	w := NewWriter(m, 50*time.Millisecond, time.Hour, testWriterLogger())
	ctx := context.Background()

	order := types.Order{BrokerOrderID: "B1", StatusNorm: types.StatusActive}
	w.Enqueue("order:B1", func(ctx context.Context) error { return m.UpsertOrderState(ctx, order) })

	// Not yet flushed: younger than the debounce interval.
	w.flushDue(ctx, false)
	if rows, _ := m.LoadAllActiveOrders(ctx); len(rows) != 0 {
		t.Fatal("write flushed before debounce elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	w.flushDue(ctx, false)
	if rows, _ := m.LoadAllActiveOrders(ctx); len(rows) != 1 {
		t.Fatal("write not flushed after debounce elapsed")
	}
	if w.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", w.Pending())
	}
}

func TestWriterCoalescesSameKey(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	w := NewWriter(m, time.Millisecond, time.Hour, testWriterLogger())
	ctx := context.Background()

	var writes int
	for i := 0; i < 10; i++ {
		qty := float64(i)
		w.Enqueue("pos:AAPL", func(ctx context.Context) error {
			writes++
			return m.UpsertPosition(ctx, types.Position{Symbol: "AAPL", Quantity: qty})
		})
	}

	w.FlushAll(ctx)
	if writes != 1 {
		t.Errorf("writes = %d, want 1 (latest op only)", writes)
	}
	pos, err := m.FindPosition(ctx, "AAPL")
	if err != nil {
		t.Fatalf("FindPosition: %v", err)
	}
	if pos.Quantity != 9 {
		t.Errorf("Quantity = %v, want 9 (latest enqueued op wins)", pos.Quantity)
	}
}

func TestWriterRetriesFailedWrites(t *testing.T) {
	t.Parallel()
	fs := &failingStore{Memory: NewMemory(), failsLeft: 1}
	w := NewWriter(fs, time.Millisecond, time.Hour, testWriterLogger())
	ctx := context.Background()

	order := types.Order{BrokerOrderID: "B1", StatusNorm: types.StatusActive}
	w.Enqueue("order:B1", func(ctx context.Context) error { return fs.UpsertOrderState(ctx, order) })

	w.FlushAll(ctx) // fails, requeues
	if w.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", w.Failures())
	}
	if w.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1 (requeued)", w.Pending())
	}

	w.FlushAll(ctx) // retry succeeds
	if rows, _ := fs.LoadAllActiveOrders(ctx); len(rows) != 1 {
		t.Error("retried write did not land")
	}
}
