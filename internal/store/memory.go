package store

import (
	"context"
	"sync"

	"stopkeeper/pkg/types"
)

// Memory is a volatile in-process Store. It backs the coordinator when no
// DB_URI is configured (startup warns loudly) and every package test.
type Memory struct {
	mu        sync.RWMutex
	orders    map[string]types.Order
	positions map[string]types.Position
	stops     map[string]types.StopLimitEntry
	progress  map[string]types.TrackerProgress
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[string]types.Order),
		positions: make(map[string]types.Position),
		stops:     make(map[string]types.StopLimitEntry),
		progress:  make(map[string]types.TrackerProgress),
	}
}

func (m *Memory) EnsureIndexes(ctx context.Context) error { return nil }

func (m *Memory) UpsertOrderState(ctx context.Context, order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.BrokerOrderID] = order
	return nil
}

func (m *Memory) DeleteOrderState(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, brokerOrderID)
	return nil
}

func (m *Memory) LoadAllActiveOrders(ctx context.Context) ([]types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.StatusNorm == types.StatusActive {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) UpsertPosition(ctx context.Context, pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *Memory) DeletePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
	return nil
}

func (m *Memory) FindPosition(ctx context.Context, symbol string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &pos, nil
}

func (m *Memory) UpsertStopLimitEntry(ctx context.Context, entry types.StopLimitEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[entry.Symbol] = entry
	return nil
}

func (m *Memory) DeleteStopLimitEntry(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stops, symbol)
	return nil
}

func (m *Memory) FindActiveStopLimitBySymbol(ctx context.Context, symbol string) (*types.StopLimitEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.stops[symbol]
	if !ok || types.NormalizeStatus(entry.StatusRaw) != types.StatusActive {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *Memory) LoadAllActiveStopLimitEntries(ctx context.Context) ([]types.StopLimitEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.StopLimitEntry
	for _, entry := range m.stops {
		if types.NormalizeStatus(entry.StatusRaw) == types.StatusActive {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *Memory) UpsertTrackerProgress(ctx context.Context, progress types.TrackerProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[progress.Symbol] = progress
	return nil
}

func (m *Memory) DeleteTrackerProgress(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, symbol)
	return nil
}

func (m *Memory) LoadAllTrackerProgress(ctx context.Context) ([]types.TrackerProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TrackerProgress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }
