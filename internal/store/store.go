// Package store provides durable persistence for the coordinator's state.
//
// Four keyed collections are maintained: order-state (by broker order ID),
// positions (by symbol), the stop-limit repository (by symbol — the
// authority on "does an active protective order exist?"), and tracker
// progress (by symbol). All writes are upserts.
//
// Two implementations exist: Mongo (the normal deployment, any document DB
// URI) and Memory (volatile fallback when no DB_URI is configured; the
// coordinator still runs, but the repository does not survive a restart).
package store

import (
	"context"
	"errors"

	"stopkeeper/pkg/types"
)

// ErrNotFound is returned by point lookups when no document matches.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence surface used by the rest of the core.
type Store interface {
	// EnsureIndexes creates the collection indexes. Safe to call repeatedly.
	EnsureIndexes(ctx context.Context) error

	UpsertOrderState(ctx context.Context, order types.Order) error
	DeleteOrderState(ctx context.Context, brokerOrderID string) error
	// LoadAllActiveOrders returns every order-state row with
	// statusNorm=ACTIVE, for index rehydration on startup.
	LoadAllActiveOrders(ctx context.Context) ([]types.Order, error)

	UpsertPosition(ctx context.Context, pos types.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	FindPosition(ctx context.Context, symbol string) (*types.Position, error)

	UpsertStopLimitEntry(ctx context.Context, entry types.StopLimitEntry) error
	DeleteStopLimitEntry(ctx context.Context, symbol string) error
	// FindActiveStopLimitBySymbol returns the repository entry for symbol
	// only when its status still normalizes to ACTIVE; ErrNotFound otherwise.
	// This is the authoritative existence check during reconnect windows.
	FindActiveStopLimitBySymbol(ctx context.Context, symbol string) (*types.StopLimitEntry, error)
	// LoadAllActiveStopLimitEntries returns every repository entry whose
	// status still normalizes to ACTIVE, for restoring the in-memory
	// repository on startup.
	LoadAllActiveStopLimitEntries(ctx context.Context) ([]types.StopLimitEntry, error)

	UpsertTrackerProgress(ctx context.Context, progress types.TrackerProgress) error
	DeleteTrackerProgress(ctx context.Context, symbol string) error
	LoadAllTrackerProgress(ctx context.Context) ([]types.TrackerProgress, error)

	Close(ctx context.Context) error
}
