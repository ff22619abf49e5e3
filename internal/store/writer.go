// writer.go implements the debounced persistence writer.
//
// Most cache writes are high-frequency and idempotent (order upserts,
// position updates), so they are debounced per key and flushed in bulk.
// Writes that change the answer to "does an active stop-limit exist?" —
// repository upserts and terminal deletions — must NOT go through here;
// callers write those synchronously against the Store.
//
// A failed write is kept in the pending set and retried on the next sweep;
// persistence failures never block in-memory state.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is a deferred store write. Ops for the same key supersede each
// other: only the most recent version of a document is ever written.
type WriteOp func(ctx context.Context) error

// Writer debounces store writes per key and flushes them periodically.
type Writer struct {
	store    Store
	debounce time.Duration
	flush    time.Duration

	mu      sync.Mutex
	pending map[string]pendingOp

	failures atomic.Int64

	logger *slog.Logger
}

type pendingOp struct {
	op       WriteOp
	queuedAt time.Time
	// retrying marks ops that already failed once; they flush on the next
	// sweep regardless of debounce age.
	retrying bool
}

// NewWriter creates a debounced writer over the given store.
func NewWriter(s Store, debounce, flush time.Duration, logger *slog.Logger) *Writer {
	return &Writer{
		store:    s,
		debounce: debounce,
		flush:    flush,
		pending:  make(map[string]pendingOp),
		logger:   logger.With("component", "store-writer"),
	}
}

// Enqueue schedules a debounced write for key. A newer op for the same key
// replaces the old one; the debounce clock is NOT reset, so a key that is
// updated continuously still flushes at the debounce interval.
func (w *Writer) Enqueue(key string, op WriteOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.pending[key]; ok {
		w.pending[key] = pendingOp{op: op, queuedAt: prev.queuedAt, retrying: prev.retrying}
		return
	}
	w.pending[key] = pendingOp{op: op, queuedAt: time.Now()}
}

// Failures returns how many writes have failed since startup.
func (w *Writer) Failures() int64 { return w.failures.Load() }

// Pending returns the number of keys waiting to flush.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run sweeps the pending set until ctx is cancelled, then performs a final
// full flush so shutdown does not lose debounced writes.
func (w *Writer) Run(ctx context.Context) {
	sweep := w.debounce / 2
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}
	sweepTicker := time.NewTicker(sweep)
	flushTicker := time.NewTicker(w.flush)
	defer sweepTicker.Stop()
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.flushDue(flushCtx, true)
			cancel()
			return
		case <-sweepTicker.C:
			w.flushDue(ctx, false)
		case <-flushTicker.C:
			w.flushDue(ctx, true)
		}
	}
}

// FlushAll writes every pending op immediately.
func (w *Writer) FlushAll(ctx context.Context) {
	w.flushDue(ctx, true)
}

func (w *Writer) flushDue(ctx context.Context, all bool) {
	now := time.Now()

	w.mu.Lock()
	due := make(map[string]WriteOp)
	for key, p := range w.pending {
		if all || p.retrying || now.Sub(p.queuedAt) >= w.debounce {
			due[key] = p.op
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	for key, op := range due {
		if err := op(ctx); err != nil {
			w.failures.Add(1)
			w.logger.Error("store write failed, requeueing", "key", key, "error", err)

			w.mu.Lock()
			// Requeue only if no fresher op arrived while we were writing.
			if _, ok := w.pending[key]; !ok {
				w.pending[key] = pendingOp{op: op, queuedAt: now, retrying: true}
			}
			w.mu.Unlock()
		}
	}
}
