package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/panjf2000/ants/v2"

	"stopkeeper/pkg/types"
)

// Pool runs buy-fill handling on a bounded worker pool. Fills arriving
// before startup finishes are held at the gate rather than dropped, and
// transiently failed fills are resubmitted with per-symbol backoff.
type Pool struct {
	engine  *Engine
	workers *ants.Pool

	gateOnce sync.Once
	gate     chan struct{}

	mu       sync.Mutex
	backoffs map[string]*backoff.Backoff

	logger *slog.Logger
}

// NewPool creates a fill pool with the given worker count.
func NewPool(engine *Engine, workers int, logger *slog.Logger) (*Pool, error) {
	p, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Pool{
		engine:   engine,
		workers:  p,
		gate:     make(chan struct{}),
		backoffs: make(map[string]*backoff.Backoff),
		logger:   logger.With("component", "fill-pool"),
	}, nil
}

// Open releases queued work. Called once rehydration and the startup
// reconcile have finished, so no fill is handled against a cold cache.
func (p *Pool) Open() {
	p.gateOnce.Do(func() { close(p.gate) })
}

// SubmitOrderUpdate queues one order update for lifecycle handling. Blocks
// only when every worker is busy.
func (p *Pool) SubmitOrderUpdate(ctx context.Context, order types.Order) {
	err := p.workers.Submit(func() {
		select {
		case <-ctx.Done():
			return
		case <-p.gate:
		}
		p.run(ctx, order)
	})
	if err != nil {
		p.logger.Error("order submit failed", "symbol", order.Symbol, "error", err)
	}
}

func (p *Pool) run(ctx context.Context, order types.Order) {
	outcome := p.engine.HandleOrderUpdate(ctx, order)

	symbol := strings.ToUpper(order.Symbol)
	if outcome.Result == ResultFailed && outcome.Kind == FailTransientUpstream {
		delay := p.nextBackoff(symbol)
		p.logger.Warn("order handling failed upstream, will retry",
			"symbol", symbol, "order", order.BrokerOrderID, "retry_in", delay, "error", outcome.Err)
		timer := time.AfterFunc(delay, func() { p.SubmitOrderUpdate(ctx, order) })
		go func() {
			<-ctx.Done()
			timer.Stop()
		}()
		return
	}

	p.resetBackoff(symbol)
	if outcome.Result == ResultFailed {
		p.logger.Error("order handling failed permanently",
			"symbol", symbol, "order", order.BrokerOrderID, "error", outcome.Err)
	}
}

func (p *Pool) nextBackoff(symbol string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backoffs[symbol]
	if !ok {
		b = &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
		p.backoffs[symbol] = b
	}
	return b.Duration()
}

func (p *Pool) resetBackoff(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.backoffs[symbol]; ok {
		b.Reset()
	}
}

// Close stops accepting work and releases the workers.
func (p *Pool) Close() {
	p.workers.Release()
}
