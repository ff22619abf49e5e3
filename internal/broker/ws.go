// ws.go implements the long-lived broker stream subscriptions.
//
// Three independent feeds run concurrently:
//
//   - Orders feed:    order status updates (ACK/FIL/CAN/REJ/...)
//   - Positions feed: position quantity / average-price updates
//   - Quotes feed:    last-trade quotes for the trailing-stop tracker
//
// Every feed auto-reconnects with jittered exponential backoff (1s → 30s)
// and announces each (re)connect on a notification channel. The engine uses
// that notification to fetch REST snapshots and open the reconnect window
// during which in-memory "order absent" answers are treated as provisional.
// A read deadline ensures silent server failures are detected.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"stopkeeper/pkg/types"
)

const (
	pingInterval = 50 * time.Second // how often we send PING to keep alive
	readTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout = 10 * time.Second // deadline for outgoing messages
	eventBuffer  = 256              // buffer for order/position events
	quoteBuffer  = 1024             // quotes burst much harder than events
)

// FeedKind identifies which broker channel a Feed is subscribed to.
type FeedKind string

const (
	FeedOrders    FeedKind = "orders"
	FeedPositions FeedKind = "positions"
	FeedQuotes    FeedKind = "quotes"
)

// Feed manages a single WebSocket stream subscription. It handles the
// connection lifecycle, message routing into typed channels, automatic
// reconnection, and runtime enable/disable from the operator surface.
type Feed struct {
	url    string
	kind   FeedKind
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	enabled   atomic.Bool
	connected atomic.Bool

	ordersCh    chan types.OrderUpdate
	positionsCh chan types.PositionUpdate
	quotesCh    chan types.Quote

	// reconnectCh announces every successful (re)connect.
	reconnectCh chan time.Time

	// lastParseWarn rate-limits malformed-message warnings to one per
	// message type per minute.
	lastParseWarn   map[string]time.Time
	lastParseWarnMu sync.Mutex

	logger *slog.Logger
}

// NewFeed creates a feed for one broker stream channel.
func NewFeed(kind FeedKind, wsURL string, logger *slog.Logger) *Feed {
	f := &Feed{
		url:           wsURL,
		kind:          kind,
		ordersCh:      make(chan types.OrderUpdate, eventBuffer),
		positionsCh:   make(chan types.PositionUpdate, eventBuffer),
		quotesCh:      make(chan types.Quote, quoteBuffer),
		reconnectCh:   make(chan time.Time, 4),
		lastParseWarn: make(map[string]time.Time),
		logger:        logger.With("component", "ws_"+string(kind)),
	}
	f.enabled.Store(true)
	return f
}

// Orders returns a read-only channel of order updates (orders feed).
func (f *Feed) Orders() <-chan types.OrderUpdate { return f.ordersCh }

// Positions returns a read-only channel of position updates (positions feed).
func (f *Feed) Positions() <-chan types.PositionUpdate { return f.positionsCh }

// Quotes returns a read-only channel of quotes (quotes feed).
func (f *Feed) Quotes() <-chan types.Quote { return f.quotesCh }

// Reconnects announces every successful (re)connect.
func (f *Feed) Reconnects() <-chan time.Time { return f.reconnectCh }

// Connected reports whether the feed currently holds a live connection.
func (f *Feed) Connected() bool { return f.connected.Load() }

// Enabled reports whether the operator has the feed switched on.
func (f *Feed) Enabled() bool { return f.enabled.Load() }

// SetEnabled switches the feed on or off at runtime. Disabling closes the
// current connection; Run keeps waiting and reconnects once re-enabled.
func (f *Feed) SetEnabled(on bool) {
	f.enabled.Store(on)
	if !on {
		f.Close()
	}
}

// Run connects and maintains the stream with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !f.enabled.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		err := f.connectAndRead(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.Duration()
		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close closes the current connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, b *backoff.Backoff) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		f.connected.Store(false)
	}()

	b.Reset()
	f.logger.Info("stream connected", "channel", f.kind)

	// Announce the (re)connect so the engine can snapshot + open the
	// reconnect window before events start driving decisions.
	select {
	case f.reconnectCh <- time.Now():
	default:
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !f.enabled.Load() {
			return fmt.Errorf("stream disabled by operator")
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope types.StreamMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.warnParse("envelope", err)
		return
	}

	switch f.kind {
	case FeedOrders:
		var upd types.OrderUpdate
		if err := json.Unmarshal(envelope.Data, &upd); err != nil {
			f.warnParse(envelope.Type, err)
			return
		}
		if upd.BrokerOrderID == "" {
			f.warnParse(envelope.Type, fmt.Errorf("missing orderId"))
			return
		}
		upd.Raw = envelope.Data
		select {
		case f.ordersCh <- upd:
		default:
			f.logger.Warn("orders channel full, dropping event", "order_id", upd.BrokerOrderID)
		}

	case FeedPositions:
		var upd types.PositionUpdate
		if err := json.Unmarshal(envelope.Data, &upd); err != nil {
			f.warnParse(envelope.Type, err)
			return
		}
		if upd.Symbol == "" {
			f.warnParse(envelope.Type, fmt.Errorf("missing symbol"))
			return
		}
		select {
		case f.positionsCh <- upd:
		default:
			f.logger.Warn("positions channel full, dropping event", "symbol", upd.Symbol)
		}

	case FeedQuotes:
		var q types.Quote
		if err := json.Unmarshal(envelope.Data, &q); err != nil {
			f.warnParse(envelope.Type, err)
			return
		}
		if q.Symbol == "" {
			return
		}
		select {
		case f.quotesCh <- q:
		default:
			// Quotes are high-frequency and the tracker debounces anyway.
		}
	}
}

// warnParse logs a malformed message at most once per message type per minute.
func (f *Feed) warnParse(msgType string, err error) {
	f.lastParseWarnMu.Lock()
	last := f.lastParseWarn[msgType]
	now := time.Now()
	if now.Sub(last) < time.Minute {
		f.lastParseWarnMu.Unlock()
		return
	}
	f.lastParseWarn[msgType] = now
	f.lastParseWarnMu.Unlock()

	f.logger.Warn("malformed stream message, skipping", "type", msgType, "error", err)
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
