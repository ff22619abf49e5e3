// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the coordinator — orders,
// positions, stop-limit repository entries, tracker progress, and the
// broker REST/WebSocket payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide maps broker-reported side strings onto Side, tolerating case.
func ParseSide(raw string) Side {
	if strings.EqualFold(raw, "sell") {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order types the coordinator places itself.
// Broker-reported types are kept raw on Order.TypeRaw; see IsStopLimit.
type OrderType string

const (
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeMarket    OrderType = "market"
)

// Source records where an order snapshot came from.
type Source string

const (
	SourceStream       Source = "stream"
	SourceRESTSnapshot Source = "rest_snapshot"
)

// IsStopLimit reports whether a raw broker order type denotes a stop-limit
// order. Brokers spell this several ways (STOP_LIMIT, StopLimit, stoplimit),
// so the comparison ignores case and underscores.
func IsStopLimit(typeRaw string) bool {
	s := strings.ReplaceAll(strings.ToLower(typeRaw), "_", "")
	return s == "stoplimit"
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// Order is the coordinator's view of one broker order. Identity is
// BrokerOrderID. StatusNorm is derived from StatusRaw via NormalizeStatus
// and is the only status field other components may branch on.
type Order struct {
	BrokerOrderID string     `json:"brokerOrderId" bson:"_id"`
	ClientOrderID string     `json:"clientOrderId,omitempty" bson:"clientOrderId,omitempty"`
	Symbol        string     `json:"symbol" bson:"symbol"`
	Side          Side       `json:"side" bson:"side"`
	TypeRaw       string     `json:"typeRaw" bson:"typeRaw"`
	StatusRaw     string     `json:"statusRaw" bson:"statusRaw"`
	StatusNorm    StatusNorm `json:"statusNorm" bson:"statusNorm"`
	LimitPrice    float64    `json:"limitPrice,omitempty" bson:"limitPrice,omitempty"`
	StopPrice     float64    `json:"stopPrice,omitempty" bson:"stopPrice,omitempty"`
	Qty           float64    `json:"qty" bson:"qty"`
	RemainingQty  float64    `json:"remainingQty" bson:"remainingQty"`
	FillPrice     float64    `json:"fillPrice,omitempty" bson:"fillPrice,omitempty"`
	OpenedAt      time.Time  `json:"openedAt" bson:"openedAt"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updatedAt"`
	Source        Source     `json:"source" bson:"source"`

	// Raw is the untouched broker payload this order was parsed from.
	// Kept as an opaque echo for diagnostics; never interpreted.
	Raw json.RawMessage `json:"raw,omitempty" bson:"raw,omitempty"`
}

// Position is the coordinator's view of one open position, keyed by symbol.
type Position struct {
	Symbol       string    `json:"symbol" bson:"_id"`
	Quantity     float64   `json:"quantity" bson:"quantity"`
	AveragePrice float64   `json:"averagePrice" bson:"averagePrice"`
	LastUpdated  time.Time `json:"lastUpdated" bson:"lastUpdated"`
}

// StopLimitEntry is the per-symbol repository record identifying the
// currently-active protective stop-limit. At most one entry per symbol
// carries an ACTIVE status at any time; terminal statuses remove it.
type StopLimitEntry struct {
	Symbol   string    `json:"symbol" bson:"_id"`
	OrderID  string    `json:"orderId" bson:"orderId"`
	OpenedAt time.Time `json:"openedAt" bson:"openedAt"`

	// StatusRaw is the last raw broker status observed for the order.
	StatusRaw string `json:"statusRaw" bson:"statusRaw"`

	// CreatedByFill is the broker order ID of the buy fill that last drove
	// a create or quantity modify of this entry. Replays of the same fill
	// are no-ops.
	CreatedByFill string `json:"createdByFill,omitempty" bson:"createdByFill,omitempty"`

	// Qty and StopPrice mirror the last values written to the broker.
	Qty       float64 `json:"qty" bson:"qty"`
	StopPrice float64 `json:"stopPrice" bson:"stopPrice"`

	// Order is the last known full broker echo for the stop-limit.
	Order json.RawMessage `json:"order,omitempty" bson:"order,omitempty"`
}

// IsActive reports whether the entry still points at an in-force order.
func (e *StopLimitEntry) IsActive() bool {
	return e != nil && NormalizeStatus(e.StatusRaw) == StatusActive
}

// TrackerProgress records how far a symbol has advanced through its
// trailing-stop steps. StepIndex is -1 before the first step and only
// ever increases for the lifetime of a position.
type TrackerProgress struct {
	Symbol     string    `json:"symbol" bson:"_id"`
	GroupID    string    `json:"groupId" bson:"groupId"`
	StepIndex  int       `json:"stepIndex" bson:"stepIndex"`
	LastPnL    float64   `json:"lastPnl" bson:"lastPnl"`
	LastUpdate time.Time `json:"lastUpdate" bson:"lastUpdate"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream payloads
// ————————————————————————————————————————————————————————————————————————

// StreamMessage is the envelope every WebSocket message arrives in.
type StreamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OrderLeg is one leg of a multi-leg order update. The symbol of an update
// may live on the root or inside the first leg; ResolveSymbol handles both.
type OrderLeg struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Qty          float64 `json:"qty"`
	RemainingQty float64 `json:"remainingQty"`
}

// OrderUpdate is one Orders-stream message body.
type OrderUpdate struct {
	BrokerOrderID string     `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	LimitPrice    float64    `json:"limitPrice"`
	StopPrice     float64    `json:"stopPrice"`
	Qty           float64    `json:"qty"`
	RemainingQty  float64    `json:"remainingQty"`
	FillPrice     float64    `json:"fillPrice"`
	FilledQty     float64    `json:"filledQty"`
	Legs          []OrderLeg `json:"legs"`

	// Raw is the undecoded stream payload, kept so the full broker order
	// document can be echoed into the repository entry.
	Raw json.RawMessage `json:"-"`
}

// ResolveSymbol returns the update's symbol, preferring the root field and
// falling back to the first leg.
func (u *OrderUpdate) ResolveSymbol() string {
	if u.Symbol != "" {
		return strings.ToUpper(u.Symbol)
	}
	if len(u.Legs) > 0 {
		return strings.ToUpper(u.Legs[0].Symbol)
	}
	return ""
}

// PositionUpdate is one Positions-stream message body.
type PositionUpdate struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"averagePrice"`
}

// Quote is one quote-stream message.
type Quote struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	TS     int64   `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker REST payloads
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the body for POST place_order.
type PlaceOrderRequest struct {
	ClientOrderID string    `json:"clientOrderId,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Qty           float64   `json:"qty"`
	LimitPrice    float64   `json:"limitPrice,omitempty"`
	StopPrice     float64   `json:"stopPrice,omitempty"`
}

// PlaceOrderResponse is returned by POST place_order.
type PlaceOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// ModifyQuantityRequest is the body for POST modify_order_quantity.
type ModifyQuantityRequest struct {
	OrderID string  `json:"orderId"`
	Qty     float64 `json:"qty"`
}

// ModifyStopPriceRequest is the body for POST modify_order_stop_price.
type ModifyStopPriceRequest struct {
	OrderID    string  `json:"orderId"`
	StopPrice  float64 `json:"stopPrice"`
	LimitPrice float64 `json:"limitPrice"`
}

// ModifyResponse is returned by both modify endpoints.
type ModifyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// CancelRequest is the body for POST cancel_order.
type CancelRequest struct {
	OrderID string `json:"orderId"`
}

// CancelResponse is returned by POST cancel_order.
type CancelResponse struct {
	Success bool `json:"success"`
}

// SnapshotOrder is one row of the GET orders open-orders snapshot.
type SnapshotOrder struct {
	OrderID      string  `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Qty          float64 `json:"qty"`
	RemainingQty float64 `json:"remainingQty"`
}

// SnapshotPosition is one row of the GET positions snapshot.
type SnapshotPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"averagePrice"`
}
