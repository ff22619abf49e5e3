// Package broker implements the upstream broker REST and WebSocket clients.
//
// The REST client (Client) talks to the broker HTTP surface for order
// management:
//   - PlaceOrder:          POST place_order
//   - ModifyOrderQuantity: POST modify_order_quantity
//   - ModifyOrderStopPrice: POST modify_order_stop_price
//   - CancelOrder:         POST cancel_order
//   - OpenOrders:          GET  orders     — open-only snapshot (404 tolerated)
//   - Positions:           GET  positions  — position snapshot
//
// Every request carries the API key as a bearer token in Authorization and
// again in X-API-Key, is retried on 5xx, and mutating calls pass through a
// circuit breaker so a broker outage backs the lifecycle engine off instead
// of hammering a dead endpoint.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"stopkeeper/internal/config"
	"stopkeeper/pkg/types"
)

// ErrSnapshotUnavailable is returned when the broker answers 404 for a
// snapshot endpoint. The reconciler treats this as "endpoint not
// implemented; rely on the stream" rather than a failure.
var ErrSnapshotUnavailable = errors.New("broker: snapshot endpoint unavailable")

// ErrCircuitOpen is returned when the mutating-call circuit breaker is open.
var ErrCircuitOpen = errors.New("broker: circuit open")

// APIError is a structured 4xx/5xx response from the broker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: status %d: %s", e.StatusCode, e.Message)
}

// terminalMarkers are substrings brokers put in modify/cancel errors when
// the target order has already reached a terminal state.
var terminalMarkers = []string{
	"terminal", "already filled", "already cancelled", "already canceled",
	"order not found", "expired", "rejected",
}

// IsTerminalOrderError reports whether a modify failure means the target
// order is dead (so the repository entry should be dropped and the create
// path taken) rather than a transient upstream problem.
func IsTerminalOrderError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		msg := strings.ToLower(apiErr.Message)
		for _, m := range terminalMarkers {
			if strings.Contains(msg, m) {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range terminalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Client is the broker REST API client. It wraps a resty HTTP client with
// retry, auth headers, a mutating-call circuit breaker, and dry-run mode.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	dryRun  bool
	logger  *slog.Logger
}

// NewClient creates a REST client with retry and circuit breaking.
func NewClient(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("X-API-Key", cfg.APIKey)
	httpClient.SetTransport(&http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-mutations",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		dryRun:  dryRun,
		logger:  logger.With("component", "broker"),
	}
}

// Healthy reports whether the mutating-call circuit is closed.
func (c *Client) Healthy() bool {
	return c.breaker.State() == gobreaker.StateClosed
}

// PlaceOrder submits a new order and returns the broker order ID.
// A client order ID is generated when the caller did not set one.
func (c *Client) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest) (*types.PlaceOrderResponse, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type, "qty", req.Qty)
		return &types.PlaceOrderResponse{OrderID: "dry-run-" + req.ClientOrderID, Status: "ACK"}, nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var result types.PlaceOrderResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&result).
			Post("/place_order")
		if err != nil {
			return nil, fmt.Errorf("place order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
		}
		return &result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return out.(*types.PlaceOrderResponse), nil
}

// ModifyOrderQuantity changes the quantity of an existing order.
func (c *Client) ModifyOrderQuantity(ctx context.Context, orderID string, qty float64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order quantity", "order_id", orderID, "qty", qty)
		return nil
	}
	return c.modify(ctx, "/modify_order_quantity", types.ModifyQuantityRequest{OrderID: orderID, Qty: qty})
}

// ModifyOrderStopPrice changes the stop and limit prices of an existing order.
func (c *Client) ModifyOrderStopPrice(ctx context.Context, orderID string, stopPrice, limitPrice float64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify stop price", "order_id", orderID, "stop", stopPrice)
		return nil
	}
	return c.modify(ctx, "/modify_order_stop_price", types.ModifyStopPriceRequest{
		OrderID: orderID, StopPrice: stopPrice, LimitPrice: limitPrice,
	})
}

func (c *Client) modify(ctx context.Context, path string, body interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var result types.ModifyResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			Post(path)
		if err != nil {
			return nil, fmt.Errorf("modify: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
		}
		if !result.Success && result.Error == "" {
			// Some brokers answer JSON without a JSON content type, which
			// skips resty's automatic decode. Fall back to the raw body so
			// terminal-order errors still classify.
			_ = json.Unmarshal(resp.Body(), &result)
		}
		if !result.Success {
			return nil, &APIError{StatusCode: resp.StatusCode(), Message: result.Error}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// CancelOrder cancels an order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var result types.CancelResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(types.CancelRequest{OrderID: orderID}).
			SetResult(&result).
			Post("/cancel_order")
		if err != nil {
			return nil, fmt.Errorf("cancel order: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// OpenOrders fetches the open-orders snapshot. Read-only: bypasses the
// breaker so reconciliation still works while mutations are backed off.
func (c *Client) OpenOrders(ctx context.Context) ([]types.SnapshotOrder, error) {
	var result []types.SnapshotOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrSnapshotUnavailable
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return result, nil
}

// Positions fetches the positions snapshot.
func (c *Client) Positions(ctx context.Context) ([]types.SnapshotPosition, error) {
	var result []types.SnapshotPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrSnapshotUnavailable
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	}
	return result, nil
}
