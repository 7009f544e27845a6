// Package perpcore is a Go SDK for the perpcore-server HTTP API.
package perpcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"perpcore/internal/api"
	"perpcore/internal/domain"
	"perpcore/internal/settlement"
)

// Client provides a Go SDK for interacting with the perpcore-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new perpcore API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is returned for every non-2xx response. It unwraps to the
// domain error matching its status code, so errors.Is(err,
// domain.ErrNotFound) works across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("perpcore: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrInvalidTransition
	case http.StatusBadGateway:
		return domain.ErrSettlementFailed
	case http.StatusServiceUnavailable:
		return domain.ErrPriceUnavailable
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder submits a new order. The returned order is Pending.
func (c *Client) SubmitOrder(ctx context.Context, req api.OrderRequest) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", req, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder retrieves a single order.
func (c *Client) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrders retrieves all orders, optionally filtered by status.
func (c *Client) GetOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	path := "/api/v1/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var orders []domain.Order
	if err := c.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// CancelOrder cancels a Pending order.
func (c *Client) CancelOrder(ctx context.Context, id string) (*domain.Order, error) {
	return c.orderCommand(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(id))
}

// ClosePosition closes a Filled or Settled position at the current quote.
func (c *Client) ClosePosition(ctx context.Context, id string) (*domain.Order, error) {
	return c.orderCommand(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/close")
}

// RetrySettlement restarts a failed settlement.
func (c *Client) RetrySettlement(ctx context.Context, id string) (*domain.Order, error) {
	return c.orderCommand(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/settlement/retry")
}

func (c *Client) orderCommand(ctx context.Context, method, path string) (*domain.Order, error) {
	var o domain.Order
	if err := c.do(ctx, method, path, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetPositions retrieves current positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPrices retrieves the latest quote of every contract.
func (c *Client) GetPrices(ctx context.Context) ([]domain.Price, error) {
	var prices []domain.Price
	if err := c.do(ctx, http.MethodGet, "/api/v1/prices", nil, &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// Risk calculator
// ---------------------------------------------------------------------------

// Margin returns price * quantity / leverage.
func (c *Client) Margin(ctx context.Context, price, quantity, leverage float64) (float64, error) {
	var r api.MarginResponse
	q := floatParams("price", price, "quantity", quantity, "leverage", leverage)
	if err := c.do(ctx, http.MethodGet, "/api/v1/calc/margin?"+q, nil, &r); err != nil {
		return 0, err
	}
	return r.Margin, nil
}

// Quantity returns margin * leverage / price.
func (c *Client) Quantity(ctx context.Context, price, margin, leverage float64) (float64, error) {
	var r api.QuantityResponse
	q := floatParams("price", price, "margin", margin, "leverage", leverage)
	if err := c.do(ctx, http.MethodGet, "/api/v1/calc/quantity?"+q, nil, &r); err != nil {
		return 0, err
	}
	return r.Quantity, nil
}

// LiquidationPrice returns the liquidation price of a position.
func (c *Client) LiquidationPrice(ctx context.Context, price, leverage float64, dir domain.Direction) (float64, error) {
	var r api.LiquidationResponse
	q := floatParams("price", price, "leverage", leverage) + "&direction=" + url.QueryEscape(string(dir))
	if err := c.do(ctx, http.MethodGet, "/api/v1/calc/liquidation-price?"+q, nil, &r); err != nil {
		return 0, err
	}
	return r.LiquidationPrice, nil
}

func floatParams(kv ...any) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i].(string), strconv.FormatFloat(kv[i+1].(float64), 'f', -1, 64))
	}
	return v.Encode()
}

// ---------------------------------------------------------------------------
// Wallet and channels
// ---------------------------------------------------------------------------

// NewAddress returns a fresh on-chain receiving address.
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	var r api.AddressResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallet/address", nil, &r); err != nil {
		return "", err
	}
	return r.Address, nil
}

// OpenChannel opens a payment channel.
func (c *Client) OpenChannel(ctx context.Context, req settlement.ChannelRequest) (*settlement.Channel, error) {
	var ch settlement.Channel
	if err := c.do(ctx, http.MethodPost, "/api/v1/channels", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateInvoice creates a payment request.
func (c *Client) CreateInvoice(ctx context.Context, req api.InvoiceRequest) (*settlement.Invoice, error) {
	var inv settlement.Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// SendPayment pays an encoded payment request.
func (c *Client) SendPayment(ctx context.Context, paymentRequest string) (*settlement.Payment, error) {
	var p settlement.Payment
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", api.PaymentRequest{PaymentRequest: paymentRequest}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Journal returns the archived terminal orders of a UTC day.
func (c *Client) Journal(ctx context.Context, day time.Time) ([]domain.Order, error) {
	var orders []domain.Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/journal/"+day.UTC().Format("2006-01-02"), nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
