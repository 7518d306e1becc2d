/**
 * @description
 * This package provides a client for the Zeno mobile-money gateway. It quotes
 * exchange rates and opens on-ramp (deposit) and off-ramp (withdrawal) orders that
 * settle over M-Pesa Tanzania, and reads an order's status for reconciliation.
 */
package zenoclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentChannel = "MPESA-TZ"
	FiatCurrency   = "TZS"
)

// ErrOrderNotFound is returned by OrderStatus when the provider has no record of the order.
var ErrOrderNotFound = errors.New("zeno order not found")

// Client is a client for the Zeno API.
type Client struct {
	baseURL    string
	apiKey     string
	webhookURL string
	httpClient *http.Client
}

// NewClient creates a new Zeno API client. webhookURL is sent with every order so
// the provider knows where to deliver the completion callback.
func NewClient(baseURL, apiKey, webhookURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		webhookURL: strings.TrimSpace(webhookURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RateResponse is the quote for one token in TZS.
type RateResponse struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

// OrderRequest is the payload for both on-ramp and off-ramp orders.
type OrderRequest struct {
	OrderID        string      `json:"order_id"`
	PhoneNumber    string      `json:"phone_number"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
	Token          string      `json:"token"`
	PaymentChannel string      `json:"payment_channel"`
	WebhookURL     string      `json:"webhook_url,omitempty"`
}

// OrderResponse is the provider's acknowledgement of an order.
type OrderResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

// OrderStatusResponse is the provider's current view of an order.
type OrderStatusResponse struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Reference     string `json:"reference"`
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("zeno api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("zeno api error (status %d)", e.StatusCode)
}

// GetExchangeRate returns how many TZS one unit of token is worth.
func (c *Client) GetExchangeRate(ctx context.Context, token string) (*RateResponse, error) {
	query := url.Values{}
	query.Set("from", token)
	query.Set("to", FiatCurrency)

	var resp RateResponse
	if err := c.do(ctx, http.MethodGet, "/v1/rates?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Rate.IsPositive() {
		return nil, fmt.Errorf("zeno returned non-positive rate %s for %s", resp.Rate, token)
	}
	return &resp, nil
}

// CreateDepositOrder opens an on-ramp order: the user pays TZS and receives token.
func (c *Client) CreateDepositOrder(ctx context.Context, orderID, phoneNumber string, tzsAmount decimal.Decimal, token string) (*OrderResponse, error) {
	return c.createOrder(ctx, "/v1/on-ramp", orderID, phoneNumber, tzsAmount, token)
}

// CreateWithdrawalOrder opens an off-ramp order: token already debited, TZS paid out.
func (c *Client) CreateWithdrawalOrder(ctx context.Context, orderID, phoneNumber string, tzsAmount decimal.Decimal, token string) (*OrderResponse, error) {
	return c.createOrder(ctx, "/v1/off-ramp", orderID, phoneNumber, tzsAmount, token)
}

// OrderStatus fetches the provider's status for an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	var resp OrderStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &resp, nil
}

func (c *Client) createOrder(ctx context.Context, path, orderID, phoneNumber string, tzsAmount decimal.Decimal, token string) (*OrderResponse, error) {
	payload := OrderRequest{
		OrderID:        orderID,
		PhoneNumber:    phoneNumber,
		Amount:         json.Number(tzsAmount.String()),
		Currency:       FiatCurrency,
		Token:          token,
		PaymentChannel: PaymentChannel,
		WebhookURL:     c.webhookURL,
	}
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID == "" {
		resp.OrderID = orderID
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("zeno base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to zeno: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode zeno response: %w", err)
	}
	return nil
}
