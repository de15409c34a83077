// Package orders is the HTTP client for the order service. Order creation is
// keyed by the payment token, which the order service treats as an
// idempotency key.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coinwallet/internal/common/errs"
)

// Config holds order service client configuration.
type Config struct {
	BaseURL string        `envconfig:"ORDER_SERVICE_BASE_URL" default:"http://localhost:8082"`
	APIKey  string        `envconfig:"ORDER_SERVICE_API_KEY"`
	Timeout time.Duration `envconfig:"ORDER_SERVICE_TIMEOUT" default:"10s"`
}

// CreateRequest is the request body for order creation.
type CreateRequest struct {
	UserID       string `json:"user_id"`
	ServiceID    string `json:"service_id"`
	ProviderID   string `json:"provider_id"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unit_price"`
	TotalAmount  int64  `json:"total_amount"`
	PaymentToken string `json:"payment_token"`
}

// CreateResponse is the response from order creation.
type CreateResponse struct {
	OrderID   string `json:"order_id"`
	OrderNo   string `json:"order_no"`
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code,omitempty"`
}

// RejectedError is a definitive refusal from the order service. Repeating the
// same request will not succeed.
type RejectedError struct {
	Status int
	Code   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: status=%d code=%s", e.Status, e.Code)
}

// Client calls the order service.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an order service client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// CreateOrder creates an order paid by req.PaymentToken. Transport failures,
// timeouts and 5xx responses return ErrOrderServiceUnavailable; 4xx responses
// and success=false return a *RejectedError.
func (c *Client) CreateOrder(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.PaymentToken)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, unavailable(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, unavailable(fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode >= 500 {
		return nil, unavailable(fmt.Errorf("order api error: status=%d body=%s", httpResp.StatusCode, string(respBody)))
	}

	var resp CreateResponse
	decodeErr := json.Unmarshal(respBody, &resp)

	if httpResp.StatusCode >= 400 {
		code := resp.ErrorCode
		if decodeErr != nil || code == "" {
			code = fmt.Sprintf("HTTP_%d", httpResp.StatusCode)
		}
		return nil, &RejectedError{Status: httpResp.StatusCode, Code: code}
	}

	if decodeErr != nil {
		return nil, unavailable(fmt.Errorf("unmarshal response: %w", decodeErr))
	}
	if !resp.Success {
		code := resp.ErrorCode
		if code == "" {
			code = "UNKNOWN"
		}
		return nil, &RejectedError{Status: httpResp.StatusCode, Code: code}
	}

	c.logger.Info("order created",
		"payment_token", req.PaymentToken,
		"order_id", resp.OrderID,
		"order_no", resp.OrderNo,
	)

	return &resp, nil
}

func unavailable(err error) error {
	return errs.Wrap(errs.CodeOrderServiceUnavailable, errs.ErrOrderServiceUnavailable.Message, err)
}
