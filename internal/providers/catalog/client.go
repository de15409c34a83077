// Package catalog is the HTTP client for the service catalog. Prices are
// fetched on every call and never cached.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"coinwallet/internal/common/errs"
)

// Config holds catalog client configuration.
type Config struct {
	BaseURL string        `envconfig:"CATALOG_BASE_URL" default:"http://localhost:8081"`
	APIKey  string        `envconfig:"CATALOG_API_KEY"`
	Timeout time.Duration `envconfig:"CATALOG_TIMEOUT" default:"3s"`
}

// Service is a purchasable service and its current unit price.
type Service struct {
	ServiceID  string `json:"service_id"`
	ProviderID string `json:"provider_id"`
	UnitPrice  int64  `json:"unit_price"`
}

// Client queries the catalog.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a catalog client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// GetService returns the service with its current unit price.
func (c *Client) GetService(ctx context.Context, serviceID string) (*Service, error) {
	if serviceID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "service_id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/services/"+url.PathEscape(serviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("catalog request failed", "service_id", serviceID, "error", err)
		return nil, errs.Wrap(errs.CodeCatalogUnavailable, errs.ErrCatalogUnavailable.Message, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCatalogUnavailable, errs.ErrCatalogUnavailable.Message, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, errs.ErrServiceNotFound
	case httpResp.StatusCode >= 400:
		return nil, errs.Wrap(errs.CodeCatalogUnavailable, errs.ErrCatalogUnavailable.Message,
			fmt.Errorf("catalog api error: status=%d body=%s", httpResp.StatusCode, string(respBody)))
	}

	var svc Service
	if err := json.Unmarshal(respBody, &svc); err != nil {
		return nil, errs.Wrap(errs.CodeCatalogUnavailable, errs.ErrCatalogUnavailable.Message,
			fmt.Errorf("unmarshal response: %w", err))
	}
	if svc.UnitPrice < 0 {
		return nil, errs.Wrap(errs.CodeCatalogUnavailable, errs.ErrCatalogUnavailable.Message,
			fmt.Errorf("negative unit price %d for %s", svc.UnitPrice, serviceID))
	}
	if svc.ServiceID == "" {
		svc.ServiceID = serviceID
	}

	return &svc, nil
}
