package catalog

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinwallet/internal/common/errs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetService(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/svc-1", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"service_id":"svc-1","provider_id":"p-9","unit_price":20}`)
	})

	svc, err := c.GetService(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, &Service{ServiceID: "svc-1", ProviderID: "p-9", UnitPrice: 20}, svc)
}

func TestGetServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"not found", http.StatusNotFound, `{}`, errs.ErrServiceNotFound},
		{"server error", http.StatusBadGateway, `oops`, errs.ErrCatalogUnavailable},
		{"garbage", http.StatusOK, `not json`, errs.ErrCatalogUnavailable},
		{"negative price", http.StatusOK, `{"unit_price":-1}`, errs.ErrCatalogUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.GetService(context.Background(), "svc-1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetServiceUnreachable(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.GetService(context.Background(), "svc-1")
	assert.ErrorIs(t, err, errs.ErrCatalogUnavailable)
}
