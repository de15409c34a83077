package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coinwallet/internal/checkout"
	"coinwallet/internal/common/api"
	"coinwallet/internal/common/middleware"
)

// IdempotencyKeyHeader carries the client's key for a submission
const IdempotencyKeyHeader = "Idempotency-Key"

// Coordinator is the checkout surface the handler serves
type Coordinator interface {
	GetConfirmPreview(ctx context.Context, serviceID string, quantity int, userID string) (*checkout.Preview, error)
	SubmitOrder(ctx context.Context, req checkout.SubmitRequest) (*checkout.SubmitResult, error)
}

// Handler handles checkout HTTP requests
type Handler struct {
	coord  Coordinator
	logger *slog.Logger
}

// NewHandler creates a new checkout handler
func NewHandler(coord Coordinator, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, logger: logger}
}

// Routes returns the checkout routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/preview", h.Preview)
	r.Post("/orders", h.SubmitOrder)

	return r
}

// Preview handles GET /preview
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		api.BadRequest(w, "service_id is required")
		return
	}
	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || quantity <= 0 {
		api.BadRequest(w, "quantity must be a positive integer")
		return
	}

	preview, err := h.coord.GetConfirmPreview(r.Context(), serviceID, quantity, middleware.GetUserID(r.Context()))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, preview)
}

// SubmitOrderRequest is the API request for submitting an order
type SubmitOrderRequest struct {
	ServiceID string `json:"service_id" validate:"required,max=128"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Total     int64  `json:"total" validate:"gte=0"`
	Password  string `json:"password" validate:"required"`
}

// SubmitOrder handles POST /orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > 255 {
		api.BadRequest(w, "Idempotency-Key is too long")
		return
	}

	res, err := h.coord.SubmitOrder(r.Context(), checkout.SubmitRequest{
		UserID:         middleware.GetUserID(r.Context()),
		ServiceID:      req.ServiceID,
		Quantity:       req.Quantity,
		SubmittedTotal: req.Total,
		Password:       req.Password,
		IdempotencyKey: key,
	})
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	api.WriteData(w, status, res)
}
