package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coinwallet/internal/common/api"
	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/middleware"
	"coinwallet/internal/password"
	"coinwallet/internal/payment"
	"coinwallet/internal/wallet"
	"coinwallet/internal/wallet/domain"
)

// Refunder refunds a charge after checking the order it paid for
type Refunder interface {
	RefundCharge(ctx context.Context, token, reason string) (*domain.LedgerEntry, error)
}

// Handler handles wallet HTTP requests
type Handler struct {
	wallets   *wallet.Service
	passwords *password.Guard
	payments  *payment.Ledger
	refunds   Refunder
	logger    *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(wallets *wallet.Service, passwords *password.Guard, payments *payment.Ledger, refunds Refunder, logger *slog.Logger) *Handler {
	return &Handler{wallets: wallets, passwords: passwords, payments: payments, refunds: refunds, logger: logger}
}

// Routes returns the routes of the caller's own wallet
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/balance", h.GetBalance)
	r.Get("/password", h.GetPasswordStatus)
	r.Put("/password", h.SetPassword)
	r.Get("/entries", h.ListEntries)

	return r
}

// OperatorRoutes returns the routes that move coins on behalf of any user.
// They must be mounted behind an operator role check.
func (h *Handler) OperatorRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/users/{userID}/deposits", h.Deposit)
	r.Post("/entries/{token}/refund", h.RefundEntry)

	return r
}

// BalanceResponse is the API response for a balance query
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetBalance handles GET /balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.wallets.GetBalance(r.Context(), userID)
	if err != nil && !errors.Is(err, errs.ErrWalletNotFound) {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// GetPasswordStatus handles GET /password
func (h *Handler) GetPasswordStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.passwords.Status(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WriteData(w, http.StatusOK, status)
}

// SetPasswordRequest is the API request for setting the spending password
type SetPasswordRequest struct {
	NewPassword     string `json:"new_password" validate:"required,min=6,max=72"`
	CurrentPassword string `json:"current_password"`
}

// SetPassword handles PUT /password
func (h *Handler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req SetPasswordRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.passwords.SetPassword(r.Context(), middleware.GetUserID(r.Context()), req.NewPassword, req.CurrentPassword); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListEntries handles GET /entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 50, 100)

	entries, total, err := h.wallets.ListEntries(r.Context(), middleware.GetUserID(r.Context()), page.Limit, page.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total,
		HasMore: int64(page.Offset+len(entries)) < total,
	})
}

// DepositRequest is the API request for crediting coins
type DepositRequest struct {
	Amount         int64  `json:"amount" validate:"gt=0"`
	OperationToken string `json:"operation_token" validate:"required,max=128"`
	Reason         string `json:"reason" validate:"max=255"`
}

// Deposit handles POST /users/{userID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DepositRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	entry, err := h.payments.Deposit(r.Context(), userID, req.Amount, req.OperationToken, req.Reason)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	h.logger.Info("operator deposit",
		"operator", middleware.GetUserID(r.Context()),
		"user_id", userID,
		"amount", req.Amount,
		"operation_token", req.OperationToken,
	)

	api.WriteData(w, http.StatusCreated, entry)
}

// RefundRequest is the API request for refunding a charge
type RefundRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// RefundEntry handles POST /entries/{token}/refund
func (h *Handler) RefundEntry(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req RefundRequest
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	refund, err := h.refunds.RefundCharge(r.Context(), token, req.Reason)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	h.logger.Info("operator refund",
		"operator", middleware.GetUserID(r.Context()),
		"user_id", refund.UserID,
		"operation_token", token,
	)

	api.WriteData(w, http.StatusCreated, refund)
}
