// Package checkout turns a confirmed order form into a paid order. It charges
// the wallet, asks the order service to create the order and refunds the
// charge when no order comes out of it.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"coinwallet/internal/checkout/domain"
	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/middleware"
	"coinwallet/internal/payment"
	"coinwallet/internal/providers/catalog"
	"coinwallet/internal/providers/orders"
	walletdomain "coinwallet/internal/wallet/domain"
)

const (
	chargeReason = "order"
	refundReason = "order-create-failed"

	refundPendingMessage = "order could not be created, refund is pending"
)

// Config holds checkout configuration
type Config struct {
	OrderTimeout     time.Duration `envconfig:"CHECKOUT_ORDER_TIMEOUT" default:"5s"`
	OrderAttempts    int           `envconfig:"CHECKOUT_ORDER_ATTEMPTS" default:"3"`
	OrderBackoff     time.Duration `envconfig:"CHECKOUT_ORDER_BACKOFF" default:"200ms"`
	RefundAttempts   int           `envconfig:"CHECKOUT_REFUND_ATTEMPTS" default:"5"`
	RefundBackoff    time.Duration `envconfig:"CHECKOUT_REFUND_BACKOFF" default:"100ms"`
	RefundRetryDelay time.Duration `envconfig:"CHECKOUT_REFUND_RETRY_DELAY" default:"30s"`
	StaleAfter       time.Duration `envconfig:"CHECKOUT_STALE_AFTER" default:"5m"`
	SweepSchedule    string        `envconfig:"CHECKOUT_SWEEP_SCHEDULE" default:"@every 1m"`
	SweepBatch       int           `envconfig:"CHECKOUT_SWEEP_BATCH" default:"100"`
}

// Catalog prices services
type Catalog interface {
	GetService(ctx context.Context, serviceID string) (*catalog.Service, error)
}

// OrderService creates orders
type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateRequest) (*orders.CreateResponse, error)
}

// Passwords verifies spending passwords
type Passwords interface {
	Verify(ctx context.Context, userID, plaintext string) error
	HasPassword(ctx context.Context, userID string) (bool, error)
}

// Wallets reads balances and ledger entries
type Wallets interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetEntry(ctx context.Context, operationToken string) (*walletdomain.LedgerEntry, error)
}

// Payments moves coins
type Payments interface {
	Charge(ctx context.Context, userID string, amount int64, token, reason string) (*walletdomain.LedgerEntry, error)
	Refund(ctx context.Context, originalToken, reason string) (*walletdomain.LedgerEntry, error)
}

// Store persists submissions
type Store interface {
	// Create inserts sub; an existing submission with the same token is kept.
	Create(ctx context.Context, sub *domain.Submission) error
	Get(ctx context.Context, token string) (*domain.Submission, error)
	// Update writes sub when the stored state still equals from, otherwise
	// it returns domain.ErrStateConflict.
	Update(ctx context.Context, sub *domain.Submission, from domain.State) error
	ListStale(ctx context.Context, state domain.State, before time.Time, limit int) ([]*domain.Submission, error)
}

// Escalator hands a refund that could not be completed inline to a durable queue
type Escalator interface {
	Escalate(ctx context.Context, task events.RefundFailedData) error
}

// SubmitRequest is a confirmed order form
type SubmitRequest struct {
	UserID         string
	ServiceID      string
	Quantity       int
	SubmittedTotal int64
	Password       string
	IdempotencyKey string
}

// SubmitResult is the outcome of a successful submission
type SubmitResult struct {
	Token            string `json:"payment_token"`
	OrderID          string `json:"order_id"`
	OrderNo          string `json:"order_no"`
	AmountCharged    int64  `json:"amount_charged"`
	RemainingBalance int64  `json:"remaining_balance"`
	Replayed         bool   `json:"replayed"`
}

// Preview is what the confirm page shows before submission
type Preview struct {
	ServiceID   string `json:"service_id"`
	ProviderID  string `json:"provider_id"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
	Balance     int64  `json:"balance"`
	HasPassword bool   `json:"has_password"`
}

// Coordinator runs order submissions
type Coordinator struct {
	cfg       Config
	catalog   Catalog
	orders    OrderService
	passwords Passwords
	wallets   Wallets
	payments  Payments
	store     Store
	escalator Escalator
	publisher events.Publisher
	inflight  singleflight.Group
	now       func() time.Time
	logger    *slog.Logger
}

// Deps groups the collaborators of a Coordinator
type Deps struct {
	Catalog   Catalog
	Orders    OrderService
	Passwords Passwords
	Wallets   Wallets
	Payments  Payments
	Store     Store
	Escalator Escalator
	Publisher events.Publisher
}

// NewCoordinator creates a checkout coordinator
func NewCoordinator(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.OrderAttempts < 1 {
		cfg.OrderAttempts = 1
	}
	if cfg.RefundAttempts < 1 {
		cfg.RefundAttempts = 1
	}
	// exponential backoff needs a positive base
	if cfg.OrderBackoff <= 0 {
		cfg.OrderBackoff = time.Millisecond
	}
	if cfg.RefundBackoff <= 0 {
		cfg.RefundBackoff = time.Millisecond
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		catalog:   deps.Catalog,
		orders:    deps.Orders,
		passwords: deps.Passwords,
		wallets:   deps.Wallets,
		payments:  deps.Payments,
		store:     deps.Store,
		escalator: deps.Escalator,
		publisher: deps.Publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// GetConfirmPreview prices the order and reports whether the user can pay.
// It changes nothing.
func (c *Coordinator) GetConfirmPreview(ctx context.Context, serviceID string, quantity int, userID string) (*Preview, error) {
	if quantity <= 0 {
		return nil, errs.New(errs.CodeInvalidArgument, "quantity must be positive")
	}

	svc, err := c.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	total, ok := multiply(svc.UnitPrice, quantity)
	if !ok {
		return nil, errs.New(errs.CodeInvalidArgument, "order total is out of range")
	}

	balance, err := c.wallets.GetBalance(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrWalletNotFound) {
		return nil, err
	}
	hasPassword, err := c.passwords.HasPassword(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Preview{
		ServiceID:   svc.ServiceID,
		ProviderID:  svc.ProviderID,
		Quantity:    quantity,
		UnitPrice:   svc.UnitPrice,
		Total:       total,
		Balance:     balance,
		HasPassword: hasPassword,
	}, nil
}

// SubmitOrder charges the wallet and creates the order. Concurrent calls for
// the same submission token share one execution; a token seen before returns
// the recorded outcome without charging again. The shared execution does not
// stop when a caller gives up, it only stops waiting for it.
func (c *Coordinator) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	switch {
	case req.UserID == "":
		return nil, errs.New(errs.CodeInvalidArgument, "user_id is required")
	case req.ServiceID == "":
		return nil, errs.New(errs.CodeInvalidArgument, "service_id is required")
	case req.Quantity <= 0:
		return nil, errs.New(errs.CodeInvalidArgument, "quantity must be positive")
	case req.SubmittedTotal < 0:
		return nil, errs.New(errs.CodeInvalidArgument, "total must not be negative")
	}

	token := SubmissionToken(req.UserID, req.IdempotencyKey, req.ServiceID, req.Quantity, req.SubmittedTotal)

	work := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(token, func() (any, error) {
		return c.submit(work, token, req)
	})

	select {
	case <-ctx.Done():
		c.logger.Info("caller left before submission finished", "payment_token", token)
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			c.logger.Debug("submission shared with concurrent caller", "payment_token", token)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*SubmitResult)
		return &res, nil
	}
}

func (c *Coordinator) submit(ctx context.Context, token string, req SubmitRequest) (*SubmitResult, error) {
	existing, err := c.store.Get(ctx, token)
	switch {
	case err == nil:
		if existing.UserID != req.UserID {
			return nil, errs.ErrIdempotencyConflict
		}
		return c.resume(ctx, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("loading submission: %w", err)
	}

	svc, err := c.catalog.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	total, ok := multiply(svc.UnitPrice, req.Quantity)
	if !ok || total != req.SubmittedTotal {
		c.logger.Info("submitted total does not match quote",
			"user_id", req.UserID,
			"service_id", req.ServiceID,
			"quantity", req.Quantity,
			"unit_price", svc.UnitPrice,
			"submitted_total", req.SubmittedTotal,
		)
		return nil, errs.ErrAmountMismatch
	}

	now := c.now()
	sub := &domain.Submission{
		Token:       token,
		UserID:      req.UserID,
		ServiceID:   req.ServiceID,
		ProviderID:  svc.ProviderID,
		Quantity:    req.Quantity,
		UnitPrice:   svc.UnitPrice,
		TotalAmount: total,
		State:       domain.StateQuoted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.passwords.Verify(ctx, req.UserID, req.Password); err != nil {
		return nil, err
	}
	if err := sub.Transition(domain.StatePasswordVerified, c.now()); err != nil {
		return nil, err
	}

	entry, err := c.charge(ctx, req.UserID, total, token)
	if err != nil {
		return nil, err
	}

	if err := sub.Transition(domain.StateReserved, c.now()); err != nil {
		return nil, err
	}

	if !entry.IsApplied() {
		// the charge was replayed and has already been refunded
		sub.ErrorCode = string(errs.CodeAlreadyReversed)
		_ = sub.Transition(domain.StateFailed, c.now())
		if err := c.store.Create(ctx, sub); err != nil {
			c.logger.Error("failed to record submission", "payment_token", token, "error", err)
		}
		return nil, errs.New(errs.CodeAlreadyReversed, "payment for this submission was already refunded")
	}

	if err := c.store.Create(ctx, sub); err != nil {
		c.logger.Error("failed to record submission, refunding", "payment_token", token, "error", err)
		return nil, c.compensate(ctx, sub, fmt.Errorf("recording submission: %w", err))
	}

	c.logger.Info("payment reserved",
		"payment_token", token,
		"user_id", sub.UserID,
		"service_id", sub.ServiceID,
		"total", total,
	)

	return c.completeOrder(ctx, sub)
}

// charge debits the wallet under token. A charge already recorded under token
// is picked up as is: its submission was lost before it could be saved.
func (c *Coordinator) charge(ctx context.Context, userID string, total int64, token string) (*walletdomain.LedgerEntry, error) {
	prior, err := c.wallets.GetEntry(ctx, token)
	switch {
	case err == nil:
		if prior.UserID != userID || prior.Kind != walletdomain.EntryKindCharge || prior.Amount != -total {
			return nil, errs.ErrIdempotencyConflict
		}
		c.logger.Warn("found charge without submission, resuming",
			"payment_token", token,
			"user_id", userID,
			"status", prior.Status,
		)
		return prior, nil
	case !errors.Is(err, errs.ErrEntryNotFound):
		return nil, fmt.Errorf("looking up charge: %w", err)
	}

	balance, err := c.wallets.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrWalletNotFound) {
			return nil, errs.ErrInsufficientBalance
		}
		return nil, err
	}
	if balance < total {
		return nil, errs.ErrInsufficientBalance
	}

	entry, err := c.payments.Charge(ctx, userID, total, token, chargeReason)
	if err != nil {
		if errors.Is(err, errs.ErrInsufficientFunds) {
			return nil, errs.ErrInsufficientBalance
		}
		return nil, err
	}
	return entry, nil
}

// resume continues or replays a submission that was recorded earlier.
func (c *Coordinator) resume(ctx context.Context, sub *domain.Submission) (*SubmitResult, error) {
	switch sub.State {
	case domain.StateCaptured:
		return c.result(ctx, sub, true), nil
	case domain.StateCompensated:
		return nil, orderCreationFailed(causeFromCode(sub.ErrorCode))
	case domain.StateFailed:
		return nil, errs.New(errs.Code(sub.ErrorCode), "submission failed")
	case domain.StateOrderCreated:
		return c.capture(ctx, sub, sub.OrderID, sub.OrderNo)
	case domain.StateReserved:
		if sub.ErrorCode != "" {
			// order creation already failed; the refund is with the queue
			return nil, refundPending(causeFromCode(sub.ErrorCode))
		}
		return c.completeOrder(ctx, sub)
	default:
		return nil, fmt.Errorf("submission %s in unexpected state %s", sub.Token, sub.State)
	}
}

// completeOrder creates the order for a reserved submission and captures or
// compensates depending on the outcome.
func (c *Coordinator) completeOrder(ctx context.Context, sub *domain.Submission) (*SubmitResult, error) {
	resp, err := c.createOrder(ctx, sub)
	if err != nil {
		c.logger.Warn("order creation failed, compensating",
			"payment_token", sub.Token,
			"user_id", sub.UserID,
			"error", err,
		)
		return nil, c.compensate(ctx, sub, err)
	}
	return c.capture(ctx, sub, resp.OrderID, resp.OrderNo)
}

func (c *Coordinator) createOrder(ctx context.Context, sub *domain.Submission) (*orders.CreateResponse, error) {
	req := orders.CreateRequest{
		UserID:       sub.UserID,
		ServiceID:    sub.ServiceID,
		ProviderID:   sub.ProviderID,
		Quantity:     sub.Quantity,
		UnitPrice:    sub.UnitPrice,
		TotalAmount:  sub.TotalAmount,
		PaymentToken: sub.Token,
	}

	var resp *orders.CreateResponse
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(c.cfg.OrderAttempts-1), retry.NewExponential(c.cfg.OrderBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout)
		defer cancel()

		var err error
		resp, err = c.orders.CreateOrder(attemptCtx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, errs.ErrOrderServiceUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("order service unavailable",
				"payment_token", sub.Token,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(errs.Wrap(errs.CodeOrderServiceUnavailable, errs.ErrOrderServiceUnavailable.Message, err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) capture(ctx context.Context, sub *domain.Submission, orderID, orderNo string) (*SubmitResult, error) {
	if sub.State == domain.StateReserved {
		sub.OrderID = orderID
		sub.OrderNo = orderNo
		if err := sub.Transition(domain.StateOrderCreated, c.now()); err != nil {
			return nil, err
		}
		if err := c.store.Update(ctx, sub, domain.StateReserved); err != nil {
			return c.reload(ctx, sub.Token, err)
		}
	}

	if err := sub.Transition(domain.StateCaptured, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.Update(ctx, sub, domain.StateOrderCreated); err != nil {
		return c.reload(ctx, sub.Token, err)
	}

	c.logger.Info("order captured",
		"payment_token", sub.Token,
		"user_id", sub.UserID,
		"order_id", sub.OrderID,
		"order_no", sub.OrderNo,
	)
	c.publishOrder(ctx, events.EventOrderCaptured, sub)

	return c.result(ctx, sub, false), nil
}

// compensate refunds the charge of a submission whose order could not be
// created. The returned error is what the caller should see.
func (c *Coordinator) compensate(ctx context.Context, sub *domain.Submission, cause error) error {
	sub.ErrorCode = failureCode(cause)

	refundErr := c.refund(ctx, sub.Token)
	if refundErr != nil {
		c.logger.Error("refund failed, escalating",
			"payment_token", sub.Token,
			"user_id", sub.UserID,
			"amount", sub.TotalAmount,
			"error", refundErr,
		)

		sub.UpdatedAt = c.now()
		if err := c.store.Update(ctx, sub, domain.StateReserved); err != nil {
			c.logger.Error("failed to record order failure", "payment_token", sub.Token, "error", err)
		}
		task := events.RefundFailedData{
			UserID:         sub.UserID,
			OperationToken: sub.Token,
			Amount:         sub.TotalAmount,
			Reason:         refundReason,
			Attempts:       c.cfg.RefundAttempts,
			LastError:      refundErr.Error(),
		}
		if err := c.escalator.Escalate(ctx, task); err != nil {
			// still reserved with an error code, the sweeper retries it
			c.logger.Error("failed to escalate refund", "payment_token", sub.Token, "error", err)
		}
		return refundPending(refundErr)
	}

	if err := c.markCompensated(ctx, sub); err != nil {
		c.logger.Error("failed to record compensation", "payment_token", sub.Token, "error", err)
	}
	return orderCreationFailed(cause)
}

// refund credits the charge back, retrying with backoff. A charge that is
// already reversed counts as refunded.
func (c *Coordinator) refund(ctx context.Context, token string) error {
	backoff := retry.WithMaxRetries(uint64(c.cfg.RefundAttempts-1), retry.NewExponential(c.cfg.RefundBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.payments.Refund(ctx, token, refundReason)
		if payment.IsRefundDone(err) {
			return nil
		}
		if errors.Is(err, errs.ErrEntryNotFound) || errors.Is(err, errs.ErrInvalidArgument) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (c *Coordinator) markCompensated(ctx context.Context, sub *domain.Submission) error {
	if err := sub.Transition(domain.StateCompensated, c.now()); err != nil {
		return err
	}
	if err := c.store.Update(ctx, sub, domain.StateReserved); err != nil {
		return err
	}

	c.logger.Info("order compensated",
		"payment_token", sub.Token,
		"user_id", sub.UserID,
		"error_code", sub.ErrorCode,
	)
	c.publishOrder(ctx, events.EventOrderCompensated, sub)
	return nil
}

// reload re-reads a submission that another worker moved on and returns its
// recorded outcome.
func (c *Coordinator) reload(ctx context.Context, token string, cause error) (*SubmitResult, error) {
	if !errors.Is(cause, domain.ErrStateConflict) {
		return nil, cause
	}
	sub, err := c.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sub.State == domain.StateReserved {
		return nil, fmt.Errorf("submission %s: %w", token, cause)
	}
	return c.resume(ctx, sub)
}

func (c *Coordinator) result(ctx context.Context, sub *domain.Submission, replayed bool) *SubmitResult {
	res := &SubmitResult{
		Token:         sub.Token,
		OrderID:       sub.OrderID,
		OrderNo:       sub.OrderNo,
		AmountCharged: sub.TotalAmount,
		Replayed:      replayed,
	}
	balance, err := c.wallets.GetBalance(ctx, sub.UserID)
	if err != nil {
		c.logger.Warn("failed to read balance after order", "user_id", sub.UserID, "error", err)
	}
	res.RemainingBalance = balance
	return res
}

func (c *Coordinator) publishOrder(ctx context.Context, eventType string, sub *domain.Submission) {
	event, err := events.NewEvent(eventType, events.AggregateSubmission, sub.Token, events.OrderData{
		UserID:       sub.UserID,
		PaymentToken: sub.Token,
		ServiceID:    sub.ServiceID,
		OrderID:      sub.OrderID,
		OrderNo:      sub.OrderNo,
		TotalAmount:  sub.TotalAmount,
		ErrorCode:    sub.ErrorCode,
	})
	if err != nil {
		c.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Error("failed to publish event", "type", eventType, "payment_token", sub.Token, "error", err)
	}
}

func orderCreationFailed(cause error) error {
	return errs.Wrap(errs.CodeOrderCreationFailed, errs.ErrOrderCreationFailed.Message, cause)
}

// refundPending is what the caller sees when the order failed and the charge
// is still waiting for its refund.
func refundPending(cause error) error {
	return errs.Wrap(errs.CodeOrderCreationFailed, refundPendingMessage,
		errs.Wrap(errs.CodeRefundFailed, errs.ErrRefundFailed.Message, cause))
}

// failureCode is the code recorded for a failed order creation.
func failureCode(err error) string {
	var rejected *orders.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Code
	}
	return string(errs.CodeOf(err))
}

// causeFromCode rebuilds the failure recorded by failureCode.
func causeFromCode(code string) error {
	switch errs.Code(code) {
	case errs.CodeOrderServiceUnavailable:
		return errs.ErrOrderServiceUnavailable
	case errs.CodeInternal:
		return errs.New(errs.CodeInternal, "order creation failed")
	}
	return &orders.RejectedError{Code: code}
}

func multiply(unitPrice int64, quantity int) (int64, bool) {
	if unitPrice < 0 || quantity < 0 {
		return 0, false
	}
	if unitPrice != 0 && int64(quantity) > math.MaxInt64/unitPrice {
		return 0, false
	}
	return unitPrice * int64(quantity), true
}
