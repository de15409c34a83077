package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"coinwallet/internal/checkout/domain"
	substore "coinwallet/internal/checkout/store"
	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/events/eventstest"
	"coinwallet/internal/password"
	"coinwallet/internal/payment"
	"coinwallet/internal/providers/catalog"
	"coinwallet/internal/providers/orders"
	"coinwallet/internal/wallet"
	walletdomain "coinwallet/internal/wallet/domain"
	walletstore "coinwallet/internal/wallet/store"
)

const (
	user      = "u1"
	serviceID = "svc-1"
	secret    = "123456"
)

type fakeCatalog struct {
	mu    sync.Mutex
	price int64
	err   error
	// wait, when set, holds every lookup until it is closed
	wait chan struct{}
}

func (f *fakeCatalog) GetService(_ context.Context, id string) (*catalog.Service, error) {
	f.mu.Lock()
	wait := f.wait
	f.mu.Unlock()
	if wait != nil {
		<-wait
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Service{ServiceID: id, ProviderID: "p-1", UnitPrice: f.price}, nil
}

type fakeOrders struct {
	mu      sync.Mutex
	calls   []orders.CreateRequest
	respond func(call int, ctx context.Context, req orders.CreateRequest) (*orders.CreateResponse, error)
}

func (f *fakeOrders) CreateOrder(ctx context.Context, req orders.CreateRequest) (*orders.CreateResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(n, ctx, req)
	}
	return &orders.CreateResponse{OrderID: "order-" + req.PaymentToken, OrderNo: fmt.Sprintf("N%d", n), Success: true}, nil
}

func (f *fakeOrders) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakyPayments fails the first refundFailures refunds.
type flakyPayments struct {
	*payment.Ledger
	mu             sync.Mutex
	refundFailures int
}

func (p *flakyPayments) Refund(ctx context.Context, token, reason string) (*walletdomain.LedgerEntry, error) {
	p.mu.Lock()
	if p.refundFailures > 0 {
		p.refundFailures--
		p.mu.Unlock()
		return nil, errors.New("database unavailable")
	}
	p.mu.Unlock()
	return p.Ledger.Refund(ctx, token, reason)
}

func (p *flakyPayments) FailRefunds(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundFailures = n
}

type harness struct {
	coord    *Coordinator
	wallets  *wallet.Service
	ledger   *payment.Ledger
	payments *flakyPayments
	catalog  *fakeCatalog
	orders   *fakeOrders
	subs     *substore.Memory
	events   *eventstest.Recorder
}

func testConfig() Config {
	return Config{
		OrderTimeout:   time.Second,
		OrderAttempts:  3,
		OrderBackoff:   time.Millisecond,
		RefundAttempts: 3,
		RefundBackoff:  time.Millisecond,
		StaleAfter:     time.Minute,
		SweepSchedule:  "@every 1m",
		SweepBatch:     10,
	}
}

func newHarness(t *testing.T, unitPrice, balance int64) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ws := walletstore.NewMemory()
	wallets := wallet.NewService(ws, logger)
	rec := &eventstest.Recorder{}
	ledger := payment.NewLedger(wallets, rec, logger)
	guard := password.NewGuard(ws, rec, password.Options{
		MaxAttempts:  3,
		LockDuration: 30 * time.Minute,
		HashCost:     bcrypt.MinCost,
	}, logger)

	require.NoError(t, guard.SetPassword(ctx, user, secret, ""))
	if balance > 0 {
		_, err := ledger.Deposit(ctx, user, balance, "seed", "top-up")
		require.NoError(t, err)
	}

	h := &harness{
		wallets:  wallets,
		ledger:   ledger,
		payments: &flakyPayments{Ledger: ledger},
		catalog:  &fakeCatalog{price: unitPrice},
		orders:   &fakeOrders{},
		subs:     substore.NewMemory(),
		events:   rec,
	}
	h.coord = NewCoordinator(testConfig(), Deps{
		Catalog:   h.catalog,
		Orders:    h.orders,
		Passwords: guard,
		Wallets:   wallets,
		Payments:  h.payments,
		Store:     h.subs,
		Escalator: NewEventEscalator(rec, logger),
		Publisher: rec,
	}, logger)
	return h
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.wallets.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (h *harness) charges(t *testing.T) []*walletdomain.LedgerEntry {
	t.Helper()
	entries, _, err := h.wallets.ListEntries(context.Background(), user, 100, 0)
	require.NoError(t, err)
	var out []*walletdomain.LedgerEntry
	for _, e := range entries {
		if e.Kind == walletdomain.EntryKindCharge {
			out = append(out, e)
		}
	}
	return out
}

func request(quantity int, total int64, key string) SubmitRequest {
	return SubmitRequest{
		UserID:         user,
		ServiceID:      serviceID,
		Quantity:       quantity,
		SubmittedTotal: total,
		Password:       secret,
		IdempotencyKey: key,
	}
}

func TestSubmitOrderCharges(t *testing.T) {
	h := newHarness(t, 20, 50)

	res, err := h.coord.SubmitOrder(context.Background(), request(2, 40, "k1"))
	require.NoError(t, err)

	assert.Equal(t, int64(40), res.AmountCharged)
	assert.Equal(t, int64(10), res.RemainingBalance)
	assert.Equal(t, "order-"+res.Token, res.OrderID)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(10), h.balance(t))

	require.Equal(t, 1, h.orders.Calls())
	call := h.orders.calls[0]
	assert.Equal(t, res.Token, call.PaymentToken)
	assert.Equal(t, "p-1", call.ProviderID)
	assert.Equal(t, int64(20), call.UnitPrice)
	assert.Equal(t, int64(40), call.TotalAmount)

	sub, err := h.subs.Get(context.Background(), res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, sub.State)
	assert.Len(t, h.events.Events(events.EventOrderCaptured), 1)
	assert.Len(t, h.events.Events(events.EventPaymentCharged), 1)
}

func TestSubmitOrderInsufficientBalance(t *testing.T) {
	h := newHarness(t, 20, 10)

	_, err := h.coord.SubmitOrder(context.Background(), request(2, 40, ""))
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)
	assert.Empty(t, h.charges(t))
	assert.Equal(t, 0, h.orders.Calls())
	assert.Equal(t, int64(10), h.balance(t))
}

func TestSubmitOrderAmountMismatch(t *testing.T) {
	h := newHarness(t, 20, 100)

	// price went up after the confirm page was rendered
	_, err := h.coord.SubmitOrder(context.Background(), request(2, 30, ""))
	assert.ErrorIs(t, err, errs.ErrAmountMismatch)
	assert.Empty(t, h.charges(t))
	assert.Equal(t, 0, h.orders.Calls())

	// a wrong password is not even checked
	req := request(2, 30, "")
	req.Password = "nope"
	for i := 0; i < 5; i++ {
		_, err = h.coord.SubmitOrder(context.Background(), req)
		assert.ErrorIs(t, err, errs.ErrAmountMismatch)
	}
	_, err = h.coord.SubmitOrder(context.Background(), request(2, 40, ""))
	require.NoError(t, err)
}

func TestSubmitOrderCatalogFailure(t *testing.T) {
	h := newHarness(t, 20, 100)
	h.catalog.err = errs.ErrServiceNotFound

	_, err := h.coord.SubmitOrder(context.Background(), request(1, 20, ""))
	assert.ErrorIs(t, err, errs.ErrServiceNotFound)
	assert.Empty(t, h.charges(t))
}

func TestSubmitOrderCompensatesWhenOrderServiceIsDown(t *testing.T) {
	h := newHarness(t, 60, 100)
	h.orders.respond = func(int, context.Context, orders.CreateRequest) (*orders.CreateResponse, error) {
		return nil, errs.Wrap(errs.CodeOrderServiceUnavailable, "down", errors.New("connection refused"))
	}

	_, err := h.coord.SubmitOrder(context.Background(), request(1, 60, "k1"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeOrderCreationFailed, errs.CodeOf(err))
	assert.Equal(t, errs.ErrOrderCreationFailed.Message, errs.MessageOf(err))
	assert.ErrorIs(t, err, errs.ErrOrderServiceUnavailable)
	assert.NotErrorIs(t, err, errs.ErrRefundFailed)

	assert.Equal(t, 3, h.orders.Calls())
	assert.Equal(t, int64(100), h.balance(t))

	charges := h.charges(t)
	require.Len(t, charges, 1)
	assert.Equal(t, walletdomain.EntryStatusReversed, charges[0].Status)

	sub, err := h.subs.Get(context.Background(), charges[0].OperationToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompensated, sub.State)
	assert.Equal(t, string(errs.CodeOrderServiceUnavailable), sub.ErrorCode)
	assert.Len(t, h.events.Events(events.EventOrderCompensated), 1)

	// the same submission replays its failure without charging again
	_, err = h.coord.SubmitOrder(context.Background(), request(1, 60, "k1"))
	assert.Equal(t, errs.CodeOrderCreationFailed, errs.CodeOf(err))
	assert.Equal(t, 3, h.orders.Calls())
	assert.Len(t, h.charges(t), 1)
}

func TestSubmitOrderDoesNotRetryRejection(t *testing.T) {
	h := newHarness(t, 60, 100)
	h.orders.respond = func(int, context.Context, orders.CreateRequest) (*orders.CreateResponse, error) {
		return nil, &orders.RejectedError{Status: 200, Code: "OUT_OF_STOCK"}
	}

	_, err := h.coord.SubmitOrder(context.Background(), request(1, 60, ""))
	assert.Equal(t, errs.CodeOrderCreationFailed, errs.CodeOf(err))

	var rejected *orders.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "OUT_OF_STOCK", rejected.Code)
	assert.Equal(t, 1, h.orders.Calls())
	assert.Equal(t, int64(100), h.balance(t))
}

func TestSubmitOrderRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, 20, 100)
	h.orders.respond = func(call int, _ context.Context, req orders.CreateRequest) (*orders.CreateResponse, error) {
		if call < 3 {
			return nil, errs.ErrOrderServiceUnavailable
		}
		return &orders.CreateResponse{OrderID: "o-1", OrderNo: "N-1", Success: true}, nil
	}

	res, err := h.coord.SubmitOrder(context.Background(), request(1, 20, ""))
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, int64(80), res.RemainingBalance)
	assert.Equal(t, 3, h.orders.Calls())
}

func TestSubmitOrderPasswordLockout(t *testing.T) {
	h := newHarness(t, 20, 100)
	ctx := context.Background()

	bad := request(1, 20, "")
	bad.Password = "000000"
	for i := 0; i < 3; i++ {
		_, err := h.coord.SubmitOrder(ctx, bad)
		assert.ErrorIs(t, err, errs.ErrPasswordMismatch)
	}

	_, err := h.coord.SubmitOrder(ctx, request(1, 20, ""))
	assert.ErrorIs(t, err, errs.ErrPasswordLocked)
	assert.Empty(t, h.charges(t))
	assert.Equal(t, 0, h.orders.Calls())
	assert.Len(t, h.events.Events(events.EventPasswordLocked), 1)

	// nothing moved, so nothing was recorded
	failed, err := h.subs.ListStale(ctx, domain.StateFailed, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSubmitOrderReplaysCapturedSubmission(t *testing.T) {
	h := newHarness(t, 20, 100)
	ctx := context.Background()

	first, err := h.coord.SubmitOrder(ctx, request(2, 40, "k1"))
	require.NoError(t, err)
	second, err := h.coord.SubmitOrder(ctx, request(2, 40, "k1"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, int64(60), second.RemainingBalance)
	assert.Equal(t, 1, h.orders.Calls())
	assert.Len(t, h.charges(t), 1)

	// the same key with a different amount is a different submission
	third, err := h.coord.SubmitOrder(ctx, request(1, 20, "k1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, third.Token)
	assert.Len(t, h.charges(t), 2)
}

func TestSubmitOrderConcurrentDuplicatesChargeOnce(t *testing.T) {
	h := newHarness(t, 20, 100)
	release := make(chan struct{})
	h.orders.respond = func(_ int, _ context.Context, req orders.CreateRequest) (*orders.CreateResponse, error) {
		<-release
		return &orders.CreateResponse{OrderID: "o-1", OrderNo: "N-1", Success: true}, nil
	}

	var wg sync.WaitGroup
	results := make([]*SubmitResult, 5)
	failures := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = h.coord.SubmitOrder(context.Background(), request(2, 40, "k1"))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, failures[i])
		assert.Equal(t, "o-1", results[i].OrderID)
		assert.Equal(t, results[0].Token, results[i].Token)
	}
	assert.Equal(t, 1, h.orders.Calls())
	assert.Len(t, h.charges(t), 1)
	assert.Equal(t, int64(60), h.balance(t))
}

func TestSubmitOrderSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, 60, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orderCtxErr := make(chan error, 1)
	h.orders.respond = func(_ int, octx context.Context, _ orders.CreateRequest) (*orders.CreateResponse, error) {
		// the client gives up while the order is being created
		cancel()
		orderCtxErr <- octx.Err()
		return nil, &orders.RejectedError{Status: 409, Code: "PROVIDER_CLOSED"}
	}

	_, err := h.coord.SubmitOrder(ctx, request(1, 60, ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errs.CodeOf(err) == errs.CodeOrderCreationFailed, err)
	assert.NoError(t, <-orderCtxErr)

	// compensation finishes even though nobody waits for it
	assert.Eventually(t, func() bool {
		b, err := h.wallets.GetBalance(context.Background(), user)
		return err == nil && b == 100
	}, time.Second, 5*time.Millisecond)
	charges := h.charges(t)
	require.Len(t, charges, 1)
	assert.Equal(t, walletdomain.EntryStatusReversed, charges[0].Status)
}

func TestSubmitOrderEscalatesFailedRefund(t *testing.T) {
	h := newHarness(t, 60, 100)
	ctx := context.Background()
	h.orders.respond = func(int, context.Context, orders.CreateRequest) (*orders.CreateResponse, error) {
		return nil, &orders.RejectedError{Status: 422, Code: "INVALID_PROVIDER"}
	}
	h.payments.FailRefunds(100)

	_, err := h.coord.SubmitOrder(ctx, request(1, 60, ""))
	assert.Equal(t, errs.CodeOrderCreationFailed, errs.CodeOf(err))
	assert.Equal(t, "order could not be created, refund is pending", errs.MessageOf(err))
	assert.ErrorIs(t, err, errs.ErrRefundFailed)
	assert.Equal(t, int64(40), h.balance(t))

	escalated := h.events.Events(events.EventPaymentRefundFailed)
	require.Len(t, escalated, 1)
	var task events.RefundFailedData
	require.NoError(t, escalated[0].DecodeData(&task))
	assert.Equal(t, int64(60), task.Amount)
	assert.Equal(t, user, task.UserID)

	sub, err := h.subs.Get(ctx, task.OperationToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReserved, sub.State)
	assert.Equal(t, "INVALID_PROVIDER", sub.ErrorCode)

	// the queue redelivers until the refund goes through
	assert.Error(t, h.coord.HandleRefundFailed(ctx, escalated[0]))
	h.payments.FailRefunds(0)
	require.NoError(t, h.coord.HandleRefundFailed(ctx, escalated[0]))
	require.NoError(t, h.coord.HandleRefundFailed(ctx, escalated[0]))

	assert.Equal(t, int64(100), h.balance(t))
	sub, err = h.subs.Get(ctx, task.OperationToken)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompensated, sub.State)
}

func TestGetConfirmPreview(t *testing.T) {
	h := newHarness(t, 20, 50)

	p, err := h.coord.GetConfirmPreview(context.Background(), serviceID, 2, user)
	require.NoError(t, err)
	assert.Equal(t, &Preview{
		ServiceID:   serviceID,
		ProviderID:  "p-1",
		Quantity:    2,
		UnitPrice:   20,
		Total:       40,
		Balance:     50,
		HasPassword: true,
	}, p)

	p, err = h.coord.GetConfirmPreview(context.Background(), serviceID, 1, "stranger")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Balance)
	assert.False(t, p.HasPassword)

	_, err = h.coord.GetConfirmPreview(context.Background(), serviceID, 0, user)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Empty(t, h.charges(t))
}

func TestSubmitOrderRejectsOverflow(t *testing.T) {
	h := newHarness(t, 1<<62, 100)

	_, err := h.coord.SubmitOrder(context.Background(), request(4, 0, ""))
	assert.ErrorIs(t, err, errs.ErrAmountMismatch)
}

func TestSubmitOrderResumesChargeWithoutSubmission(t *testing.T) {
	h := newHarness(t, 20, 40)
	ctx := context.Background()

	// a previous attempt charged the wallet and died before saving anything
	token := SubmissionToken(user, "k1", serviceID, 2, 40)
	_, err := h.ledger.Charge(ctx, user, 40, token, chargeReason)
	require.NoError(t, err)
	require.Equal(t, int64(0), h.balance(t))

	res, err := h.coord.SubmitOrder(ctx, request(2, 40, "k1"))
	require.NoError(t, err)
	assert.Equal(t, token, res.Token)
	assert.Equal(t, "order-"+token, res.OrderID)
	assert.Equal(t, int64(0), res.RemainingBalance)

	assert.Equal(t, 1, h.orders.Calls())
	assert.Len(t, h.charges(t), 1)
	sub, err := h.subs.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, sub.State)
}

func TestSubmitOrderReportsRefundedChargeWithoutSubmission(t *testing.T) {
	h := newHarness(t, 20, 40)
	ctx := context.Background()

	token := SubmissionToken(user, "k1", serviceID, 2, 40)
	_, err := h.ledger.Charge(ctx, user, 40, token, chargeReason)
	require.NoError(t, err)
	_, err = h.ledger.Refund(ctx, token, "support")
	require.NoError(t, err)

	_, err = h.coord.SubmitOrder(ctx, request(2, 40, "k1"))
	assert.ErrorIs(t, err, errs.ErrAlreadyReversed)
	assert.Equal(t, 0, h.orders.Calls())
	assert.Equal(t, int64(40), h.balance(t))
}

func TestSubmitOrderSharedWorkOutlivesFirstCaller(t *testing.T) {
	h := newHarness(t, 20, 100)
	h.catalog.wait = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg       sync.WaitGroup
		leftErr  error
		stayRes  *SubmitResult
		stayErr  error
		stayCtx  = context.Background()
		leaveCtx = ctx
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, leftErr = h.coord.SubmitOrder(leaveCtx, request(2, 40, "k1"))
	}()
	go func() {
		defer wg.Done()
		stayRes, stayErr = h.coord.SubmitOrder(stayCtx, request(2, 40, "k1"))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(h.catalog.wait)
	wg.Wait()

	assert.ErrorIs(t, leftErr, context.Canceled)
	require.NoError(t, stayErr)
	assert.Equal(t, "order-"+stayRes.Token, stayRes.OrderID)
	assert.Equal(t, 1, h.orders.Calls())
	assert.Len(t, h.charges(t), 1)
	assert.Equal(t, int64(60), h.balance(t))
}

func TestRefundChargeRefusesPaidOrder(t *testing.T) {
	h := newHarness(t, 20, 100)
	ctx := context.Background()

	res, err := h.coord.SubmitOrder(ctx, request(2, 40, "k1"))
	require.NoError(t, err)

	_, err = h.coord.RefundCharge(ctx, res.Token, "support")
	assert.ErrorIs(t, err, errs.ErrRefundNotAllowed)
	assert.Equal(t, int64(60), h.balance(t))

	sub, err := h.subs.Get(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, sub.State)
}

func TestRefundChargeOfFailedOrder(t *testing.T) {
	h := newHarness(t, 10, 100)
	ctx := context.Background()

	reserve(t, h, "in-flight", 30, "")
	reserve(t, h, "rejected", 20, "OUT_OF_STOCK")

	_, err := h.coord.RefundCharge(ctx, "in-flight", "support")
	assert.ErrorIs(t, err, errs.ErrRefundNotAllowed)

	refund, err := h.coord.RefundCharge(ctx, "rejected", "support")
	require.NoError(t, err)
	assert.Equal(t, int64(20), refund.Amount)
	assert.Equal(t, int64(70), h.balance(t))

	sub, err := h.subs.Get(ctx, "rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompensated, sub.State)

	_, err = h.coord.RefundCharge(ctx, "rejected", "support")
	assert.ErrorIs(t, err, errs.ErrAlreadyReversed)
}

func TestRefundChargeWithoutSubmission(t *testing.T) {
	h := newHarness(t, 10, 100)
	ctx := context.Background()

	_, err := h.ledger.Charge(ctx, user, 30, "orphan", chargeReason)
	require.NoError(t, err)

	// too recent: its submission may still be on the way
	_, err = h.coord.RefundCharge(ctx, "orphan", "support")
	assert.ErrorIs(t, err, errs.ErrRefundNotAllowed)

	h.coord.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err = h.coord.RefundCharge(ctx, "orphan", "support")
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.balance(t))

	_, err = h.coord.RefundCharge(ctx, "unknown", "support")
	assert.ErrorIs(t, err, errs.ErrEntryNotFound)
}
