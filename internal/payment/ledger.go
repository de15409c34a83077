// Package payment records charges, refunds and deposits against wallets.
// Every operation is keyed by an operation token and safe to retry.
package payment

import (
	"context"
	"errors"
	"log/slog"

	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/middleware"
	"coinwallet/internal/wallet/domain"
)

// Wallets is the wallet store surface the ledger writes through
type Wallets interface {
	OpenWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	TryMutate(ctx context.Context, m domain.Mutation) (*domain.MutationResult, error)
	GetEntry(ctx context.Context, operationToken string) (*domain.LedgerEntry, error)
}

// Ledger is the payment ledger
type Ledger struct {
	wallets   Wallets
	publisher events.Publisher
	logger    *slog.Logger
}

// NewLedger creates a payment ledger
func NewLedger(wallets Wallets, publisher events.Publisher, logger *slog.Logger) *Ledger {
	return &Ledger{wallets: wallets, publisher: publisher, logger: logger}
}

// Charge debits amount from the user's wallet under token. Charging the same
// token again returns the recorded entry without debiting twice.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, token, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, errs.New(errs.CodeInvalidArgument, "amount must be positive")
	}

	res, err := l.wallets.TryMutate(ctx, domain.Mutation{
		UserID:         userID,
		Delta:          -amount,
		OperationToken: token,
		Kind:           domain.EntryKindCharge,
		Reason:         reason,
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		l.publish(ctx, events.EventPaymentCharged, res.Entry)
	}
	return res.Entry, nil
}

// Refund credits back the charge recorded under originalToken and marks it
// reversed. A charge is refunded at most once.
func (l *Ledger) Refund(ctx context.Context, originalToken, reason string) (*domain.LedgerEntry, error) {
	original, err := l.wallets.GetEntry(ctx, originalToken)
	if err != nil {
		return nil, err
	}
	if original.Kind != domain.EntryKindCharge {
		return nil, errs.Newf(errs.CodeInvalidArgument, "entry %s is a %s, only charges can be refunded", originalToken, original.Kind)
	}
	if !original.IsApplied() {
		return nil, errs.ErrAlreadyReversed
	}

	res, err := l.wallets.TryMutate(ctx, domain.Mutation{
		UserID:         original.UserID,
		Delta:          -original.Amount,
		OperationToken: domain.RefundToken(originalToken),
		Kind:           domain.EntryKindRefund,
		Reason:         reason,
		Reverses:       originalToken,
	})
	if err != nil {
		return nil, err
	}
	// another caller refunded between our read and the mutation
	if res.Replayed {
		return nil, errs.ErrAlreadyReversed
	}

	l.publish(ctx, events.EventPaymentRefunded, res.Entry)
	return res.Entry, nil
}

// Deposit credits amount to the user's wallet, opening it if needed
func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64, token, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, errs.New(errs.CodeInvalidArgument, "amount must be positive")
	}
	if _, err := l.wallets.OpenWallet(ctx, userID); err != nil {
		return nil, err
	}

	res, err := l.wallets.TryMutate(ctx, domain.Mutation{
		UserID:         userID,
		Delta:          amount,
		OperationToken: token,
		Kind:           domain.EntryKindDeposit,
		Reason:         reason,
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		l.publish(ctx, events.EventWalletDeposited, res.Entry)
	}
	return res.Entry, nil
}

// IsRefundDone reports whether err from Refund means the charge is already
// compensated.
func IsRefundDone(err error) bool {
	return err == nil || errors.Is(err, errs.ErrAlreadyReversed)
}

func (l *Ledger) publish(ctx context.Context, eventType string, e *domain.LedgerEntry) {
	event, err := events.NewEvent(eventType, events.AggregateEntry, e.OperationToken, events.LedgerEntryData{
		UserID:         e.UserID,
		OperationToken: e.OperationToken,
		Kind:           string(e.Kind),
		Amount:         e.Amount,
		BalanceAfter:   e.BalanceAfter,
		Reason:         e.Reason,
		Reverses:       e.Reverses,
	})
	if err != nil {
		l.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Error("failed to publish event",
			"type", eventType,
			"operation_token", e.OperationToken,
			"error", err,
		)
	}
}
