package checkout

import (
	"context"
	"errors"
	"fmt"

	"coinwallet/internal/checkout/domain"
	"coinwallet/internal/common/errs"
	walletdomain "coinwallet/internal/wallet/domain"
)

// RefundCharge refunds an order charge on an operator's request. A charge
// whose order exists, or may still be created, is refused: the order has to
// be cancelled with the order service first.
func (c *Coordinator) RefundCharge(ctx context.Context, token, reason string) (*walletdomain.LedgerEntry, error) {
	sub, err := c.store.Get(ctx, token)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.refundUnrecorded(ctx, token, reason)
	case err != nil:
		return nil, fmt.Errorf("loading submission: %w", err)
	}

	switch {
	case sub.State == domain.StateCaptured, sub.State == domain.StateOrderCreated:
		return nil, errs.Newf(errs.CodeRefundNotAllowed, "charge %s paid for order %s", token, sub.OrderNo)
	case sub.State == domain.StateReserved && sub.ErrorCode == "":
		return nil, errs.Newf(errs.CodeRefundNotAllowed, "order for charge %s is still being created", token)
	}

	entry, err := c.payments.Refund(ctx, token, reason)
	if err != nil {
		return nil, err
	}

	if sub.State == domain.StateReserved {
		if err := c.markCompensated(ctx, sub); err != nil && !errors.Is(err, domain.ErrStateConflict) {
			c.logger.Error("failed to record compensation", "payment_token", token, "error", err)
		}
	}
	return entry, nil
}

// refundUnrecorded refunds a charge that has no submission. A recent one may
// belong to a submission that is about to be saved.
func (c *Coordinator) refundUnrecorded(ctx context.Context, token, reason string) (*walletdomain.LedgerEntry, error) {
	entry, err := c.wallets.GetEntry(ctx, token)
	if err != nil {
		return nil, err
	}
	if entry.Kind == walletdomain.EntryKindCharge && entry.CreatedAt.After(c.now().Add(-c.cfg.StaleAfter)) {
		return nil, errs.Newf(errs.CodeRefundNotAllowed, "charge %s may still be in flight", token)
	}
	return c.payments.Refund(ctx, token, reason)
}
