package checkout

import (
	"context"
	"errors"
	"fmt"

	"coinwallet/internal/checkout/domain"
	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/payment"
)

// HandleRefundFailed consumes a payment.refund.failed event. It returns an
// error while the refund still fails so the queue redelivers the event.
func (c *Coordinator) HandleRefundFailed(ctx context.Context, event *events.Event) error {
	var task events.RefundFailedData
	if err := event.DecodeData(&task); err != nil {
		return fmt.Errorf("decoding refund task: %w", err)
	}

	_, err := c.payments.Refund(ctx, task.OperationToken, refundReason)
	switch {
	case payment.IsRefundDone(err):
	case errors.Is(err, errs.ErrEntryNotFound):
		c.logger.Error("queued refund has no charge", "payment_token", task.OperationToken)
		return nil
	default:
		c.logger.Warn("queued refund failed", "payment_token", task.OperationToken, "error", err)
		return err
	}

	sub, err := c.store.Get(ctx, task.OperationToken)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if sub.State != domain.StateReserved {
		return nil
	}

	err = c.markCompensated(ctx, sub)
	if errors.Is(err, domain.ErrStateConflict) {
		return nil
	}
	return err
}
