package checkout

import (
	"context"
	"fmt"
	"log/slog"

	"coinwallet/internal/common/events"
	"coinwallet/internal/common/middleware"
)

// EventEscalator escalates refunds by publishing payment.refund.failed events.
// With JetStream behind the publisher the event is the durable record of the
// refund still owed.
type EventEscalator struct {
	publisher events.Publisher
	logger    *slog.Logger
}

// NewEventEscalator creates an escalator publishing through publisher
func NewEventEscalator(publisher events.Publisher, logger *slog.Logger) *EventEscalator {
	return &EventEscalator{publisher: publisher, logger: logger}
}

// Escalate implements Escalator
func (e *EventEscalator) Escalate(ctx context.Context, task events.RefundFailedData) error {
	event, err := events.NewEvent(events.EventPaymentRefundFailed, events.AggregateEntry, task.OperationToken, task)
	if err != nil {
		return fmt.Errorf("building refund event: %w", err)
	}
	// one queued refund per charge
	event.ID = "refund-failed:" + task.OperationToken

	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := e.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing refund event: %w", err)
	}

	e.logger.Warn("refund escalated",
		"payment_token", task.OperationToken,
		"user_id", task.UserID,
		"amount", task.Amount,
	)
	return nil
}
