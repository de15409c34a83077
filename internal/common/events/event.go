package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops events. It stands in when no broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

// Publish logs and discards the event
func (p NopPublisher) Publish(_ context.Context, event *Event) error {
	if p.Logger != nil {
		p.Logger.Debug("event dropped, no broker configured", "type", event.Type, "event_id", event.ID)
	}
	return nil
}

// Aggregate types
const (
	AggregateWallet     = "wallet"
	AggregateEntry      = "ledger_entry"
	AggregateSubmission = "order_submission"
)

// Event types
const (
	EventPasswordLocked  = "wallet.password.locked"
	EventWalletDeposited = "wallet.deposited"

	EventPaymentCharged      = "payment.charged"
	EventPaymentRefunded     = "payment.refunded"
	EventPaymentRefundFailed = "payment.refund.failed"

	EventOrderCaptured    = "checkout.order.captured"
	EventOrderCompensated = "checkout.order.compensated"
)

// PasswordLockedData is the data for wallet.password.locked events
type PasswordLockedData struct {
	UserID         string    `json:"user_id"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until"`
}

// LedgerEntryData is the data for payment.charged, payment.refunded and
// wallet.deposited events
type LedgerEntryData struct {
	UserID         string `json:"user_id"`
	OperationToken string `json:"operation_token"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Reason         string `json:"reason,omitempty"`
	Reverses       string `json:"reverses,omitempty"`
}

// RefundFailedData is the data for payment.refund.failed events. It is the
// durable record of a refund that still has to happen.
type RefundFailedData struct {
	UserID         string `json:"user_id"`
	OperationToken string `json:"operation_token"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error"`
}

// OrderData is the data for checkout.order.* events
type OrderData struct {
	UserID       string `json:"user_id"`
	PaymentToken string `json:"payment_token"`
	ServiceID    string `json:"service_id"`
	OrderID      string `json:"order_id,omitempty"`
	OrderNo      string `json:"order_no,omitempty"`
	TotalAmount  int64  `json:"total_amount"`
	ErrorCode    string `json:"error_code,omitempty"`
}
