package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"coinwallet/internal/common/events"
)

// MessageHandler handles a decoded event. A non-nil error naks the message
// for redelivery.
type MessageHandler func(ctx context.Context, event *events.Event) error

// Subscriber consumes events from a durable consumer
type Subscriber struct {
	consumer   jetstream.Consumer
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewSubscriber creates a subscriber. Failed messages are redelivered after
// retryDelay.
func NewSubscriber(consumer jetstream.Consumer, retryDelay time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{consumer: consumer, retryDelay: retryDelay, logger: logger}
}

// Start consumes messages until ctx is done
func (s *Subscriber) Start(ctx context.Context, handler MessageHandler) error {
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("getting message iterator: %w", err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return ctx.Err()
			}
			s.logger.Error("error getting next message", "error", err)
			continue
		}

		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			// A payload that cannot be decoded will never succeed.
			s.logger.Error("dropping undecodable message", "error", err, "subject", msg.Subject())
			_ = msg.Term()
			continue
		}

		if err := handler(ctx, &event); err != nil {
			s.logger.Error("error handling event",
				"error", err,
				"event_id", event.ID,
				"type", event.Type,
			)
			_ = msg.NakWithDelay(s.retryDelay)
			continue
		}

		if err := msg.Ack(); err != nil {
			s.logger.Error("error acknowledging message", "error", err, "event_id", event.ID)
		}
	}
}
