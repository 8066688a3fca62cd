package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/giftpipe-backend/pkg/errors"
	"github.com/angelmondragon/giftpipe-backend/pkg/logger"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox"
	"github.com/angelmondragon/giftpipe-backend/pkg/outbox/payloads"
)

const dispatchConsumer = "fulfillment-dispatch"

// TriggerOutbox marks dispatches that came from the dispatch queue.
const TriggerOutbox = "outbox"

type dispatcher interface {
	Dispatch(ctx context.Context, orderID uuid.UUID, trigger string) (*DispatchResult, error)
}

type processedMarker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// Consumer drains order_dispatch_requested events into the dispatcher.
type Consumer struct {
	dispatcher   dispatcher
	subscription *pubsub.Subscriber
	idempotency  processedMarker
	logg         *logger.Logger
}

func NewConsumer(d dispatcher, subscription *pubsub.Subscriber, manager processedMarker, logg *logger.Logger) (*Consumer, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("fulfillment subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		dispatcher:   d,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run receives until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventOrderDispatchRequested) {
		c.logg.Info(logCtx, "skipping non-dispatch event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	var payload payloads.OrderDispatchRequestedEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.OrderID == uuid.Nil {
		c.logg.Error(logCtx, "failed to parse dispatch payload", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithOrderID(logCtx, payload.OrderID.String())

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, dispatchConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	result, err := c.dispatcher.Dispatch(logCtx, payload.OrderID, TriggerOutbox)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			c.logg.Warn(logCtx, "dispatch requested for unknown order")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "dispatch failed", err)
		_ = c.idempotency.Delete(ctx, dispatchConsumer, eventID)
		return processResult{nack: true}
	}
	if result.Outcome == OutcomeInProgress {
		// another worker holds the order; let the message come back
		_ = c.idempotency.Delete(ctx, dispatchConsumer, eventID)
		return processResult{nack: true}
	}

	c.logg.Info(c.logg.WithField(logCtx, "outcome", string(result.Outcome)), "dispatch handled")
	return processResult{ack: true}
}
