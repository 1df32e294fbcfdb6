package platform

import (
	"context"

	"tbank-checkout/internal/kafka"
	"tbank-checkout/internal/logger"
	"tbank-checkout/internal/payment"

	"go.uber.org/zap"
)

type eventPublisher interface {
	Publish(ctx context.Context, key string, ev kafka.Envelope) error
}

// OutcomeEvent is the payload of a PaymentOutcome event.
type OutcomeEvent struct {
	payment.Outcome
	Delivered bool `json:"delivered"`
}

// PublishingGateway forwards outcomes to the platform and then emits a
// PaymentOutcome event. Event delivery errors are logged, not returned.
type PublishingGateway struct {
	payment.OrderGateway
	pub eventPublisher
}

func NewPublishingGateway(inner payment.OrderGateway, pub eventPublisher) *PublishingGateway {
	return &PublishingGateway{OrderGateway: inner, pub: pub}
}

func (g *PublishingGateway) ApplyPaymentOutcome(ctx context.Context, orderID string, outcome payment.Outcome) error {
	err := g.OrderGateway.ApplyPaymentOutcome(ctx, orderID, outcome)

	log := logger.FromCtx(ctx).With(zap.String("order_id", orderID))

	ev, encErr := kafka.NewEnvelope(kafka.EventPaymentOutcome, serviceName, orderID, OutcomeEvent{
		Outcome:   outcome,
		Delivered: err == nil,
	})
	if encErr != nil {
		log.Error("Failed to build outcome event", zap.Error(encErr))
		return err
	}

	if pubErr := g.pub.Publish(context.WithoutCancel(ctx), orderID, ev); pubErr != nil {
		log.Warn("Failed to publish outcome event", zap.Error(pubErr))
	}
	return err
}
