package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/ev-station-sync/internal/metrics"
	"go.uber.org/zap"
)

// Headers stamped on a frame moved to the dead-letter queue.
const (
	HeaderRejectionReason = "x-rejection-reason"
	HeaderRoutingKey      = "x-original-routing-key"
	HeaderRejectedAt      = "x-rejected-at"
)

// MessageHandler processes one delivery. A non-nil error dead-letters it.
type MessageHandler func(ctx context.Context, routingKey string, body []byte) error

// PublishFunc publishes to the default exchange under the given queue name.
type PublishFunc func(ctx context.Context, queue string, msg amqp.Publishing) error

// DeliveryHandler settles ingest deliveries. Frames the handler refuses are
// republished to the dead-letter queue with the refusal reason attached and
// then acknowledged. When that republish fails the delivery is nacked without
// requeue and the broker's dead-letter route takes it, reason lost.
type DeliveryHandler struct {
	Process    MessageHandler
	DeadLetter PublishFunc
	DLQQueue   string
	Logger     *zap.Logger
}

// Handle runs one delivery through the handler and settles it. It returns
// the metrics result it counted.
func (h *DeliveryHandler) Handle(ctx context.Context, msg amqp.Delivery) string {
	h.Logger.Debug("received message from queue",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)

	err := h.Process(ctx, msg.RoutingKey, msg.Body)
	if err == nil {
		metrics.IngestMessages.WithLabelValues("applied").Inc()
		if ackErr := msg.Ack(false); ackErr != nil {
			h.Logger.Error("failed to ACK message", zap.Error(ackErr))
		}
		return "applied"
	}

	h.Logger.Warn("frame rejected",
		zap.Error(err),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)
	metrics.IngestMessages.WithLabelValues("rejected").Inc()

	if pubErr := h.DeadLetter(ctx, h.DLQQueue, deadLetter(msg, err)); pubErr != nil {
		h.Logger.Error("failed to dead-letter frame, falling back to NACK",
			zap.Error(pubErr),
			zap.String("dlq", h.DLQQueue),
		)
		if nackErr := msg.Nack(false, false); nackErr != nil {
			h.Logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return "rejected"
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		h.Logger.Error("failed to ACK dead-lettered message", zap.Error(ackErr))
	}
	return "rejected"
}

func deadLetter(msg amqp.Delivery, reason error) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderRejectionReason] = reason.Error()
	headers[HeaderRoutingKey] = msg.RoutingKey
	headers[HeaderRejectedAt] = time.Now().UTC().Format(time.RFC3339)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationId,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
}
