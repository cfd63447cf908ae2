package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher emits station events to the events exchange
type Publisher struct {
	conn       *Connection
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	sessionKey string
	alarmKey   string
	logger     *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Connection        *Connection
	Exchange          string
	SessionRoutingKey string
	AlarmRoutingKey   string
	Logger            *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:       cfg.Connection,
		channel:    ch,
		exchange:   cfg.Exchange,
		sessionKey: cfg.SessionRoutingKey,
		alarmKey:   cfg.AlarmRoutingKey,
		logger:     cfg.Logger,
	}, nil
}

// SessionCompletedEvent is published once per completed charging session
type SessionCompletedEvent struct {
	SessionID   string  `json:"session_id"`
	StationID   string  `json:"station_id"`
	Port        string  `json:"port"`
	CardID      string  `json:"card_id,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	UserName    string  `json:"user_name,omitempty"`
	StartedAt   string  `json:"started_at,omitempty"`
	StoppedAt   string  `json:"stopped_at,omitempty"`
	DurationMs  *int64  `json:"duration_ms"`
	EnergyKwh   float64 `json:"energy_kwh"`
	CostVnd     float64 `json:"cost_vnd"`
	Reason      string  `json:"reason,omitempty"`
	CompletedAt string  `json:"completed_at"`
}

// AlarmEvent is published when a station alarm is raised
type AlarmEvent struct {
	StationID string  `json:"station_id"`
	Port      string  `json:"port,omitempty"`
	Kind      string  `json:"kind"`
	Reason    string  `json:"reason"`
	Value     float64 `json:"value"`
	RaisedAt  string  `json:"raised_at"`
}

// PublishSessionCompleted publishes a completed session event
func (p *Publisher) PublishSessionCompleted(ctx context.Context, event SessionCompletedEvent) error {
	if err := p.publish(ctx, p.sessionKey, event); err != nil {
		return err
	}

	p.logger.Debug("published session completed event",
		zap.String("routing_key", p.sessionKey),
		zap.String("session_id", event.SessionID),
		zap.String("station_id", event.StationID),
	)
	return nil
}

// PublishAlarm publishes an alarm event. The routing key is suffixed with the
// station id so consumers can bind per station.
func (p *Publisher) PublishAlarm(ctx context.Context, event AlarmEvent) error {
	routingKey := p.alarmKey + "." + event.StationID
	if err := p.publish(ctx, routingKey, event); err != nil {
		return err
	}

	p.logger.Debug("published alarm event",
		zap.String("routing_key", routingKey),
		zap.String("kind", event.Kind),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
