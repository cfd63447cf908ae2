package mq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Consumer reads device frames for the monitored stations off the ingest
// queue.
type Consumer struct {
	channel       *amqp.Channel
	pubMu         sync.Mutex
	queue         string
	prefetchCount int
	handler       *DeliveryHandler
	logger        *zap.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	BindingKeys   []string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// StationBindingKeys returns the ingest bindings for the given stations,
// one "station.{id}.#" key each.
func StationBindingKeys(stationIDs []string) []string {
	keys := make([]string, 0, len(stationIDs))
	seen := make(map[string]bool, len(stationIDs))
	for _, id := range stationIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, "station."+id+".#")
	}
	return keys
}

// NewConsumer declares the ingest topology and returns a consumer bound to
// every key in cfg.BindingKeys.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.BindingKeys) == 0 {
		return nil, fmt.Errorf("no binding keys for queue %s", cfg.Queue)
	}

	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := declareIngest(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	c := &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
	}
	c.handler = &DeliveryHandler{
		Process:    cfg.Handler,
		DeadLetter: c.publishToQueue,
		DLQQueue:   cfg.DLQQueue,
		Logger:     cfg.Logger,
	}
	return c, nil
}

func declareIngest(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// A queue left over with other arguments fails here with
	// PRECONDITION_FAILED; it has to be deleted, not silently reused.
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": cfg.DLQQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s with dead-letter route: %w", cfg.Queue, err)
	}

	for _, key := range cfg.BindingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
		cfg.Logger.Debug("ingest binding declared", zap.String("routing_key", key))
	}
	return nil
}

func (c *Consumer) publishToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.channel.PublishWithContext(ctx, "", queue, false, false, msg)
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.handler.Handle(ctx, msg)
			}
		}
	}()

	return nil
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

// RegisterLifecycle registers the consumer with Fx lifecycle. Consumption
// stops when the app stops.
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := c.Close(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
