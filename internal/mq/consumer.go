package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes the body of one configuration-change notification.
type Handler func(ctx context.Context, body []byte) error

// Consumer subscribes to the Client System's configuration-change
// notifications. A notification the handler rejects is dead-lettered rather
// than redelivered, so one malformed message cannot wedge the queue.
type Consumer struct {
	channel *amqp.Channel
	queue   string
	logger  *zap.Logger
	handler Handler
}

// ConsumerConfig holds the queue topology and the notification handler.
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       Handler
}

// NewConsumer opens a channel and declares the notification topology.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel: ch,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		handler: cfg.Handler,
	}, nil
}

// declareTopology sets up the notification queue, its dead-letter queue and
// the binding to the Client System's topic exchange.
func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Rejected notifications dead-letter to the DLQ. A queue that already
	// exists without the DLX arguments fails this declare, so fall back to
	// declaring it plain.
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		cfg.Logger.Warn("queue declare with dead-lettering failed, declaring plain", zap.Error(err))
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Start delivers notifications to the handler until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("configuration push consumer stopping")
				return
			case msg, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery channel closed")
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	if err := c.handler(ctx, msg.Body); err != nil {
		c.logger.Error("configuration change rejected, dead-lettering",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to NACK notification", zap.Error(nackErr))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ACK notification", zap.Error(err))
	}
}

// Close closes the consumer channel.
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
