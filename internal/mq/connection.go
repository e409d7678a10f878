package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection is the AMQP connection shared by the event publisher and the
// configuration push consumer. Channels are cheap and per-component; the
// connection is the lifecycle-managed piece.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials RabbitMQ and ties the connection to the application
// lifecycle. The broker carries cycle events and supervisor alerts, so a
// failed dial aborts startup loudly.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("connecting to RabbitMQ...")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return &Connection{conn: conn}, nil
}

// Channel opens a new channel on the shared connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
