package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/models"
)

// ExecuteMessage is the queue payload asking the engine to run a workflow.
// The API gateway enqueues it after authentication and request validation.
type ExecuteMessage struct {
	WorkflowID string           `json:"workflow_id"`
	Inputs     models.JSONMap   `json:"inputs"`
	Mode       string           `json:"mode,omitempty"`
	TimeoutMs  int64            `json:"timeout_ms,omitempty"`
	Principal  models.Principal `json:"principal"`
}

// ExecuteFunc is the engine entry point the consumer hands messages to.
type ExecuteFunc func(ctx context.Context, msg ExecuteMessage) error

// Consumer drains the workflow execution queue and feeds the engine. Every
// parsed message is acked once handled, even when the execution fails;
// malformed messages are nacked without requeue.
type Consumer struct {
	logger  *zap.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewConsumer connects and declares the durable execution queue.
func NewConsumer(url, queue string, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare execution queue: %w", err)
	}
	return &Consumer{
		logger:  logger.With(zap.String("component", "execution-consumer")),
		conn:    conn,
		channel: channel,
		queue:   queue,
	}, nil
}

// Start consumes until the context ends.
func (c *Consumer) Start(ctx context.Context, execute ExecuteFunc) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("consuming execution requests", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("execution queue channel closed")
			}
			var msg ExecuteMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				c.logger.Error("malformed execution request, dropping", zap.Error(err))
				delivery.Nack(false, false)
				continue
			}
			if err := execute(ctx, msg); err != nil {
				c.logger.Error("execution request failed",
					zap.String("workflow_id", msg.WorkflowID),
					zap.Error(err),
				)
			}
			delivery.Ack(false)
		}
	}
}

// Close tears down the AMQP channel and connection.
func (c *Consumer) Close() error {
	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
