package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// WebhookDispatcher forwards terminal execution events to a durable RabbitMQ
// queue. Downstream webhook workers consume the queue and deliver with their
// own retry policy, which is what makes external delivery durable while the
// in-process bus stays best-effort.
type WebhookDispatcher struct {
	logger  *zap.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewWebhookDispatcher connects to RabbitMQ and declares the durable queue.
func NewWebhookDispatcher(url, queue string, logger *zap.Logger) (*WebhookDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare webhook queue: %w", err)
	}

	return &WebhookDispatcher{
		logger:  logger.With(zap.String("component", "webhook-dispatcher")),
		conn:    conn,
		channel: channel,
		queue:   queue,
	}, nil
}

// Run consumes the bus subscription until the context ends, publishing
// terminal events to the durable queue.
func (d *WebhookDispatcher) Run(ctx context.Context, sub *Subscriber) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.Type != ExecutionTerminated {
				continue
			}
			if err := d.publish(event); err != nil {
				d.logger.Error("failed to enqueue webhook event",
					zap.String("execution_id", event.ExecutionID),
					zap.Error(err),
				)
			}
		}
	}
}

func (d *WebhookDispatcher) publish(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = d.channel.Publish(
		"",      // default exchange
		d.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish webhook event: %w", err)
	}

	d.logger.Debug("webhook event enqueued",
		zap.String("execution_id", event.ExecutionID),
		zap.String("status", event.Status),
	)
	return nil
}

// Close tears down the AMQP channel and connection.
func (d *WebhookDispatcher) Close() error {
	if err := d.channel.Close(); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}
