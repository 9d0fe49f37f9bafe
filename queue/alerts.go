// Package queue publishes security alerts to RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"gatekeeper.evalgo.org/auth"
)

// DefaultAlertQueue is used when AlertConfig.QueueName is empty.
const DefaultAlertQueue = "gatekeeper.security_alerts"

// AlertConfig selects the broker and queue for security alerts.
type AlertConfig struct {
	URL       string
	QueueName string
}

// AlertPublisher implements auth.AlertSink on a durable RabbitMQ queue.
type AlertPublisher struct {
	mu         sync.Mutex
	connection AMQPConnection
	channel    AMQPChannel
	queue      string
}

// NewAlertPublisher connects to RabbitMQ and declares the alert queue.
func NewAlertPublisher(cfg AlertConfig) (*AlertPublisher, error) {
	return NewAlertPublisherWithDialer(cfg, &RealAMQPDialer{})
}

// NewAlertPublisherWithDialer is NewAlertPublisher with an injected dialer.
func NewAlertPublisherWithDialer(cfg AlertConfig, dialer AMQPDialer) (*AlertPublisher, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultAlertQueue
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &AlertPublisher{
		connection: conn,
		channel:    ch,
		queue:      cfg.QueueName,
	}, nil
}

// Alert publishes alert as a persistent JSON message.
func (p *AlertPublisher) Alert(ctx context.Context, alert auth.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    alert.RaisedAt,
			Type:         alert.Type,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AlertPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if p.channel != nil {
		firstErr = p.channel.Close()
	}
	if p.connection != nil {
		if err := p.connection.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
