package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"go.uber.org/zap"
)

const amqpConfirmTimeout = 5 * time.Second

// AMQPPublisher publishes events to a RabbitMQ topic exchange with publisher
// confirms. The subject is used as the routing key.
type AMQPPublisher struct {
	exchange string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// NewAMQPPublisher dials the broker, declares the exchange and puts the channel in confirm mode
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("eventbus: amqp exchange is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	logger.Info("eventbus: amqp publisher ready", zap.String("exchange", exchange))
	return &AMQPPublisher{
		exchange: exchange,
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish sends the event and waits for the broker's confirm
func (p *AMQPPublisher) Publish(ctx context.Context, subject string, event *Event) error {
	msg, err := publishingFor(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("eventbus: amqp connection is not open")
	}

	ctx, cancel := context.WithTimeout(ctx, amqpConfirmTimeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, p.exchange, subject, true, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	select {
	case c := <-p.confirms:
		if !c.Ack {
			return fmt.Errorf("eventbus: broker did not acknowledge %s", subject)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping reports whether the broker connection is up
func (p *AMQPPublisher) Ping() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp not connected")
	}
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

func publishingFor(event *Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		AppId:        event.Source,
		Timestamp:    event.Timestamp,
		Body:         body,
	}, nil
}
