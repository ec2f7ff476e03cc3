package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications to a topic exchange; the mailer
// consumes "notification.<kind>".
type AMQPNotifier struct {
	channel  channel
	exchange string

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

func NewAMQPNotifier(conn *amqp.Connection, exchange string) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true, // durable
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}
	return newAMQPNotifier(ch, exchange), nil
}

func newAMQPNotifier(ch channel, exchange string) *AMQPNotifier {
	return &AMQPNotifier{
		channel:     ch,
		exchange:    exchange,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
		maxAttempts: 5,
	}
}

// RoutingKey returns the routing key notifications of kind are published under.
func RoutingKey(kind Kind) string {
	return "notification." + string(kind)
}

func (p *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ScheduleID + ":" + string(n.Kind) + ":" + n.Window,
		Timestamp:    n.SentAt,
		Body:         body,
	}
	return p.publishWithRetry(ctx, RoutingKey(n.Kind), msg)
}

func (p *AMQPNotifier) publishWithRetry(ctx context.Context, key string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == p.maxAttempts {
			break
		}

		backoff := p.baseDelay << (attempt - 1)
		if backoff > p.maxDelay {
			backoff = p.maxDelay
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.New("publish canceled by context")
		}
	}
	return lastErr
}
