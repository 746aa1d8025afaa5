package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"relaychat/internal/model"
)

// UsagePublisher pushes finished-request token usage onto the usage
// queue. The topology is declared once up front: the main queue
// dead-letters into <queue>.dlq so poisoned events are parked instead
// of redelivered forever.
type UsagePublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewUsagePublisher(conn *amqp.Connection, queueName string) (*UsagePublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := DeclareUsageTopology(ch, queueName); err != nil {
		return nil, err
	}
	return &UsagePublisher{conn: conn, queueName: queueName}, nil
}

// DeclareUsageTopology declares the usage queue and its DLQ. Publisher
// and worker both call it; the arguments must stay identical or the
// broker rejects the second declaration.
func DeclareUsageTopology(ch *amqp.Channel, queueName string) error {
	dlq := queueName + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq failed: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("declare usage queue failed: %w", err)
	}
	return nil
}

func (p *UsagePublisher) Publish(ctx context.Context, event model.UsageEvent) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	); err != nil {
		return fmt.Errorf("publish usage event failed: %w", err)
	}
	return nil
}
