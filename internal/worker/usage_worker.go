package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"relaychat/internal/model"
	"relaychat/internal/platform/rabbitmq"
	"relaychat/internal/ratelimit"
)

// UsageWorker consumes usage events and applies them to the rate
// limiter. Undecodable or unapplicable events are nacked without
// requeue, which routes them to the DLQ.
type UsageWorker struct {
	conn      *amqp.Connection
	limiter   *ratelimit.Limiter
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUsageWorker(conn *amqp.Connection, limiter *ratelimit.Limiter, queueName string) *UsageWorker {
	return &UsageWorker{
		conn:      conn,
		limiter:   limiter,
		queueName: queueName,
	}
}

func (w *UsageWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	if err := rabbitmq.DeclareUsageTopology(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *UsageWorker) handle(ctx context.Context, d amqp.Delivery) {
	var event model.UsageEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		log.Printf("worker decode usage event failed: %v", err)
		_ = d.Nack(false, false)
		return
	}
	if event.Identifier == "" || event.TotalTokens < 0 {
		log.Printf("worker dropped malformed usage event: %+v", event)
		_ = d.Nack(false, false)
		return
	}

	if err := w.limiter.RecordUsage(ctx, event.Identifier, event.TotalTokens, event.EstimatedDebited, event.ModelID); err != nil {
		log.Printf("worker record usage failed: %v", err)
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
}

func (w *UsageWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
