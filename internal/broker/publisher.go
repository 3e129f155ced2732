package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wildflower-tech/posepipe/internal/transport"
)

// Publisher drains a bounded local queue to one exchange/routing key. An
// optional monitor queue applies cooperative backpressure: while the
// downstream queue is at or over its limit the drain pauses, which in turn
// blocks producers on the local queue's blocking put.
type Publisher struct {
	exchange   string
	routingKey string
	appID      string
	monitor    *transport.MonitorQueue
	in         chan []byte
	active     atomic.Bool
}

// NewPublisher builds a publisher role with a local buffer of the given
// capacity.
func NewPublisher(exchange, routingKey, appID string, buffer int, monitor *transport.MonitorQueue) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		exchange:   exchange,
		routingKey: routingKey,
		appID:      appID,
		monitor:    monitor,
		in:         make(chan []byte, buffer),
	}
}

// Enqueue blocks until the message fits the local buffer or the context
// ends.
func (p *Publisher) Enqueue(ctx context.Context, msg []byte) error {
	select {
	case p.in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WasActive reports whether any message was published on the last run.
func (p *Publisher) WasActive() bool { return p.active.Load() }

// Run drains the local buffer until the context ends or the connection
// drops.
func (p *Publisher) Run(ctx context.Context, ch Channel, closed <-chan *amqp.Error) error {
	for {
		if p.monitor != nil {
			if err := p.waitForHeadroom(ctx, ch, closed); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("connection closed: %v", amqpErr)
		case msg := <-p.in:
			err := ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
				AppId:       p.appID,
				ContentType: "application/msgpack",
				Body:        msg,
			})
			if err != nil {
				return fmt.Errorf("publish to %s/%s: %w", p.exchange, p.routingKey, err)
			}
			p.active.Store(true)
		}
	}
}

// waitForHeadroom polls the monitor queue's depth with a passive declare and
// sleeps while it is backed up.
func (p *Publisher) waitForHeadroom(ctx context.Context, ch Channel, closed <-chan *amqp.Error) error {
	for {
		q, err := ch.QueueDeclarePassive(p.monitor.Name, true, false, false, false, amqp.Table{"x-queue-mode": "lazy"})
		if err != nil {
			return fmt.Errorf("monitor queue %s: %w", p.monitor.Name, err)
		}
		if q.Messages < p.monitor.Limit {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case <-time.After(time.Duration(p.monitor.Backoff) * time.Second):
		}
	}
}
