package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer pulls deliveries from one queue into a bounded local buffer. The
// buffer gives the owning worker pull semantics over a push protocol;
// blocking the buffer blocks the broker's prefetch window, which is the
// backpressure path for native consumption.
type Consumer struct {
	queue    string
	prefetch int
	out      chan []byte
	active   atomic.Bool
}

// NewConsumer builds a consumer role for the queue with a local buffer of
// the given capacity.
func NewConsumer(queue string, prefetch, buffer int) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if buffer <= 0 {
		buffer = prefetch
	}
	return &Consumer{queue: queue, prefetch: prefetch, out: make(chan []byte, buffer)}
}

// Messages is the local buffer of consumed message bodies.
func (c *Consumer) Messages() <-chan []byte { return c.out }

// WasActive reports whether any delivery arrived on the last run.
func (c *Consumer) WasActive() bool { return c.active.Load() }

// Run consumes until the context ends or the connection drops. Deliveries
// are acked once buffered locally; a crash after that point loses only what
// the buffer held.
func (c *Consumer) Run(ctx context.Context, ch Channel, closed <-chan *amqp.Error) error {
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume channel for %s closed", c.queue)
			}
			c.active.Store(true)
			select {
			case c.out <- d.Body:
			case <-ctx.Done():
				return nil
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}
