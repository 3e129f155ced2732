package broker

import (
	"context"
	"sync/atomic"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acks atomic.Int32
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acks.Add(1)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

func TestConsumerBuffersAndAcks(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	ack := &fakeAcknowledger{}
	c := NewConsumer("estimator", 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ch, make(chan *amqp.Error)) }()

	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("d1")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("d2")}

	assert.Equal(t, []byte("d1"), <-c.Messages())
	assert.Equal(t, []byte("d2"), <-c.Messages())
	waitFor(t, func() bool { return ack.acks.Load() == 2 })
	assert.True(t, c.WasActive())

	cancel()
	require.NoError(t, <-done)
}

func TestConsumerStopsOnConnectionDrop(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	closed := make(chan *amqp.Error, 1)
	closed <- &amqp.Error{Code: 320, Reason: "connection forced"}
	c := NewConsumer("estimator", 1, 1)

	err := c.Run(context.Background(), ch, closed)
	require.Error(t, err)
	assert.False(t, c.WasActive())
}
