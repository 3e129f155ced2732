package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wildflower-tech/posepipe/internal/topology"
)

type fakeChannel struct {
	mu        sync.Mutex
	exchanges []string
	queues    []string
	binds     []string
	published []amqp.Publishing
	depth     int

	deliveries      chan amqp.Delivery
	declareQueueErr error
	bindErr         error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareQueueErr != nil {
		return amqp.Queue{}, c.declareQueueErr
	}
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amqp.Queue{Name: name, Messages: c.depth}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return c.bindErr
	}
	c.binds = append(c.binds, fmt.Sprintf("%s->%s/%s", exchange, name, key))
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.deliveries == nil {
		c.deliveries = make(chan amqp.Delivery)
	}
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeConnection struct {
	ch     *fakeChannel
	chErr  error
	closed chan *amqp.Error
}

func newFakeConnection(ch *fakeChannel) *fakeConnection {
	return &fakeConnection{ch: ch, closed: make(chan *amqp.Error, 1)}
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.chErr != nil {
		return nil, c.chErr
	}
	return c.ch, nil
}

func (c *fakeConnection) NotifyClose(chan *amqp.Error) chan *amqp.Error {
	return c.closed
}

func (c *fakeConnection) Close() error { return nil }

// stopRole returns immediately so Run drains to a clean stop.
type stopRole struct {
	gotChannel Channel
}

func (r *stopRole) Run(ctx context.Context, ch Channel, closed <-chan *amqp.Error) error {
	r.gotChannel = ch
	return nil
}

func (r *stopRole) WasActive() bool { return false }

func testRoutes() *topology.Table {
	return topology.NewTable([]topology.Route{
		{Exchange: "boxes", Queue: "estimator", RoutingKey: "estimation"},
		{Exchange: "poses", Queue: "pose-tracker", RoutingKey: "2dpose"},
	})
}

func TestConnDeclaresFullTopologyBeforeReady(t *testing.T) {
	ch := &fakeChannel{}
	role := &stopRole{}
	conn := NewConn("amqp://test", func(string) (Connection, error) {
		return newFakeConnection(ch), nil
	}, testRoutes(), role, nil)

	require.NoError(t, conn.Run(context.Background()))

	assert.Equal(t, []string{"boxes", "poses"}, ch.exchanges)
	assert.Equal(t, []string{"estimator", "pose-tracker"}, ch.queues)
	assert.Equal(t, []string{"boxes->estimator/estimation", "poses->pose-tracker/2dpose"}, ch.binds)
	assert.Same(t, Channel(ch), role.gotChannel)
	assert.Equal(t, Closed, conn.State())
	assert.False(t, conn.ShouldReconnect())
}

func TestConnDialFailureRequestsReconnect(t *testing.T) {
	conn := NewConn("amqp://test", func(string) (Connection, error) {
		return nil, errors.New("refused")
	}, testRoutes(), &stopRole{}, nil)

	err := conn.Run(context.Background())
	require.Error(t, err)
	assert.True(t, conn.ShouldReconnect())
}

func TestConnTopologyFailureIsAllOrNothing(t *testing.T) {
	ch := &fakeChannel{bindErr: errors.New("access refused")}
	conn := NewConn("amqp://test", func(string) (Connection, error) {
		return newFakeConnection(ch), nil
	}, testRoutes(), &stopRole{}, nil)

	err := conn.Run(context.Background())
	require.Error(t, err)
	// Never reached READY; the instance wants a rebuild.
	assert.True(t, conn.ShouldReconnect())
	assert.NotEqual(t, Ready, conn.State())
}

func TestConnRoleFailureTriggersReconnect(t *testing.T) {
	ch := &fakeChannel{}
	consumer := NewConsumer("estimator", 1, 1)
	fc := newFakeConnection(ch)
	conn := NewConn("amqp://test", func(string) (Connection, error) {
		return fc, nil
	}, testRoutes(), consumer, nil)

	// Simulate a broker-side connection drop once the consumer is running.
	fc.closed <- &amqp.Error{Code: 320, Reason: "connection forced"}

	err := conn.Run(context.Background())
	require.Error(t, err)
	assert.True(t, conn.ShouldReconnect())
}

func TestStopPreventsReconnect(t *testing.T) {
	conn := NewConn("amqp://test", func(string) (Connection, error) {
		return nil, errors.New("refused")
	}, testRoutes(), &stopRole{}, nil)

	conn.Stop()
	assert.Equal(t, Closed, conn.State())
	assert.False(t, conn.ShouldReconnect())
}
