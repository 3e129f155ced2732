package broker

import (
	"context"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wildflower-tech/posepipe/internal/topology"
)

// Channel is the subset of the AMQP channel used by this package, abstracted
// so the state machine can run against a fake broker in tests.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of the AMQP connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection. The default wraps amqp.Dial.
type Dialer func(url string) (Connection, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) { return c.Connection.Channel() }

// AMQPDial is the production Dialer.
func AMQPDial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// Role is the direction-specific behaviour layered on a ready connection:
// the consume loop or the publish drain loop. Run returns when the context
// is cancelled, the connection drops, or Stop is called; it must report
// whether any message actually flowed, which drives reconnect backoff.
type Role interface {
	Run(ctx context.Context, ch Channel, closed <-chan *amqp.Error) error
	WasActive() bool
}

// Conn is one instance of the connection state machine. Instances are
// single-use: after a failure the supervisor discards the instance and
// builds a fresh one.
type Conn struct {
	url    string
	dial   Dialer
	routes *topology.Table
	role   Role
	logger *log.Logger

	state stateVar

	mu              sync.Mutex
	conn            Connection
	ch              Channel
	stopping        bool
	shouldReconnect bool
}

// NewConn builds a connection state machine for one role.
func NewConn(url string, dial Dialer, routes *topology.Table, role Role, logger *log.Logger) *Conn {
	if dial == nil {
		dial = AMQPDial
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Conn{url: url, dial: dial, routes: routes, role: role, logger: logger}
	c.state.set(Disconnected)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return c.state.get() }

// ShouldReconnect reports whether the instance ended on an unexpected
// closure rather than an explicit Stop.
func (c *Conn) ShouldReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}

// WasActive reports whether the role moved any messages before the drop.
func (c *Conn) WasActive() bool { return c.role.WasActive() }

// Run drives the machine through CONNECTING, CHANNEL_OPEN,
// DECLARING_TOPOLOGY and READY, then hands the channel to the role. The
// topology gate is all-or-nothing: READY is only reached once every route's
// declare and bind has been acknowledged.
func (c *Conn) Run(ctx context.Context) error {
	c.state.set(Connecting)
	c.logger.Printf("broker: connecting to %s", c.url)
	conn, err := c.dial(c.url)
	if err != nil {
		c.noteFailure()
		return fmt.Errorf("broker dial: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		c.noteFailure()
		return fmt.Errorf("broker channel: %w", err)
	}
	c.state.set(ChannelOpen)

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		ch.Close()
		conn.Close()
		c.state.set(Closed)
		return nil
	}
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	c.state.set(DeclaringTopology)
	if err := c.declareTopology(ch); err != nil {
		c.teardown()
		c.noteFailure()
		return err
	}
	c.state.set(Ready)
	c.logger.Printf("broker: topology declared, connection ready")

	err = c.role.Run(ctx, ch, closed)
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if err != nil && !stopping {
		c.state.set(Reconnecting)
		c.noteFailure()
		c.teardown()
		return err
	}
	c.Stop()
	return nil
}

// declareTopology declares and binds every route. Lazy queues keep large
// backlogs on disk broker-side.
func (c *Conn) declareTopology(ch Channel) error {
	for _, r := range c.routes.Routes() {
		if err := ch.ExchangeDeclare(r.Exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", r.Exchange, err)
		}
		if _, err := ch.QueueDeclare(r.Queue, true, false, false, false, amqp.Table{"x-queue-mode": "lazy"}); err != nil {
			return fmt.Errorf("declare queue %s: %w", r.Queue, err)
		}
		if err := ch.QueueBind(r.Queue, r.RoutingKey, r.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s via %s: %w", r.Queue, r.Exchange, r.RoutingKey, err)
		}
		c.logger.Printf("broker: bound %s -> %s (key %s)", r.Exchange, r.Queue, r.RoutingKey)
	}
	return nil
}

func (c *Conn) noteFailure() {
	c.mu.Lock()
	if !c.stopping {
		c.shouldReconnect = true
	}
	c.mu.Unlock()
}

func (c *Conn) teardown() {
	c.mu.Lock()
	ch, conn := c.ch, c.conn
	c.ch, c.conn = nil, nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Stop shuts the instance down and prevents auto-reconnect. It is
// idempotent and always drains to CLOSED.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()
	c.state.set(Stopping)
	c.teardown()
	c.state.set(Closed)
}
