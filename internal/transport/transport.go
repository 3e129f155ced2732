// Package transport publishes and consumes opaque byte messages against the
// named queues of the pipeline topology. Implementations differ in how they
// reach the broker (Redis lists, the RabbitMQ management API, or the native
// AMQP protocol via package broker); all resolve destinations through the
// same static route table and share the transient/fatal error split.
package transport

import (
	"context"
	"errors"
)

// ErrTransient marks retry-worthy connectivity failures (timeouts, resets,
// temporary disconnects). Calls wrap it so errors.Is works through retries.
var ErrTransient = errors.New("transient transport error")

// ErrFatal marks failures that retrying cannot fix: topology
// misconfiguration, auth rejection, malformed requests.
var ErrFatal = errors.New("fatal transport error")

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Client is the queue transport used by every stage processor.
type Client interface {
	// Publish resolves (exchange, routingKey) through the route table and
	// appends messages to every destination queue. A pair that fans out to
	// multiple queues must deliver to all of them.
	Publish(ctx context.Context, exchange, routingKey string, messages [][]byte) error

	// GetMessages pops up to count messages from the queue without
	// blocking. An empty queue yields an empty slice, not an error.
	GetMessages(ctx context.Context, queue string, count int) ([][]byte, error)

	// QueueDepth returns the queue's backlog, served from the last value
	// observed for that queue when one is available. It is eventually
	// consistent and only suitable for backpressure decisions.
	QueueDepth(ctx context.Context, queue string) (int, error)

	// FetchQueueDepth returns the queue's backlog from the broker,
	// refreshing the cached value.
	FetchQueueDepth(ctx context.Context, queue string) (int, error)
}

// StatsReporter is implemented by transports that can report every queue's
// depth in one round-trip, for the monitor command.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// MonitorQueue configures cooperative backpressure: a stage stops pulling
// new work while the named downstream queue holds Limit or more messages.
type MonitorQueue struct {
	Name    string
	Limit   int
	Backoff int // seconds to sleep between depth polls while backed up
}
