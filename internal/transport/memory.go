package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/wildflower-tech/posepipe/internal/topology"
)

// MemClient is an in-process queue transport. It backs monolithic runs and
// tests: the whole pipeline can execute single-process against it with the
// same route-resolution and pop semantics as the broker-backed transports.
type MemClient struct {
	routes *topology.Table

	mu     sync.Mutex
	queues map[string][][]byte
}

// NewMemClient builds an empty in-memory transport over the route table.
func NewMemClient(routes *topology.Table) *MemClient {
	return &MemClient{routes: routes, queues: make(map[string][][]byte)}
}

// Publish appends messages to every queue bound to (exchange, routingKey).
func (c *MemClient) Publish(_ context.Context, exchange, routingKey string, messages [][]byte) error {
	queues := c.routes.QueuesFor(exchange, routingKey)
	if len(queues) == 0 {
		return fmt.Errorf("%w: no route for %s/%s", ErrFatal, exchange, routingKey)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range queues {
		for _, m := range messages {
			cp := make([]byte, len(m))
			copy(cp, m)
			c.queues[q] = append(c.queues[q], cp)
		}
	}
	return nil
}

// GetMessages pops up to count messages; pops are destructive.
func (c *MemClient) GetMessages(_ context.Context, queue string, count int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	backlog := c.queues[queue]
	if len(backlog) == 0 {
		return nil, nil
	}
	n := count
	if n > len(backlog) {
		n = len(backlog)
	}
	out := backlog[:n]
	c.queues[queue] = backlog[n:]
	return out, nil
}

// QueueDepth returns the exact backlog; in-process depth is never stale.
func (c *MemClient) QueueDepth(_ context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[queue]), nil
}

// FetchQueueDepth is identical to QueueDepth for the in-memory transport.
func (c *MemClient) FetchQueueDepth(ctx context.Context, queue string) (int, error) {
	return c.QueueDepth(ctx, queue)
}

// Stats reports all queue depths.
func (c *MemClient) Stats(_ context.Context) (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, q := range c.routes.Queues() {
		out[q] = len(c.queues[q])
	}
	return out, nil
}
