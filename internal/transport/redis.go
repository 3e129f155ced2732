package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wildflower-tech/posepipe/internal/topology"
)

// RedisClient is the list-backed queue transport: each topology queue is a
// Redis list, publish is RPUSH, consume is a counted LPOP. Pops are
// destructive, so a crashed consumer loses its in-flight batch.
type RedisClient struct {
	rdb    redis.Cmdable
	routes *topology.Table

	mu     sync.Mutex
	depths map[string]int
}

// NewRedisClient connects to the Redis queue host.
func NewRedisClient(addr string, routes *topology.Table) *RedisClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	return &RedisClient{rdb: rdb, routes: routes, depths: make(map[string]int)}
}

// NewRedisClientFrom wraps an existing Redis connection; used by tests.
func NewRedisClientFrom(rdb redis.Cmdable, routes *topology.Table) *RedisClient {
	return &RedisClient{rdb: rdb, routes: routes, depths: make(map[string]int)}
}

// classifyRedisErr maps a Redis reply onto the retry taxonomy. Auth and
// permission rejections are misconfiguration and never heal on retry;
// everything else (timeouts, connection resets, failovers) is transient.
func classifyRedisErr(err error) error {
	msg := err.Error()
	for _, prefix := range []string{"NOAUTH", "WRONGPASS", "NOPERM", "ERR AUTH"} {
		if strings.HasPrefix(msg, prefix) {
			return ErrFatal
		}
	}
	return ErrTransient
}

// Publish appends messages to every queue bound to (exchange, routingKey).
func (c *RedisClient) Publish(ctx context.Context, exchange, routingKey string, messages [][]byte) error {
	if len(messages) == 0 {
		return nil
	}
	queues := c.routes.QueuesFor(exchange, routingKey)
	if len(queues) == 0 {
		return fmt.Errorf("%w: no route for %s/%s", ErrFatal, exchange, routingKey)
	}
	vals := make([]interface{}, len(messages))
	for i, m := range messages {
		vals[i] = m
	}
	for _, q := range queues {
		q := q
		err := withRetry(ctx, func() error {
			if err := c.rdb.RPush(ctx, q, vals...).Err(); err != nil {
				return fmt.Errorf("%w: rpush %s: %v", classifyRedisErr(err), q, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetMessages pops up to count messages from the queue.
func (c *RedisClient) GetMessages(ctx context.Context, queue string, count int) ([][]byte, error) {
	var raw []string
	err := withRetry(ctx, func() error {
		vals, err := c.rdb.LPopCount(ctx, queue, count).Result()
		if err == redis.Nil {
			raw = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: lpop %s: %v", classifyRedisErr(err), queue, err)
		}
		raw = vals
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, s := range raw {
		out[i] = []byte(s)
	}
	return out, nil
}

// QueueDepth returns the cached backlog for the queue, fetching once if no
// observation exists yet.
func (c *RedisClient) QueueDepth(ctx context.Context, queue string) (int, error) {
	c.mu.Lock()
	depth, ok := c.depths[queue]
	c.mu.Unlock()
	if ok {
		return depth, nil
	}
	return c.FetchQueueDepth(ctx, queue)
}

// FetchQueueDepth reads the queue length from Redis and caches it.
func (c *RedisClient) FetchQueueDepth(ctx context.Context, queue string) (int, error) {
	var depth int
	err := withRetry(ctx, func() error {
		n, err := c.rdb.LLen(ctx, queue).Result()
		if err != nil {
			return fmt.Errorf("%w: llen %s: %v", classifyRedisErr(err), queue, err)
		}
		depth = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.depths[queue] = depth
	c.mu.Unlock()
	return depth, nil
}

// Stats reports every topology queue's depth using one pipelined call.
func (c *RedisClient) Stats(ctx context.Context) (map[string]int, error) {
	queues := c.routes.Queues()
	var cmds []*redis.IntCmd
	err := withRetry(ctx, func() error {
		pipe := c.rdb.Pipeline()
		cmds = cmds[:0]
		for _, q := range queues {
			cmds = append(cmds, pipe.LLen(ctx, q))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: stats pipeline: %v", classifyRedisErr(err), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(queues))
	for i, q := range queues {
		out[q] = int(cmds[i].Val())
	}
	c.mu.Lock()
	for q, n := range out {
		c.depths[q] = n
	}
	c.mu.Unlock()
	return out, nil
}
