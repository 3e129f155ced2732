package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/wildflower-tech/posepipe/internal/httputil"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// MgmtConfig locates the broker's management API.
type MgmtConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string // defaults to "/"
}

// MgmtClient speaks to the broker through its stateless management HTTP API
// instead of the native protocol. It keeps no connection state, which makes
// it the simplest transport for low-volume stages and utilities; the native
// state-machine transport lives in package broker.
type MgmtClient struct {
	cfg    MgmtConfig
	http   httputil.HTTPClient
	routes *topology.Table

	mu     sync.Mutex
	depths map[string]int
}

// NewMgmtClient builds a management-API transport. A nil client uses the
// default HTTP client.
func NewMgmtClient(cfg MgmtConfig, hc httputil.HTTPClient, routes *topology.Table) *MgmtClient {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	return &MgmtClient{cfg: cfg, http: hc, routes: routes, depths: make(map[string]int)}
}

func (c *MgmtClient) vhost() string { return url.PathEscape(c.cfg.VHost) }

func (c *MgmtClient) publishURL(exchange string) string {
	return fmt.Sprintf("http://%s:%d/api/exchanges/%s/%s/publish", c.cfg.Host, c.cfg.Port, c.vhost(), exchange)
}

func (c *MgmtClient) getURL(queue string) string {
	return fmt.Sprintf("http://%s:%d/api/queues/%s/%s/get", c.cfg.Host, c.cfg.Port, c.vhost(), queue)
}

func (c *MgmtClient) queueURL(queue string) string {
	return fmt.Sprintf("http://%s:%d/api/queues/%s/%s", c.cfg.Host, c.cfg.Port, c.vhost(), queue)
}

func (c *MgmtClient) doJSON(ctx context.Context, method, u string, body interface{}, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrFatal, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrFatal, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, u, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s: status %d", ErrFatal, method, u, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, u, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
	}
	return nil
}

// Publish posts each message to the exchange with the routing key. The
// management API routes to bound queues broker-side, but the pair must still
// resolve in the local table so misconfiguration fails fast.
func (c *MgmtClient) Publish(ctx context.Context, exchange, routingKey string, messages [][]byte) error {
	if len(c.routes.QueuesFor(exchange, routingKey)) == 0 {
		return fmt.Errorf("%w: no route for %s/%s", ErrFatal, exchange, routingKey)
	}
	for _, msg := range messages {
		body := map[string]interface{}{
			"properties":       map[string]interface{}{},
			"routing_key":      routingKey,
			"payload":          base64.StdEncoding.EncodeToString(msg),
			"payload_encoding": "base64",
		}
		err := withRetry(ctx, func() error {
			return c.doJSON(ctx, http.MethodPost, c.publishURL(exchange), body, nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type mgmtMessage struct {
	Payload      string `json:"payload"`
	MessageCount int    `json:"message_count"`
}

// GetMessages pops up to count messages, acking them on retrieval.
func (c *MgmtClient) GetMessages(ctx context.Context, queue string, count int) ([][]byte, error) {
	body := map[string]interface{}{
		"count":    count,
		"ackmode":  "ack_requeue_false",
		"encoding": "base64",
	}
	var raw []mgmtMessage
	err := withRetry(ctx, func() error {
		raw = raw[:0]
		return c.doJSON(ctx, http.MethodPost, c.getURL(queue), body, &raw)
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(raw))
	for _, m := range raw {
		payload, err := base64.StdEncoding.DecodeString(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: queue %s payload: %v", ErrFatal, queue, err)
		}
		c.mu.Lock()
		c.depths[queue] = m.MessageCount
		c.mu.Unlock()
		out = append(out, payload)
	}
	return out, nil
}

// QueueDepth returns the depth last reported for the queue; the management
// API piggybacks the remaining count on every get, so this is usually warm.
func (c *MgmtClient) QueueDepth(ctx context.Context, queue string) (int, error) {
	c.mu.Lock()
	depth, ok := c.depths[queue]
	c.mu.Unlock()
	if ok {
		return depth, nil
	}
	return c.FetchQueueDepth(ctx, queue)
}

// FetchQueueDepth asks the broker for the queue's current message count.
func (c *MgmtClient) FetchQueueDepth(ctx context.Context, queue string) (int, error) {
	var info struct {
		Messages int `json:"messages"`
	}
	err := withRetry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, c.queueURL(queue), nil, &info)
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.depths[queue] = info.Messages
	c.mu.Unlock()
	return info.Messages, nil
}
