// Package stage implements the generic pull→transform→publish worker loop
// shared by every pipeline stage. A Processor owns one input queue and one
// output destination; the stage-specific work lives in a Transform callback.
package stage

import (
	"context"
	"log"
	"time"

	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/spill"
	"github.com/wildflower-tech/posepipe/internal/transport"
)

const (
	// DefaultInlineLimit is the largest payload published directly to a
	// queue; anything bigger is spilled to the shared object store and a
	// reference envelope is published instead.
	DefaultInlineLimit = 512 * 1024

	// DefaultBatchSize is the number of messages pulled per iteration.
	DefaultBatchSize = 4

	// DefaultIdleSleep is how long the loop sleeps after finding its input
	// queue empty.
	DefaultIdleSleep = 1 * time.Second

	spillWorkers = 2
)

// Transform performs the stage's work on a batch of resolved (inline-sized
// or rehydrated) payloads and returns the payloads to publish downstream. A
// returned error drops the whole batch.
type Transform func(ctx context.Context, messages [][]byte) ([][]byte, error)

// Postprocess rewrites transform output before publishing. The zero value
// passes results through unchanged.
type Postprocess func(ctx context.Context, results [][]byte) ([][]byte, error)

// Options configures a Processor. Queue, Exchange and RoutingKey are
// required; everything else has a usable default.
type Options struct {
	Queue      string
	Exchange   string
	RoutingKey string

	// Monitor, when set, pauses pulling while the named downstream queue is
	// at or over its limit.
	Monitor *transport.MonitorQueue

	BatchSize   int
	InlineLimit int
	IdleSleep   time.Duration

	Postprocess Postprocess
	Logger      *log.Logger
}

// Processor runs one stage: it pulls batches from the input queue, resolves
// reference envelopes through the spill store, applies the transform, and
// publishes results inline or by reference depending on size.
type Processor struct {
	client    transport.Client
	store     *spill.Store
	writer    *spill.Writer
	transform Transform
	opts      Options
	logger    *log.Logger
}

// New builds a processor. The spill store is required even for stages whose
// own results always fit inline, because upstream stages may have spilled
// the inputs.
func New(client transport.Client, store *spill.Store, transform Transform, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		client:    client,
		store:     store,
		writer:    spill.NewWriter(store, spillWorkers, spillWorkers*opts.BatchSize, logger),
		transform: transform,
		opts:      opts,
		logger:    logger,
	}
}

// Run loops until the context ends or a fatal transport error surfaces.
// Transient failures are logged and retried after the idle sleep.
func (p *Processor) Run(ctx context.Context) error {
	defer p.writer.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.opts.Monitor != nil {
			backed, err := p.backedUp(ctx)
			if err != nil {
				if !transport.IsTransient(err) {
					return err
				}
				p.logger.Printf("stage %s: monitor poll: %v", p.opts.Queue, err)
				backed = true
			}
			if backed {
				if !sleepCtx(ctx, time.Duration(p.opts.Monitor.Backoff)*time.Second) {
					return ctx.Err()
				}
				continue
			}
		}
		msgs, err := p.client.GetMessages(ctx, p.opts.Queue, p.opts.BatchSize)
		if err != nil {
			if !transport.IsTransient(err) {
				return err
			}
			p.logger.Printf("stage %s: pull: %v", p.opts.Queue, err)
			msgs = nil
		}
		if len(msgs) == 0 {
			if !sleepCtx(ctx, p.opts.IdleSleep) {
				return ctx.Err()
			}
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

func (p *Processor) backedUp(ctx context.Context) (bool, error) {
	depth, err := p.client.FetchQueueDepth(ctx, p.opts.Monitor.Name)
	if err != nil {
		return false, err
	}
	return depth >= p.opts.Monitor.Limit, nil
}

// handleBatch resolves references, transforms, and publishes. Any transform
// error drops the batch; individual unresolvable references drop only their
// message.
func (p *Processor) handleBatch(ctx context.Context, msgs [][]byte) {
	resolved := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		body, err := resolveRef(p.store, m)
		if err != nil {
			p.logger.Printf("stage %s: resolve reference: %v", p.opts.Queue, err)
			continue
		}
		resolved = append(resolved, body)
	}
	if len(resolved) == 0 {
		return
	}
	results, err := p.transform(ctx, resolved)
	if err != nil {
		p.logger.Printf("stage %s: transform failed, dropping batch of %d: %v", p.opts.Queue, len(resolved), err)
		return
	}
	if p.opts.Postprocess != nil {
		results, err = p.opts.Postprocess(ctx, results)
		if err != nil {
			p.logger.Printf("stage %s: postprocess failed, dropping batch: %v", p.opts.Queue, err)
			return
		}
	}
	p.publish(ctx, results)
}

// publish sends small results inline in one call and spills the rest,
// publishing a reference envelope once each write lands. Spill submission
// blocks while the writer pool is saturated, which stalls batch admission.
func (p *Processor) publish(ctx context.Context, results [][]byte) {
	inline := make([][]byte, 0, len(results))
	for _, r := range results {
		if len(r) <= p.opts.InlineLimit {
			inline = append(inline, r)
			continue
		}
		key := spill.NewKey(p.opts.Exchange, p.opts.RoutingKey)
		p.writer.Submit(key, r, func(key string, err error) {
			if err != nil {
				return // already logged by the writer; the payload is lost
			}
			ref, err := envelope.MarshalRef(key)
			if err != nil {
				p.logger.Printf("stage %s: encode reference %s: %v", p.opts.Queue, key, err)
				return
			}
			if err := p.client.Publish(ctx, p.opts.Exchange, p.opts.RoutingKey, [][]byte{ref}); err != nil {
				p.logger.Printf("stage %s: publish reference %s: %v", p.opts.Queue, key, err)
			}
		})
	}
	if len(inline) > 0 {
		if err := p.client.Publish(ctx, p.opts.Exchange, p.opts.RoutingKey, inline); err != nil {
			p.logger.Printf("stage %s: publish %d results: %v", p.opts.Queue, len(inline), err)
		}
	}
}

// sleepCtx sleeps for d unless the context ends first; it reports whether
// the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
