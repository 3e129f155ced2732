package stage

import (
	"context"
	"log"
	"time"

	"github.com/wildflower-tech/posepipe/internal/broker"
	"github.com/wildflower-tech/posepipe/internal/envelope"
	"github.com/wildflower-tech/posepipe/internal/spill"
	"github.com/wildflower-tech/posepipe/internal/topology"
)

// batchLinger is how long the AMQP worker waits to top up a partial batch
// before processing what it has.
const batchLinger = 100 * time.Millisecond

// AMQPStage drives a stage transform over native AMQP connections: one
// supervised consumer connection feeding a local buffer, one supervised
// publisher connection draining results. Both reconnect independently.
type AMQPStage struct {
	URL       string
	Routes    *topology.Table
	Store     *spill.Store
	Transform Transform
	Opts      Options
	Logger    *log.Logger
}

// Run blocks until the context ends. Connection failures are retried by the
// supervisors; only context cancellation ends the stage.
func (s *AMQPStage) Run(ctx context.Context) error {
	opts := s.Opts
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = DefaultInlineLimit
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumer := broker.NewConsumer(opts.Queue, opts.BatchSize*2, opts.BatchSize*2)
	consumerSup := broker.NewSupervisor(func() *broker.Conn {
		return broker.NewConn(s.URL, nil, s.Routes, consumer, logger)
	}, logger)
	go func() {
		if err := consumerSup.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("stage %s: consumer supervisor: %v", opts.Queue, err)
		}
		cancel()
	}()

	var publisher *broker.Publisher
	if opts.Exchange != "" {
		publisher = broker.NewPublisher(opts.Exchange, opts.RoutingKey, opts.Queue, opts.BatchSize*2, opts.Monitor)
		publisherSup := broker.NewSupervisor(func() *broker.Conn {
			return broker.NewConn(s.URL, nil, s.Routes, publisher, logger)
		}, logger)
		go func() {
			if err := publisherSup.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("stage %s: publisher supervisor: %v", opts.Queue, err)
			}
			cancel()
		}()
	}

	writer := spill.NewWriter(s.Store, spillWorkers, spillWorkers*opts.BatchSize, logger)
	defer writer.Close()

	for {
		msgs, ok := s.nextBatch(ctx, consumer, opts.BatchSize)
		if !ok {
			return ctx.Err()
		}
		results := s.transformBatch(ctx, msgs, opts, logger)
		for _, r := range results {
			if err := s.emit(ctx, publisher, writer, r, opts, logger); err != nil {
				return ctx.Err()
			}
		}
	}
}

// nextBatch blocks for the first message, then tops the batch up for as long
// as the linger window keeps producing.
func (s *AMQPStage) nextBatch(ctx context.Context, consumer *broker.Consumer, size int) ([][]byte, bool) {
	var msgs [][]byte
	select {
	case <-ctx.Done():
		return nil, false
	case m := <-consumer.Messages():
		msgs = append(msgs, m)
	}
	for len(msgs) < size {
		select {
		case <-ctx.Done():
			return nil, false
		case m := <-consumer.Messages():
			msgs = append(msgs, m)
		case <-time.After(batchLinger):
			return msgs, true
		}
	}
	return msgs, true
}

func (s *AMQPStage) transformBatch(ctx context.Context, msgs [][]byte, opts Options, logger *log.Logger) [][]byte {
	resolved := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		body, err := resolveRef(s.Store, m)
		if err != nil {
			logger.Printf("stage %s: resolve reference: %v", opts.Queue, err)
			continue
		}
		resolved = append(resolved, body)
	}
	if len(resolved) == 0 {
		return nil
	}
	results, err := s.Transform(ctx, resolved)
	if err != nil {
		logger.Printf("stage %s: transform failed, dropping batch of %d: %v", opts.Queue, len(resolved), err)
		return nil
	}
	if opts.Postprocess != nil {
		results, err = opts.Postprocess(ctx, results)
		if err != nil {
			logger.Printf("stage %s: postprocess failed, dropping batch: %v", opts.Queue, err)
			return nil
		}
	}
	return results
}

// emit hands one result to the publisher, spilling oversized payloads first.
func (s *AMQPStage) emit(ctx context.Context, publisher *broker.Publisher, writer *spill.Writer, result []byte, opts Options, logger *log.Logger) error {
	if publisher == nil {
		return nil
	}
	if len(result) <= opts.InlineLimit {
		return publisher.Enqueue(ctx, result)
	}
	key := spill.NewKey(opts.Exchange, opts.RoutingKey)
	writer.Submit(key, result, func(key string, err error) {
		if err != nil {
			return
		}
		ref, err := envelope.MarshalRef(key)
		if err != nil {
			logger.Printf("stage %s: encode reference %s: %v", opts.Queue, key, err)
			return
		}
		if err := publisher.Enqueue(ctx, ref); err != nil {
			logger.Printf("stage %s: enqueue reference %s: %v", opts.Queue, key, err)
		}
	})
	return nil
}

// resolveRef rehydrates a reference envelope; inline payloads pass through
// untouched. The object is left in place: a publish pair can fan out to
// several queues, so every consumer of the reference must be able to read
// it. Stale objects are reclaimed out-of-band from the shared volume.
func resolveRef(store *spill.Store, msg []byte) ([]byte, error) {
	key, ok := envelope.RefKey(msg)
	if !ok {
		return msg, nil
	}
	return store.Get(key)
}
