package broker

import (
	"context"
	"log"
	"time"
)

// Reconnect delay: 0 after a productive session, otherwise growing by one
// second per failed attempt up to the cap. Brief blips recover immediately;
// a sustained outage backs off.
const (
	reconnectStep = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// instance is what a supervisor drives: one single-use state machine.
type instance interface {
	Run(ctx context.Context) error
	Stop()
	ShouldReconnect() bool
	WasActive() bool
}

// Supervisor rebuilds and re-runs connection state machines until stopped.
// Each failed instance is discarded whole; the next attempt starts from a
// fresh Conn, so no partial connection state survives a drop.
type Supervisor struct {
	build  func() instance
	logger *log.Logger
	delay  time.Duration

	current instance
}

// NewSupervisor wraps a Conn factory. The factory is invoked for every
// (re)connection attempt.
func NewSupervisor(build func() *Conn, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		build:  func() instance { return build() },
		logger: logger,
	}
}

// Run loops until the context ends or an instance finishes without
// requesting reconnection (an explicit stop).
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.current = s.build()
		err := s.current.Run(ctx)
		if err != nil {
			s.logger.Printf("broker: connection ended: %v", err)
		}
		if ctx.Err() != nil {
			s.current.Stop()
			return ctx.Err()
		}
		if !s.current.ShouldReconnect() {
			return err
		}
		delay := s.NextDelay(s.current.WasActive())
		s.logger.Printf("broker: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// NextDelay advances the reconnect backoff: reset to zero after a session
// that moved messages, otherwise one more second up to the cap.
func (s *Supervisor) NextDelay(wasActive bool) time.Duration {
	if wasActive {
		s.delay = 0
	} else {
		s.delay += reconnectStep
	}
	if s.delay > reconnectCap {
		s.delay = reconnectCap
	}
	return s.delay
}
