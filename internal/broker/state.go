// Package broker manages the lifecycle of a native-protocol connection to
// the message broker: connect, channel open, topology declaration, and
// reconnect-with-backoff. It underlies the consuming and publishing
// transport variants that bypass the stateless management API.
package broker

import "sync/atomic"

// State is one phase of the connection lifecycle.
type State int32

// Connection lifecycle states. Any state may move to Reconnecting on a
// connection-level failure; only an explicit Stop drains to Closed.
const (
	Disconnected State = iota
	Connecting
	ChannelOpen
	DeclaringTopology
	Ready
	Reconnecting
	Stopping
	Closed
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case ChannelOpen:
		return "CHANNEL_OPEN"
	case DeclaringTopology:
		return "DECLARING_TOPOLOGY"
	case Ready:
		return "READY"
	case Reconnecting:
		return "RECONNECTING"
	case Stopping:
		return "STOPPING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// stateVar is an atomically updated State.
type stateVar struct{ v int32 }

func (s *stateVar) set(next State) { atomic.StoreInt32(&s.v, int32(next)) }
func (s *stateVar) get() State     { return State(atomic.LoadInt32(&s.v)) }
