package proxytunnel

import (
	"context"
	"log"
	"net"
)

// State is the connection state of a Tunnel.
//
// The happy path is StateDisconnected -> StateConnecting -> StateConnected.
// StateFailed is absorbing: it is reached from StateConnecting on a
// handshake error and never left. A graceful peer close while connected
// returns the tunnel to StateDisconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LowerTransport is the byte-stream channel a Tunnel runs over. It must
// already be connected when handed to NewTunnel; the tunnel never opens,
// closes, or reconnects it.
//
// The transport delivers received bytes to a single registered receiver, in
// order and one call at a time. End of stream is delivered as a nil slice.
// The receiver must not retain the slice past the call.
type LowerTransport interface {
	// Send writes p to the peer.
	Send(p []byte) error

	// IsActive reports whether the transport is still connected.
	IsActive() bool

	// RegisterReceiver directs subsequent deliveries to fn, replacing any
	// previous receiver.
	RegisterReceiver(fn func(p []byte))

	// UnregisterReceiver stops deliveries. Safe to call repeatedly.
	UnregisterReceiver()
}

// Dialer establishes network connections, possibly through one or more
// tunnels. All client implementations satisfy this interface.
type Dialer interface {
	// DialContext connects to the address on the named network using the
	// provided context. The network must be "tcp", "tcp4", or "tcp6".
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Logger is a minimal logging interface compatible with *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// TunnelConfig configures a Tunnel.
type TunnelConfig struct {
	// Host is the hostname the proxy should CONNECT to. Required.
	Host string

	// Service is the port or service name at Host. Required.
	Service string

	// OnData receives tunneled payload bytes once the handshake completes.
	// A nil slice signals end of stream. Optional.
	OnData func(p []byte)

	// OnState is invoked on every state transition. Optional.
	OnState func(s State)

	// ErrorLog specifies an optional logger for handshake and forwarding
	// errors. If nil, logging goes to the log package's standard logger.
	ErrorLog Logger
}

// getLogger returns the configured logger or a default logger.
func (c *TunnelConfig) getLogger() Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return log.Default()
}
