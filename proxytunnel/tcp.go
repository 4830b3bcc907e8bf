package proxytunnel

import (
	"net"
	"sync"
	"sync/atomic"
)

// readBufferSize is the chunk size for the receive loop.
const readBufferSize = 32 * 1024

// TCPTransport adapts a net.Conn to the LowerTransport interface.
//
// A single goroutine reads from the connection and hands each chunk to the
// registered receiver, so deliveries are ordered and never concurrent. End
// of stream (or any read error) is delivered once as a nil slice, after
// which the transport reports inactive.
type TCPTransport struct {
	conn   net.Conn
	active atomic.Bool

	mu   sync.Mutex
	recv func(p []byte)
}

// NewTCPTransport wraps conn, which must already be connected, and starts
// the receive loop. The transport never dials; closing it closes conn.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	t := &TCPTransport{conn: conn}
	t.active.Store(true)
	go t.readLoop()
	return t
}

// Send writes p to the connection.
func (t *TCPTransport) Send(p []byte) error {
	if !t.active.Load() {
		return ErrClosed
	}
	_, err := t.conn.Write(p)
	return err
}

// IsActive reports whether the connection is still open.
func (t *TCPTransport) IsActive() bool { return t.active.Load() }

// RegisterReceiver directs deliveries to fn. Bytes read while no receiver
// is registered are dropped.
func (t *TCPTransport) RegisterReceiver(fn func(p []byte)) {
	t.mu.Lock()
	t.recv = fn
	t.mu.Unlock()
}

// UnregisterReceiver stops deliveries. Safe to call repeatedly.
func (t *TCPTransport) UnregisterReceiver() {
	t.mu.Lock()
	t.recv = nil
	t.mu.Unlock()
}

// Close tears down the connection. The receive loop delivers end of stream
// to any registered receiver before exiting.
func (t *TCPTransport) Close() error {
	t.active.Store(false)
	return t.conn.Close()
}

// Conn returns the underlying connection, for address reporting.
func (t *TCPTransport) Conn() net.Conn { return t.conn }

func (t *TCPTransport) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			// The receiver contract forbids retaining the slice, but copy
			// anyway so a buffering receiver cannot alias the read buffer.
			p := make([]byte, n)
			copy(p, buf[:n])
			t.deliver(p)
		}
		if err != nil {
			t.active.Store(false)
			t.deliver(nil)
			return
		}
	}
}

func (t *TCPTransport) deliver(p []byte) {
	t.mu.Lock()
	fn := t.recv
	t.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
