package proxytunnel

import (
	"io"
	"net"
	"time"
)

// tunnelConn exposes an established Tunnel as a net.Conn. Reads are fed by
// the tunnel's data callback through a pipe, writes go through Tunnel.Send.
type tunnelConn struct {
	tun    *Tunnel
	lower  *TCPTransport
	pr     *io.PipeReader
	target string
}

// Read returns tunneled payload bytes, and io.EOF once the peer closes.
func (c *tunnelConn) Read(b []byte) (int, error) {
	return c.pr.Read(b)
}

// Write forwards b through the tunnel.
func (c *tunnelConn) Write(b []byte) (int, error) {
	if err := c.tun.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close tears down the tunnel and the proxy connection.
func (c *tunnelConn) Close() error {
	c.tun.Stop()
	err := c.lower.Close()
	c.pr.Close()
	return err
}

// LocalAddr returns the local address of the proxy connection.
func (c *tunnelConn) LocalAddr() net.Addr {
	return c.lower.Conn().LocalAddr()
}

// RemoteAddr returns the tunnel target address.
func (c *tunnelConn) RemoteAddr() net.Addr {
	return &tunnelAddr{addr: c.target}
}

// SetDeadline implements net.Conn. Deadlines are not supported on tunneled
// connections and are silently ignored.
func (c *tunnelConn) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline implements net.Conn. Not supported, returns nil.
func (c *tunnelConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline implements net.Conn. Not supported, returns nil.
func (c *tunnelConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Addr = (*tunnelAddr)(nil)

type tunnelAddr struct {
	addr string
}

func (a *tunnelAddr) Network() string {
	return "proxytunnel"
}

func (a *tunnelAddr) String() string {
	return a.addr
}
