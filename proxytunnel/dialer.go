package proxytunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// ClientConfig configures client-side proxy dialers.
type ClientConfig struct {
	// ProxyAddr is the host:port of the CONNECT proxy. Required.
	ProxyAddr string

	// DialContext specifies an optional dialer for establishing the proxy
	// connection. If nil, net.Dialer{}.DialContext is used. This can be
	// used to chain proxies or customize the transport layer.
	DialContext DialFunc

	// ErrorLog specifies an optional logger for handshake errors.
	// If nil, logging goes to the log package's standard logger.
	ErrorLog Logger
}

// proxyDialer implements Dialer over a CONNECT proxy.
type proxyDialer struct {
	proxyAddr string
	dial      DialFunc
	log       Logger
}

// NewProxyDialer creates a Dialer that reaches targets through an HTTP
// CONNECT proxy. Each DialContext call opens a fresh proxy connection,
// runs the handshake, and returns the tunnel as a net.Conn.
func NewProxyDialer(cfg *ClientConfig) Dialer {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	dial := cfg.DialContext
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	return &proxyDialer{
		proxyAddr: cfg.ProxyAddr,
		dial:      dial,
		log:       cfg.ErrorLog,
	}
}

// DialContext establishes a connection to address through the proxy.
func (d *proxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// Only support TCP networks
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("proxytunnel: unsupported network: %s", network)
	}

	host, service, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("proxytunnel: invalid target address %q: %v", address, err)
	}

	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	lower := NewTCPTransport(conn)

	pr, pw := io.Pipe()

	// Buffer covers the longest possible transition chain so the state
	// callback never blocks the delivery path.
	states := make(chan State, 4)

	tun, err := NewTunnel(lower, &TunnelConfig{
		Host:    host,
		Service: service,
		OnData: func(p []byte) {
			if p == nil {
				pw.Close()
				return
			}
			pw.Write(p)
		},
		OnState: func(s State) {
			states <- s
		},
		ErrorLog: d.log,
	})
	if err != nil {
		lower.Close()
		return nil, err
	}

	if err := tun.Start(); err != nil {
		lower.Close()
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			tun.Stop()
			lower.Close()
			return nil, ctx.Err()
		case s := <-states:
			switch s {
			case StateConnected:
				return &tunnelConn{
					tun:    tun,
					lower:  lower,
					pr:     pr,
					target: address,
				}, nil
			case StateFailed:
				lower.Close()
				if err := tun.Err(); err != nil {
					return nil, err
				}
				return nil, ErrProxyConnect
			}
		}
	}
}
