// Package proxytunnel establishes HTTP CONNECT tunnels over an
// already-connected byte-stream transport.
//
// The package is built around a small layered-transport model: a
// LowerTransport carries raw bytes (a TCPTransport adapter over net.Conn is
// provided), and a Tunnel drives the CONNECT handshake over it, then
// forwards payload bytes in both directions untouched. Upper layers such as
// TLS or an application protocol never see the proxy hop.
//
// # Transport Usage
//
// Stack a Tunnel on a lower transport and start the handshake:
//
//	lower := proxytunnel.NewTCPTransport(conn)
//	tun, err := proxytunnel.NewTunnel(lower, &proxytunnel.TunnelConfig{
//	    Host:    "example.com",
//	    Service: "443",
//	    OnData: func(p []byte) {
//	        // p == nil signals end of stream
//	    },
//	    OnState: func(s proxytunnel.State) {
//	        // Connecting -> Connected on success, Failed on rejection
//	    },
//	})
//	if err != nil {
//	    // lower transport was not active
//	}
//	if err := tun.Start(); err != nil {
//	    // CONNECT request could not be sent
//	}
//
// Once the tunnel reports StateConnected, Tunnel.Send forwards bytes to the
// proxy and OnData receives bytes from it.
//
// # Dialer Usage
//
// For callers that want a net.Conn rather than callbacks, NewProxyDialer
// wraps the whole stack:
//
//	dialer := proxytunnel.NewProxyDialer(&proxytunnel.ClientConfig{
//	    ProxyAddr: "proxy.example.com:8080",
//	})
//	conn, err := dialer.DialContext(ctx, "tcp", "example.com:443")
//
// Dialers can be chained through DialContext to stack multiple proxy hops.
//
// # Server Usage
//
// NewHandler returns an http.Handler that terminates CONNECT requests over
// HTTP/1.1 or HTTP/2 and relays bytes to the requested target:
//
//	handler := proxytunnel.NewHandler(&proxytunnel.ServerConfig{
//	    OnConnect: func(ctx context.Context, target string, req *http.Request) error {
//	        return nil // reject by returning an error
//	    },
//	})
//	http.ListenAndServe(":8080", handler)
package proxytunnel
