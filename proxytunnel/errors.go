package proxytunnel

import (
	"errors"
	"fmt"
)

// Common errors returned by the package.
var (
	// ErrLowerInactive is returned by NewTunnel when the lower transport is
	// not in an active state.
	ErrLowerInactive = errors.New("proxytunnel: lower transport is not active")

	// ErrNotOpen is returned by Tunnel.Send before the handshake has
	// completed or after the tunnel has closed.
	ErrNotOpen = errors.New("proxytunnel: tunnel is not open")

	// ErrMalformedResponse is returned when the proxy response head cannot
	// be parsed as an HTTP status line plus headers.
	ErrMalformedResponse = errors.New("proxytunnel: malformed proxy response")

	// ErrResponseTooLarge is returned when the proxy sends more header bytes
	// than a tunnel is willing to buffer without completing the handshake.
	ErrResponseTooLarge = errors.New("proxytunnel: proxy response head too large")

	// ErrProxyConnect is returned when the connection to the proxy itself fails.
	ErrProxyConnect = errors.New("proxytunnel: proxy connection failed")

	// ErrClosed is returned when sending on a lower transport that has closed.
	ErrClosed = errors.New("proxytunnel: transport closed")
)

// ProxyError represents a CONNECT request the proxy rejected with a
// non-200 status.
type ProxyError struct {
	// StatusCode is the numeric status code returned by the proxy.
	StatusCode int

	// Status is the status text (e.g., "403 Forbidden").
	Status string
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxytunnel: proxy returned %s", e.Status)
}

// Is implements error matching for ProxyError.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}
