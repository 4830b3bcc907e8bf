package proxytunnel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"lds.li/proxyhop/internal/httphead"
)

// maxResponseHeaderBytes bounds how much of a proxy response head a tunnel
// will buffer before giving up on the handshake.
const maxResponseHeaderBytes = 8 << 10

// Tunnel drives an HTTP CONNECT handshake over a lower transport, then
// forwards bytes in both directions untouched.
//
// A Tunnel holds a co-owning reference to its lower transport: it registers
// for deliveries on Start, deregisters on Stop, and never closes or
// reconnects the transport itself.
type Tunnel struct {
	lower   LowerTransport
	host    string
	service string
	onData  func([]byte)
	onState func(State)
	log     Logger

	// sendMu serializes concurrent Send callers so their writes are not
	// interleaved on the lower transport.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   State
	err     error  // terminal failure cause, set before StateFailed
	pending []byte // proxy response bytes accumulated while connecting
}

// NewTunnel creates a Tunnel over lower targeting cfg.Host:cfg.Service.
//
// The lower transport must already be active; handing over an inactive
// transport is a programming error and returns ErrLowerInactive.
func NewTunnel(lower LowerTransport, cfg *TunnelConfig) (*Tunnel, error) {
	if cfg == nil {
		cfg = &TunnelConfig{}
	}
	if cfg.Host == "" || cfg.Service == "" {
		return nil, fmt.Errorf("proxytunnel: tunnel target host and service are required")
	}
	if !lower.IsActive() {
		return nil, ErrLowerInactive
	}

	return &Tunnel{
		lower:   lower,
		host:    cfg.Host,
		service: cfg.Service,
		onData:  cfg.OnData,
		onState: cfg.OnState,
		log:     cfg.getLogger(),
		state:   StateDisconnected,
	}, nil
}

// Start registers the tunnel with the lower transport and sends the CONNECT
// request. If the request cannot be sent the error is returned and the
// tunnel stays disconnected.
func (t *Tunnel) Start() error {
	t.lower.RegisterReceiver(t.incoming)
	t.setState(StateConnecting)

	if err := t.lower.Send([]byte(connectRequest(t.host, t.service))); err != nil {
		t.lower.UnregisterReceiver()
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	return nil
}

// Stop deregisters the tunnel from the lower transport. It is idempotent
// and safe to call before Start.
func (t *Tunnel) Stop() {
	t.lower.UnregisterReceiver()
}

// Send forwards application bytes through the tunnel. It returns ErrNotOpen
// unless the handshake has completed and the tunnel is still connected.
// Concurrent callers are serialized.
func (t *Tunnel) Send(p []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.State() != StateConnected {
		return ErrNotOpen
	}
	return t.lower.Send(p)
}

// IsActive reports whether the tunnel layer itself is usable. The tunnel
// never independently deactivates; liveness is tracked through State.
func (t *Tunnel) IsActive() bool { return true }

// State returns the current connection state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the cause of a handshake or forwarding failure once the
// tunnel has reached StateFailed, and nil otherwise.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	if t.onState != nil {
		t.onState(s)
	}
}

// fail records the terminal cause and transitions to StateFailed.
func (t *Tunnel) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()

	t.setState(StateFailed)
}

// incoming is the lower transport's delivery callback. A nil or empty
// payload signals that the peer closed the stream.
func (t *Tunnel) incoming(p []byte) {
	switch t.State() {
	case StateConnecting, StateConnected:
	default:
		return // late or out-of-window delivery
	}

	if len(p) > 0 {
		err := t.handleData(p)
		if err == nil {
			return
		}
		t.log.Printf("proxytunnel: handshake with %s:%s failed: %v", t.host, t.service, err)
		t.fail(err)
		return
	}

	// Peer closed the stream.
	if t.State() == StateConnected {
		t.setState(StateDisconnected)
		t.deliver(nil)
	} else {
		t.fail(fmt.Errorf("%w: connection closed during handshake", ErrProxyConnect))
	}
}

// handleData processes one delivery of payload bytes.
func (t *Tunnel) handleData(p []byte) error {
	if t.State() == StateConnected {
		t.deliver(p)
		return nil
	}

	// Still handshaking: accumulate until a full response head is present.
	// A single chunk may straddle the end of the head and the start of the
	// tunneled payload.
	t.pending = append(t.pending, p...)

	n, err := parseConnectResponse(t.pending)
	if err != nil {
		return err
	}
	if n == 0 {
		if len(t.pending) > maxResponseHeaderBytes {
			return ErrResponseTooLarge
		}
		return nil // incomplete, wait for more bytes
	}

	t.setState(StateConnected)
	if rest := t.pending[n:]; len(rest) > 0 {
		t.deliver(rest)
	}
	t.pending = nil
	return nil
}

func (t *Tunnel) deliver(p []byte) {
	if t.onData != nil {
		t.onData(p)
	}
}

// connectRequest builds the CONNECT request for the given target,
// CRLF line endings exactly.
func connectRequest(host, service string) string {
	return "CONNECT " + host + ":" + service + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n"
}

// parseConnectResponse attempts to consume a full HTTP response head from
// the front of buf. It returns the number of bytes belonging to the head,
// or zero when no complete head is present yet. Header lines beyond the
// status line are ignored.
func parseConnectResponse(buf []byte) (int, error) {
	lines, n, err := httphead.Lines(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if n == 0 {
		return 0, nil
	}
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: empty response head", ErrMalformedResponse)
	}

	status := lines[0]
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: bad status line %q", ErrMalformedResponse, status)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: bad status code in %q", ErrMalformedResponse, status)
	}
	if code != 200 {
		return 0, &ProxyError{
			StatusCode: code,
			Status:     strings.TrimSpace(strings.TrimPrefix(status, fields[0])),
		}
	}
	return n, nil
}
