package proxytunnel

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

// fakeLower is an in-memory LowerTransport driven by the test.
type fakeLower struct {
	mu      sync.Mutex
	active  bool
	sendErr error
	sent    [][]byte
	recv    func([]byte)
}

func newFakeLower() *fakeLower {
	return &fakeLower{active: true}
}

func (f *fakeLower) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeLower) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeLower) RegisterReceiver(fn func([]byte)) {
	f.mu.Lock()
	f.recv = fn
	f.mu.Unlock()
}

func (f *fakeLower) UnregisterReceiver() {
	f.mu.Lock()
	f.recv = nil
	f.mu.Unlock()
}

// deliver pushes bytes at the tunnel the way a transport read loop would.
func (f *fakeLower) deliver(p []byte) {
	f.mu.Lock()
	fn := f.recv
	f.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// recorder captures everything the tunnel hands upward.
type recorder struct {
	chunks [][]byte
	eofs   int
	states []State
}

func (r *recorder) onData(p []byte) {
	if p == nil {
		r.eofs++
		return
	}
	r.chunks = append(r.chunks, append([]byte(nil), p...))
}

func (r *recorder) onState(s State) {
	r.states = append(r.states, s)
}

func (r *recorder) payload() []byte {
	return bytes.Join(r.chunks, nil)
}

func newTestTunnel(t *testing.T, lower *fakeLower, rec *recorder) *Tunnel {
	t.Helper()
	tun, err := NewTunnel(lower, &TunnelConfig{
		Host:     "example.com",
		Service:  "443",
		OnData:   rec.onData,
		OnState:  rec.onState,
		ErrorLog: log.New(&bytes.Buffer{}, "", 0),
	})
	if err != nil {
		t.Fatalf("NewTunnel failed: %v", err)
	}
	return tun
}

const okResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"

func TestConnectRequest(t *testing.T) {
	got := connectRequest("example.com", "443")
	want := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if got != want {
		t.Errorf("connectRequest = %q, want %q", got, want)
	}
}

func TestStartSendsConnect(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)

	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := tun.State(); got != StateConnecting {
		t.Errorf("state after Start = %v, want %v", got, StateConnecting)
	}
	if len(lower.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(lower.sent))
	}
	want := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if string(lower.sent[0]) != want {
		t.Errorf("sent %q, want %q", lower.sent[0], want)
	}
}

func TestStartSendFailure(t *testing.T) {
	lower := newFakeLower()
	lower.sendErr = errors.New("broken pipe")
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)

	err := tun.Start()
	if err == nil {
		t.Fatal("Start should fail when the lower transport cannot send")
	}
	if got := tun.State(); got != StateDisconnected {
		t.Errorf("state after failed Start = %v, want %v", got, StateDisconnected)
	}
}

func TestNewTunnelInactiveLower(t *testing.T) {
	lower := newFakeLower()
	lower.active = false

	_, err := NewTunnel(lower, &TunnelConfig{Host: "example.com", Service: "443"})
	if !errors.Is(err, ErrLowerInactive) {
		t.Errorf("NewTunnel over inactive lower = %v, want ErrLowerInactive", err)
	}
}

func TestHandshakeSingleChunk(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lower.deliver([]byte(okResponse))

	if got := tun.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
	if len(rec.chunks) != 0 || rec.eofs != 0 {
		t.Errorf("handshake alone should forward nothing, got %d chunks %d eofs", len(rec.chunks), rec.eofs)
	}
	wantStates := []State{StateConnecting, StateConnected}
	if len(rec.states) != len(wantStates) || rec.states[0] != wantStates[0] || rec.states[1] != wantStates[1] {
		t.Errorf("state transitions = %v, want %v", rec.states, wantStates)
	}
}

func TestHandshakeFragmented(t *testing.T) {
	// Delivering the response one byte at a time must end in the same
	// state with the same forwarded payload as the single-chunk case.
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	full := okResponse + "tunneled payload"
	for i := 0; i < len(full); i++ {
		lower.deliver([]byte{full[i]})
		if i < len(okResponse)-1 && tun.State() != StateConnecting {
			t.Fatalf("connected after %d bytes, before the head was complete", i+1)
		}
	}

	if got := tun.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
	if got := string(rec.payload()); got != "tunneled payload" {
		t.Errorf("forwarded payload = %q, want %q", got, "tunneled payload")
	}
}

func TestHandshakeTrailingPayload(t *testing.T) {
	// Payload bytes that arrive in the same chunk as the tail of the head
	// must be forwarded exactly once, with no header bytes leaking through.
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lower.deliver([]byte(okResponse + "first payload"))
	lower.deliver([]byte(" and more"))

	if got := tun.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
	if got := string(rec.payload()); got != "first payload and more" {
		t.Errorf("forwarded payload = %q, want %q", got, "first payload and more")
	}
}

func TestHandshakeExtraHeadersIgnored(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp := "HTTP/1.1 200 OK\r\nProxy-Agent: test/1.0\r\nConnection: keep-alive\r\n\r\n"
	lower.deliver([]byte(resp))

	if got := tun.State(); got != StateConnected {
		t.Errorf("state = %v, want %v", got, StateConnected)
	}
}

func TestHandshakeRejected(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lower.deliver([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))

	if got := tun.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}
	if len(rec.chunks) != 0 || rec.eofs != 0 {
		t.Errorf("rejected handshake must forward nothing")
	}

	var perr *ProxyError
	if !errors.As(tun.Err(), &perr) {
		t.Fatalf("Err() = %v, want *ProxyError", tun.Err())
	}
	if perr.StatusCode != 403 {
		t.Errorf("StatusCode = %d, want 403", perr.StatusCode)
	}
	if !strings.Contains(perr.Status, "403") {
		t.Errorf("Status = %q, want it to carry the code", perr.Status)
	}
}

func TestHandshakeMalformed(t *testing.T) {
	cases := []struct {
		name string
		resp string
	}{
		{"non-numeric code", "HTTP/1.1 OK\r\n\r\n"},
		{"missing code", "HTTP/1.1\r\n\r\n"},
		{"empty head", "\r\n"},
		{"binary garbage", "\x00\x01\x02\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lower := newFakeLower()
			rec := &recorder{}
			tun := newTestTunnel(t, lower, rec)
			if err := tun.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			lower.deliver([]byte(tc.resp))

			if got := tun.State(); got != StateFailed {
				t.Errorf("state = %v, want %v", got, StateFailed)
			}
			if len(rec.chunks) != 0 {
				t.Errorf("malformed handshake must forward nothing")
			}
		})
	}
}

func TestHandshakeResponseTooLarge(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A head that never terminates must not buffer without bound.
	junk := []byte("HTTP/1.1 200 OK\r\nX-Padding: " + strings.Repeat("a", 4096))
	lower.deliver(junk)
	if got := tun.State(); got != StateConnecting {
		t.Fatalf("state after first oversized chunk = %v, want %v", got, StateConnecting)
	}
	lower.deliver(bytes.Repeat([]byte("a"), 8192))

	if got := tun.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}
	if !errors.Is(tun.Err(), ErrResponseTooLarge) {
		t.Errorf("Err() = %v, want ErrResponseTooLarge", tun.Err())
	}
}

func TestSendGatedOnState(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)

	if err := tun.Send([]byte("early")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send before Start = %v, want ErrNotOpen", err)
	}

	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tun.Send([]byte("still early")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send while connecting = %v, want ErrNotOpen", err)
	}

	lower.deliver([]byte(okResponse))
	if err := tun.Send([]byte("app bytes")); err != nil {
		t.Fatalf("Send while connected failed: %v", err)
	}

	last := lower.sent[len(lower.sent)-1]
	if string(last) != "app bytes" {
		t.Errorf("lower transport saw %q, want %q", last, "app bytes")
	}
}

func TestPassThroughAfterConnect(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	lower.deliver([]byte(okResponse))

	lower.deliver([]byte("chunk one "))
	lower.deliver([]byte("chunk two"))

	if got := string(rec.payload()); got != "chunk one chunk two" {
		t.Errorf("forwarded payload = %q, want %q", got, "chunk one chunk two")
	}
}

func TestPeerCloseWhileConnected(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	lower.deliver([]byte(okResponse))

	lower.deliver(nil)

	if got := tun.State(); got != StateDisconnected {
		t.Errorf("state = %v, want %v", got, StateDisconnected)
	}
	if rec.eofs != 1 {
		t.Errorf("eofs = %d, want 1", rec.eofs)
	}
}

func TestPeerCloseWhileConnecting(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lower.deliver(nil)

	if got := tun.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}
	if rec.eofs != 0 || len(rec.chunks) != 0 {
		t.Errorf("failed handshake must forward nothing")
	}
}

func TestLateDeliveryDropped(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	lower.deliver([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	if got := tun.State(); got != StateFailed {
		t.Fatalf("state = %v, want %v", got, StateFailed)
	}

	// Anything arriving after the terminal state is silently dropped.
	lower.deliver([]byte("stray bytes"))
	lower.deliver(nil)

	if got := tun.State(); got != StateFailed {
		t.Errorf("state moved out of Failed: %v", got)
	}
	if len(rec.chunks) != 0 || rec.eofs != 0 {
		t.Errorf("late deliveries must not be forwarded")
	}
}

func TestStopIdempotent(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)

	// Stop before Start, twice after: none of it should panic or deliver.
	tun.Stop()
	if err := tun.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tun.Stop()
	tun.Stop()

	lower.deliver([]byte(okResponse))
	if got := tun.State(); got != StateConnecting {
		t.Errorf("delivery after Stop changed state to %v", got)
	}
}

func TestIsActive(t *testing.T) {
	lower := newFakeLower()
	rec := &recorder{}
	tun := newTestTunnel(t, lower, rec)

	if !tun.IsActive() {
		t.Error("IsActive = false, want true for a constructed tunnel")
	}
}
