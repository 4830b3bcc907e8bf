package proxytunnel

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
)

// ServerConfig configures the server-side CONNECT handler.
type ServerConfig struct {
	// OnConnect is called before a tunnel is established, with the
	// requested target in host:port form. If nil, all tunnels are
	// accepted. If it returns an error, the tunnel is rejected with
	// 403 Forbidden.
	OnConnect func(ctx context.Context, target string, req *http.Request) error

	// Dial is used to establish connections to upstream targets.
	// If nil, net.Dialer{}.DialContext is used.
	Dial DialFunc

	// ErrorLog specifies an optional logger for errors. If nil, logging
	// goes to the log package's standard logger.
	ErrorLog Logger
}

func (c *ServerConfig) getDialFunc() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	return d.DialContext
}

func (c *ServerConfig) getLogger() Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return log.Default()
}

func (c *ServerConfig) allow(ctx context.Context, target string, req *http.Request) error {
	if c.OnConnect != nil {
		return c.OnConnect(ctx, target, req)
	}
	return nil
}

// NewHandler creates an http.Handler that terminates CONNECT requests and
// relays bytes between the client and the requested target. HTTP/1.1
// requests are hijacked; HTTP/2 requests are served as full-duplex streams,
// so the handler works behind TLS http2 servers and h2c wrappers alike.
func NewHandler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &connectHandler{cfg: cfg}
}

type connectHandler struct {
	cfg *ServerConfig
}

func (h *connectHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// HTTP/1.1 carries the target in the request URI, HTTP/2 in the
	// :authority pseudo-header surfaced as Host.
	target := req.RequestURI
	if req.ProtoMajor == 2 {
		target = req.Host
	}
	if target == "" || target == "/" {
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return
	}

	if err := h.cfg.allow(req.Context(), target, req); err != nil {
		h.cfg.getLogger().Printf("proxytunnel: tunnel to %s rejected: %v", target, err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	upstream, err := h.cfg.getDialFunc()(req.Context(), "tcp", target)
	if err != nil {
		h.cfg.getLogger().Printf("proxytunnel: dial %s: %v", target, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	if req.ProtoMajor == 2 {
		h.serveH2(w, req, upstream)
	} else {
		h.serveH1(w, upstream)
	}
}

// serveH1 hijacks the client connection, confirms the tunnel, and relays.
func (h *connectHandler) serveH1(w http.ResponseWriter, upstream net.Conn) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.cfg.getLogger().Printf("proxytunnel: hijack failed: %v", err)
		return
	}
	defer client.Close()
	defer upstream.Close()

	if _, err := bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	if err := bufrw.Flush(); err != nil {
		return
	}

	// Read through bufrw: the client may have sent payload in the same
	// segment as the request head, and those bytes sit in its buffer.
	h.relay(upstream, bufrw.Reader, client)
}

// serveH2 confirms the tunnel on the HTTP/2 stream and relays, staying in
// the handler to keep the response stream open.
func (h *connectHandler) serveH2(w http.ResponseWriter, req *http.Request, upstream net.Conn) {
	defer upstream.Close()
	defer req.Body.Close()

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		h.cfg.getLogger().Printf("proxytunnel: full duplex unavailable: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// Each data frame must be flushed immediately or it sits in the
	// server's write buffer until the stream fills.
	h.relay(upstream, req.Body, &flushWriter{w: w, rc: rc})
}

// relay copies bytes both ways until both directions finish. Each side's
// write half is closed once the opposite read half hits EOF, so a clean
// shutdown in one direction drains rather than truncates the other.
func (h *connectHandler) relay(upstream net.Conn, clientR io.Reader, clientW io.Writer) {
	errc := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstream, clientR)
		closeWrite(upstream)
		errc <- err
	}()

	go func() {
		_, err := io.Copy(clientW, upstream)
		closeWrite(clientW)
		errc <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && err != io.EOF {
			h.cfg.getLogger().Printf("proxytunnel: relay: %v", err)
		}
	}
}

// closeWrite half-closes w if it supports it (TCP connections do).
func closeWrite(w io.Writer) {
	if cw, ok := w.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// flushWriter flushes the response stream after every write.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		err = fw.rc.Flush()
	}
	return n, err
}
