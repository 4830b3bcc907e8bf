// Package main implements a port forwarder through an HTTP CONNECT proxy.
//
// Each incoming connection to a local listen address is tunneled through
// the proxy to its configured remote destination.
//
// Forwards can be given on the command line:
//
//	proxyhop-forward -proxy proxy.example.com:8080 \
//	  -forward localhost:8080=example.com:80 \
//	  -forward localhost:8443=example.com:443
//
// or in an INI config file:
//
//	[proxy]
//	addr = proxy.example.com:8080
//
//	[forward.web]
//	listen = localhost:8080
//	remote = example.com:80
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/ini.v1"

	"lds.li/proxyhop/proxytunnel"
)

var (
	proxyAddr  = flag.String("proxy", "", "CONNECT proxy address as host:port")
	configPath = flag.String("config", "", "Path to an INI config file")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// forwardFlags is a custom flag type that accepts multiple -forward flags.
type forwardFlags []string

func (f *forwardFlags) String() string {
	return strings.Join(*f, ", ")
}

func (f *forwardFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

var forwards forwardFlags

func init() {
	flag.Var(&forwards, "forward", "Port forward in format [name=]listen:port=remote:port (can be repeated)")
}

// forwardConfig represents a single port forward.
type forwardConfig struct {
	name   string
	listen string
	remote string
}

func main() {
	flag.Parse()

	proxy := *proxyAddr
	configs := make([]forwardConfig, 0, len(forwards))

	if *configPath != "" {
		fileProxy, fileForwards, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		if proxy == "" {
			proxy = fileProxy
		}
		configs = append(configs, fileForwards...)
	}

	for i, fwd := range forwards {
		cfg, err := parseForward(fwd)
		if err != nil {
			log.Fatalf("Failed to parse forward #%d (%s): %v", i+1, fwd, err)
		}
		configs = append(configs, cfg)
	}

	if proxy == "" {
		fmt.Fprintf(os.Stderr, "Error: a proxy address is required (-proxy or [proxy] addr in -config)\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if len(configs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one forward is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	dialer := proxytunnel.NewProxyDialer(&proxytunnel.ClientConfig{
		ProxyAddr: proxy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	listeners := make([]net.Listener, 0, len(configs))

	for _, cfg := range configs {
		listener, err := net.Listen("tcp", cfg.listen)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.listen, err)
		}
		listeners = append(listeners, listener)

		log.Printf("[%s] forwarding %s -> %s (via %s)", cfg.name, listener.Addr(), cfg.remote, proxy)

		wg.Add(1)
		go func(l net.Listener, remote, name string) {
			defer wg.Done()
			acceptLoop(ctx, l, remote, name, dialer)
		}(listener, cfg.remote, cfg.name)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down")
	cancel()
	for _, listener := range listeners {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("timeout waiting for connections to close")
	}
}

// loadConfig reads the proxy address and forwards from an INI file.
func loadConfig(path string) (string, []forwardConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return "", nil, err
	}

	proxy := f.Section("proxy").Key("addr").String()

	var configs []forwardConfig
	for _, sec := range f.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "forward.")
		if !ok {
			continue
		}
		cfg := forwardConfig{
			name:   name,
			listen: sec.Key("listen").String(),
			remote: sec.Key("remote").String(),
		}
		if cfg.listen == "" || cfg.remote == "" {
			return "", nil, fmt.Errorf("section [%s] needs both listen and remote", sec.Name())
		}
		configs = append(configs, cfg)
	}
	return proxy, configs, nil
}

// parseForward parses a -forward flag value.
// Accepts listen:port=remote:port and name=listen:port=remote:port.
func parseForward(s string) (forwardConfig, error) {
	var cfg forwardConfig

	parts := strings.Split(s, "=")
	switch len(parts) {
	case 2:
		cfg.listen = parts[0]
		cfg.remote = parts[1]
		cfg.name = parts[0]
	case 3:
		cfg.name = parts[0]
		cfg.listen = parts[1]
		cfg.remote = parts[2]
	default:
		return cfg, fmt.Errorf("invalid format, expected [name=]listen:port=remote:port")
	}

	if !strings.Contains(cfg.listen, ":") {
		return cfg, fmt.Errorf("listen address must include port")
	}
	if !strings.Contains(cfg.remote, ":") {
		return cfg, fmt.Errorf("remote address must include port")
	}
	return cfg, nil
}

// acceptLoop accepts connections and forwards them through the proxy.
func acceptLoop(ctx context.Context, listener net.Listener, remote, name string, dialer proxytunnel.Dialer) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[%s] accept error: %v", name, err)
				return
			}
		}
		go handleConnection(ctx, conn, remote, name, dialer)
	}
}

// handleConnection forwards a single connection through the proxy.
func handleConnection(ctx context.Context, localConn net.Conn, remote, name string, dialer proxytunnel.Dialer) {
	defer localConn.Close()

	if *verbose {
		log.Printf("[%s] new connection from %s", name, localConn.RemoteAddr())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	remoteConn, err := dialer.DialContext(dialCtx, "tcp", remote)
	if err != nil {
		log.Printf("[%s] failed to dial %s: %v", name, remote, err)
		return
	}
	defer remoteConn.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(remoteConn, localConn)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(localConn, remoteConn)
		errCh <- err
	}()

	if err := <-errCh; err != nil && err != io.EOF && *verbose {
		log.Printf("[%s] copy error: %v", name, err)
	}
}
