package ppshare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/sync/errgroup"
)

// Server is the ingress: it wires the HTTP listener to the request relay
// and exposes the two reserved side-channel endpoints (the control channel
// upgrade and the proxy-auto-config document). Every other path and method
// is opaque payload relayed to the environment.
type Server struct {
	ShutdownHelper
	config      *ServerConfig
	httpServer  *HTTPServer
	relay       *RequestRelay
	registry    *DomainRegistry
	watcher     *HostsWatcher
	httpHandler http.Handler
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates a new ingress server from config.
func NewServer(config *ServerConfig) (*Server, error) {
	config.ApplyDefaults()
	logger := NewLogger("paper", config.Debug)

	s := &Server{
		config:     config,
		httpServer: NewHTTPServer(logger),
	}
	s.InitShutdownHelper(logger, s)
	s.AddShutdownChild(s.httpServer)
	s.registry = NewDomainRegistry(logger, config.HostsFile, config.Domains, config.NoHosts)
	s.relay = NewRequestRelay(logger, time.Duration(config.RelayTimeout))
	if config.WatchHosts && !config.NoHosts {
		s.watcher = NewHostsWatcher(logger, s.registry, config.HostsFile)
	}
	return s, nil
}

// Relay exposes the request relay, mainly for tests.
func (s *Server) Relay() *RequestRelay {
	return s.relay
}

// Registry exposes the domain registry, mainly for tests.
func (s *Server) Registry() *DomainRegistry {
	return s.registry
}

// Handler returns the ingress HTTP handler: the two reserved routes plus
// the relay catch-all for every other method and path.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(ControlPath, s.handleControl).Methods("GET")
	router.HandleFunc(PACPath, s.handlePAC).Methods("GET")
	router.PathPrefix("/").HandlerFunc(s.handleRelay)

	h := http.Handler(router)
	if s.IsDebug() {
		h = requestlog.Wrap(h)
	}
	return h
}

// Run installs the hosts-file block, starts the HTTP listener (and the
// hosts watcher if enabled), and serves until the context is cancelled or
// Close() is called. The hosts-file cleanup is part of the shutdown path,
// so the environment is never left with stale loopback mappings.
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)

			// Advisory only: a failed install degrades to PAC-based
			// resolution, it never stops the server.
			s.registry.Install()

			s.httpHandler = s.Handler()
			s.printBanner()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.httpServer.ListenAndServe(gctx, addr, s.httpHandler)
	})
	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(gctx)
		})
	}

	serveErr := g.Wait()
	finalErr := s.Shutdown(serveErr)
	// Cancellation is the normal way to stop the server, not a failure.
	if errors.Is(finalErr, context.Canceled) || errors.Is(finalErr, net.ErrClosed) {
		finalErr = nil
	}
	return finalErr
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// tears down the listener and the relay, then restores the hosts file.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.httpServer.Close()
	s.relay.Close()
	if rmErr := s.registry.Remove(); rmErr != nil {
		s.DLogf("hosts cleanup failed (ignored): %s", rmErr)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// handleControl upgrades the request to the control channel protocol and
// binds the new channel into the relay, superseding any previous one. The
// receive loop runs in this handler's goroutine until the channel drops.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("control channel upgrade failed: %s", err)
		return
	}

	ch := NewControlChannel(s.Logger, wsConn, s.relay.nextGeneration(), r.RemoteAddr, time.Duration(s.config.RelayTimeout))
	ch.ILogf("environment connected from %s", ch.RemoteAddr())
	s.relay.BindChannel(ch)
	ch.serve(s.relay, s.registry)
}

// handlePAC serves the proxy-auto-config document.
func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", PACContentType)
	fmt.Fprint(w, GeneratePAC(s.config.TLD, s.config.Host, s.config.Port))
}

// handleRelay forwards one inbound request to the environment and writes
// back whatever it computes.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	// Direct IP access to the root path gets an informational page instead
	// of a relay error.
	if r.URL.Path == "/" && !s.isProxyHost(host) && !isLoopbackHost(host) {
		fmt.Fprintf(w, "Paper proxy running. Connect an environment to %s\n", ControlPath)
		return
	}

	req := NewRelayRequest(r)
	resp, err := s.relay.Submit(r.Context(), req)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	header := w.Header()
	for k, v := range resp.Headers {
		// Recomputed by the HTTP server for the rewritten body.
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		header.Set(k, v)
	}
	// net/http panics on status codes outside 100-999; a misbehaving
	// environment must surface as a proxy error, not a dropped connection.
	status := resp.Status
	if status < 100 || status > 999 {
		s.WLogf("environment reply %s carried invalid status %d", resp.ID, status)
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	fmt.Fprint(w, resp.Body)
}

// writeRelayError maps the relay failure taxonomy onto HTTP statuses.
func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoEnvironment):
		http.Error(w, "environment not connected; open the master tab or connect an agent", http.StatusServiceUnavailable)
	case errors.Is(err, ErrRelayTimeout):
		http.Error(w, "environment did not reply in time", http.StatusGatewayTimeout)
	case errors.Is(err, ErrChannelLost):
		http.Error(w, "request cancelled (environment disconnected)", http.StatusGatewayTimeout)
	case errors.Is(err, ErrRelayShutdown):
		http.Error(w, "proxy shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The original caller went away; there is nobody to write to.
	default:
		s.ELogf("relay error: %s", err)
		http.Error(w, "proxy error", http.StatusBadGateway)
	}
}

// isProxyHost reports whether host belongs to the served TLD.
func (s *Server) isProxyHost(host string) bool {
	return host == s.config.TLD || strings.HasSuffix(host, "."+s.config.TLD)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// printBanner prints startup status and, when hosts-file patching degraded,
// the manual alternatives an operator can use instead.
func (s *Server) printBanner() {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Printf("Paper proxy listening on http://%s\n", addr)

	switch {
	case s.config.NoHosts:
		yellow.Println("hosts-file patching disabled (--no-hosts)")
		fmt.Printf("  PAC URL: http://%s%s\n", addr, PACPath)
	case !s.registry.Installed():
		yellow.Printf("hosts file not patched; to make *.%s domains work, choose one:\n", s.config.TLD)
		fmt.Println("  A. re-run with sudo")
		fmt.Printf("  B. point your browser at the PAC URL: http://%s%s\n", addr, PACPath)
		fmt.Printf("  C. launch Chrome with --host-resolver-rules=\"MAP *.%s 127.0.0.1\"\n", s.config.TLD)
	default:
		green.Printf("hosts file patched; http://%s:%d is reachable directly\n", s.config.Domains[0], s.config.Port)
	}
}
