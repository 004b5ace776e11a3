package ppshare

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// RequestHandler computes the HTTP response for one relayed request. It is
// invoked on its own goroutine per request, so concurrent inbound requests
// are served concurrently, mirroring the multiplexing on the server side.
type RequestHandler func(req *RelayRequest) *RelayResponse

// AgentConfig is the configuration for an Agent.
type AgentConfig struct {
	// Server is the base URL of the ingress, e.g. "http://127.0.0.1:8080".
	// http/https schemes are swapped for ws/wss automatically.
	Server string

	// Handler computes responses for relayed requests.
	Handler RequestHandler

	// MaxRetryCount bounds reconnect attempts; <= 0 means retry forever.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between reconnect attempts.
	MaxRetryInterval time.Duration

	Debug bool
}

// Agent is a reference implementation of the environment side of the
// control channel protocol: it dials the ingress control endpoint, serves
// relayed requests through its handler, and can register additional
// domains. The in-browser runtime speaks the same protocol; this type
// exists so environments can be written (and the ingress tested) in Go.
type Agent struct {
	ShutdownHelper
	config *AgentConfig
	wsURL  string

	connLock sync.Mutex
	ws       *websocket.Conn
}

// NewAgent creates a new Agent from config.
func NewAgent(config *AgentConfig) (*Agent, error) {
	logger := NewLogger("agent", config.Debug)

	server := config.Server
	if !strings.HasPrefix(server, "http") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = ControlPath

	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 30 * time.Second
	}

	a := &Agent{
		config: config,
		wsURL:  u.String(),
	}
	a.InitShutdownHelper(logger, a)
	return a, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	a.connLock.Lock()
	ws := a.ws
	a.ws = nil
	a.connLock.Unlock()
	if ws != nil {
		ws.Close()
	}
	return completionErr
}

// Run connects to the ingress and serves relayed requests until the context
// is cancelled or Close() is called, reconnecting with backoff on failure.
func (a *Agent) Run(ctx context.Context) error {
	err := a.DoOnceActivate(
		func() error {
			a.ShutdownOnContext(ctx)
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	b := &backoff.Backoff{Max: a.config.MaxRetryInterval}
	for {
		connected, err := a.connectionOnce(ctx)
		if a.IsStartedShutdown() || ctx.Err() != nil {
			break
		}
		if connected {
			b.Reset()
		}
		attempt := int(b.Attempt())
		if a.config.MaxRetryCount > 0 && attempt >= a.config.MaxRetryCount {
			a.StartShutdown(a.Errorf("gave up after %d attempts: %s", attempt, err))
			break
		}
		d := b.Duration()
		if err != nil {
			a.ILogf("connection failed: %s, retrying in %s...", err, d)
		} else {
			a.ILogf("disconnected, retrying in %s...", d)
		}
		select {
		case <-ctx.Done():
		case <-a.ShutdownStartedChan():
		case <-time.After(d):
			continue
		}
		break
	}
	return a.Close()
}

// connectionOnce dials the control endpoint and serves until the connection
// drops. Returns whether a connection was established.
func (a *Agent) connectionOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return false, err
	}

	a.connLock.Lock()
	a.ws = ws
	a.connLock.Unlock()
	a.ILogf("connected to %s", a.wsURL)

	for {
		req := &RelayRequest{}
		if err := ws.ReadJSON(req); err != nil {
			a.connLock.Lock()
			if a.ws == ws {
				a.ws = nil
			}
			a.connLock.Unlock()
			ws.Close()
			return true, err
		}
		go a.serveRequest(ws, req)
	}
}

// serveRequest invokes the handler and writes the correlated reply.
func (a *Agent) serveRequest(ws *websocket.Conn, req *RelayRequest) {
	resp := a.config.Handler(req)
	if resp == nil {
		resp = &RelayResponse{Status: 404, Body: "not found"}
	}
	resp.ID = req.ID
	if resp.Status == 0 {
		resp.Status = 200
	}
	if err := a.writeJSON(ws, resp); err != nil {
		a.DLogf("reply write failed for id=%s: %s", req.ID, err)
	}
}

// RegisterDomain asks the ingress to add a hosts-file mapping for domain.
func (a *Agent) RegisterDomain(domain string) error {
	a.connLock.Lock()
	ws := a.ws
	a.connLock.Unlock()
	if ws == nil {
		return a.Errorf("not connected")
	}
	return a.writeJSON(ws, &ControlCommand{Type: CommandRegisterDomain, Domain: domain})
}

// writeJSON serializes concurrent writers onto the single connection.
func (a *Agent) writeJSON(ws *websocket.Conn, v interface{}) error {
	a.connLock.Lock()
	defer a.connLock.Unlock()
	return ws.WriteJSON(v)
}
