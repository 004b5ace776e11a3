package ppshare

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ControlChannel is the single persistent websocket connection to the
// browser-side execution environment. Outbound it carries RelayRequests;
// inbound it carries RelayResponses and control commands, all as JSON text
// frames. A channel is identified by a process-unique generation number so
// the relay can tell replies on a superseded connection from live ones.
type ControlChannel struct {
	*Logger
	gen        uint64
	ws         *websocket.Conn
	remoteAddr string

	// writeTimeout bounds each outbound write so a peer that stops reading
	// cannot block senders past the relay's own wait bound. Zero disables
	// the deadline.
	writeTimeout time.Duration

	// writeLock serializes writers; gorilla connections support at most one
	// concurrent writer.
	writeLock sync.Mutex

	closeOnce sync.Once
	closedc   chan struct{}
}

// NewControlChannel wraps an upgraded websocket connection.
func NewControlChannel(logger *Logger, ws *websocket.Conn, gen uint64, remoteAddr string, writeTimeout time.Duration) *ControlChannel {
	return &ControlChannel{
		Logger:       logger.Fork("channel-%d", gen),
		gen:          gen,
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		closedc:      make(chan struct{}),
	}
}

// Generation returns the channel's process-unique generation number.
func (c *ControlChannel) Generation() uint64 {
	return c.gen
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *ControlChannel) RemoteAddr() string {
	return c.remoteAddr
}

// SendRequest sends one outbound message. Each message is sent exactly
// once; a write failure means the connection is broken and is surfaced to
// the caller, never retried.
func (c *ControlChannel) SendRequest(req *RelayRequest) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(req); err != nil {
		return c.DLogErrorf("write failed: %s", err)
	}
	return nil
}

// Close tears down the underlying connection. Idempotent.
func (c *ControlChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		close(c.closedc)
	})
	return err
}

// ClosedChan returns a channel closed once Close has run.
func (c *ControlChannel) ClosedChan() <-chan struct{} {
	return c.closedc
}

// serve runs the receive loop until the connection drops, dispatching each
// inbound frame by shape: replies resolve pending requests through the
// relay, domain-registration commands go to the registry, and malformed
// frames are logged and dropped; they never kill the loop or touch the
// pending-request table. On exit the channel is unbound from the relay,
// which drains any requests still waiting on this generation.
func (c *ControlChannel) serve(relay *RequestRelay, registry *DomainRegistry) {
	defer func() {
		c.Close()
		relay.UnbindChannel(c)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closedc:
				// superseded or shut down; not an error
			default:
				c.DLogf("read loop ended: %s", err)
			}
			return
		}

		frame, err := decodeControlFrame(data)
		if err != nil {
			c.WLogf("dropping malformed control frame: %s", err)
			continue
		}

		switch {
		case frame.reply != nil:
			relay.fulfill(c.gen, frame.reply)
		case frame.command != nil:
			c.handleCommand(frame.command, registry)
		}
	}
}

func (c *ControlChannel) handleCommand(cmd *ControlCommand, registry *DomainRegistry) {
	switch cmd.Type {
	case CommandRegisterDomain:
		if registry == nil {
			c.WLogf("ignoring %s command: no domain registry", cmd.Type)
			return
		}
		if registry.AddDomain(cmd.Domain) {
			c.ILogf("environment registered domain %q", cmd.Domain)
		} else {
			c.DLogf("domain %q already registered", cmd.Domain)
		}
	default:
		c.WLogf("dropping unknown control command %q", cmd.Type)
	}
}
