package ppshare

import (
	"context"
	"net"
	"net/http"
)

// HTTPServer extends net/http Server with graceful shutdowns.
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer.
func NewHTTPServer(logger *Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger.Fork("http"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// takes completionErr as an advisory completion value, actually shuts down,
// then returns the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	if h.listener == nil {
		return completionErr
	}
	err := h.listener.Close()
	if err != nil {
		h.DLogf("close of listener failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either by cancelling the context or by calling Close().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("listen on %s failed: %s", addr, err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				h.StartShutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown completely shuts down the server, then returns the final
// completion code. It disambiguates between the embedded http.Server and
// ShutdownHelper methods.
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final
// completion code.
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}

// Addr returns the bound listener address, or nil before activation.
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
