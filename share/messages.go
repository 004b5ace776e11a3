package ppshare

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Reserved paths on the ingress listener. Everything else is relayed.
const (
	// ControlPath upgrades to the websocket control channel protocol.
	ControlPath = "/_paper_control"

	// PACPath serves the proxy-auto-config document.
	PACPath = "/proxy.pac"
)

// CommandRegisterDomain is the control-channel command an environment sends
// to request a new hosts-file mapping.
const CommandRegisterDomain = "register_domain"

// RelayRequest is the message forwarded over the control channel for one
// inbound HTTP request. It is sent exactly once, never retried.
type RelayRequest struct {
	// ID is the correlation id linking this request to its eventual reply.
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// RelayResponse is the reply message carrying the HTTP response computed by
// the environment for the RelayRequest with the same ID.
type RelayResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ControlCommand is an inbound control-channel message unrelated to any
// pending request.
type ControlCommand struct {
	Type   string `json:"type"`
	Domain string `json:"domain"`
}

// controlFrame is the decoded form of one inbound control-channel frame:
// either a reply to a pending request or a command. Exactly one of the two
// fields is set.
type controlFrame struct {
	reply   *RelayResponse
	command *ControlCommand
}

var errMalformedFrame = errors.New("malformed control frame")

// decodeControlFrame parses an inbound text frame and dispatches by shape:
// a "type" field marks a command, an "id" field marks a reply. Anything
// else is malformed and must be dropped by the caller, never fatal.
func decodeControlFrame(data []byte) (*controlFrame, error) {
	var raw struct {
		ID      string            `json:"id"`
		Type    string            `json:"type"`
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
		Domain  string            `json:"domain"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if raw.Type != "" {
		if raw.Type == CommandRegisterDomain && raw.Domain == "" {
			return nil, errMalformedFrame
		}
		return &controlFrame{command: &ControlCommand{Type: raw.Type, Domain: raw.Domain}}, nil
	}

	if raw.ID == "" {
		return nil, errMalformedFrame
	}
	status := raw.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &controlFrame{reply: &RelayResponse{
		ID:      raw.ID,
		Status:  status,
		Headers: raw.Headers,
		Body:    raw.Body,
	}}, nil
}

// NewRelayRequest builds the outbound message for an inbound HTTP request.
// The correlation id is assigned later, by the relay. The body is decoded
// permissively: invalid byte sequences are replaced, never an error.
func NewRelayRequest(r *http.Request) *RelayRequest {
	headers := make(map[string]string, len(r.Header)+1)
	for k, vv := range r.Header {
		if len(vv) > 0 {
			headers[k] = vv[0]
		}
	}
	// The Go http server strips Host out of r.Header, but the environment
	// routes by it.
	headers["Host"] = r.Host

	var body string
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err == nil {
			body = strings.ToValidUTF8(string(data), "�")
		}
	}

	return &RelayRequest{
		Method:  r.Method,
		URL:     "http://" + r.Host + r.URL.RequestURI(),
		Path:    r.URL.Path,
		Headers: headers,
		Body:    body,
	}
}
