package ppshare

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
)

// Relay failure taxonomy. Every failure is surfaced to the original caller
// exactly once; nothing is ever retried by the relay.
var (
	// ErrNoEnvironment indicates no control channel was attached when the
	// request arrived.
	ErrNoEnvironment = errors.New("no environment connected")

	// ErrRelayTimeout indicates the environment did not reply within the
	// configured bound.
	ErrRelayTimeout = errors.New("environment did not reply in time")

	// ErrChannelLost indicates the control channel dropped while the
	// request was in flight.
	ErrChannelLost = errors.New("environment disconnected")

	// ErrRelayShutdown indicates the relay was shut down while the request
	// was in flight or before it could be submitted.
	ErrRelayShutdown = errors.New("relay shut down")
)

// pendingResult is the terminal value of one relayed request: exactly one
// of resp or err is set.
type pendingResult struct {
	resp *RelayResponse
	err  error
}

// pendingRequest tracks one in-flight relayed request between send and its
// terminal transition.
type pendingRequest struct {
	id      string
	gen     uint64
	created time.Time

	// resultc has capacity 1 so resolvers never block on a waiter.
	resultc chan pendingResult
}

// RequestRelay turns N concurrent inbound HTTP requests into correlated
// messages multiplexed over exactly one control channel, matches replies
// back to the right waiter, and handles timeout, disconnect and
// cancellation. There is at most one active channel at a time: the system
// fronts exactly one environment; concurrency comes from correlation ids,
// not from a channel pool.
type RequestRelay struct {
	*Logger

	// timeout is the fixed wait bound; no per-request override exists.
	timeout time.Duration

	lock    sync.Mutex
	channel *ControlChannel
	pending map[string]*pendingRequest
	nextGen uint64
	closed  bool
}

// NewRequestRelay creates a relay with the given fixed reply timeout.
func NewRequestRelay(logger *Logger, timeout time.Duration) *RequestRelay {
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	return &RequestRelay{
		Logger:  logger.Fork("relay"),
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
}

// nextGeneration returns a fresh channel generation number. Generations
// guard the pending table against replies arriving through a channel other
// than the one a request was dispatched on.
func (rr *RequestRelay) nextGeneration() uint64 {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	rr.nextGen++
	return rr.nextGen
}

// ActiveChannel returns the currently bound channel, or nil.
func (rr *RequestRelay) ActiveChannel() *ControlChannel {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	return rr.channel
}

// Submit forwards one inbound HTTP request to the environment and blocks
// until a matching reply arrives, the fixed timeout elapses, the channel is
// lost, or ctx is cancelled. req.ID is assigned here. In every terminal
// case the pending entry is deregistered before Submit returns.
func (rr *RequestRelay) Submit(ctx context.Context, req *RelayRequest) (*RelayResponse, error) {
	rr.lock.Lock()
	if rr.closed {
		rr.lock.Unlock()
		return nil, ErrRelayShutdown
	}
	ch := rr.channel
	if ch == nil {
		// Fail fast: no pending entry is ever created without a channel.
		rr.lock.Unlock()
		return nil, ErrNoEnvironment
	}
	req.ID = uuid.NewString()
	p := &pendingRequest{
		id:      req.ID,
		gen:     ch.Generation(),
		created: time.Now(),
		resultc: make(chan pendingResult, 1),
	}
	rr.pending[p.id] = p
	rr.lock.Unlock()

	rr.DLogf("relaying %s %s (%s) id=%s", req.Method, req.URL, sizestr.ToString(int64(len(req.Body))), p.id)

	if err := ch.SendRequest(req); err != nil {
		// A failed write means the channel is broken; the read side will
		// notice and drain, but this waiter's entry may already be ours to
		// clean up.
		return rr.abandon(p, ErrChannelLost)
	}

	timer := time.NewTimer(rr.timeout)
	defer timer.Stop()

	select {
	case res := <-p.resultc:
		return res.resp, res.err
	case <-timer.C:
		rr.DLogf("request id=%s timed out after %s", p.id, rr.timeout)
		return rr.abandon(p, ErrRelayTimeout)
	case <-ctx.Done():
		return rr.abandon(p, ctx.Err())
	}
}

// abandon ends the wait for p with cancelErr. If another party resolved p
// first (its entry is gone from the table), that resolution already
// committed and is honored instead — a request reaches exactly one terminal
// state.
func (rr *RequestRelay) abandon(p *pendingRequest, cancelErr error) (*RelayResponse, error) {
	rr.lock.Lock()
	_, live := rr.pending[p.id]
	if live {
		delete(rr.pending, p.id)
	}
	rr.lock.Unlock()

	if live {
		return nil, cancelErr
	}
	res := <-p.resultc
	return res.resp, res.err
}

// BindChannel installs ch as the sole active channel. A previously bound
// channel is superseded: its in-flight requests resolve to channel-lost and
// it is closed. Replies arriving later through the old channel can never
// resolve requests dispatched on the new one (and vice versa) because
// fulfillment is generation-guarded.
func (rr *RequestRelay) BindChannel(ch *ControlChannel) {
	rr.lock.Lock()
	if rr.closed {
		rr.lock.Unlock()
		ch.Close()
		return
	}
	old := rr.channel
	rr.channel = ch
	drained := rr.drainPendingLocked()
	rr.lock.Unlock()

	if old != nil {
		rr.ILogf("control channel replaced (gen %d -> %d)", old.Generation(), ch.Generation())
		old.Close()
	} else {
		rr.ILogf("control channel connected (gen %d)", ch.Generation())
	}
	resolveAll(drained, ErrChannelLost)
}

// UnbindChannel clears the active channel slot iff ch is still the bound
// channel, resolving every pending request to channel-lost. A disconnect
// notification from an already superseded channel has no effect. Atomic
// with respect to concurrent Submit calls: no new pending entry can be
// registered against a channel being torn down.
func (rr *RequestRelay) UnbindChannel(ch *ControlChannel) {
	rr.lock.Lock()
	if rr.channel != ch {
		rr.lock.Unlock()
		return
	}
	rr.channel = nil
	drained := rr.drainPendingLocked()
	rr.lock.Unlock()

	rr.ILogf("control channel disconnected (gen %d), cancelling %d in-flight requests", ch.Generation(), len(drained))
	resolveAll(drained, ErrChannelLost)
}

// fulfill resolves the pending request matching resp.ID to a success, iff
// the entry is live and was dispatched on channel generation gen. Late
// replies (after timeout), unknown ids and replies from superseded channels
// are dropped silently.
func (rr *RequestRelay) fulfill(gen uint64, resp *RelayResponse) {
	rr.lock.Lock()
	p, ok := rr.pending[resp.ID]
	if ok && p.gen == gen {
		delete(rr.pending, resp.ID)
	} else {
		ok = false
	}
	rr.lock.Unlock()

	if !ok {
		rr.DLogf("dropping reply for unknown or stale request id=%s", resp.ID)
		return
	}
	rr.DLogf("request id=%s fulfilled with status %d (%s) after %s",
		resp.ID, resp.Status, sizestr.ToString(int64(len(resp.Body))), time.Since(p.created).Round(time.Millisecond))
	p.resultc <- pendingResult{resp: resp}
}

// PendingCount returns the number of in-flight requests.
func (rr *RequestRelay) PendingCount() int {
	rr.lock.Lock()
	defer rr.lock.Unlock()
	return len(rr.pending)
}

// Close shuts the relay down: the active channel is closed, every pending
// request resolves to a shutdown error, and subsequent Submit calls are
// rejected. Idempotent.
func (rr *RequestRelay) Close() error {
	rr.lock.Lock()
	if rr.closed {
		rr.lock.Unlock()
		return nil
	}
	rr.closed = true
	ch := rr.channel
	rr.channel = nil
	drained := rr.drainPendingLocked()
	rr.lock.Unlock()

	resolveAll(drained, ErrRelayShutdown)
	if ch != nil {
		ch.Close()
	}
	return nil
}

// drainPendingLocked empties the pending table and returns the removed
// entries for resolution outside the lock.
func (rr *RequestRelay) drainPendingLocked() []*pendingRequest {
	if len(rr.pending) == 0 {
		return nil
	}
	drained := make([]*pendingRequest, 0, len(rr.pending))
	for _, p := range rr.pending {
		drained = append(drained, p)
	}
	rr.pending = make(map[string]*pendingRequest)
	return drained
}

func resolveAll(pending []*pendingRequest, err error) {
	for _, p := range pending {
		p.resultc <- pendingResult{err: err}
	}
}
