package ppshare

import (
	"context"
	"sync"
)

// OnceActivateHandler is a function that is called exactly once with
// shutdown paused to activate an object that supports shutdown. If it
// returns an error, the object will not be activated and shutdown begins
// immediately with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler must be implemented by the object managed by a
// ShutdownHelper. It is called exactly once, in its own goroutine. It
// receives an advisory completion value and returns the real completion
// value.
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous
// shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the
	// object has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown completes.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status.
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous shutdown for an
// object that implements OnceShutdownHandler. Shutdown may be triggered by
// an explicit call, by context cancellation, or propagated from a parent;
// in every case the handler runs exactly once and waiters are released
// exactly once.
type ShutdownHelper struct {
	// Logger is used for log output from this helper; it may also be used
	// by the derived object.
	*Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may
	// be used by derived objects as well.
	Lock sync.Mutex

	handler OnceShutdownHandler

	// pauseCount is the number of times ResumeShutdown() must be called
	// before a scheduled shutdown can commence.
	pauseCount int

	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr holds the final completion status once isDoneShutdown.
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on, after the handler returns, before shutdown is
	// considered complete. It is incremented for each child.
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger *Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown runs after isStartedShutdown has been set and
// shutdownErr holds the advisory completion error.
func (h *ShutdownHelper) asyncDoStartedShutdown() {
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.handler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		close(h.shutdownDoneChan)
	}()
}

// DoOnceActivate invokes the given handler exactly once with shutdown
// paused. If the handler or activation fails, shutdown is started with the
// failure as the completion status; if waitOnFail is true the call then
// blocks until shutdown completes. Returns nil if already activated.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			h.WaitShutdown()
		}
		return h.Errorf("shutdown already started; cannot activate")
	}
	h.pauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()

	h.Lock.Lock()
	if err == nil {
		h.isActivated = true
	}
	h.Lock.Unlock()

	if err != nil {
		h.StartShutdown(err)
	}
	h.resumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// resumeShutdown decrements the shutdown pause count; if it becomes zero
// and shutdown has been scheduled, shutdown begins.
func (h *ShutdownHelper) resumeShutdown() {
	h.Lock.Lock()
	h.pauseCount--
	doShutdownNow := h.pauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext constrains the lifetime of this object to a context:
// when the context completes, asynchronous shutdown begins with the
// context's error. Does not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true once shutdown has begun. It continues to
// return true after shutdown completes.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true once shutdown is complete.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that is closed as soon as shutdown
// is initiated.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that is closed after shutdown is done.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for shutdown to complete, then returns the final
// completion status. It does not initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown: it initiates shutdown if not
// already started, waits for completion, then returns the final status.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. Only the
// first call has any effect. completionErr is an advisory error (or nil)
// passed to HandleOnceShutdown; the handler's return value becomes the
// final completion status from WaitShutdown().
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.pauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil and returns
// the final completion status.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child to the set of objects that will be actively
// shut down by this helper after HandleOnceShutdown() returns, before this
// object's shutdown is considered complete. The child is shut down with an
// advisory completion status equal to the handler's return value.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
