package types

// ExecutionMode selects how a listener is invoked during asynchronous
// dispatch: awaited in place, or scheduled fire-and-forget.
type ExecutionMode int

const (
	ModeSync ExecutionMode = iota
	ModeAsync
)

// Handler is a local event handler. The returned error is logged by the
// emitter and never propagated to the emitting caller (local dispatch is
// best-effort, see band 1).
type Handler func(evt SignalEvent) error

// CancelToken aborts a listener registration. Is is safe to call Cancel
// more than once and to cancel before the listener ever fires.
type CancelToken struct {
	aborted bool
	onAbort func()
}

// NewCancelToken builds a token that invokes onAbort exactly once.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel trips the token, invoking the registered callback if one was
// attached and it had not already fired.
func (c *CancelToken) Cancel() {
	if c.aborted {
		return
	}
	c.aborted = true
	if c.onAbort != nil {
		c.onAbort()
	}
}

// IsCancelled reports whether the token already tripped.
func (c *CancelToken) IsCancelled() bool {
	return c.aborted
}

// bind attaches the callback invoked on first Cancel(); if the token is
// already tripped, the callback fires immediately.
func (c *CancelToken) bind(onAbort func()) {
	c.onAbort = onAbort
	if c.aborted {
		onAbort()
	}
}

// Bind exposes bind for the emitter package, which owns token wiring.
func (c *CancelToken) Bind(onAbort func()) {
	c.bind(onAbort)
}

// ListenerEntry is exclusively owned by the emitter. External callers
// hold only a Subscription handle whose sole capability is cancellation.
type ListenerEntry struct {
	ID       string
	Name     string
	Handler  Handler
	Priority int
	Mode     ExecutionMode
	Once     bool
	Token    *CancelToken
}

// SignalEvent is the wrapper delivered to asynchronous listeners.
type SignalEvent struct {
	Name      string
	Data      any
	ID        string
	Timestamp int64
	Source    Source
}
