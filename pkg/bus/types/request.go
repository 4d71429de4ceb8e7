package types

import "time"

// PendingRequest tracks one in-flight request/response pair. Lifetime
// ends on first of: matching response, timeout, peer disconnect, facade
// destroy, or caller cancellation.
type PendingRequest struct {
	RequestID    string
	TargetPeer   string
	HandlerName  string
	CreatedAt    time.Time
	Timeout      time.Duration
	DefaultValue any
	HasDefault   bool

	Resolve func(data any)
	Reject  func(err error)

	timer *time.Timer
}

// Timer returns the backing timeout timer, if one was started.
func (p *PendingRequest) Timer() *time.Timer {
	return p.timer
}

// SetTimer attaches the timeout timer so it can be stopped on early
// resolution.
func (p *PendingRequest) SetTimer(t *time.Timer) {
	p.timer = t
}
