package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

// PendingOptions configures one Create call.
type PendingOptions struct {
	Timeout      time.Duration
	DefaultValue any
	HasDefault   bool
}

// PendingTracker correlates requests with responses, enforces timeouts,
// and supports peer-scoped and global cancellation.
type PendingTracker struct {
	mu      sync.Mutex
	table   map[string]*types.PendingRequest
	counter uint64
	max     int
}

// NewPendingTracker builds a tracker capped at max in-flight requests (0
// = unbounded).
func NewPendingTracker(max int) *PendingTracker {
	return &PendingTracker{
		table: make(map[string]*types.PendingRequest),
		max:   max,
	}
}

// Create registers a new pending request and starts its timeout timer.
// The request identifier follows the scheme req_<counter>_<timestamp>.
func (t *PendingTracker) Create(target, handler string, opts PendingOptions) (string, <-chan Result, error) {
	t.mu.Lock()
	if t.max > 0 && len(t.table) >= t.max {
		t.mu.Unlock()
		return "", nil, xerrors.New(xerrors.MaxPending, map[string]any{"max": t.max})
	}
	n := atomic.AddUint64(&t.counter, 1)
	id := fmt.Sprintf("req_%d_%d", n, time.Now().UnixMilli())

	ch := make(chan Result, 1)
	req := &types.PendingRequest{
		RequestID:    id,
		TargetPeer:   target,
		HandlerName:  handler,
		CreatedAt:    time.Now(),
		Timeout:      opts.Timeout,
		DefaultValue: opts.DefaultValue,
		HasDefault:   opts.HasDefault,
	}
	req.Resolve = func(data any) {
		ch <- Result{Data: data}
		close(ch)
	}
	req.Reject = func(err error) {
		ch <- Result{Err: err}
		close(ch)
	}
	t.table[id] = req

	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() {
			t.timeout(id)
		})
		req.SetTimer(timer)
	}
	t.mu.Unlock()

	return id, ch, nil
}

// Result is delivered on the channel Create returns.
type Result struct {
	Data any
	Err  error
}

func (t *PendingTracker) timeout(id string) {
	t.mu.Lock()
	req, ok := t.table[id]
	if ok {
		delete(t.table, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if req.HasDefault {
		req.Resolve(req.DefaultValue)
		return
	}
	req.Reject(xerrors.New(xerrors.ResponseTimeout, map[string]any{
		"peerId":      req.TargetPeer,
		"handlerName": req.HandlerName,
	}))
}

func (t *PendingTracker) take(id string) (*types.PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.table[id]
	if ok {
		delete(t.table, id)
		if timer := req.Timer(); timer != nil {
			timer.Stop()
		}
	}
	return req, ok
}

// Resolve completes a pending request from a response payload: success
// path resolves with the response data, failure path rejects with an
// error classified from response.Error.Code (defaulting to
// handler-error).
func (t *PendingTracker) Resolve(id string, success bool, data any, errCode, errMessage string) {
	req, ok := t.take(id)
	if !ok {
		return
	}
	if success {
		req.Resolve(data)
		return
	}
	kind := xerrors.HandlerError
	if errCode != "" {
		kind = xerrors.FromCode(errCode)
	}
	req.Reject(xerrors.New(kind, map[string]any{"message": errMessage}))
}

// Reject surfaces a raw error to the caller of a pending request.
func (t *PendingTracker) Reject(id string, err error) {
	req, ok := t.take(id)
	if !ok {
		return
	}
	req.Reject(err)
}

// Cancel rejects a single pending request with a cancellation error.
func (t *PendingTracker) Cancel(id string) {
	req, ok := t.take(id)
	if !ok {
		return
	}
	req.Reject(xerrors.New(xerrors.ChannelClosed, map[string]any{"reason": "cancelled"}))
}

// CancelForPeer rejects every pending request targeting peer with
// peer-disconnected.
func (t *PendingTracker) CancelForPeer(peer string) {
	t.mu.Lock()
	var toReject []*types.PendingRequest
	for id, req := range t.table {
		if req.TargetPeer == peer {
			toReject = append(toReject, req)
			delete(t.table, id)
			if timer := req.Timer(); timer != nil {
				timer.Stop()
			}
		}
	}
	t.mu.Unlock()

	for _, req := range toReject {
		req.Reject(xerrors.New(xerrors.PeerDisconnected, map[string]any{"peerId": peer}))
	}
}

// CancelAll rejects every pending request and empties the table, used on
// facade destroy.
func (t *PendingTracker) CancelAll() {
	t.mu.Lock()
	all := make([]*types.PendingRequest, 0, len(t.table))
	for id, req := range t.table {
		all = append(all, req)
		delete(t.table, id)
		if timer := req.Timer(); timer != nil {
			timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, req := range all {
		req.Reject(xerrors.New(xerrors.Destroyed, nil))
	}
}

// Len reports how many requests are currently in flight.
func (t *PendingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}
