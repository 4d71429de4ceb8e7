package core

import (
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

// Validator inspects an incoming handshake init (with its stated origin)
// and may reject it, returning a human-readable reason.
type Validator func(init types.HandshakeInit, origin string) (accept bool, reason string)

// HandshakeEngine negotiates identity and capabilities on connect,
// driving both the initiator and responder state machines.
type HandshakeEngine struct {
	mu        sync.Mutex
	pending   map[string]*types.HandshakeRecord
	selfID    string
	validator Validator
	send      func(target string, env types.Envelope) error
	timeout   time.Duration
}

// NewHandshakeEngine builds an engine for selfID, using send to deliver
// handshake envelopes to a given peer id (the router's Route, ultimately).
func NewHandshakeEngine(selfID string, validator Validator, send func(string, types.Envelope) error, timeout time.Duration) *HandshakeEngine {
	if validator == nil {
		validator = func(types.HandshakeInit, string) (bool, string) { return true, "" }
	}
	return &HandshakeEngine{
		pending:   make(map[string]*types.HandshakeRecord),
		selfID:    selfID,
		validator: validator,
		send:      send,
		timeout:   timeout,
	}
}

// Initiate starts the initiator side: idle -> init-sent. Returns a
// channel resolved with the remote peer info on success, or an error on
// rejection/timeout.
func (h *HandshakeEngine) Initiate(target string, meta map[string]any, capabilities []string) <-chan HandshakeResult {
	ch := make(chan HandshakeResult, 1)
	id := uuid.NewString()

	rec := &types.HandshakeRecord{
		HandshakeID: id,
		Phase:       types.PhaseInitSent,
		CreatedAt:   time.Now(),
	}
	rec.Resolve = func(info types.RemotePeerInfo) {
		ch <- HandshakeResult{Info: info}
		close(ch)
	}
	rec.Reject = func(err error) {
		ch <- HandshakeResult{Err: err}
		close(ch)
	}

	h.mu.Lock()
	h.pending[id] = rec
	if h.timeout > 0 {
		timer := time.AfterFunc(h.timeout, func() { h.failTimeout(id) })
		rec.SetTimer(timer)
	}
	h.mu.Unlock()

	init := types.HandshakeInit{
		HandshakeID:  id,
		PeerID:       h.selfID,
		Meta:         meta,
		Capabilities: capabilities,
		Timestamp:    time.Now().UnixMilli(),
	}
	env := types.NewEnvelope(types.KindHandshakeInit, init, nil)
	if err := h.send(target, env); err != nil {
		h.failSend(id, err)
	}
	return ch
}

// HandshakeResult is delivered on Initiate's channel.
type HandshakeResult struct {
	Info types.RemotePeerInfo
	Err  error
}

func (h *HandshakeEngine) failTimeout(id string) {
	rec := h.take(id)
	if rec == nil {
		return
	}
	rec.Reject(xerrors.New(xerrors.HandshakeTimeout, map[string]any{"handshakeId": id}))
}

func (h *HandshakeEngine) failSend(id string, cause error) {
	rec := h.take(id)
	if rec == nil {
		return
	}
	rec.Reject(xerrors.Wrap(xerrors.SendFailed, cause, map[string]any{"handshakeId": id}))
}

func (h *HandshakeEngine) take(id string) *types.HandshakeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.pending[id]
	if !ok {
		return nil
	}
	delete(h.pending, id)
	if timer := rec.Timer(); timer != nil {
		timer.Stop()
	}
	return rec
}

// HandleInit is the responder side: idle -> ack-sent, validating the
// init message and replying with hsk_ack.
func (h *HandshakeEngine) HandleInit(init types.HandshakeInit, origin string) types.Envelope {
	accept, reason := h.validator(init, origin)

	h.mu.Lock()
	rec := &types.HandshakeRecord{
		HandshakeID: init.HandshakeID,
		Phase:       types.PhaseAckSent,
		CreatedAt:   time.Now(),
		Remote: &types.RemotePeerInfo{
			PeerID:       init.PeerID,
			Origin:       origin,
			Meta:         init.Meta,
			Capabilities: init.Capabilities,
		},
	}
	if accept {
		h.pending[init.HandshakeID] = rec
	}
	h.mu.Unlock()

	ack := types.HandshakeAck{
		HandshakeID: init.HandshakeID,
		PeerID:      h.selfID,
		Accept:      accept,
		Reason:      reason,
	}
	return types.NewEnvelope(types.KindHandshakeAck, ack, nil)
}

// HandleAck is the initiator side reacting to hsk_ack: init-sent ->
// done (on accept, also emitting hsk_done) or -> failed (on reject).
func (h *HandshakeEngine) HandleAck(ack types.HandshakeAck) (types.Envelope, bool) {
	h.mu.Lock()
	rec, ok := h.pending[ack.HandshakeID]
	h.mu.Unlock()
	if !ok {
		return types.Envelope{}, false
	}

	if !ack.Accept {
		h.take(ack.HandshakeID)
		reason := ack.Reason
		if reason == "" {
			reason = "Validation failed"
		}
		rejected := xerrors.New(xerrors.HandshakeRejected, map[string]any{"reason": reason})
		rejected.Message += ": " + reason
		rec.Reject(rejected)
		return types.Envelope{}, false
	}

	h.take(ack.HandshakeID)
	info := types.RemotePeerInfo{
		PeerID:      ack.PeerID,
		ConnectedAt: time.Now(),
	}
	rec.Remote = &info
	rec.Phase = types.PhaseDone
	rec.Resolve(info)

	done := types.HandshakeComplete{
		HandshakeID: ack.HandshakeID,
		PeerID:      h.selfID,
		Confirmed:   true,
		Success:     true,
	}
	return types.NewEnvelope(types.KindHandshakeDone, done, nil), true
}

// HandleComplete is the responder side reacting to hsk_done: ack-sent ->
// done. Returns the peer info snapshot captured at init time.
func (h *HandshakeEngine) HandleComplete(done types.HandshakeComplete) (types.RemotePeerInfo, bool) {
	rec := h.take(done.HandshakeID)
	if rec == nil || rec.Remote == nil {
		return types.RemotePeerInfo{}, false
	}
	rec.Remote.ConnectedAt = time.Now()
	return *rec.Remote, done.Success
}
