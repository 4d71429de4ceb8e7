// Package bus assembles the emitter, router, pending-request tracker,
// handshake engine, hook pipeline, stream sub-protocol, presence manager
// and causal orderer into one facade, with a single construct/run/dispatch/
// shutdown lifecycle driving all of them by message kind.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossbus-go/bus/pkg/bus/core"
	"github.com/crossbus-go/bus/pkg/bus/definition"
	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

// HandlerFunc answers a request addressed to a registered handler name.
type HandlerFunc func(ctx context.Context, data any, peerID string) (any, error)

type registeredHandler struct {
	fn       HandlerFunc
	security handlerSecurity

	mu     sync.Mutex
	window int64
	count  int
}

// allows applies the handler's security policy: peer allowlist, then
// rate limit (fixed one-second window, reset on each new Unix second),
// then payload validation.
func (h *registeredHandler) allows(peerID string, data any) error {
	if h.security.allowedPeers != nil {
		if _, ok := h.security.allowedPeers[peerID]; !ok {
			return xerrors.New(xerrors.Unauthorized, map[string]any{"peerId": peerID})
		}
	}
	if h.security.rateLimitPerSec > 0 {
		now := time.Now().Unix()
		h.mu.Lock()
		if now != h.window {
			h.window = now
			h.count = 0
		}
		h.count++
		exceeded := h.count > h.security.rateLimitPerSec
		h.mu.Unlock()
		if exceeded {
			return xerrors.New(xerrors.RateLimited, map[string]any{"peerId": peerID})
		}
	}
	if h.security.validatePayload != nil {
		if err := h.security.validatePayload(data); err != nil {
			return xerrors.Wrap(xerrors.InvalidPayload, err, nil)
		}
	}
	return nil
}

// poweroff is a shutdown-channel-under-mutex, guarding Destroy against
// concurrent and repeated invocation.
type poweroff struct {
	mu       sync.Mutex
	done     bool
	finished chan struct{}
}

func newPoweroff() poweroff {
	return poweroff{finished: make(chan struct{})}
}

// transportHandle tracks one wired transport's consume goroutine so
// Destroy can stop it and the caller's unsubscribe can stop it early.
type transportHandle struct {
	t      Transport
	cancel context.CancelFunc
}

// Bus is one cross-context message bus instance: the facade over every
// core component, bound to a single local peer identity.
type Bus struct {
	cfg    *Config
	selfID string
	log    definition.Logger

	emitter       *core.Emitter
	router        *core.Router
	pending       *core.PendingTracker
	handshake     *core.HandshakeEngine
	inboundHooks  *core.HookPipeline
	outboundHooks *core.HookPipeline
	presence      *core.PresenceManager
	clock         *core.VectorClock
	causal        *core.CausalOrderer
	origin        *core.OriginValidator
	metrics       *metrics

	mu       sync.Mutex
	handlers map[string]*registeredHandler
	readers  map[string]*core.StreamReader

	transportsMu sync.Mutex
	transports   map[string]*transportHandle

	off poweroff
}

// New builds a Bus from cfg. A nil cfg is replaced by
// DefaultConfiguration("bus"); a non-nil cfg is used as given, and its
// zero-valued fields are not filled in from the defaults.
func New(cfg *Config) *Bus {
	if cfg == nil {
		cfg = DefaultConfiguration("bus")
	}
	log := cfg.Logger
	if log == nil {
		log = definition.NewDefaultLogger()
	}

	b := &Bus{
		cfg:        cfg,
		selfID:     cfg.PeerID,
		log:        log,
		handlers:   make(map[string]*registeredHandler),
		readers:    make(map[string]*core.StreamReader),
		transports: make(map[string]*transportHandle),
		off:        newPoweroff(),
	}

	b.emitter = core.NewEmitter(cfg.PeerID, log)
	b.router = core.NewRouter(b.emitter, log, cfg.MaxPeers)
	b.pending = core.NewPendingTracker(cfg.MaxPendingRequests)
	b.inboundHooks = core.NewHookPipeline(log)
	b.outboundHooks = core.NewHookPipeline(log)
	b.clock = core.NewVectorClock(cfg.PeerID)
	b.causal = core.NewCausalOrderer(b.clock, cfg.CausalBufferCapacity, b.deliverCausal, b.overflowCausal)
	b.origin = core.NewOriginValidator(cfg.AllowedOrigins, cfg.SameOrigin, cfg.AllowAllOrigins)
	b.metrics = newMetrics(cfg.PeerID)

	b.handshake = core.NewHandshakeEngine(cfg.PeerID, cfg.HandshakeValidator, b.sendHandshake, cfg.HandshakeTimeout)

	presenceInterval := cfg.PresenceInterval
	presenceTimeout := cfg.PresenceTimeout
	b.presence = core.NewPresenceManager(cfg.PeerID, presenceInterval, presenceTimeout, b.emitter, log, b.sendPresence)
	b.presence.Start()

	return b
}

func (b *Bus) checkAlive() error {
	b.off.mu.Lock()
	dead := b.off.done
	b.off.mu.Unlock()
	if dead {
		return xerrors.New(xerrors.Destroyed, nil)
	}
	return nil
}

// checkPayloadSize rejects data whose JSON-marshalled size exceeds the
// configured MaxPayloadSize, synchronously, before the calling operation
// proceeds. A zero MaxPayloadSize disables the check. Data that can't be
// marshalled is left to fail downstream at the transport instead of here.
func (b *Bus) checkPayloadSize(data any) error {
	if b.cfg.MaxPayloadSize <= 0 {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	if len(encoded) > b.cfg.MaxPayloadSize {
		return xerrors.New(xerrors.PayloadTooLarge, map[string]any{"size": len(encoded), "max": b.cfg.MaxPayloadSize})
	}
	return nil
}

// Signal broadcasts a named local+remote event: local listeners are
// notified synchronously, and a `bc` envelope is routed to every
// connected peer not in opts.Exclude.
func (b *Bus) Signal(name string, data any, opts SignalOptions) (core.RouteResult, error) {
	if err := b.checkAlive(); err != nil {
		return core.RouteResult{}, err
	}
	if err := b.checkPayloadSize(data); err != nil {
		return core.RouteResult{}, err
	}
	b.emitter.Emit(name, data)

	payload := types.SignalPayload{Name: name, Data: data, Source: types.Source{PeerID: b.selfID}}
	transformed := b.outboundHooks.Run(context.Background(), payload, core.HookContext{Kind: string(types.KindBroadcast), Direction: core.DirectionOutbound})

	vc := b.clock.Tock()
	result := b.router.Broadcast(transformed, types.KindBroadcast, core.BroadcastOptions{
		Exclude:   opts.Exclude,
		ExtraMeta: map[string]any{"vc": vc},
	})
	for i := 0; i < result.Delivered; i++ {
		b.metrics.routed()
	}
	for range result.Failed {
		b.metrics.failed()
	}
	return result, nil
}

// Request sends a req envelope to peer/handler and resolves with the
// handler's response data, or rejects as classified.
func (b *Bus) Request(ctx context.Context, peer, handler string, data any, opts RequestOptions) (any, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if err := b.checkPayloadSize(data); err != nil {
		return nil, err
	}
	if _, ok := b.router.GetPeer(peer); !ok {
		return nil, xerrors.New(xerrors.PeerNotFound, map[string]any{"peerId": peer})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultRequestTimeout
	}

	id, ch, err := b.pending.Create(peer, handler, core.PendingOptions{
		Timeout:      timeout,
		DefaultValue: opts.DefaultValue,
		HasDefault:   opts.HasDefault,
	})
	if err != nil {
		return nil, err
	}

	payload := types.RequestPayload{Name: handler, Data: data, Source: types.Source{PeerID: b.selfID}, Dest: peer}
	transformed := b.outboundHooks.Run(ctx, payload, core.HookContext{Kind: string(types.KindRequest), Direction: core.DirectionOutbound, PeerID: peer, HandlerName: handler})

	env := types.NewEnvelope(types.KindRequest, transformed, nil)
	env.ID = id
	result := b.router.Route(peer, env, types.KindRequest, true)
	if result.Error != nil {
		b.pending.Reject(id, result.Error)
	} else {
		b.metrics.sent()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			if xerrors.Is(res.Err, xerrors.ResponseTimeout) {
				b.metrics.timedOut()
			}
			return nil, res.Err
		}
		return res.Data, nil
	case <-ctx.Done():
		b.pending.Cancel(id)
		return nil, ctx.Err()
	}
}

// BroadcastRequestResult is one peer's outcome within a fan-out request.
type BroadcastRequestResult struct {
	Data    any
	Err     error
	Success bool
}

// BroadcastRequest fans a request out to every connected peer (except
// opts.Exclude) and collects each peer's outcome.
func (b *Bus) BroadcastRequest(ctx context.Context, handler string, data any, opts BroadcastRequestOptions) (map[string]BroadcastRequestResult, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if err := b.checkPayloadSize(data); err != nil {
		return nil, err
	}
	peers := b.router.Peers()

	results := make(map[string]BroadcastRequestResult, len(peers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		if p.Status != types.StatusConnected {
			continue
		}
		if opts.Exclude != nil {
			if _, excluded := opts.Exclude[p.ID]; excluded {
				continue
			}
		}
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			respData, err := b.Request(ctx, peerID, handler, data, RequestOptions{Timeout: opts.Timeout})
			mu.Lock()
			if err != nil {
				results[peerID] = BroadcastRequestResult{Err: err}
			} else {
				results[peerID] = BroadcastRequestResult{Data: respData, Success: true}
			}
			mu.Unlock()
		}(p.ID)
	}
	wg.Wait()

	if !opts.IgnoreErrors {
		for _, r := range results {
			if r.Err != nil {
				return results, r.Err
			}
		}
	}
	return results, nil
}

// Handle registers a request handler. Returns an unregister callable;
// re-registering an existing name fails with handler-exists.
func (b *Bus) Handle(name string, fn HandlerFunc, opts HandleOptions) (func(), error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if _, exists := b.handlers[name]; exists {
		b.mu.Unlock()
		return nil, xerrors.New(xerrors.HandlerExists, map[string]any{"name": name})
	}
	b.handlers[name] = &registeredHandler{fn: fn, security: opts.toSecurity()}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, name)
		b.mu.Unlock()
	}, nil
}

// AddInboundHook attaches a transform to the inbound pipeline.
func (b *Bus) AddInboundHook(fn core.Hook, priority int) { b.inboundHooks.Add(fn, priority) }

// AddOutboundHook attaches a transform to the outbound pipeline.
func (b *Bus) AddOutboundHook(fn core.Hook, priority int) { b.outboundHooks.Add(fn, priority) }

// AddPeer registers a peer in the router's registry.
func (b *Bus) AddPeer(entry *types.PeerEntry) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if entry.Status == "" {
		entry.Status = types.StatusConnected
	}
	return b.router.AddPeer(entry)
}

// RemovePeer deregisters a peer, rejecting every request addressed to it
// and telling the presence manager it has left.
func (b *Bus) RemovePeer(id string) {
	b.router.RemovePeer(id)
	b.pending.CancelForPeer(id)
	b.presence.Handle(types.PresencePayload{Subtype: types.PresenceLeave, PeerID: id, Timestamp: time.Now().UnixMilli()})
}

// GetPeer returns the registered entry for id, if any.
func (b *Bus) GetPeer(id string) (*types.PeerEntry, bool) { return b.router.GetPeer(id) }

// Transport is the facade-facing transport contract (re-exported from
// core so callers implementing one don't need the core import path).
type Transport = core.Transport

// AddTransport wires a transport's inbound stream to HandleMessage and
// returns an unsubscribe callable that stops consuming and closes the
// transport.
func (b *Bus) AddTransport(t Transport, origin, peerID string) (func(), error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := peerID
	if key == "" {
		key = uuid.NewString()
	}
	b.transportsMu.Lock()
	b.transports[key] = &transportHandle{t: t, cancel: cancel}
	b.transportsMu.Unlock()

	go func() {
		ch := t.Listen()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				b.HandleMessage(env, origin, peerID, func(resp types.Envelope) error {
					return t.Send(resp)
				})
			}
		}
	}()

	return func() {
		b.transportsMu.Lock()
		delete(b.transports, key)
		b.transportsMu.Unlock()
		cancel()
		_ = t.Close()
	}, nil
}

func (b *Bus) sendHandshake(target string, env types.Envelope) error {
	res := b.router.Route(target, env, env.Kind, true)
	return res.Error
}

func (b *Bus) sendPresence(p types.PresencePayload) {
	b.router.Broadcast(p, types.KindPresence, core.BroadcastOptions{})
}

// HandleMessage is the entry point for every transport-received
// envelope: rejects ids already recorded in the router's LRU seen-cache,
// validates origin, runs the inbound hooks on the payload, and
// dispatches by kind. It takes an already-typed Envelope as delivered
// by the transport; it does not convert the short {id,t,ts,seq,p}
// transport-wrapper shape, and it does not unwrap an envelope nested
// inside another envelope's payload.
func (b *Bus) HandleMessage(env types.Envelope, origin, peerID string, reply func(types.Envelope) error) {
	if b.checkAlive() != nil {
		return
	}
	if b.router.Seen(env.ID) {
		b.log.Debugf("dropping duplicate envelope %s from %s", env.ID, peerID)
		return
	}
	if !b.origin.IsAllowed(origin) {
		b.log.Warnf("rejected message from disallowed origin %q", origin)
		return
	}

	env.Payload = b.inboundHooks.Run(context.Background(), env.Payload, core.HookContext{Kind: string(env.Kind), Direction: core.DirectionInbound, PeerID: peerID})

	switch env.Kind {
	case types.KindSignal, types.KindBroadcast:
		b.dispatchSignal(env, peerID)
	case types.KindRequest:
		b.dispatchRequest(env, peerID, reply)
	case types.KindResponse:
		b.dispatchResponse(env)
	case types.KindHandshakeInit:
		b.dispatchHandshakeInit(env, origin, reply)
	case types.KindHandshakeAck:
		b.dispatchHandshakeAck(env, reply)
	case types.KindHandshakeDone:
		b.dispatchHandshakeDone(env)
	case types.KindPresence:
		b.dispatchPresence(env)
	case types.KindStream:
		b.dispatchStream(env)
	default:
		b.log.Warnf("unhandled envelope kind %q", env.Kind)
	}
}

func (b *Bus) dispatchSignal(env types.Envelope, peerID string) {
	payload, ok := env.Payload.(types.SignalPayload)
	if !ok {
		return
	}
	vc, _ := env.Meta["vc"].(map[string]uint64)
	if vc == nil {
		// Sender attached no vector clock (e.g. a raw local signal echoed
		// from a non-causal source); deliver immediately, un-ordered.
		b.emitter.Emit(payload.Name, payload.Data)
		return
	}
	b.causal.Receive(peerID, vc, payload)
}

func (b *Bus) deliverCausal(sender string, value any) {
	payload, ok := value.(types.SignalPayload)
	if !ok {
		return
	}
	b.emitter.Emit(payload.Name, payload.Data)
}

func (b *Bus) overflowCausal(sender string, value any) {
	b.log.Warnf("causal buffer overflow, dropping message from %s", sender)
}

func (b *Bus) dispatchRequest(env types.Envelope, peerID string, reply func(types.Envelope) error) {
	payload, ok := env.Payload.(types.RequestPayload)
	if !ok {
		return
	}

	b.mu.Lock()
	h, exists := b.handlers[payload.Name]
	b.mu.Unlock()

	resp := types.ResponsePayload{RequestID: env.ID, Source: types.Source{PeerID: b.selfID}}
	if !exists {
		resp.Error = &types.ResponseError{Code: string(xerrors.NoHandler), Message: xerrors.New(xerrors.NoHandler, nil).Message}
	} else if err := b.checkPayloadSize(payload.Data); err != nil {
		if be, ok := asBusError(err); ok {
			resp.Error = &types.ResponseError{Code: be.Code(), Message: be.Message}
		}
	} else if err := h.allows(peerID, payload.Data); err != nil {
		if be, ok := asBusError(err); ok {
			resp.Error = &types.ResponseError{Code: be.Code(), Message: be.Message}
		}
	} else {
		ctx := context.Background()
		data, err := h.fn(ctx, payload.Data, peerID)
		if err != nil {
			resp.Error = &types.ResponseError{Code: string(xerrors.HandlerError), Message: err.Error()}
		} else {
			resp.Success = true
			resp.Data = data
		}
	}

	transformed := b.outboundHooks.Run(context.Background(), resp, core.HookContext{Kind: string(types.KindResponse), Direction: core.DirectionOutbound, PeerID: peerID})
	out := types.NewEnvelope(types.KindResponse, transformed, nil)
	out.ID = env.ID

	if reply != nil {
		_ = reply(out)
		return
	}
	b.router.Route(peerID, out, types.KindResponse, true)
}

func asBusError(err error) (*xerrors.BusError, bool) {
	be, ok := err.(*xerrors.BusError)
	return be, ok
}

func (b *Bus) dispatchResponse(env types.Envelope) {
	payload, ok := env.Payload.(types.ResponsePayload)
	if !ok {
		return
	}
	if payload.Success {
		b.pending.Resolve(payload.RequestID, true, payload.Data, "", "")
		return
	}
	code, msg := "", ""
	if payload.Error != nil {
		code, msg = payload.Error.Code, payload.Error.Message
	}
	b.pending.Resolve(payload.RequestID, false, nil, code, msg)
}

func (b *Bus) dispatchHandshakeInit(env types.Envelope, origin string, reply func(types.Envelope) error) {
	init, ok := env.Payload.(types.HandshakeInit)
	if !ok {
		return
	}
	ack := b.handshake.HandleInit(init, origin)
	if reply != nil {
		_ = reply(ack)
		return
	}
	b.router.Route(init.PeerID, ack, types.KindHandshakeAck, true)
}

func (b *Bus) dispatchHandshakeAck(env types.Envelope, reply func(types.Envelope) error) {
	ack, ok := env.Payload.(types.HandshakeAck)
	if !ok {
		return
	}
	done, shouldSend := b.handshake.HandleAck(ack)
	if !shouldSend {
		return
	}
	b.metrics.handshake()
	if reply != nil {
		_ = reply(done)
		return
	}
	b.router.Route(ack.PeerID, done, types.KindHandshakeDone, true)
}

func (b *Bus) dispatchHandshakeDone(env types.Envelope) {
	done, ok := env.Payload.(types.HandshakeComplete)
	if !ok {
		return
	}
	if _, success := b.handshake.HandleComplete(done); success {
		b.metrics.handshake()
	}
}

func (b *Bus) dispatchPresence(env types.Envelope) {
	payload, ok := env.Payload.(types.PresencePayload)
	if !ok {
		return
	}
	b.presence.Handle(payload)
}

func (b *Bus) dispatchStream(env types.Envelope) {
	frame, ok := env.Payload.(types.StreamFramePayload)
	if !ok {
		return
	}

	b.mu.Lock()
	reader, exists := b.readers[frame.SID]
	if !exists && frame.Stage == types.StreamOpenFrame {
		reader = core.NewStreamReader(frame, 64)
		b.readers[frame.SID] = reader
		b.mu.Unlock()
		b.metrics.stream()
		b.emitter.Emit("stream:open", reader)
		return
	}
	b.mu.Unlock()
	if !exists {
		return
	}
	if err := reader.Dispatch(frame); err != nil {
		b.log.Errorf("stream dispatch failed for sid %s: %v", frame.SID, err)
	}
	if reader.State() != types.StreamOpen {
		b.mu.Lock()
		delete(b.readers, frame.SID)
		b.mu.Unlock()
	}
}

// OpenStream begins an outbound stream session toward whatever the
// caller's send function reaches (normally a single peer's router route).
func (b *Bus) OpenStream(peer, name string, meta map[string]any, chunkSize int) (*core.StreamWriter, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = b.cfg.DefaultStreamChunkSize
	}
	w, err := core.NewStreamWriter(name, meta, chunkSize, func(env types.Envelope) error {
		res := b.router.Route(peer, env, env.Kind, true)
		return res.Error
	})
	if err != nil {
		return nil, err
	}
	b.metrics.stream()
	return w, nil
}

// Initiate starts a handshake with target, returning a channel resolved
// with the remote peer's info on success or an error on rejection/timeout.
func (b *Bus) Initiate(target string, meta map[string]any, capabilities []string) <-chan core.HandshakeResult {
	return b.handshake.Initiate(target, meta, capabilities)
}

// HealthCheck returns a lightweight liveness snapshot.
func (b *Bus) HealthCheck() HealthStatus {
	b.off.mu.Lock()
	alive := !b.off.done
	b.off.mu.Unlock()
	b.mu.Lock()
	streamCount := len(b.readers)
	b.mu.Unlock()
	return HealthStatus{
		Alive:        alive,
		PeerCount:    b.router.Count(),
		PendingCount: b.pending.Len(),
		StreamCount:  streamCount,
	}
}

// Diagnose returns the fuller structured operator snapshot.
func (b *Bus) Diagnose() Diagnostics {
	health := b.HealthCheck()

	peers := make(map[string]string)
	for _, p := range b.router.Peers() {
		peers[p.ID] = string(p.Status)
	}

	b.mu.Lock()
	handlers := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		handlers = append(handlers, name)
	}
	b.mu.Unlock()

	return Diagnostics{
		HealthStatus:     health,
		SelfID:           b.selfID,
		Peers:            peers,
		Handlers:         handlers,
		InboundHooks:     b.inboundHooks.Len(),
		OutboundHooks:    b.outboundHooks.Len(),
		PresenceSnapshot: b.presence.Snapshot(),
		BufferedCausal:   b.causal.BufferLen(),
		EnvelopesRouted:  b.metrics.envelopesRoutedCount.Load(),
		EnvelopesFailed:  b.metrics.envelopesFailedCount.Load(),
		RequestsSent:     b.metrics.requestsSentCount.Load(),
		RequestsTimedOut: b.metrics.requestsTimedOutCount.Load(),
	}
}

// Destroy idempotently tears the bus down: rejects every pending
// request, stops presence heartbeats, closes every wired transport,
// clears handlers/listeners, and emits a final destroyed signal.
func (b *Bus) Destroy() {
	b.off.mu.Lock()
	if b.off.done {
		b.off.mu.Unlock()
		return
	}
	b.off.done = true
	close(b.off.finished)
	b.off.mu.Unlock()

	b.presence.Stop()
	b.pending.CancelAll()

	b.transportsMu.Lock()
	handles := make([]*transportHandle, 0, len(b.transports))
	for _, h := range b.transports {
		handles = append(handles, h)
	}
	b.transports = make(map[string]*transportHandle)
	b.transportsMu.Unlock()
	for _, h := range handles {
		h.cancel()
		_ = h.t.Close()
	}

	b.mu.Lock()
	b.handlers = make(map[string]*registeredHandler)
	b.readers = make(map[string]*core.StreamReader)
	b.mu.Unlock()

	b.emitter.Emit("bus:destroyed", b.selfID)
	b.emitter.Clear()
}

// Done returns a channel closed once Destroy has completed, for callers
// that want to block until full teardown.
func (b *Bus) Done() <-chan struct{} {
	return b.off.finished
}
