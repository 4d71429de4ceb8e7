package core

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crossbus-go/bus/pkg/bus/definition"
	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

const seenEnvelopeCacheSize = 4096

// RouteResult is returned by Route and Broadcast.
type RouteResult struct {
	Delivered int
	Queued    int
	Failed    []string
	Error     *xerrors.BusError
}

// Router owns the peer registry and per-peer sequence counters used to
// stamp outgoing envelopes for causal ordering.
type Router struct {
	mu       sync.RWMutex
	peers    map[string]*types.PeerEntry
	sequence map[string]*uint64
	seen     *lru.Cache[string, struct{}]
	emitter  *Emitter
	log      definition.Logger
	maxPeers int
}

// NewRouter builds a router that emits peer-added/peer-removed signals
// through emitter.
func NewRouter(emitter *Emitter, log definition.Logger, maxPeers int) *Router {
	cache, _ := lru.New[string, struct{}](seenEnvelopeCacheSize)
	return &Router{
		peers:    make(map[string]*types.PeerEntry),
		sequence: make(map[string]*uint64),
		seen:     cache,
		emitter:  emitter,
		log:      log,
		maxPeers: maxPeers,
	}
}

// AddPeer registers a new peer entry. Fails with peer-exists when id
// already names a connected peer, and requires a non-nil send function.
// Re-adding the id of a peer that disconnected without being removed is
// treated as a reconnect: the new entry inherits the old one's offline
// queue, which is flushed immediately.
func (r *Router) AddPeer(entry *types.PeerEntry) error {
	if entry.Send == nil {
		return xerrors.New(xerrors.InvalidMessage, map[string]any{"reason": "peer has no send function"})
	}

	r.mu.Lock()
	if existing, exists := r.peers[entry.ID]; exists {
		if existing.Status == types.StatusConnected {
			r.mu.Unlock()
			return xerrors.New(xerrors.PeerExists, map[string]any{"peerId": entry.ID})
		}
		entry.OfflineQueue = existing.OfflineQueue
		if entry.OfflineQueueCap == 0 {
			entry.OfflineQueueCap = existing.OfflineQueueCap
		}
		r.peers[entry.ID] = entry
		if _, ok := r.sequence[entry.ID]; !ok {
			var seq uint64
			r.sequence[entry.ID] = &seq
		}
		r.mu.Unlock()

		r.flushOffline(entry)
		if r.emitter != nil {
			r.emitter.Emit("peer:added", entry.ID)
		}
		return nil
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		return xerrors.New(xerrors.MaxPeers, map[string]any{"max": r.maxPeers})
	}
	r.peers[entry.ID] = entry
	var seq uint64
	r.sequence[entry.ID] = &seq
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.Emit("peer:added", entry.ID)
	}
	return nil
}

// flushOffline re-delivers every envelope queued while peer was
// disconnected, oldest first, logging (and dropping) any that fail to
// send rather than re-queueing them.
func (r *Router) flushOffline(peer *types.PeerEntry) {
	queued := peer.DrainOfflineQueue()
	for _, env := range queued {
		if err := send(peer, env); err != nil {
			r.log.Errorf("flush of queued envelope %s to peer %s failed: %v", env.ID, peer.ID, err)
		}
	}
}

// RemovePeer deregisters a peer and releases its per-peer state.
func (r *Router) RemovePeer(id string) {
	r.mu.Lock()
	_, existed := r.peers[id]
	delete(r.peers, id)
	delete(r.sequence, id)
	r.mu.Unlock()

	if existed && r.emitter != nil {
		r.emitter.Emit("peer:removed", id)
	}
}

// GetPeer returns the registered entry, if any.
func (r *Router) GetPeer(id string) (*types.PeerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Peers returns a snapshot of every registered peer.
func (r *Router) Peers() []*types.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of registered peers.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Seen reports whether envelope id has already been passed to Seen
// (within the LRU cache's horizon), recording it if not. Route and
// Broadcast do not record ids here.
func (r *Router) Seen(id string) bool {
	if r.seen == nil {
		return false
	}
	if r.seen.Contains(id) {
		return true
	}
	r.seen.Add(id, struct{}{})
	return false
}

func (r *Router) nextSequence(peerID string) uint64 {
	r.mu.RLock()
	counter, ok := r.sequence[peerID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.AddUint64(counter, 1)
}

func (r *Router) wrap(payload any, kind types.Kind, peerID string, extraMeta map[string]any) types.Envelope {
	env := types.NewEnvelope(kind, payload, nil)
	meta := map[string]any{"seq": r.nextSequence(peerID)}
	for k, v := range extraMeta {
		meta[k] = v
	}
	env.Meta = meta
	return env
}

// Route delivers a message to a single target peer. When alreadyWrapped
// is true, payload must be a types.Envelope and is sent as-is; otherwise
// it is wrapped in a per-peer envelope. The payload itself is not
// inspected for the protocol marker. A disconnected peer with a non-zero offline queue capacity
// buffers the envelope for delivery on reconnect instead of dropping it
// outright; Route still reports the send as failed either way, since
// delivery hasn't happened yet.
func (r *Router) Route(target string, payload any, kind types.Kind, alreadyWrapped bool) RouteResult {
	r.mu.RLock()
	peer, ok := r.peers[target]
	r.mu.RUnlock()

	if !ok {
		return RouteResult{Failed: []string{target}, Error: xerrors.New(xerrors.PeerNotFound, map[string]any{"peerId": target})}
	}

	var env types.Envelope
	if alreadyWrapped {
		env = payload.(types.Envelope)
	} else {
		env = r.wrap(payload, kind, target, nil)
	}

	if peer.Status != types.StatusConnected {
		queued := 0
		if peer.OfflineQueueCap > 0 {
			r.mu.Lock()
			if peer.Enqueue(env) {
				queued = 1
			}
			r.mu.Unlock()
			r.log.Debugf("peer %s disconnected, queued envelope %s for delivery on reconnect", target, env.ID)
		}
		return RouteResult{Queued: queued, Failed: []string{target}, Error: xerrors.New(xerrors.PeerDisconnected, map[string]any{"peerId": target})}
	}

	if err := send(peer, env); err != nil {
		r.log.Errorf("send to peer %s failed: %v", target, err)
		return RouteResult{Failed: []string{target}, Error: xerrors.Wrap(xerrors.SendFailed, err, map[string]any{"peerId": target})}
	}
	return RouteResult{Delivered: 1}
}

func send(peer *types.PeerEntry, env types.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.SendFailed, map[string]any{"panic": r})
		}
	}()
	return peer.Send(env)
}

// BroadcastOptions filters a broadcast's target set and, via ExtraMeta,
// lets the caller stamp extra envelope metadata (e.g. a vector clock
// snapshot for causal delivery) alongside the router's own sequence.
type BroadcastOptions struct {
	Exclude   map[string]struct{}
	Include   map[string]struct{}
	ExtraMeta map[string]any
}

// Broadcast iterates every connected peer, applies exclude/include
// filters, constructs per-peer envelopes, and aggregates delivery
// results. No retries are performed at this layer.
func (r *Router) Broadcast(payload any, kind types.Kind, opts BroadcastOptions) RouteResult {
	r.mu.RLock()
	targets := make([]*types.PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status != types.StatusConnected {
			continue
		}
		if opts.Exclude != nil {
			if _, excluded := opts.Exclude[p.ID]; excluded {
				continue
			}
		}
		if opts.Include != nil {
			if _, included := opts.Include[p.ID]; !included {
				continue
			}
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	result := RouteResult{}
	for _, peer := range targets {
		env := r.wrap(payload, kind, peer.ID, opts.ExtraMeta)
		if err := send(peer, env); err != nil {
			r.log.Errorf("broadcast to peer %s failed: %v", peer.ID, err)
			result.Failed = append(result.Failed, peer.ID)
			continue
		}
		result.Delivered++
	}
	return result
}
