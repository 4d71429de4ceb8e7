package core

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crossbus-go/bus/pkg/bus/definition"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

const lastSeenCacheSize = 8192

// PresenceEvent is the local signal name emitted for join/leave/update
// transitions; the emitter's wildcard "presence:*" catches all three.
const (
	EventPresenceJoin   = "presence:join"
	EventPresenceLeave  = "presence:leave"
	EventPresenceUpdate = "presence:update"
)

type presenceState struct {
	online   bool
	lastSeen time.Time
}

// PresenceManager runs heartbeat/cleanup cadences and classifies inbound
// presence messages into join/leave/update transitions.
type PresenceManager struct {
	mu       sync.Mutex
	selfID   string
	states   *lru.Cache[string, *presenceState]
	interval time.Duration
	timeout  time.Duration
	emitter  *Emitter
	log      definition.Logger
	send     func(types.PresencePayload)

	stop chan struct{}
	once sync.Once
}

// NewPresenceManager builds a manager for selfID, broadcasting presence
// payloads through send.
func NewPresenceManager(selfID string, interval, timeout time.Duration, emitter *Emitter, log definition.Logger, send func(types.PresencePayload)) *PresenceManager {
	cache, _ := lru.New[string, *presenceState](lastSeenCacheSize)
	return &PresenceManager{
		selfID:   selfID,
		states:   cache,
		interval: interval,
		timeout:  timeout,
		emitter:  emitter,
		log:      log,
		send:     send,
		stop:     make(chan struct{}),
	}
}

// Start broadcasts a join message then runs the heartbeat/cleanup loop
// on the configured interval until Stop is called.
func (m *PresenceManager) Start() {
	m.send(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: m.selfID, Timestamp: time.Now().UnixMilli()})

	if m.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.send(types.PresencePayload{Subtype: types.PresenceHeartbeat, PeerID: m.selfID, Timestamp: time.Now().UnixMilli()})
				m.sweep()
			}
		}
	}()
}

// Stop halts the heartbeat/cleanup loop. Idempotent.
func (m *PresenceManager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// sweep marks any peer whose last-seen exceeds the timeout as offline,
// emitting a leave event for each.
func (m *PresenceManager) sweep() {
	if m.timeout <= 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	var stale []string
	for _, key := range m.states.Keys() {
		st, ok := m.states.Peek(key)
		if !ok || !st.online {
			continue
		}
		if now.Sub(st.lastSeen) > m.timeout {
			st.online = false
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()

	for _, peerID := range stale {
		m.emitter.Emit(EventPresenceLeave, peerID)
	}
}

// Handle classifies and applies an inbound presence message. Own
// messages are ignored. A transition from unknown/offline to online
// emits join; explicit leave or stale eviction emits leave; heartbeat/
// update from a known live peer emits update.
//
// A courtesy heartbeat reply is sent only in response to join, never to
// a plain heartbeat/update.
func (m *PresenceManager) Handle(msg types.PresencePayload) {
	if msg.PeerID == m.selfID {
		return
	}

	m.mu.Lock()
	st, known := m.states.Get(msg.PeerID)
	if !known {
		st = &presenceState{}
		m.states.Add(msg.PeerID, st)
	}
	wasOnline := st.online

	switch msg.Subtype {
	case types.PresenceLeave:
		st.online = false
		m.mu.Unlock()
		m.emitter.Emit(EventPresenceLeave, msg.PeerID)
		return
	case types.PresenceJoin:
		st.online = true
		st.lastSeen = time.Now()
		m.mu.Unlock()
		if !wasOnline {
			m.emitter.Emit(EventPresenceJoin, msg.PeerID)
		}
		m.send(types.PresencePayload{Subtype: types.PresenceHeartbeat, PeerID: m.selfID, Timestamp: time.Now().UnixMilli()})
		return
	case types.PresenceHeartbeat, types.PresenceUpdate:
		st.online = true
		st.lastSeen = time.Now()
		m.mu.Unlock()
		if !wasOnline {
			m.emitter.Emit(EventPresenceJoin, msg.PeerID)
		} else {
			m.emitter.Emit(EventPresenceUpdate, msg.PeerID)
		}
		return
	default:
		m.mu.Unlock()
	}
}

// Snapshot returns the known peer ids and their online state, for
// diagnose().
func (m *PresenceManager) Snapshot() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, key := range m.states.Keys() {
		if st, ok := m.states.Peek(key); ok {
			out[key] = st.online
		}
	}
	return out
}
