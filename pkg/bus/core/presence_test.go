package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossbus-go/bus/pkg/bus/definition"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

func newTestPresenceManager(t *testing.T, sent *[]types.PresencePayload, mu *sync.Mutex) (*PresenceManager, *Emitter) {
	t.Helper()
	emitter := NewEmitter("self", definition.NewDefaultLogger())
	mgr := NewPresenceManager("self", 0, 0, emitter, definition.NewDefaultLogger(), func(p types.PresencePayload) {
		mu.Lock()
		*sent = append(*sent, p)
		mu.Unlock()
	})
	return mgr, emitter
}

func TestPresenceJoinEmitsJoinAndRepliesWithHeartbeat(t *testing.T) {
	var sent []types.PresencePayload
	var mu sync.Mutex
	mgr, emitter := newTestPresenceManager(t, &sent, &mu)

	var events []string
	emitter.On("presence:join", func(evt types.SignalEvent) error {
		events = append(events, evt.Data.(string))
		return nil
	}, RegisterOptions{})

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: "peer-a"})

	require.Equal(t, []string{"peer-a"}, events)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	require.Equal(t, types.PresenceHeartbeat, sent[0].Subtype)
}

func TestPresenceHeartbeatFromUnknownPeerIsTreatedAsJoin(t *testing.T) {
	var sent []types.PresencePayload
	var mu sync.Mutex
	mgr, emitter := newTestPresenceManager(t, &sent, &mu)

	var joins, updates int
	emitter.On("presence:join", func(types.SignalEvent) error { joins++; return nil }, RegisterOptions{})
	emitter.On("presence:update", func(types.SignalEvent) error { updates++; return nil }, RegisterOptions{})

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceHeartbeat, PeerID: "peer-b"})
	require.Equal(t, 1, joins)
	require.Equal(t, 0, updates)

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceHeartbeat, PeerID: "peer-b"})
	require.Equal(t, 1, joins)
	require.Equal(t, 1, updates)
}

// A plain heartbeat/update never triggers the courtesy reply that join
// does.
func TestPresenceHeartbeatDoesNotTriggerCourtesyReply(t *testing.T) {
	var sent []types.PresencePayload
	var mu sync.Mutex
	mgr, _ := newTestPresenceManager(t, &sent, &mu)

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: "peer-a"})
	mu.Lock()
	sent = sent[:0]
	mu.Unlock()

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceHeartbeat, PeerID: "peer-a"})

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, sent)
}

func TestPresenceLeaveEmitsLeave(t *testing.T) {
	var sent []types.PresencePayload
	var mu sync.Mutex
	mgr, emitter := newTestPresenceManager(t, &sent, &mu)

	var left []string
	emitter.On("presence:leave", func(evt types.SignalEvent) error {
		left = append(left, evt.Data.(string))
		return nil
	}, RegisterOptions{})

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: "peer-a"})
	mgr.Handle(types.PresencePayload{Subtype: types.PresenceLeave, PeerID: "peer-a"})

	require.Equal(t, []string{"peer-a"}, left)
	require.Equal(t, map[string]bool{"peer-a": false}, mgr.Snapshot())
}

func TestPresenceIgnoresOwnMessages(t *testing.T) {
	var sent []types.PresencePayload
	var mu sync.Mutex
	mgr, emitter := newTestPresenceManager(t, &sent, &mu)

	var calls int
	emitter.On("*", func(types.SignalEvent) error { calls++; return nil }, RegisterOptions{})

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: "self"})

	require.Equal(t, 0, calls)
}

func TestPresenceSweepEvictsStalePeers(t *testing.T) {
	emitter := NewEmitter("self", definition.NewDefaultLogger())
	mgr := NewPresenceManager("self", time.Millisecond, time.Millisecond, emitter, definition.NewDefaultLogger(), func(types.PresencePayload) {})

	var left []string
	var mu sync.Mutex
	emitter.On("presence:leave", func(evt types.SignalEvent) error {
		mu.Lock()
		left = append(left, evt.Data.(string))
		mu.Unlock()
		return nil
	}, RegisterOptions{})

	mgr.Handle(types.PresencePayload{Subtype: types.PresenceJoin, PeerID: "peer-a"})
	mgr.Start()
	defer mgr.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range left {
			if p == "peer-a" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
