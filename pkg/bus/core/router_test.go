package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossbus-go/bus/pkg/bus/definition"
	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
	"github.com/crossbus-go/bus/pkg/bus/types"
)

func newTestRouter(t *testing.T) (*Router, *Emitter) {
	t.Helper()
	emitter := NewEmitter("self", definition.NewDefaultLogger())
	return NewRouter(emitter, definition.NewDefaultLogger(), 0), emitter
}

func connectedPeer(id string, send types.SendFunc) *types.PeerEntry {
	return &types.PeerEntry{ID: id, Status: types.StatusConnected, Send: send}
}

func TestAddPeerRejectsDuplicateAndMissingSend(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil })))

	err := r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil }))
	require.True(t, xerrors.Is(err, xerrors.PeerExists))

	err = r.AddPeer(&types.PeerEntry{ID: "b"})
	require.True(t, xerrors.Is(err, xerrors.InvalidMessage))
}

func TestAddPeerEmitsPeerAdded(t *testing.T) {
	r, emitter := newTestRouter(t)
	var got string
	emitter.On("peer:added", func(evt types.SignalEvent) error {
		got = evt.Data.(string)
		return nil
	}, RegisterOptions{})

	require.NoError(t, r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil })))
	require.Equal(t, "a", got)
}

func TestRouteToUnknownPeerFailsWithPeerNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	result := r.Route("ghost", "payload", types.KindSignal, false)
	require.True(t, xerrors.Is(result.Error, xerrors.PeerNotFound))
	require.Equal(t, []string{"ghost"}, result.Failed)
}

func TestRouteToDisconnectedPeerFails(t *testing.T) {
	r, _ := newTestRouter(t)
	entry := connectedPeer("a", func(types.Envelope) error { return nil })
	entry.Status = types.StatusDisconnected
	require.NoError(t, r.AddPeer(entry))

	result := r.Route("a", "payload", types.KindSignal, false)
	require.True(t, xerrors.Is(result.Error, xerrors.PeerDisconnected))
}

func TestRouteStampsSequenceAndDelivers(t *testing.T) {
	r, _ := newTestRouter(t)
	var received types.Envelope
	require.NoError(t, r.AddPeer(connectedPeer("a", func(env types.Envelope) error {
		received = env
		return nil
	})))

	result := r.Route("a", "hello", types.KindSignal, false)
	require.Equal(t, 1, result.Delivered)
	require.Equal(t, "hello", received.Payload)
	require.Equal(t, uint64(1), received.Meta["seq"])

	r.Route("a", "again", types.KindSignal, false)
}

func TestBroadcastExcludesAndAggregatesFailures(t *testing.T) {
	r, _ := newTestRouter(t)
	var mu sync.Mutex
	delivered := map[string]bool{}
	track := func(id string) types.SendFunc {
		return func(types.Envelope) error {
			mu.Lock()
			delivered[id] = true
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, r.AddPeer(connectedPeer("a", track("a"))))
	require.NoError(t, r.AddPeer(connectedPeer("b", track("b"))))
	require.NoError(t, r.AddPeer(connectedPeer("c", func(types.Envelope) error { return xerrors.New(xerrors.SendFailed, nil) })))

	result := r.Broadcast("hi", types.KindBroadcast, BroadcastOptions{Exclude: map[string]struct{}{"b": {}}})

	require.Equal(t, 1, result.Delivered)
	require.Equal(t, []string{"c"}, result.Failed)
	require.True(t, delivered["a"])
	require.False(t, delivered["b"])
}

func TestBroadcastExtraMetaIsMergedOnEveryEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)
	var seen types.Envelope
	require.NoError(t, r.AddPeer(connectedPeer("a", func(env types.Envelope) error {
		seen = env
		return nil
	})))

	r.Broadcast("hi", types.KindBroadcast, BroadcastOptions{ExtraMeta: map[string]any{"vc": map[string]uint64{"a": 1}}})

	require.Equal(t, map[string]uint64{"a": 1}, seen.Meta["vc"])
	require.Contains(t, seen.Meta, "seq")
}

func TestSeenDedupesEnvelopeID(t *testing.T) {
	r, _ := newTestRouter(t)
	require.False(t, r.Seen("id-1"))
	require.True(t, r.Seen("id-1"))
	require.False(t, r.Seen("id-2"))
}

func TestRouteQueuesForDisconnectedPeerWithOfflineCapacity(t *testing.T) {
	r, _ := newTestRouter(t)
	entry := connectedPeer("a", func(types.Envelope) error { return nil })
	entry.Status = types.StatusDisconnected
	entry.OfflineQueueCap = 2
	require.NoError(t, r.AddPeer(entry))

	result := r.Route("a", "hello", types.KindSignal, false)
	require.True(t, xerrors.Is(result.Error, xerrors.PeerDisconnected))
	require.Equal(t, 1, result.Queued)

	stored, ok := r.GetPeer("a")
	require.True(t, ok)
	require.Len(t, stored.OfflineQueue, 1)
	require.Equal(t, "hello", stored.OfflineQueue[0].Payload)
}

func TestReAddingDisconnectedPeerFlushesOfflineQueue(t *testing.T) {
	r, _ := newTestRouter(t)
	entry := connectedPeer("a", func(types.Envelope) error { return nil })
	entry.Status = types.StatusDisconnected
	entry.OfflineQueueCap = 4
	require.NoError(t, r.AddPeer(entry))

	r.Route("a", "first", types.KindSignal, false)
	r.Route("a", "second", types.KindSignal, false)

	var delivered []any
	reconnected := connectedPeer("a", func(env types.Envelope) error {
		delivered = append(delivered, env.Payload)
		return nil
	})
	require.NoError(t, r.AddPeer(reconnected))

	require.Equal(t, []any{"first", "second"}, delivered)

	stored, ok := r.GetPeer("a")
	require.True(t, ok)
	require.Empty(t, stored.OfflineQueue)

	result := r.Route("a", "third", types.KindSignal, false)
	require.Equal(t, 1, result.Delivered)
}

func TestReAddingConnectedPeerStillFailsWithPeerExists(t *testing.T) {
	r, _ := newTestRouter(t)
	require.NoError(t, r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil })))

	err := r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil }))
	require.True(t, xerrors.Is(err, xerrors.PeerExists))
}

func TestRemovePeerEmitsPeerRemoved(t *testing.T) {
	r, emitter := newTestRouter(t)
	require.NoError(t, r.AddPeer(connectedPeer("a", func(types.Envelope) error { return nil })))

	var removed string
	emitter.On("peer:removed", func(evt types.SignalEvent) error {
		removed = evt.Data.(string)
		return nil
	}, RegisterOptions{})

	r.RemovePeer("a")
	require.Equal(t, "a", removed)
	_, ok := r.GetPeer("a")
	require.False(t, ok)
}
