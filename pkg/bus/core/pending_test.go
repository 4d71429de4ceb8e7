package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "github.com/crossbus-go/bus/pkg/bus/errors"
)

func TestCreateIDFollowsReqCounterTimestampScheme(t *testing.T) {
	tr := NewPendingTracker(0)
	id, _, err := tr.Create("hub", "echo", PendingOptions{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "req_"))
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
}

// Resolving a pending request delivers its data and clears the table.
func TestResolveDeliversDataAndEmptiesTable(t *testing.T) {
	tr := NewPendingTracker(0)
	id, ch, err := tr.Create("hub", "echo", PendingOptions{})
	require.NoError(t, err)

	tr.Resolve(id, true, map[string]any{"v": 1}, "", "")

	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, map[string]any{"v": 1}, res.Data)
	require.Zero(t, tr.Len())
}

// No handler responds; timeout resolves with
// the caller-supplied default value, and the table is empty afterward.
func TestTimeoutResolvesWithDefaultValue(t *testing.T) {
	tr := NewPendingTracker(0)
	start := time.Now()
	_, ch, err := tr.Create("hub", "x", PendingOptions{
		Timeout:      50 * time.Millisecond,
		DefaultValue: "fallback",
		HasDefault:   true,
	})
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, "fallback", res.Data)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Zero(t, tr.Len())
}

func TestTimeoutWithoutDefaultRejectsWithResponseTimeout(t *testing.T) {
	tr := NewPendingTracker(0)
	_, ch, err := tr.Create("hub", "x", PendingOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	res := <-ch
	require.Error(t, res.Err)
	require.True(t, xerrors.Is(res.Err, xerrors.ResponseTimeout))
}

func TestResolveFailureClassifiesByCode(t *testing.T) {
	tr := NewPendingTracker(0)
	id, ch, err := tr.Create("hub", "x", PendingOptions{})
	require.NoError(t, err)

	tr.Resolve(id, false, nil, string(xerrors.Unauthorized), "nope")

	res := <-ch
	require.True(t, xerrors.Is(res.Err, xerrors.Unauthorized))
}

func TestCancelForPeerRejectsOnlyThatPeersRequests(t *testing.T) {
	tr := NewPendingTracker(0)
	_, chA, _ := tr.Create("peerA", "x", PendingOptions{})
	_, chB, _ := tr.Create("peerB", "x", PendingOptions{})

	tr.CancelForPeer("peerA")

	resA := <-chA
	require.True(t, xerrors.Is(resA.Err, xerrors.PeerDisconnected))
	require.Equal(t, 1, tr.Len())

	tr.CancelAll()
	resB := <-chB
	require.True(t, xerrors.Is(resB.Err, xerrors.Destroyed))
}

func TestMaxPendingRejectsBeyondCapacity(t *testing.T) {
	tr := NewPendingTracker(1)
	_, _, err := tr.Create("hub", "a", PendingOptions{})
	require.NoError(t, err)

	_, _, err = tr.Create("hub", "b", PendingOptions{})
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.MaxPending))
}
