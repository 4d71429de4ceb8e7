package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorClockTickAndSnapshot(t *testing.T) {
	c := NewVectorClock("a")
	require.Equal(t, uint64(0), c.Get("a"))
	c.Tick()
	c.Tick()
	require.Equal(t, uint64(2), c.Get("a"))
	require.Equal(t, map[string]uint64{"a": 2}, c.Snapshot())
}

func TestVectorClockUpdateTakesComponentwiseMax(t *testing.T) {
	c := NewVectorClock("a")
	c.Update(map[string]uint64{"a": 1, "b": 5})
	c.Update(map[string]uint64{"a": 3, "b": 2})
	require.Equal(t, map[string]uint64{"a": 3, "b": 5}, c.Snapshot())
}

// Transitivity: A happens-before B and B happens-before C implies A
// happens-before C.
func TestHappenedBeforeIsTransitive(t *testing.T) {
	a := map[string]uint64{"p1": 1, "p2": 0}
	b := map[string]uint64{"p1": 2, "p2": 1}
	c := map[string]uint64{"p1": 3, "p2": 2}

	require.True(t, HappenedBefore(a, b))
	require.True(t, HappenedBefore(b, c))
	require.True(t, HappenedBefore(a, c))
}

func TestConcurrentClocksAreNeitherOrdered(t *testing.T) {
	a := map[string]uint64{"p1": 1, "p2": 0}
	b := map[string]uint64{"p1": 0, "p2": 1}

	require.True(t, IsConcurrentWith(a, b))
	require.False(t, HappenedBefore(a, b))
	require.False(t, HappenedBefore(b, a))
}

func TestEqualClocksAreNotConcurrent(t *testing.T) {
	a := map[string]uint64{"p1": 1}
	b := map[string]uint64{"p1": 1}
	require.False(t, IsConcurrentWith(a, b))
	require.False(t, HappenedBefore(a, b))
}

// Peer A sends m1 (vc={A:1}) then m2 (vc={A:2});
// at peer C, m2 arrives before m1, but the orderer must still deliver in
// causal order m1, m2.
func TestCausalOrdererReordersOutOfOrderArrival(t *testing.T) {
	local := NewVectorClock("C")
	var mu sync.Mutex
	var delivered []string
	orderer := NewCausalOrderer(local, 0, func(sender string, value any) {
		mu.Lock()
		delivered = append(delivered, value.(string))
		mu.Unlock()
	}, nil)

	orderer.Receive("A", map[string]uint64{"A": 2}, "m2")
	require.Equal(t, 1, orderer.BufferLen())
	orderer.Receive("A", map[string]uint64{"A": 1}, "m1")

	require.Equal(t, []string{"m1", "m2"}, delivered)
	require.Equal(t, 0, orderer.BufferLen())
}

func TestCausalOrdererDeliversImmediatelyInOrder(t *testing.T) {
	local := NewVectorClock("C")
	var delivered []string
	orderer := NewCausalOrderer(local, 0, func(_ string, value any) {
		delivered = append(delivered, value.(string))
	}, nil)

	orderer.Receive("A", map[string]uint64{"A": 1}, "m1")
	orderer.Receive("A", map[string]uint64{"A": 2}, "m2")

	require.Equal(t, []string{"m1", "m2"}, delivered)
}

func TestCausalOrdererOverflowInvokesCallback(t *testing.T) {
	local := NewVectorClock("C")
	var dropped string
	orderer := NewCausalOrderer(local, 1, func(string, any) {}, func(sender string, value any) {
		dropped = value.(string)
	})

	orderer.Receive("A", map[string]uint64{"A": 5}, "future-1")
	orderer.Receive("A", map[string]uint64{"A": 6}, "future-2")

	require.Equal(t, "future-2", dropped)
	require.Equal(t, 1, orderer.BufferLen())
}
