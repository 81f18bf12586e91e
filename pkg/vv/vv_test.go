package vv

import (
	"testing"

	"github.com/develata/notevault/pkg/ids"
	"github.com/stretchr/testify/require"
)

func TestDiffHalfOpenRanges(t *testing.T) {
	local := map[ids.PeerID]uint64{"A": 10, "B": 5}
	remote := map[ids.PeerID]uint64{"A": 5, "B": 10}

	weSend, weRequest := Diff(local, remote)

	require.Equal(t, []Range{{Peer: "A", Lo: 6, Hi: 11}}, weSend)
	require.Equal(t, []Range{{Peer: "B", Lo: 6, Hi: 11}}, weRequest)
}

func TestUnknownPeerIsZero(t *testing.T) {
	v := New()
	require.Equal(t, uint64(0), v.Get("ghost"))
}

func TestMergeIsComponentWiseMaxAndNoWeNeedAfter(t *testing.T) {
	a := New()
	a.Update("A", 10)
	a.Update("B", 3)

	b := map[ids.PeerID]uint64{"A": 4, "B": 9, "C": 2}
	a.Merge(b)

	merged := a.Snapshot()
	for peer, seq := range b {
		require.GreaterOrEqual(t, merged[peer], seq)
	}

	_, weRequest := Diff(merged, b)
	require.Empty(t, weRequest)
}

func TestUpdateIsMonotonic(t *testing.T) {
	v := New()
	v.Update("A", 10)
	v.Update("A", 3)
	require.Equal(t, uint64(10), v.Get("A"))
}
