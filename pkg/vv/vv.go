// Package vv implements the version vector used by the sync engine to
// decide what each side of a handshake needs.
package vv

import (
	"sort"
	"sync"

	"github.com/develata/notevault/pkg/ids"
)

// VersionVector maps peer-id to the highest seq seen from that peer.
// Reading an unknown peer returns 0 on both sides of a diff, so peers
// never need to be pre-registered. Safe for concurrent use.
type VersionVector struct {
	mu sync.RWMutex
	m  map[ids.PeerID]uint64
}

// New returns an empty version vector.
func New() *VersionVector {
	return &VersionVector{m: make(map[ids.PeerID]uint64)}
}

// Get returns the max seq recorded for peer, or 0 if unknown.
func (v *VersionVector) Get(peer ids.PeerID) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.m[peer]
}

// Update advances peer's entry to seq if seq is greater than what's
// recorded (monotonic max); it never moves backward.
func (v *VersionVector) Update(peer ids.PeerID, seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seq > v.m[peer] {
		v.m[peer] = seq
	}
}

// Snapshot returns a plain copy of the vector's contents, for
// serialization onto the wire or into a handshake signature payload.
func (v *VersionVector) Snapshot() map[ids.PeerID]uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[ids.PeerID]uint64, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// Merge component-wise maxes other into v.
func (v *VersionVector) Merge(other map[ids.PeerID]uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for peer, seq := range other {
		if seq > v.m[peer] {
			v.m[peer] = seq
		}
	}
}

// Range is a half-open [Lo, Hi) window of repo-scoped seq a peer needs
// for a given doc's originator.
type Range struct {
	Peer ids.PeerID
	Lo   uint64
	Hi   uint64
}

// Diff compares v (local) against remote and returns, for each peer
// known to either side, the half-open range the remote side is missing
// (WeSend) and the range the local side is missing (WeRequest). Unknown
// peers are treated as 0 on both sides.
func Diff(local, remote map[ids.PeerID]uint64) (weSend, weRequest []Range) {
	peers := make(map[ids.PeerID]struct{}, len(local)+len(remote))
	for p := range local {
		peers[p] = struct{}{}
	}
	for p := range remote {
		peers[p] = struct{}{}
	}

	ordered := make([]ids.PeerID, 0, len(peers))
	for p := range peers {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, p := range ordered {
		ours := local[p]
		theirs := remote[p]
		if ours > theirs {
			weSend = append(weSend, Range{Peer: p, Lo: theirs + 1, Hi: ours + 1})
		}
		if theirs > ours {
			weRequest = append(weRequest, Range{Peer: p, Lo: ours + 1, Hi: theirs + 1})
		}
	}
	return weSend, weRequest
}

// Diff compares v against a remote vector snapshot and returns the
// ranges each side needs.
func (v *VersionVector) Diff(remote map[ids.PeerID]uint64) (weSend, weRequest []Range) {
	return Diff(v.Snapshot(), remote)
}
