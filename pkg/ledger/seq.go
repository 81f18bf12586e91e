package ledger

import "github.com/develata/notevault/pkg/ids"

// NextSeq returns the next dense, monotonic per-(peer,doc) sequence
// number to assign a new entry, given every existing entry for that
// doc: per (peer_id, doc_id), seq is dense and monotonic starting at 1.
func NextSeq(entries []Entry, peer ids.PeerID) uint64 {
	var max uint64
	for _, e := range entries {
		if e.PeerID == peer && e.Seq > max {
			max = e.Seq
		}
	}
	return max + 1
}
