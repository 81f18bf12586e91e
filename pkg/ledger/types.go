// Package ledger holds the pure, storage-independent pieces of the op
// log: the operation and entry types, text reconstruction by
// folding ops, and the character-level diff used to turn a whole-file
// replacement into a minimal sequence of ops. Persistence (the
// seq→entry and docid→{seq} tables) lives in pkg/repodb, which calls
// into this package rather than duplicating the fold/diff logic.
package ledger

import (
	"github.com/develata/notevault/pkg/ids"
)

// OpKind discriminates the two operation shapes an entry can carry.
type OpKind int

const (
	// OpInsert inserts Content at the code-point offset Pos.
	OpInsert OpKind = iota
	// OpDelete removes Len code points starting at offset Pos.
	OpDelete
)

// String names the kind for log fields and metric labels.
func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "insert"
}

// Op is either an Insert{pos, content} or a Delete{pos, len} over UTF-8
// code-point positions. Only the fields relevant to Kind are
// meaningful: Content for OpInsert, Len for OpDelete.
type Op struct {
	Kind    OpKind
	Pos     uint64
	Content string
	Len     uint64
}

// Insert constructs an OpInsert.
func Insert(pos uint64, content string) Op {
	return Op{Kind: OpInsert, Pos: pos, Content: content}
}

// Delete constructs an OpDelete.
func Delete(pos, length uint64) Op {
	return Op{Kind: OpDelete, Pos: pos, Len: length}
}

// Entry is a single LedgerEntry: one op attributed to an
// originator peer at a specific per-(peer,doc) sequence number. Seq is
// dense and monotonic starting at 1 for a given (PeerID, DocID) pair;
// RepoSeq is the separate, repo-scoped sequence assigned by the storage
// layer on append and used as the primary-table key.
type Entry struct {
	DocID       ids.DocID
	PeerID      ids.PeerID
	Seq         uint64
	Op          Op
	TimestampMs int64
	RepoSeq     uint64
}
