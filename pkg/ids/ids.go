// Package ids defines the four identifier kinds that flow through the
// sync engine: doc-id, node-id, inode-id, and peer-id.
//
// Doc-id, node-id, and inode-id are all 128 bits and are backed by
// github.com/google/uuid, the same identifier library the rest of the
// retrieved corpus reaches for. Peer-id is a short string fingerprint of
// an Ed25519 public key (see pkg/crypto) rather than a uuid, since it
// must be derivable by any party holding the public key, not allocated
// centrally.
package ids

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

// DocID uniquely and permanently identifies a logical document. It is
// created once, on first observation or explicit creation, and is never
// reused even after the document is deleted.
type DocID uuid.UUID

// NewDocID allocates a fresh, random doc-id.
func NewDocID() DocID { return DocID(uuid.New()) }

// String renders the canonical dashed form.
func (d DocID) String() string { return uuid.UUID(d).String() }

// IsZero reports whether d is the zero value (never allocated).
func (d DocID) IsZero() bool { return d == DocID{} }

// ParseDocID parses the canonical dashed form produced by String.
func ParseDocID(s string) (DocID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DocID{}, err
	}
	return DocID(u), nil
}

// MarshalText/UnmarshalText let DocID round-trip through JSON (and
// anything else built on encoding.TextMarshaler) as its dashed string
// form instead of a raw byte array.
func (d DocID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DocID) UnmarshalText(b []byte) error {
	parsed, err := ParseDocID(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// NodeID identifies an entry (file or directory) in the node tree. A
// file node's id is derived from its doc-id (same bits) so the
// tree can cross-reference a file node to its ledger doc-id in O(1)
// without a lookup table; a directory node's id is freshly allocated.
type NodeID uuid.UUID

// NewNodeID allocates a fresh node-id, for directory nodes.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

// NodeIDFromDoc derives a file node's id from its doc-id by copying the
// underlying 128 bits.
func NodeIDFromDoc(d DocID) NodeID { return NodeID(d) }

func (n NodeID) String() string { return uuid.UUID(n).String() }
func (n NodeID) IsZero() bool    { return n == NodeID{} }

// ParseNodeID parses the canonical dashed form.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID(u), nil
}

func (n NodeID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// InodeID is a surrogate for OS file identity: device+inode on POSIX, a
// file-index-or-hash elsewhere. It exists purely to detect renames
// across path changes and carries no meaning of its own beyond equality.
type InodeID uuid.UUID

// NewInodeID allocates a synthetic inode-id, for platforms where a
// native device+inode pair isn't available.
func NewInodeID() InodeID { return InodeID(uuid.New()) }

// InodeIDFromDevIno packs a POSIX (device, inode) pair into an InodeID.
// The pair is zero-extended into the UUID's 16 bytes; two files sharing
// device+inode always produce the same InodeID, which is the only
// property bind_inode/docid_by_inode rely on.
func InodeIDFromDevIno(dev, ino uint64) InodeID {
	var id InodeID
	binary.BigEndian.PutUint64(id[0:8], dev)
	binary.BigEndian.PutUint64(id[8:16], ino)
	return id
}

func (n InodeID) String() string { return hex.EncodeToString(n[:]) }
func (n InodeID) IsZero() bool   { return n == InodeID{} }

// PeerID is a short opaque string naming a remote party, derived from
// the fingerprint of its Ed25519 public key. It also names that peer's
// shadow database directory on disk, so it must be filesystem-safe.
type PeerID string

// String satisfies fmt.Stringer for log fields.
func (p PeerID) String() string { return string(p) }
