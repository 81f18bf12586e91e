package repodb

import (
	"time"

	"github.com/develata/notevault/pkg/ids"
)

// NodeKind discriminates file vs directory entries in the node tree.
type NodeKind int

const (
	NodeFile NodeKind = iota
	NodeDir
)

// NodeMeta is the persisted half of a node-tree entry. A file
// node always carries a DocID; a directory node never does. Path is the
// cached, '/'-joined absolute-in-repo path and must match the parent
// chain; the node tree (pkg/nodetree) is responsible for keeping that
// true as it mutates ParentID/Name and calls PutNodeMeta.
type NodeMeta struct {
	NodeID   ids.NodeID
	Kind     NodeKind
	Name     string
	ParentID ids.NodeID // zero value for the root
	Path     string
	DocID    ids.DocID // zero value for directories
}

// RepoInfo identifies a repository across peers: same
// URL/UUID means the same logical repo, which the source-control layer
// uses to find the local counterpart of a shadow branch.
type RepoInfo struct {
	UUID         string
	URL          string
	RemoteOrigin string
}

// CommitInfo records one commit snapshot.
type CommitInfo struct {
	ID        string
	Message   string
	Timestamp time.Time
}
