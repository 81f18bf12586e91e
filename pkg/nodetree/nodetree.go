// Package nodetree holds the in-memory, authoritative node tree for a
// single repo: a flat map of node-id to node, kept consistent under a
// single mutex, emitting a TreeDelta describing every mutation so
// subscribers (the session layer, UI listings) can apply incremental
// updates instead of re-fetching the whole tree.
package nodetree

import (
	"sort"
	"strings"
	"sync"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/repodb"
)

// Node is one entry in the tree: a file or a directory.
type Node struct {
	NodeID     ids.NodeID
	Name       string
	ParentID   ids.NodeID
	HasParent  bool
	Kind       repodb.NodeKind
	ChildIDs   []ids.NodeID
	CachedPath string
	DocID      ids.DocID
	HasDoc     bool
}

func (n Node) isDir() bool { return n.Kind == repodb.NodeDir }

// DeltaKind identifies the shape of a TreeDelta.
type DeltaKind int

const (
	DeltaInit DeltaKind = iota
	DeltaAdd
	DeltaRemove
	DeltaUpdate
)

// TreeDelta is the incremental-update message emitted by every mutating
// operation.
type TreeDelta struct {
	Kind     DeltaKind
	Full     []Node // DeltaInit only
	Node     Node   // DeltaAdd / DeltaUpdate
	NodeID   ids.NodeID
	Removed  []ids.NodeID // DeltaRemove: the node and every descendant removed with it
}

// Tree is the per-repo node tree, held by pkg/reposvc per open repo.
type Tree struct {
	mu    sync.RWMutex
	nodes map[ids.NodeID]Node
}

// New returns an empty tree. Call Init once NodeMeta has been loaded
// from the repo database to populate it.
func New() *Tree {
	return &Tree{nodes: make(map[ids.NodeID]Node)}
}

// Init replaces the whole tree from persisted metadata (cold start) and
// returns the corresponding DeltaInit.
func (t *Tree) Init(metas []repodb.NodeMeta) TreeDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes = make(map[ids.NodeID]Node, len(metas))
	for _, m := range metas {
		n := Node{
			NodeID:     m.NodeID,
			Name:       m.Name,
			Kind:       m.Kind,
			CachedPath: m.Path,
		}
		if m.ParentID != (ids.NodeID{}) {
			n.ParentID, n.HasParent = m.ParentID, true
		}
		if m.DocID != (ids.DocID{}) {
			n.DocID, n.HasDoc = m.DocID, true
		}
		t.nodes[m.NodeID] = n
	}
	t.relinkChildrenLocked()

	return TreeDelta{Kind: DeltaInit, Full: t.snapshotLocked()}
}

// relinkChildrenLocked rebuilds every node's ChildIDs slice from the
// ParentID pointers. Called after Init and after any structural change.
func (t *Tree) relinkChildrenLocked() {
	for id, n := range t.nodes {
		n.ChildIDs = nil
		t.nodes[id] = n
	}
	for id, n := range t.nodes {
		if !n.HasParent {
			continue
		}
		parent := t.nodes[n.ParentID]
		parent.ChildIDs = append(parent.ChildIDs, id)
		t.nodes[n.ParentID] = parent
	}
}

// AddFile inserts a new file node under parentID (root if !hasParent)
// bound to docID.
func (t *Tree) AddFile(nodeID ids.NodeID, parentID ids.NodeID, hasParent bool, name, path string, docID ids.DocID) TreeDelta {
	return t.add(nodeID, parentID, hasParent, name, path, repodb.NodeFile, docID, true)
}

// AddFolder inserts a new directory node under parentID (root if !hasParent).
func (t *Tree) AddFolder(nodeID ids.NodeID, parentID ids.NodeID, hasParent bool, name, path string) TreeDelta {
	return t.add(nodeID, parentID, hasParent, name, path, repodb.NodeDir, ids.DocID{}, false)
}

func (t *Tree) add(nodeID, parentID ids.NodeID, hasParent bool, name, path string, kind repodb.NodeKind, doc ids.DocID, hasDoc bool) TreeDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := Node{NodeID: nodeID, Name: name, Kind: kind, CachedPath: path, DocID: doc, HasDoc: hasDoc}
	if hasParent {
		n.ParentID, n.HasParent = parentID, true
	}
	t.nodes[nodeID] = n
	if hasParent {
		parent := t.nodes[parentID]
		parent.ChildIDs = append(parent.ChildIDs, nodeID)
		t.nodes[parentID] = parent
	}
	return TreeDelta{Kind: DeltaAdd, Node: n}
}

// Remove deletes nodeID and, if it is a directory, every descendant,
// iteratively (no recursion, to bound stack use).
func (t *Tree) Remove(nodeID ids.NodeID) (TreeDelta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, ok := t.nodes[nodeID]
	if !ok {
		return TreeDelta{}, errkind.Wrap(errkind.NotFound, "remove: unknown node", nil)
	}

	var removed []ids.NodeID
	stack := []ids.NodeID{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[id]
		if !ok {
			continue
		}
		removed = append(removed, id)
		stack = append(stack, n.ChildIDs...)
		delete(t.nodes, id)
	}

	if root.HasParent {
		if parent, ok := t.nodes[root.ParentID]; ok {
			parent.ChildIDs = removeID(parent.ChildIDs, nodeID)
			t.nodes[root.ParentID] = parent
		}
	}

	return TreeDelta{Kind: DeltaRemove, NodeID: nodeID, Removed: removed}, nil
}

// Update renames/reparents nodeID, rewriting cached_path for it and
// every descendant whose cached path begins with the old prefix + "/".
func (t *Tree) Update(nodeID ids.NodeID, newParentID ids.NodeID, hasNewParent bool, newName, newPath string) (TreeDelta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return TreeDelta{}, errkind.Wrap(errkind.NotFound, "update: unknown node", nil)
	}

	oldPath := n.CachedPath
	if n.HasParent && (!hasNewParent || n.ParentID != newParentID) {
		if oldParent, ok := t.nodes[n.ParentID]; ok {
			oldParent.ChildIDs = removeID(oldParent.ChildIDs, nodeID)
			t.nodes[n.ParentID] = oldParent
		}
	}

	n.Name, n.CachedPath = newName, newPath
	if hasNewParent {
		n.ParentID, n.HasParent = newParentID, true
	} else {
		n.ParentID, n.HasParent = ids.NodeID{}, false
	}
	t.nodes[nodeID] = n

	if hasNewParent {
		parent := t.nodes[newParentID]
		if !containsID(parent.ChildIDs, nodeID) {
			parent.ChildIDs = append(parent.ChildIDs, nodeID)
			t.nodes[newParentID] = parent
		}
	}

	t.rewriteDescendantPathsLocked(nodeID, oldPath, newPath)

	return TreeDelta{Kind: DeltaUpdate, Node: t.nodes[nodeID]}, nil
}

func (t *Tree) rewriteDescendantPathsLocked(nodeID ids.NodeID, oldPath, newPath string) {
	prefix := oldPath + "/"
	stack := append([]ids.NodeID(nil), t.nodes[nodeID].ChildIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[id]
		if !ok || !strings.HasPrefix(n.CachedPath, prefix) {
			continue
		}
		n.CachedPath = newPath + "/" + strings.TrimPrefix(n.CachedPath, prefix)
		t.nodes[id] = n
		stack = append(stack, n.ChildIDs...)
	}
}

// Children returns id's children ordered: directories
// first, then files, each case-insensitive lexicographic by name.
func (t *Tree) Children(id ids.NodeID) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(parent.ChildIDs))
	for _, cid := range parent.ChildIDs {
		if n, ok := t.nodes[cid]; ok {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].isDir() != out[j].isDir() {
			return out[i].isDir()
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Get returns the node for id.
func (t *Tree) Get(id ids.NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Snapshot returns every node currently in the tree.
func (t *Tree) Snapshot() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

func removeID(list []ids.NodeID, target ids.NodeID) []ids.NodeID {
	out := list[:0]
	for _, id := range list {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(haystack []ids.NodeID, target ids.NodeID) bool {
	for _, id := range haystack {
		if id == target {
			return true
		}
	}
	return false
}
