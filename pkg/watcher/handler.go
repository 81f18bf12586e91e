package watcher

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/events"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/nodetree"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/vaultsync"
)

// Handler is the state machine behind every debounced filesystem
// event: given one repo-relative path observed as quiescent, it decides
// whether the path is a delete, a rename, an atomic save, a
// resurrection, a plain reconcile, or a brand new file. Identity checks
// run in precedence order inode > path > content, which minimizes
// false new-file events across editor-specific save patterns.
type Handler struct {
	vs     *vaultsync.VaultSync
	db     *repodb.RepoDB
	tree   *nodetree.Tree
	broker *events.Broker
	logger zerolog.Logger
}

// NewHandler binds a Handler to one repo's VaultSync and node tree.
// broker may be nil, in which case events are computed but not
// published (used by tests and by the one-shot `scan` CLI path).
func NewHandler(vs *vaultsync.VaultSync, tree *nodetree.Tree, broker *events.Broker) *Handler {
	return &Handler{
		vs:     vs,
		db:     vs.DB(),
		tree:   tree,
		broker: broker,
		logger: log.WithRepo(log.WithComponent("watcher"), vs.DB().RepoName),
	}
}

func (h *Handler) publish(msg any) {
	if h.broker == nil {
		return
	}
	h.broker.Publish(&events.Envelope{RepoName: h.db.RepoName, Message: msg})
}

// Handle runs the state machine for one quiescent event on relPath,
// checking the five cases in order.
func (h *Handler) Handle(relPath string) error {
	relPath = filepath.ToSlash(relPath)
	absPath := filepath.Join(h.vs.VaultRoot(), filepath.FromSlash(relPath))

	info, statErr := os.Stat(absPath)
	if os.IsNotExist(statErr) {
		return h.handleAbsent(relPath)
	}
	if statErr != nil {
		return errkind.Wrap(errkind.IO, "stat watched path", statErr)
	}
	if info.IsDir() {
		return nil
	}

	inode, haveInode := vaultsync.InodeOf(info)
	if haveInode {
		if doc, ok, err := h.db.DocIDByInode(inode); err != nil {
			return err
		} else if ok {
			return h.handleKnownInode(doc, relPath)
		}
	}

	if doc, err := h.db.LookupDocID(relPath); err == nil {
		return h.handleAtomicSave(doc, inode, haveInode, relPath)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return errkind.Wrap(errkind.IO, "read new file", err)
	}

	if uuidStr, ok := findRecoveryUUID(content); ok {
		if doc, parseErr := ids.ParseDocID(uuidStr); parseErr == nil {
			if oldPath, pathErr := h.db.PathOf(doc); pathErr == nil {
				return h.handleResurrection(doc, oldPath, relPath, inode, haveInode)
			}
		}
	}

	return h.handleNewFile(relPath, inode, haveInode, content)
}

// handleAbsent implements case 1: the path vanished. Soft-delete the
// path↔id mapping (the op log survives) and emit DocDeleted.
func (h *Handler) handleAbsent(relPath string) error {
	doc, err := h.db.LookupDocID(relPath)
	if err != nil {
		return nil // not tracked; nothing to do
	}
	if err := h.db.Delete(relPath); err != nil {
		return err
	}
	if nodeID, ok, err := h.db.NodeIDByPath(relPath); err == nil && ok {
		if delta, err := h.tree.Remove(nodeID); err == nil {
			h.publish(proto.TreeUpdate{Delta: delta})
		}
		_ = h.db.DeleteNodeMeta(nodeID, relPath)
	}
	h.publish(proto.DocDeleted{DocID: doc})
	return nil
}

// handleKnownInode implements case 2: the inode resolves to a doc we
// already track. A path mismatch is a rename; a match just reconciles.
func (h *Handler) handleKnownInode(doc ids.DocID, relPath string) error {
	storedPath, err := h.db.PathOf(doc)
	if err != nil {
		return err
	}
	if storedPath != relPath {
		if err := h.db.Rename(storedPath, relPath); err != nil {
			return err
		}
		if err := h.updateTreeForRename(doc, storedPath, relPath); err != nil {
			h.logger.Warn().Err(err).Str("doc_id", doc.String()).Msg("tree update after rename failed")
		}
	}
	return h.reconcileAndBroadcast(doc)
}

// handleAtomicSave implements case 3: editors that write-new-then-rename
// leave a fresh inode at a path we already track. Rebind the inode to
// the existing doc-id, then reconcile.
func (h *Handler) handleAtomicSave(doc ids.DocID, inode ids.InodeID, haveInode bool, relPath string) error {
	if haveInode {
		if err := h.db.BindInode(inode, doc); err != nil {
			return err
		}
	}
	return h.reconcileAndBroadcast(doc)
}

// handleResurrection implements case 4: a file with neither a known
// inode nor a known path carries a frontmatter uuid matching a doc we
// still have history for (e.g. a user-restored backup). Treat it as a
// rename of the old path onto the new one.
func (h *Handler) handleResurrection(doc ids.DocID, oldPath, newPath string, inode ids.InodeID, haveInode bool) error {
	if err := h.db.Rename(oldPath, newPath); err != nil {
		return err
	}
	if haveInode {
		if err := h.db.BindInode(inode, doc); err != nil {
			return err
		}
	}
	if err := h.updateTreeForRename(doc, oldPath, newPath); err != nil {
		h.logger.Warn().Err(err).Str("doc_id", doc.String()).Msg("tree update after resurrection failed")
	}
	return h.reconcileAndBroadcast(doc)
}

// handleNewFile implements case 5: nothing recognized this path at all.
// Allocate a doc-id, bind the inode, and record one Insert op for any
// existing content.
func (h *Handler) handleNewFile(relPath string, inode ids.InodeID, haveInode bool, content []byte) error {
	doc, err := h.db.CreateDocID(relPath)
	if err != nil {
		return err
	}
	if haveInode {
		if err := h.db.BindInode(inode, doc); err != nil {
			return err
		}
	}
	if len(content) > 0 {
		if _, err := h.db.Append(ledger.Entry{
			DocID:       doc,
			PeerID:      h.vs.LocalPeer(),
			Seq:         1,
			Op:          ledger.Insert(0, vaultsync.NormalizeNewlines(string(content))),
			TimestampMs: time.Now().UnixMilli(),
		}); err != nil {
			return err
		}
	}
	h.publish(proto.DocSummary{DocID: doc, Path: relPath})
	if err := h.addFileNode(doc, relPath); err != nil {
		h.logger.Warn().Err(err).Str("path", relPath).Msg("tree update for new file failed")
	}
	return nil
}

// reconcileAndBroadcast pulls any on-disk edits into the ledger and, if
// it produced ops, publishes a NewOp carrying the doc's last appended op
// and its repo seq so subscribers can refresh; earlier ops from the same
// reconcile are not published individually. A self-induced persist_doc
// write settles to no diff here, so no separate ignore-next-event flag
// is needed.
func (h *Handler) reconcileAndBroadcast(doc ids.DocID) error {
	changed, err := h.vs.ReconcileDoc(doc)
	if err != nil {
		return err
	}
	if changed {
		entries, err := h.db.OpsForDoc(doc)
		if err == nil && len(entries) > 0 {
			last := entries[len(entries)-1]
			h.publish(proto.NewOp{DocID: doc, Op: last.Op, Seq: last.RepoSeq})
		}
	}
	return nil
}

// addFileNode creates (or moves) the node-tree entry for doc at path,
// creating any missing ancestor directory nodes along the way.
func (h *Handler) addFileNode(doc ids.DocID, relPath string) error {
	parentID, hasParent, err := h.ensureAncestorDirs(path.Dir(relPath))
	if err != nil {
		return err
	}
	nodeID := ids.NodeIDFromDoc(doc)
	name := path.Base(relPath)
	delta := h.tree.AddFile(nodeID, parentID, hasParent, name, relPath, doc)
	meta := repodb.NodeMeta{NodeID: nodeID, Kind: repodb.NodeFile, Name: name, Path: relPath, DocID: doc}
	if hasParent {
		meta.ParentID = parentID
	}
	if err := h.db.PutNodeMeta(meta); err != nil {
		return err
	}
	h.publish(proto.TreeUpdate{Delta: delta})
	return nil
}

// updateTreeForRename moves doc's node (if tracked) to newPath,
// creating ancestor directory nodes for the new location as needed.
func (h *Handler) updateTreeForRename(doc ids.DocID, oldPath, newPath string) error {
	nodeID, ok, err := h.db.NodeIDByPath(oldPath)
	if err != nil {
		return err
	}
	if !ok {
		return h.addFileNode(doc, newPath)
	}
	parentID, hasParent, err := h.ensureAncestorDirs(path.Dir(newPath))
	if err != nil {
		return err
	}
	delta, err := h.tree.Update(nodeID, parentID, hasParent, path.Base(newPath), newPath)
	if err != nil {
		return err
	}
	meta, err := h.db.GetNodeMeta(nodeID)
	if err == nil {
		if err := h.db.DeleteNodeMeta(nodeID, oldPath); err != nil {
			return err
		}
		meta.Name, meta.Path = path.Base(newPath), newPath
		if hasParent {
			meta.ParentID = parentID
		}
		if err := h.db.PutNodeMeta(meta); err != nil {
			return err
		}
	}
	h.publish(proto.TreeUpdate{Delta: delta})
	return nil
}

// ensureAncestorDirs walks dirPath's segments, creating any directory
// node that doesn't already exist, and returns the immediate parent
// node-id for a child at dirPath (the zero value with hasParent=false
// if dirPath is the vault root).
func (h *Handler) ensureAncestorDirs(dirPath string) (ids.NodeID, bool, error) {
	dirPath = strings.Trim(path.Clean(dirPath), "/")
	if dirPath == "." || dirPath == "" {
		return ids.NodeID{}, false, nil
	}

	var parentID ids.NodeID
	hasParent := false
	var built string
	for _, seg := range strings.Split(dirPath, "/") {
		if built == "" {
			built = seg
		} else {
			built = built + "/" + seg
		}
		nodeID, ok, err := h.db.NodeIDByPath(built)
		if err != nil {
			return ids.NodeID{}, false, err
		}
		if !ok {
			nodeID = ids.NewNodeID()
			delta := h.tree.AddFolder(nodeID, parentID, hasParent, seg, built)
			meta := repodb.NodeMeta{NodeID: nodeID, Kind: repodb.NodeDir, Name: seg, Path: built}
			if hasParent {
				meta.ParentID = parentID
			}
			if err := h.db.PutNodeMeta(meta); err != nil {
				return ids.NodeID{}, false, err
			}
			h.publish(proto.TreeUpdate{Delta: delta})
		}
		parentID, hasParent = nodeID, true
	}
	return parentID, hasParent, nil
}
