package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/nodetree"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/vaultsync"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.redb")
	db, err := repodb.Open(dbPath, "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vs := vaultsync.New(db, root, ids.PeerID("local"), 5)
	tree := nodetree.New()
	return NewHandler(vs, tree, nil), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestHandleNewFile(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "notes/a.md", "hello world")

	require.NoError(t, h.Handle("notes/a.md"))

	doc, err := h.db.LookupDocID("notes/a.md")
	require.NoError(t, err)
	entries, err := h.db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	nodeID, ok, err := h.db.NodeIDByPath("notes/a.md")
	require.NoError(t, err)
	require.True(t, ok)
	node, ok := h.tree.Get(nodeID)
	require.True(t, ok)
	require.Equal(t, doc, node.DocID)

	dirID, ok, err := h.db.NodeIDByPath("notes")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = h.tree.Get(dirID)
	require.True(t, ok)
}

func TestHandleReconcileOnKnownInode(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "a.md", "v1")
	require.NoError(t, h.Handle("a.md"))

	writeFile(t, root, "a.md", "v1 edited")
	require.NoError(t, h.Handle("a.md"))

	doc, err := h.db.LookupDocID("a.md")
	require.NoError(t, err)
	entries, err := h.db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1)
}

func TestHandleRenameOnKnownInode(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "old.md", "content")
	require.NoError(t, h.Handle("old.md"))

	doc, err := h.db.LookupDocID("old.md")
	require.NoError(t, err)

	require.NoError(t, os.Rename(
		filepath.Join(root, "old.md"),
		filepath.Join(root, "new.md"),
	))
	require.NoError(t, h.Handle("new.md"))

	gotDoc, err := h.db.LookupDocID("new.md")
	require.NoError(t, err)
	require.Equal(t, doc, gotDoc)

	_, err = h.db.LookupDocID("old.md")
	require.Error(t, err)
}

func TestHandleAbsentDeletesMapping(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "gone.md", "bye")
	require.NoError(t, h.Handle("gone.md"))

	require.NoError(t, os.Remove(filepath.Join(root, "gone.md")))
	require.NoError(t, h.Handle("gone.md"))

	_, err := h.db.LookupDocID("gone.md")
	require.Error(t, err)
}

func TestHandleResurrectionViaRecoveryUUID(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "orig.md", "history")
	require.NoError(t, h.Handle("orig.md"))
	doc, err := h.db.LookupDocID("orig.md")
	require.NoError(t, err)

	// The file disappears without the watcher seeing it, then a restored
	// copy appears elsewhere with neither a known inode nor a known path,
	// carrying only the frontmatter recovery marker.
	require.NoError(t, os.Remove(filepath.Join(root, "orig.md")))
	writeFile(t, root, "restored/copy.md", "uuid: "+doc.String()+"\nhistory")
	require.NoError(t, h.Handle("restored/copy.md"))

	gotDoc, err := h.db.LookupDocID("restored/copy.md")
	require.NoError(t, err)
	require.Equal(t, doc, gotDoc)

	_, err = h.db.LookupDocID("orig.md")
	require.Error(t, err)
}

func TestHandleAtomicSaveRebindsInode(t *testing.T) {
	h, root := newTestHandler(t)
	writeFile(t, root, "atomic.md", "first")
	require.NoError(t, h.Handle("atomic.md"))
	doc, err := h.db.LookupDocID("atomic.md")
	require.NoError(t, err)

	// Simulate an editor's write-new-then-rename: a fresh file replaces
	// atomic.md at the same path with a new inode.
	tmp := filepath.Join(root, "atomic.md.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("second"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(root, "atomic.md")))

	require.NoError(t, h.Handle("atomic.md"))

	gotDoc, err := h.db.LookupDocID("atomic.md")
	require.NoError(t, err)
	require.Equal(t, doc, gotDoc)
}
