package repodb

import (
	"path/filepath"
	"testing"

	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *RepoDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.redb")
	db, err := Open(path, "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendThenReconstruct(t *testing.T) {
	db := openTestDB(t)
	doc := ids.NewDocID()
	peer := ids.PeerID("peerA")

	_, err := db.Append(ledger.Entry{DocID: doc, PeerID: peer, Seq: 1, Op: ledger.Insert(0, "hello")})
	require.NoError(t, err)

	entries, err := db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := ledger.Reconstruct(entries, nil)
	require.Empty(t, ledger.Diff("hello", got))
}

func TestOpsInSeqRangeNoGaps(t *testing.T) {
	db := openTestDB(t)
	doc := ids.NewDocID()
	peer := ids.PeerID("peerA")

	var repoSeqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := db.Append(ledger.Entry{DocID: doc, PeerID: peer, Seq: uint64(i + 1), Op: ledger.Insert(0, "x")})
		require.NoError(t, err)
		repoSeqs = append(repoSeqs, seq)
	}

	window, err := db.OpsInSeqRange(repoSeqs[1], repoSeqs[3])
	require.NoError(t, err)
	require.Len(t, window, 3)
	for i := 1; i < len(window); i++ {
		require.Equal(t, window[i-1].RepoSeq+1, window[i].RepoSeq)
	}
}

func TestRenamePreservesHistory(t *testing.T) {
	db := openTestDB(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)

	_, err = db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "hello")})
	require.NoError(t, err)

	require.NoError(t, db.Rename("a.md", "b.md"))

	path, err := db.PathOf(doc)
	require.NoError(t, err)
	require.Equal(t, "b.md", path)

	entries, err := db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello", ledger.Reconstruct(entries, nil))
}

func TestRenameFolderUpdatesDescendants(t *testing.T) {
	db := openTestDB(t)
	_, err := db.CreateDocID("notes/a.md")
	require.NoError(t, err)
	_, err = db.CreateDocID("notes/sub/b.md")
	require.NoError(t, err)
	_, err = db.CreateDocID("notes-other.md")
	require.NoError(t, err)

	require.NoError(t, db.RenameFolder("notes", "archive"))

	docs, err := db.ListDocs()
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, d := range docs {
		paths[d.Path] = true
	}
	require.True(t, paths["archive/a.md"])
	require.True(t, paths["archive/sub/b.md"])
	require.True(t, paths["notes-other.md"], "non-descendant path must be untouched")
	require.False(t, paths["notes/a.md"])
}

func TestSnapshotPruneToDepth(t *testing.T) {
	db := openTestDB(t)
	doc := ids.NewDocID()

	require.NoError(t, db.SaveSnapshot(doc, 1, "s1", 2))
	require.NoError(t, db.SaveSnapshot(doc, 2, "s2", 2))
	require.NoError(t, db.SaveSnapshot(doc, 3, "s3", 2))

	seqs, err := db.SnapshotSeqsForDoc(doc)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, seqs)
}

func TestBindInodeOverwrites(t *testing.T) {
	db := openTestDB(t)
	doc1 := ids.NewDocID()
	doc2 := ids.NewDocID()
	inode := ids.NewInodeID()

	require.NoError(t, db.BindInode(inode, doc1))
	require.NoError(t, db.BindInode(inode, doc2))

	got, ok, err := db.DocIDByInode(inode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc2, got)
}

func TestCommitThenDiffEmpty(t *testing.T) {
	db := openTestDB(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	_, err = db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "hello")})
	require.NoError(t, err)

	require.NoError(t, db.StagePath("a.md"))
	require.NoError(t, db.SaveCommit(CommitInfo{ID: "0001", Message: "first"}, map[ids.DocID]string{doc: "hello"}))
	require.NoError(t, db.ClearStaged())

	staged, err := db.StagedPaths()
	require.NoError(t, err)
	require.Empty(t, staged)

	content, ok, err := db.GetCommittedContent(doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", content)
}
