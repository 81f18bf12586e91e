package scm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/vaultsync"
)

const testPeer = ids.PeerID("local")

func newTestSCM(t *testing.T) (*SCM, *repodb.RepoDB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "repo.redb")
	db, err := repodb.Open(dbPath, "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vaultRoot := t.TempDir()
	vs := vaultsync.New(db, vaultRoot, testPeer, 10)
	return New(db, vs), db, vaultRoot
}

func appendText(t *testing.T, db *repodb.RepoDB, doc ids.DocID, ops ...ledger.Op) {
	t.Helper()
	entries, err := db.OpsForDoc(doc)
	require.NoError(t, err)
	seq := ledger.NextSeq(entries, testPeer)
	for _, op := range ops {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: testPeer, Seq: seq, Op: op})
		require.NoError(t, err)
		seq++
	}
}

func TestStageUnstageIdempotent(t *testing.T) {
	s, db, _ := newTestSCM(t)

	require.NoError(t, s.StageFile("a.md"))
	require.NoError(t, s.StageFile("a.md"))
	staged, err := db.StagedPaths()
	require.NoError(t, err)
	require.Equal(t, []string{"a.md"}, staged)

	require.NoError(t, s.UnstageFile("a.md"))
	require.NoError(t, s.UnstageFile("a.md"))
	staged, err = db.StagedPaths()
	require.NoError(t, err)
	require.Empty(t, staged)
}

func TestListChangesStagedAddedBeforeFirstCommit(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "hello"))
	require.NoError(t, s.StageFile("a.md"))

	changes, err := s.ListChanges()
	require.NoError(t, err)
	require.Equal(t, []Change{{Path: "a.md", Kind: ChangeAdded}}, changes.Staged)
	require.Empty(t, changes.Unstaged)
}

func TestListChangesClassifiesModifiedAndDeleted(t *testing.T) {
	s, db, _ := newTestSCM(t)

	modDoc, err := db.CreateDocID("mod.md")
	require.NoError(t, err)
	appendText(t, db, modDoc, ledger.Insert(0, "v1"))
	delDoc, err := db.CreateDocID("del.md")
	require.NoError(t, err)
	appendText(t, db, delDoc, ledger.Insert(0, "bye"))

	require.NoError(t, s.StageFiles([]string{"mod.md", "del.md"}))
	_, err = s.Commit("initial", s.DefaultResolveContent)
	require.NoError(t, err)

	appendText(t, db, modDoc, ledger.Insert(2, " edited"))
	appendText(t, db, delDoc, ledger.Delete(0, 3))
	require.NoError(t, s.StageFiles([]string{"mod.md", "del.md"}))

	changes, err := s.ListChanges()
	require.NoError(t, err)
	require.ElementsMatch(t, []Change{
		{Path: "mod.md", Kind: ChangeModified},
		{Path: "del.md", Kind: ChangeDeleted},
	}, changes.Staged)
}

func TestListChangesUnstagedModified(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "v1"))
	require.NoError(t, s.StageFile("a.md"))
	_, err = s.Commit("initial", s.DefaultResolveContent)
	require.NoError(t, err)

	appendText(t, db, doc, ledger.Insert(2, "!"))

	changes, err := s.ListChanges()
	require.NoError(t, err)
	require.Empty(t, changes.Staged)
	require.Equal(t, []Change{{Path: "a.md", Kind: ChangeModified}}, changes.Unstaged)
}

func TestCommitThenListChangesEmpty(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "hello"))
	require.NoError(t, s.StageFile("a.md"))

	info, err := s.Commit("first", s.DefaultResolveContent)
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	require.Equal(t, "first", info.Message)

	changes, err := s.ListChanges()
	require.NoError(t, err)
	require.Empty(t, changes.Staged)
	require.Empty(t, changes.Unstaged)

	diff, err := s.DiffDocPath("a.md")
	require.NoError(t, err)
	require.Equal(t, diff.Old, diff.New)

	committed, ok, err := s.GetCommittedContent(doc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", committed)
}

func TestCommitSkipsVanishedPaths(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("kept.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "kept"))
	require.NoError(t, s.StageFiles([]string{"kept.md", "never-existed.md"}))

	_, err = s.Commit("partial", s.DefaultResolveContent)
	require.NoError(t, err)

	_, ok, err := s.GetCommittedContent(doc)
	require.NoError(t, err)
	require.True(t, ok)

	staged, err := db.StagedPaths()
	require.NoError(t, err)
	require.Empty(t, staged, "commit clears the staged set even for skipped paths")
}

func TestDiscardFileRevertsToLastCommit(t *testing.T) {
	s, db, root := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "hello"))
	require.NoError(t, s.StageFile("a.md"))
	_, err = s.Commit("base", s.DefaultResolveContent)
	require.NoError(t, err)

	appendText(t, db, doc, ledger.Insert(5, " world"))
	before, err := db.OpsForDoc(doc)
	require.NoError(t, err)

	require.NoError(t, s.DiscardFile("a.md", testPeer))

	after, err := db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Greater(t, len(after), len(before), "discard appends reverse ops instead of erasing history")
	require.Equal(t, "hello", ledger.Reconstruct(after, nil))

	got, err := os.ReadFile(filepath.Join(root, "a.md"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestDiffDocPathReportsEdit(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "old"))
	require.NoError(t, s.StageFile("a.md"))
	_, err = s.Commit("base", s.DefaultResolveContent)
	require.NoError(t, err)

	appendText(t, db, doc, ledger.Delete(0, 3), ledger.Insert(0, "new"))

	diff, err := s.DiffDocPath("a.md")
	require.NoError(t, err)
	require.Equal(t, "old", diff.Old)
	require.Equal(t, "new", diff.New)
}

func TestListCommitsMostRecentFirst(t *testing.T) {
	s, db, _ := newTestSCM(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	appendText(t, db, doc, ledger.Insert(0, "v1"))
	require.NoError(t, s.StageFile("a.md"))
	first, err := s.Commit("first", s.DefaultResolveContent)
	require.NoError(t, err)

	appendText(t, db, doc, ledger.Insert(2, " v2"))
	require.NoError(t, s.StageFile("a.md"))
	second, err := s.Commit("second", s.DefaultResolveContent)
	require.NoError(t, err)

	commits, err := s.ListCommits(10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	require.Equal(t, second.ID, commits[0].ID)
	require.Equal(t, first.ID, commits[1].ID)

	limited, err := s.ListCommits(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, second.ID, limited[0].ID)
}
