package vaultsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/stretchr/testify/require"
)

func newTestVaultSync(t *testing.T) (*VaultSync, *repodb.RepoDB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "repo.redb")
	db, err := repodb.Open(dbPath, "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vaultRoot := t.TempDir()
	vs := New(db, vaultRoot, "local", 10)
	return vs, db, vaultRoot
}

func TestScanTracksMarkdownFiles(t *testing.T) {
	vs, db, root := newTestVaultSync(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "config"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("skip me"), 0o644))

	require.NoError(t, vs.Scan())

	docs, err := db.ListDocs()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "a.md", docs[0].Path)
}

func TestScanGhostCleansMissingFiles(t *testing.T) {
	vs, db, _ := newTestVaultSync(t)
	_, err := db.CreateDocID("gone.md")
	require.NoError(t, err)

	require.NoError(t, vs.Scan())

	docs, err := db.ListDocs()
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestReconcileDocPullsDiskEdits(t *testing.T) {
	vs, db, root := newTestVaultSync(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("hello world"), 0o644))

	changed, err := vs.ReconcileDoc(doc)
	require.NoError(t, err)
	require.True(t, changed)

	entries, err := db.OpsForDoc(doc)
	require.NoError(t, err)
	require.Equal(t, "hello world", ledger.Reconstruct(entries, nil))

	changed, err = vs.ReconcileDoc(doc)
	require.NoError(t, err)
	require.False(t, changed, "second reconcile with no disk change appends nothing")
}

func TestReconcileDocSavesBoundedSnapshots(t *testing.T) {
	vs, db, root := newTestVaultSync(t)
	vs.snapshotDepth = 2
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)

	for _, content := range []string{"s1", "s2", "s3"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte(content), 0o644))
		changed, err := vs.ReconcileDoc(doc)
		require.NoError(t, err)
		require.True(t, changed)
	}

	seqs, err := db.SnapshotSeqsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, seqs, 2, "snapshots beyond depth are pruned oldest-first")
}

func TestPersistDocWritesLedgerText(t *testing.T) {
	vs, db, root := newTestVaultSync(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	_, err = db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "hello")})
	require.NoError(t, err)

	require.NoError(t, vs.PersistDoc(doc))

	got, err := os.ReadFile(filepath.Join(root, "a.md"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestReconcileDocCRLFNormalized(t *testing.T) {
	vs, db, root := newTestVaultSync(t)
	doc, err := db.CreateDocID("a.md")
	require.NoError(t, err)
	_, err = db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "a\nb")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("a\r\nb"), 0o644))

	changed, err := vs.ReconcileDoc(doc)
	require.NoError(t, err)
	require.False(t, changed, "CRLF-normalized disk text matches ledger text")
}
