package syncengine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/reposvc"
)

const testRepo = "notes"

func newTestEngine(t *testing.T) (*Engine, *reposvc.Manager, crypto.RepoKey) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := reposvc.New(dir, testRepo)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	key, err := crypto.GenerateRepoKey()
	require.NoError(t, err)
	mgr.SetRepoKey(key)

	return New(ids.PeerID("local"), mgr), mgr, key
}

// prepareShadow creates an empty, on-disk shadow DB for peer so the
// Repo Manager's OpenDatabase can find and cache it, mirroring what a
// prior handshake/bootstrap would already have done.
func prepareShadow(t *testing.T, mgr *reposvc.Manager, dir string, peer ids.PeerID) {
	t.Helper()
	path := filepath.Join(dir, "remotes", string(peer), testRepo+".redb")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	db, err := repodb.Open(path, testRepo, false)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestHandshakeDiffsVersionVectors(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.vv.Update("A", 10)
	e.vv.Update("B", 5)

	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	remoteVV := map[ids.PeerID]uint64{"A": 5, "B": 10}
	sig := identity.SignHandshake(remoteVV)

	toSend, toRequest, autoApply, err := e.Handshake(identity.PeerID(), identity.Public, sig, remoteVV)
	require.NoError(t, err)
	require.True(t, autoApply)
	require.Len(t, toSend, 1)
	require.Equal(t, "A", string(toSend[0].Peer))
	require.Equal(t, uint64(6), toSend[0].Lo)
	require.Equal(t, uint64(11), toSend[0].Hi)
	require.Len(t, toRequest, 1)
	require.Equal(t, "B", string(toRequest[0].Peer))
	require.Equal(t, uint64(6), toRequest[0].Lo)
	require.Equal(t, uint64(11), toRequest[0].Hi)
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	e, _, _ := newTestEngine(t)
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	remoteVV := map[ids.PeerID]uint64{}
	sig := other.SignHandshake(remoteVV) // signed by the wrong key

	_, _, _, err = e.Handshake(identity.PeerID(), identity.Public, sig, remoteVV)
	require.ErrorIs(t, err, errkind.Denied)
}

func TestGetOpsForSyncReadsLocalPrimaryLog(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	doc := ids.NewDocID()
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "hello")})
		return err
	}))
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 2, Op: ledger.Insert(5, " world")})
		return err
	}))

	envs, err := e.GetOpsForSync(testRepo, proto.SyncRange{Peer: "local", Lo: 1, Hi: 3})
	require.NoError(t, err)
	require.Len(t, envs, 2)

	var w wireOp
	plaintext, err := crypto.Open(key, envs[0].DocID, envs[0].PeerID, crypto.Envelope{Seq: envs[0].Seq, Nonce: envs[0].Nonce, Ciphertext: envs[0].Ciphertext})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(plaintext, &w))
	require.Equal(t, "hello", w.Op.Content)
}

func TestApplyRemoteOpsAppendsAndAdvancesVV(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")

	doc := ids.NewDocID()
	env1, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 1, RepoSeq: 1, Op: ledger.Insert(0, "a")})
	require.NoError(t, err)
	env2, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 2, RepoSeq: 2, Op: ledger.Insert(1, "b")})
	require.NoError(t, err)

	maxApplied, err := e.ApplyRemoteOps(testRepo, []proto.SyncEnvelope{env1, env2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), maxApplied)
	require.Equal(t, uint64(2), e.vv.Get("remote1"))

	handle, err := mgr.OpenDatabase(peerPtr("remote1"), testRepo)
	require.NoError(t, err)
	entries, err := handle.DB.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "ab", ledger.Reconstruct(entries, nil))
}

func TestApplyRemoteOpsCreatesShadowOnFirstContact(t *testing.T) {
	e, mgr, key := newTestEngine(t)

	doc := ids.NewDocID()
	env, err := e.sealEntry(key, "newpeer", ledger.Entry{DocID: doc, PeerID: "newpeer", Seq: 1, RepoSeq: 1, Op: ledger.Insert(0, "hi")})
	require.NoError(t, err)

	// No prepareShadow: the first batch from an unknown peer must create
	// remotes/newpeer/<repo>.redb itself.
	maxApplied, err := e.ApplyRemoteOps(testRepo, []proto.SyncEnvelope{env})
	require.NoError(t, err)
	require.Equal(t, uint64(1), maxApplied)

	peers, err := mgr.ListShadowsOnDisk()
	require.NoError(t, err)
	require.Contains(t, peers, ids.PeerID("newpeer"))

	handle, err := mgr.OpenDatabase(peerPtr("newpeer"), testRepo)
	require.NoError(t, err)
	entries, err := handle.DB.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplyRemoteOpsRejectsGap(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")

	doc := ids.NewDocID()
	env1, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 1, RepoSeq: 1, Op: ledger.Insert(0, "a")})
	require.NoError(t, err)
	env3, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 2, RepoSeq: 3, Op: ledger.Insert(1, "c")})
	require.NoError(t, err)

	maxApplied, err := e.ApplyRemoteOps(testRepo, []proto.SyncEnvelope{env1, env3})
	require.ErrorIs(t, err, errkind.VersionGap)
	require.Equal(t, uint64(1), maxApplied)
	require.Equal(t, uint64(1), e.vv.Get("remote1"))
}

func TestManualModeBuffersPendingCount(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")
	e.SetMode(Manual)

	doc := ids.NewDocID()
	var envs []proto.SyncEnvelope
	for i, content := range []string{"a", "b", "c"} {
		env, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: uint64(i + 1), RepoSeq: uint64(i + 1), Op: ledger.Insert(uint64(i), content)})
		require.NoError(t, err)
		envs = append(envs, env)
	}

	e.QueueIncoming(testRepo, envs)
	info := e.PendingInfo()
	require.Equal(t, 3, info.Count)
	require.Len(t, info.Previews, 1)
	require.Equal(t, 3, info.Previews[0].Count)

	handle, err := mgr.OpenDatabase(peerPtr("remote1"), testRepo)
	require.NoError(t, err)
	entries, err := handle.DB.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 0, "manual mode must not touch the shadow log before ConfirmMerge")

	merged, err := e.MergePending()
	require.NoError(t, err)
	require.Equal(t, 3, merged)
	require.Equal(t, 0, e.PendingInfo().Count)
	require.Equal(t, uint64(3), e.vv.Get("remote1"))

	entries, err = handle.DB.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestClearPendingDiscardsBuffer(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")
	e.SetMode(Manual)

	doc := ids.NewDocID()
	env, err := e.sealEntry(key, "remote1", ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 1, RepoSeq: 1, Op: ledger.Insert(0, "a")})
	require.NoError(t, err)
	e.QueueIncoming(testRepo, []proto.SyncEnvelope{env})
	require.Equal(t, 1, e.PendingInfo().Count)

	e.ClearPending()
	require.Equal(t, 0, e.PendingInfo().Count)
	require.Equal(t, uint64(0), e.vv.Get("remote1"))
}

func TestSnapshotBootstrapRoundTrip(t *testing.T) {
	e, mgr, key := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")

	doc := ids.NewDocID()
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "hello world")})
		return err
	}))

	snaps, err := e.GetSnapshotForSync(testRepo, proto.SyncSnapshotRequest{PeerID: "local", RepoID: testRepo})
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	// Re-address the snapshot envelope as if it arrived describing
	// remote1's log, the way a real bootstrap response would. The AAD
	// binds the originating peer-id, so the payload is re-sealed for
	// remote1 rather than only relabelled.
	plaintext, err := crypto.Open(key, doc, "local", crypto.Envelope{Seq: snaps[0].Seq, Nonce: snaps[0].Nonce, Ciphertext: snaps[0].Ciphertext})
	require.NoError(t, err)
	resealed, err := crypto.Seal(key, doc, "remote1", snaps[0].Seq, plaintext)
	require.NoError(t, err)
	snaps[0] = proto.SyncEnvelope{DocID: doc, PeerID: "remote1", Seq: resealed.Seq, Nonce: resealed.Nonce, Ciphertext: resealed.Ciphertext}

	require.NoError(t, e.ApplyRemoteSnapshot(testRepo, snaps))

	handle, err := mgr.OpenDatabase(peerPtr("remote1"), testRepo)
	require.NoError(t, err)
	entries, err := handle.DB.OpsForDoc(doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "hello world", ledger.Reconstruct(entries, nil))
}

func TestMergePeerConflictWithNoCommonBase(t *testing.T) {
	e, mgr, _ := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")

	doc := ids.NewDocID()
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "abc")})
		return err
	}))
	handle, err := mgr.OpenDatabase(peerPtr("remote1"), testRepo)
	require.NoError(t, err)
	_, err = handle.DB.Append(ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 1, Op: ledger.Insert(0, "abd")})
	require.NoError(t, err)

	result, err := e.MergePeer(testRepo, doc, "remote1")
	require.NoError(t, err)
	require.False(t, result.Merged)
	require.NotNil(t, result.Conflict)
	require.Equal(t, "", result.Conflict.Base)
	require.Equal(t, "abc", result.Conflict.Local)
	require.Equal(t, "abd", result.Conflict.Remote)
}

func TestMergePeerNoOpWhenIdentical(t *testing.T) {
	e, mgr, _ := newTestEngine(t)
	dir := mgrLedgerDir(t, mgr)
	prepareShadow(t, mgr, dir, "remote1")

	doc := ids.NewDocID()
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		_, err := db.Append(ledger.Entry{DocID: doc, PeerID: "local", Seq: 1, Op: ledger.Insert(0, "same")})
		return err
	}))
	handle, err := mgr.OpenDatabase(peerPtr("remote1"), testRepo)
	require.NoError(t, err)
	_, err = handle.DB.Append(ledger.Entry{DocID: doc, PeerID: "remote1", Seq: 1, Op: ledger.Insert(0, "same")})
	require.NoError(t, err)

	result, err := e.MergePeer(testRepo, doc, "remote1")
	require.NoError(t, err)
	require.True(t, result.Merged)
	require.Nil(t, result.Conflict)
}

func peerPtr(p ids.PeerID) *ids.PeerID { return &p }

// mgrLedgerDir recovers the ledger directory a Manager was built with,
// by asking it where the main repo lives and trimming the suffix. The
// tests need this to hand-craft shadow DB files the way a real sync
// bootstrap would have left them.
func mgrLedgerDir(t *testing.T, mgr *reposvc.Manager) string {
	t.Helper()
	var dir string
	require.NoError(t, mgr.RunOnLocalRepo(testRepo, func(db *repodb.RepoDB) error {
		dir = filepath.Dir(filepath.Dir(db.Path)) // strip "<name>.redb" then "local/"
		return nil
	}))
	return dir
}
