package session

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/metrics"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/scm"
	"github.com/develata/notevault/pkg/syncengine"
)

// countSyncBytes accumulates each envelope's ciphertext size against
// its originator peer's counter.
func countSyncBytes(counter *prometheus.CounterVec, envs []proto.SyncEnvelope) {
	for _, env := range envs {
		counter.WithLabelValues(string(env.PeerID)).Add(float64(len(env.Ciphertext)))
	}
}

func decodeInto[T any](f proto.Frame) (T, error) {
	var v T
	if len(f.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(f.Payload, &v); err != nil {
		return v, errkind.Wrap(errkind.InvalidArgument, "decode "+f.Type, err)
	}
	return v, nil
}

// dispatch routes one decoded frame to its handler. The wire
// type tag is the bare struct name from pkg/proto, set by typeName on
// encode and matched verbatim here.
func (s *Session) dispatch(f proto.Frame) error {
	metrics.FramesTotal.WithLabelValues(f.Type, "in").Inc()
	switch f.Type {
	case "OpenDoc":
		return s.handleOpenDoc(f)
	case "Edit":
		return s.handleEdit(f)
	case "RequestHistory":
		return s.handleRequestHistory(f)
	case "ListDocs":
		return s.handleListDocs(f)
	case "ListShadows":
		return s.handleListShadows(f)
	case "ListRepos":
		return s.handleListRepos(f)
	case "SwitchBranch":
		return s.handleSwitchBranch(f)
	case "SwitchRepo":
		return s.handleSwitchRepo(f)
	case "CreateDoc":
		return s.handleCreateDoc(f)
	case "RenameDoc":
		return s.handleRenameDoc(f)
	case "DeleteDoc":
		return s.handleDeleteDoc(f)
	case "CopyDoc":
		return s.handleCopyDoc(f)
	case "MoveDoc":
		return s.handleMoveDoc(f)
	case "SyncHello":
		return s.handleSyncHello(f)
	case "SyncRequest":
		return s.handleSyncRequest(f)
	case "SyncPush":
		return s.handleSyncPush(f)
	case "SyncSnapshotRequest":
		return s.handleSyncSnapshotRequest(f)
	case "SyncPushSnapshot":
		return s.handleSyncPushSnapshot(f)
	case "GetSyncMode":
		return s.handleGetSyncMode(f)
	case "SetSyncMode":
		return s.handleSetSyncMode(f)
	case "GetPendingOps":
		return s.handleGetPendingOps(f)
	case "ConfirmMerge":
		return s.handleConfirmMerge(f)
	case "DiscardPending":
		return s.handleDiscardPending(f)
	case "MergePeer":
		return s.handleMergePeer(f)
	case "GetChanges":
		return s.handleGetChanges(f)
	case "StageFile":
		return s.handleStageFile(f)
	case "UnstageFile":
		return s.handleUnstageFile(f)
	case "DiscardFile":
		return s.handleDiscardFile(f)
	case "Commit":
		return s.handleCommit(f)
	case "GetCommitHistory":
		return s.handleGetCommitHistory(f)
	case "GetDocDiff":
		return s.handleGetDocDiff(f)
	case "RequestKey":
		return s.handleRequestKey(f)
	case "Ping":
		return s.handlePing(f)
	default:
		return s.send(proto.ErrorMsg{Message: "unknown message type: " + f.Type})
	}
}

// --- Doc content -------------------------------------------------------

func (s *Session) handleOpenDoc(f proto.Frame) error {
	m, err := decodeInto[proto.OpenDoc](f)
	if err != nil {
		return err
	}
	var content string
	var version uint64
	err = s.withDB(func(db *repodb.RepoDB) error {
		entries, err := db.OpsForDoc(m.DocID)
		if err != nil {
			return err
		}
		content = ledger.Reconstruct(entries, nil)
		if len(entries) > 0 {
			version = entries[len(entries)-1].RepoSeq
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.send(proto.Snapshot{DocID: m.DocID, Content: content, Version: version})
}

func (s *Session) handleEdit(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	m, err := decodeInto[proto.Edit](f)
	if err != nil {
		return err
	}

	var seq uint64
	err = s.withDB(func(db *repodb.RepoDB) error {
		entries, err := db.OpsForDoc(m.DocID)
		if err != nil {
			return err
		}
		next := ledger.NextSeq(entries, s.router.localPeer)
		rs, err := db.Append(ledger.Entry{DocID: m.DocID, PeerID: s.router.localPeer, Seq: next, Op: m.Op, TimestampMs: time.Now().UnixMilli()})
		seq = rs
		return err
	})
	if err != nil {
		return err
	}

	_, repo := s.snapshot()
	metrics.LedgerOpsTotal.WithLabelValues(repo, m.Op.Kind.String()).Inc()

	if s.isMainVault() {
		if err := s.router.mainVS.PersistDoc(m.DocID); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", m.DocID.String()).Msg("session: persist edited doc failed")
		}
	}

	out := proto.NewOp{DocID: m.DocID, Op: m.Op, Seq: seq, ClientID: m.ClientID}
	if err := s.send(out); err != nil {
		return err
	}
	s.broadcast(out)
	return nil
}

func (s *Session) handleRequestHistory(f proto.Frame) error {
	m, err := decodeInto[proto.RequestHistory](f)
	if err != nil {
		return err
	}
	var entries []ledger.Entry
	err = s.withDB(func(db *repodb.RepoDB) error {
		es, err := db.OpsForDoc(m.DocID)
		entries = es
		return err
	})
	if err != nil {
		return err
	}
	return s.send(proto.History{DocID: m.DocID, Ops: entries})
}

func (s *Session) handleListDocs(f proto.Frame) error {
	var docs []proto.DocSummary
	err := s.withDB(func(db *repodb.RepoDB) error {
		list, err := db.ListDocs()
		if err != nil {
			return err
		}
		docs = make([]proto.DocSummary, len(list))
		for i, d := range list {
			docs[i] = proto.DocSummary{DocID: d.DocID, Path: d.Path}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.send(proto.DocList{Docs: docs})
}

// --- Navigation ----------------------------------------------------------

func (s *Session) handleListShadows(f proto.Frame) error {
	peers, err := s.router.mgr.ListShadowsOnDisk()
	if err != nil {
		return err
	}
	return s.send(proto.ShadowList{Peers: peers})
}

func (s *Session) handleListRepos(f proto.Frame) error {
	branch, _ := s.snapshot()
	repos, err := s.router.mgr.ListRepos(branch)
	if err != nil {
		return err
	}
	return s.send(proto.RepoList{Repos: repos})
}

func (s *Session) handleSwitchBranch(f proto.Frame) error {
	m, err := decodeInto[proto.SwitchBranch](f)
	if err != nil {
		return err
	}
	prevBranch, prevRepo := s.snapshot()
	s.setActive(m.PeerID, prevRepo)
	if err := s.withDB(func(db *repodb.RepoDB) error { return nil }); err != nil {
		s.setActive(prevBranch, prevRepo)
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	s.resubscribe()
	return s.send(proto.BranchSwitched{PeerID: m.PeerID})
}

func (s *Session) handleSwitchRepo(f proto.Frame) error {
	m, err := decodeInto[proto.SwitchRepo](f)
	if err != nil {
		return err
	}
	prevBranch, prevRepo := s.snapshot()
	s.setActive(prevBranch, m.Name)
	if err := s.withDB(func(db *repodb.RepoDB) error { return nil }); err != nil {
		s.setActive(prevBranch, prevRepo)
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	s.resubscribe()
	return s.send(proto.RepoSwitched{Name: m.Name, Readonly: s.readonly()})
}

// --- Doc lifecycle (main vault only) -------------------------------------
//
// These requests mutate the on-disk vault and then replay the same FS
// Event Handler state machine a real fsnotify event would,
// so an explicit create/rename/delete/copy/move is indistinguishable
// from the corresponding disk change: the handler's own publish calls
// are the notification, not a bespoke ack type.

func (s *Session) handleCreateDoc(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "create_doc requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.CreateDoc](f)
	if err != nil {
		return err
	}
	rel := filepath.ToSlash(m.Name)
	abs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errkind.Wrap(errkind.IO, "create parent dir", err)
	}
	fh, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return s.send(proto.ErrorMsg{Message: "create_doc: " + rel + " already exists"})
		}
		return errkind.Wrap(errkind.IO, "create doc file", err)
	}
	fh.Close()
	return s.router.mainHandler.Handle(rel)
}

func (s *Session) handleRenameDoc(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "rename_doc requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.RenameDoc](f)
	if err != nil {
		return err
	}
	return s.moveFile(m.OldPath, m.NewPath)
}

func (s *Session) handleMoveDoc(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "move_doc requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.MoveDoc](f)
	if err != nil {
		return err
	}
	return s.moveFile(m.Src, m.Dst)
}

func (s *Session) moveFile(oldPath, newPath string) error {
	oldAbs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(oldPath))
	newAbs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(newPath))
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return errkind.Wrap(errkind.IO, "create parent dir", err)
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return errkind.Wrap(errkind.IO, "rename doc file", err)
	}
	return s.router.mainHandler.Handle(filepath.ToSlash(newPath))
}

func (s *Session) handleDeleteDoc(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "delete_doc requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.DeleteDoc](f)
	if err != nil {
		return err
	}
	abs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(m.Path))
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.IO, "delete doc file", err)
	}
	return s.router.mainHandler.Handle(filepath.ToSlash(m.Path))
}

func (s *Session) handleCopyDoc(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "copy_doc requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.CopyDoc](f)
	if err != nil {
		return err
	}
	srcAbs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(m.Src))
	dstAbs := filepath.Join(s.router.vaultRoot, filepath.FromSlash(m.Dst))
	if _, err := os.Stat(dstAbs); err == nil {
		return s.send(proto.ErrorMsg{Message: "copy_doc: " + m.Dst + " already exists"})
	}
	content, err := os.ReadFile(srcAbs)
	if err != nil {
		return errkind.Wrap(errkind.IO, "read copy source", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return errkind.Wrap(errkind.IO, "create parent dir", err)
	}
	if err := os.WriteFile(dstAbs, content, 0o644); err != nil {
		return errkind.Wrap(errkind.IO, "write copy destination", err)
	}
	return s.router.mainHandler.Handle(filepath.ToSlash(m.Dst))
}

// --- Sync ------------------------------------------------------------------

func (s *Session) handleSyncHello(f proto.Frame) error {
	m, err := decodeInto[proto.SyncHello](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)

	timer := metrics.NewTimer()
	toSend, toRequest, _, err := engine.Handshake(m.PeerID, ed25519.PublicKey(m.PubKey), m.Signature, m.Vector)
	timer.ObserveDuration(metrics.SyncHandshakeDuration)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}

	ourVV := engine.VersionVector().Snapshot()
	var sig []byte
	var pub []byte
	if id := s.router.identity; id != nil {
		sig = id.SignHandshake(ourVV)
		pub = []byte(id.Public)
	}
	if err := s.send(proto.SyncHello{PeerID: s.router.localPeer, PubKey: pub, Signature: sig, Vector: ourVV}); err != nil {
		return err
	}

	if len(toRequest) > 0 {
		ranges := make([]proto.SyncRange, len(toRequest))
		for i, r := range toRequest {
			ranges[i] = proto.SyncRange{Peer: r.Peer, Lo: r.Lo, Hi: r.Hi}
		}
		if err := s.send(proto.SyncRequest{Requests: ranges}); err != nil {
			return err
		}
	}

	for _, r := range toSend {
		envs, err := engine.GetOpsForSync(repo, proto.SyncRange{Peer: r.Peer, Lo: r.Lo, Hi: r.Hi})
		if err != nil {
			s.logger.Warn().Err(err).Msg("session: get_ops_for_sync during handshake failed")
			continue
		}
		if len(envs) == 0 {
			continue
		}
		if err := s.send(proto.SyncPush{Ops: envs}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleSyncRequest(f proto.Frame) error {
	m, err := decodeInto[proto.SyncRequest](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)

	var all []proto.SyncEnvelope
	for _, r := range m.Requests {
		envs, err := engine.GetOpsForSync(repo, r)
		if err != nil {
			return s.send(proto.ErrorMsg{Message: err.Error()})
		}
		all = append(all, envs...)
	}
	countSyncBytes(metrics.SyncBytesSent, all)
	return s.send(proto.SyncPush{Ops: all})
}

func (s *Session) handleSyncPush(f proto.Frame) error {
	m, err := decodeInto[proto.SyncPush](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)
	countSyncBytes(metrics.SyncBytesReceived, m.Ops)

	if engine.Mode() == syncengine.Manual {
		engine.QueueIncoming(repo, m.Ops)
		return s.send(engine.PendingInfo())
	}
	if _, err := engine.ApplyRemoteOps(repo, m.Ops); err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return nil
}

func (s *Session) handleSyncSnapshotRequest(f proto.Frame) error {
	m, err := decodeInto[proto.SyncSnapshotRequest](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)
	envs, err := engine.GetSnapshotForSync(repo, m)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.SyncPushSnapshot{Snapshots: envs})
}

func (s *Session) handleSyncPushSnapshot(f proto.Frame) error {
	m, err := decodeInto[proto.SyncPushSnapshot](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)
	if err := engine.ApplyRemoteSnapshot(repo, m.Snapshots); err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return nil
}

func (s *Session) handleGetSyncMode(f proto.Frame) error {
	_, repo := s.snapshot()
	return s.send(proto.SyncModeStatus{Mode: s.router.engineFor(repo).Mode().String()})
}

func (s *Session) handleSetSyncMode(f proto.Frame) error {
	m, err := decodeInto[proto.SetSyncMode](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	engine := s.router.engineFor(repo)
	engine.SetMode(syncengine.ParseSyncMode(m.Mode))
	return s.send(proto.SyncModeStatus{Mode: engine.Mode().String()})
}

func (s *Session) handleGetPendingOps(f proto.Frame) error {
	_, repo := s.snapshot()
	return s.send(s.router.engineFor(repo).PendingInfo())
}

func (s *Session) handleConfirmMerge(f proto.Frame) error {
	_, repo := s.snapshot()
	merged, err := s.router.engineFor(repo).MergePending()
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.MergeComplete{MergedCount: merged})
}

func (s *Session) handleDiscardPending(f proto.Frame) error {
	_, repo := s.snapshot()
	s.router.engineFor(repo).ClearPending()
	return s.send(proto.PendingDiscarded{})
}

func (s *Session) handleMergePeer(f proto.Frame) error {
	m, err := decodeInto[proto.MergePeer](f)
	if err != nil {
		return err
	}
	_, repo := s.snapshot()
	result, err := s.router.engineFor(repo).MergePeer(repo, m.DocID, m.PeerID)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	if result.Conflict != nil {
		metrics.SyncConflictsTotal.WithLabelValues(repo).Inc()
		if err := s.send(*result.Conflict); err != nil {
			return err
		}
		return s.send(*result.Diff)
	}

	var content string
	_ = s.withDB(func(db *repodb.RepoDB) error {
		entries, err := db.OpsForDoc(m.DocID)
		if err != nil {
			return err
		}
		content = ledger.Reconstruct(entries, nil)
		return nil
	})
	return s.send(proto.Snapshot{DocID: m.DocID, Content: content})
}

// --- Source control (main vault only) --------------------------------------

func changeKindToProto(k scm.ChangeKind) proto.ChangeKind {
	switch k {
	case scm.ChangeAdded:
		return proto.ChangeAdded
	case scm.ChangeDeleted:
		return proto.ChangeDeleted
	default:
		return proto.ChangeModified
	}
}

func convertChanges(cs []scm.Change) []proto.Change {
	out := make([]proto.Change, len(cs))
	for i, c := range cs {
		out[i] = proto.Change{Path: c.Path, Kind: changeKindToProto(c.Kind)}
	}
	return out
}

func (s *Session) handleGetChanges(f proto.Frame) error {
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	changes, err := s.router.mainSCM.ListChanges()
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.ChangesList{Staged: convertChanges(changes.Staged), Unstaged: convertChanges(changes.Unstaged)})
}

func (s *Session) handleStageFile(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.StageFile](f)
	if err != nil {
		return err
	}
	if len(m.Paths) > 0 {
		for i, p := range m.Paths {
			if err := s.router.mainSCM.StageFile(p); err != nil {
				return s.send(proto.ErrorMsg{Message: err.Error()})
			}
			if err := s.send(proto.BulkStageProgress{Done: i + 1, Total: len(m.Paths)}); err != nil {
				return err
			}
		}
		return s.send(proto.BulkStageDone{Count: len(m.Paths)})
	}
	if err := s.router.mainSCM.StageFile(m.Path); err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.StageAck{Path: m.Path})
}

func (s *Session) handleUnstageFile(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.UnstageFile](f)
	if err != nil {
		return err
	}
	if len(m.Paths) > 0 {
		for _, p := range m.Paths {
			if err := s.router.mainSCM.UnstageFile(p); err != nil {
				return s.send(proto.ErrorMsg{Message: err.Error()})
			}
		}
		return s.send(proto.BulkStageDone{Count: len(m.Paths)})
	}
	if err := s.router.mainSCM.UnstageFile(m.Path); err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.UnstageAck{Path: m.Path})
}

func (s *Session) handleDiscardFile(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.DiscardFile](f)
	if err != nil {
		return err
	}
	if err := s.router.mainSCM.DiscardFile(m.Path, s.router.localPeer); err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.DiscardAck{Path: m.Path})
}

func (s *Session) handleCommit(f proto.Frame) error {
	if s.readonly() {
		return s.rejectReadonly()
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.Commit](f)
	if err != nil {
		return err
	}
	info, err := s.router.mainSCM.Commit(m.Message, s.router.mainSCM.DefaultResolveContent)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.CommitAck{CommitID: info.ID, Timestamp: info.Timestamp.UnixMilli()})
}

func (s *Session) handleGetCommitHistory(f proto.Frame) error {
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "source control requires the main vault-bound repo"})
	}
	m, err := decodeInto[proto.GetCommitHistory](f)
	if err != nil {
		return err
	}
	commits, err := s.router.mainSCM.ListCommits(m.Limit)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	out := make([]proto.CommitSummary, len(commits))
	for i, c := range commits {
		out[i] = proto.CommitSummary{ID: c.ID, Message: c.Message, Timestamp: c.Timestamp.UnixMilli()}
	}
	return s.send(proto.CommitHistory{Commits: out})
}

func (s *Session) handleGetDocDiff(f proto.Frame) error {
	m, err := decodeInto[proto.GetDocDiff](f)
	if err != nil {
		return err
	}
	if branch, _ := s.snapshot(); branch != nil {
		return s.handleRemoteDocDiff(m.Path)
	}
	if !s.isMainVault() {
		return s.send(proto.ErrorMsg{Message: "doc diff requires the main vault-bound repo"})
	}
	result, err := s.router.mainSCM.DiffDocPath(m.Path)
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}
	return s.send(proto.DocDiff{Path: m.Path, OldContent: result.Old, NewContent: result.New})
}

// handleRemoteDocDiff implements the shadow-branch variant of
// diff_doc_path: the right side is the shadow's current
// reconstruction, the left side comes from the local repo whose
// repo_info matches the shadow's, or empty if no local repo matches
// (new-on-remote).
func (s *Session) handleRemoteDocDiff(path string) error {
	var right string
	var shadowInfo repodb.RepoInfo
	var haveInfo bool
	err := s.withDB(func(db *repodb.RepoDB) error {
		doc, err := db.LookupDocID(path)
		if err != nil {
			return err
		}
		entries, err := db.OpsForDoc(doc)
		if err != nil {
			return err
		}
		right = ledger.Reconstruct(entries, nil)
		if info, infoErr := db.GetRepoInfo(); infoErr == nil {
			shadowInfo, haveInfo = info, true
		}
		return nil
	})
	if err != nil {
		return s.send(proto.ErrorMsg{Message: err.Error()})
	}

	var left string
	if haveInfo {
		left = s.localContentMatching(shadowInfo, path)
	}
	return s.send(proto.DocDiff{Path: path, OldContent: left, NewContent: right})
}

// localContentMatching scans the local branch for a repo whose
// repo_info identifies the same logical repo (same url or uuid)
// and returns its reconstruction of path, or "" if no local repo
// matches or none of them track the path.
func (s *Session) localContentMatching(want repodb.RepoInfo, path string) string {
	reconstruct := func(db *repodb.RepoDB) (string, bool) {
		info, err := db.GetRepoInfo()
		if err != nil {
			return "", false
		}
		sameUUID := want.UUID != "" && info.UUID == want.UUID
		sameURL := want.URL != "" && info.URL == want.URL
		if !sameUUID && !sameURL {
			return "", false
		}
		doc, err := db.LookupDocID(path)
		if err != nil {
			return "", true // same repo, path new on remote
		}
		entries, err := db.OpsForDoc(doc)
		if err != nil {
			return "", true
		}
		return ledger.Reconstruct(entries, nil), true
	}

	var found string
	matched := false
	_ = s.router.mgr.RunOnLocalRepo(s.router.mainRepo, func(db *repodb.RepoDB) error {
		if content, ok := reconstruct(db); ok {
			found, matched = content, true
		}
		return nil
	})
	if matched {
		return found
	}

	names, err := s.router.mgr.ListRepos(nil)
	if err != nil {
		return ""
	}
	for _, name := range names {
		if name == s.router.mainRepo {
			continue
		}
		h, err := s.router.mgr.OpenDatabase(nil, name)
		if err != nil {
			continue
		}
		if content, ok := reconstruct(h.DB); ok {
			return content
		}
	}
	return ""
}

// --- Key exchange / liveness ------------------------------------------------

func (s *Session) handleRequestKey(f proto.Frame) error {
	key, ok := s.router.mgr.RepoKey()
	if !ok {
		return s.send(proto.KeyDenied{Reason: "no repo key configured"})
	}
	return s.send(proto.KeyProvide{RepoKey: key[:]})
}

func (s *Session) handlePing(f proto.Frame) error {
	return s.send(proto.Pong{Version: "notevault", LocalPeer: string(s.router.localPeer)})
}
