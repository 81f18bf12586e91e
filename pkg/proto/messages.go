// Package proto defines the JSON-encoded message frames exchanged over
// a session's transport connection. Every message is a plain
// struct with json tags; the envelope-level type tag is carried by the
// Envelope.Message any field (pkg/events) and by the transport-layer
// dispatch in pkg/session, not by a field on these structs themselves.
package proto

import (
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
)

// --- Client -> Server --------------------------------------------------

type OpenDoc struct {
	DocID ids.DocID `json:"doc_id"`
}

type Edit struct {
	DocID    ids.DocID  `json:"doc_id"`
	Op       ledger.Op  `json:"op"`
	ClientID string     `json:"client_id"`
}

type RequestHistory struct {
	DocID ids.DocID `json:"doc_id"`
}

type ListDocs struct{}
type ListShadows struct{}
type ListRepos struct{}

type SwitchBranch struct {
	PeerID *ids.PeerID `json:"peer_id,omitempty"`
}

type SwitchRepo struct {
	Name string `json:"name"`
}

type CreateDoc struct {
	Name string `json:"name"`
}

type RenameDoc struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type DeleteDoc struct {
	Path string `json:"path"`
}

type CopyDoc struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type MoveDoc struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type SyncHello struct {
	PeerID    ids.PeerID       `json:"peer_id"`
	PubKey    []byte           `json:"pub_key"`
	Signature []byte           `json:"signature"`
	Vector    map[ids.PeerID]uint64 `json:"vector"`
}

type SyncRange struct {
	Peer ids.PeerID `json:"peer"`
	Lo   uint64     `json:"lo"`
	Hi   uint64     `json:"hi"`
}

type SyncRequest struct {
	Requests []SyncRange `json:"requests"`
}

type SyncEnvelope struct {
	DocID      ids.DocID  `json:"doc_id"`
	PeerID     ids.PeerID `json:"peer_id"`
	Seq        uint64     `json:"seq"`
	Nonce      [12]byte   `json:"nonce"`
	Ciphertext []byte     `json:"ciphertext"`
}

type SyncPush struct {
	Ops []SyncEnvelope `json:"ops"`
}

type SyncSnapshotRequest struct {
	PeerID ids.PeerID `json:"peer_id"`
	RepoID string     `json:"repo_id"`
}

type SyncPushSnapshot struct {
	Snapshots []SyncEnvelope `json:"snapshots"`
}

type GetSyncMode struct{}

type SetSyncMode struct {
	Mode string `json:"mode"`
}

type GetPendingOps struct{}
type ConfirmMerge struct{}
type DiscardPending struct{}

type MergePeer struct {
	PeerID ids.PeerID `json:"peer_id"`
	DocID  ids.DocID  `json:"doc_id"`
}

type GetChanges struct{}

type StageFile struct {
	Path  string   `json:"path,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

type UnstageFile struct {
	Path  string   `json:"path,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

type DiscardFile struct {
	Path string `json:"path"`
}

type Commit struct {
	Message string `json:"message"`
}

type GetCommitHistory struct {
	Limit int `json:"limit"`
}

type GetDocDiff struct {
	Path string `json:"path"`
}

type RequestKey struct{}

type Ping struct{}

// --- Server -> Client ---------------------------------------------------

type Snapshot struct {
	DocID   ids.DocID `json:"doc_id"`
	Content string    `json:"content"`
	Version uint64    `json:"version"`
}

type NewOp struct {
	DocID    ids.DocID `json:"doc_id"`
	Op       ledger.Op `json:"op"`
	Seq      uint64    `json:"seq"`
	ClientID string    `json:"client_id"`
}

type History struct {
	DocID ids.DocID       `json:"doc_id"`
	Ops   []ledger.Entry  `json:"ops"`
}

type DocSummary struct {
	DocID ids.DocID `json:"doc_id"`
	Path  string    `json:"path"`
}

type DocList struct {
	Docs []DocSummary `json:"docs"`
}

// DocDeleted announces that the watcher observed a tracked file vanish
// from disk.
type DocDeleted struct {
	DocID ids.DocID `json:"doc_id"`
}

type ShadowList struct {
	Peers []ids.PeerID `json:"peers"`
}

type RepoList struct {
	Repos []string `json:"repos"`
}

type BranchSwitched struct {
	PeerID *ids.PeerID `json:"peer_id,omitempty"`
}

type RepoSwitched struct {
	Name     string `json:"name"`
	Readonly bool   `json:"readonly"`
}

type TreeUpdate struct {
	Delta any `json:"delta"`
}

type SyncModeStatus struct {
	Mode string `json:"mode"`
}

type PendingPreview struct {
	DocID ids.DocID `json:"doc_id"`
	Peer  ids.PeerID `json:"peer"`
	Count int        `json:"count"`
}

type PendingOpsInfo struct {
	Count     int              `json:"count"`
	Previews  []PendingPreview `json:"previews"`
}

type MergeComplete struct {
	MergedCount int `json:"merged_count"`
}

type PendingDiscarded struct{}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

type ChangesList struct {
	Staged   []Change `json:"staged"`
	Unstaged []Change `json:"unstaged"`
}

type StageAck struct {
	Path string `json:"path"`
}

type UnstageAck struct {
	Path string `json:"path"`
}

type DiscardAck struct {
	Path string `json:"path"`
}

type BulkStageProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type BulkStageDone struct {
	Count int `json:"count"`
}

type CommitAck struct {
	CommitID  string `json:"commit_id"`
	Timestamp int64  `json:"timestamp"`
}

type CommitSummary struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type CommitHistory struct {
	Commits []CommitSummary `json:"commits"`
}

type DocDiff struct {
	Path       string `json:"path"`
	OldContent string `json:"old_content"`
	NewContent string `json:"new_content"`
}

// Conflict is returned by MergePeer when the peer's shadow log and the
// local doc have diverged in a way that cannot be auto-merged
// instead of auto-applying either side.
type Conflict struct {
	DocID  ids.DocID `json:"doc_id"`
	Base   string    `json:"base"`
	Local  string    `json:"local"`
	Remote string    `json:"remote"`
}

type KeyProvide struct {
	RepoKey []byte `json:"repo_key"`
}

type KeyDenied struct {
	Reason string `json:"reason"`
}

type EditRejected struct {
	Reason string `json:"reason"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

// Pong folds system.rs's node/version info into the Ping reply as
// optional fields, instead of a separate message.
type Pong struct {
	Version    string `json:"version,omitempty"`
	LocalPeer  string `json:"local_peer,omitempty"`
}
