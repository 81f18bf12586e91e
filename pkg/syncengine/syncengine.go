// Package syncengine implements the Sync Engine: handshake
// against a remote peer's version vector, range-scoped fetch/apply of
// encrypted op batches, cold-bootstrap snapshots, and the Auto/Manual
// pending-buffer policy. It composes pkg/vv for the diff, pkg/crypto for
// envelope sealing/opening and handshake verification, and
// pkg/reposvc.Manager to resolve which physical database (the local
// repo's own primary log, or a peer's shadow) a given range request
// reads from or writes into.
package syncengine

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/reposvc"
	"github.com/develata/notevault/pkg/vv"
)

// SyncMode selects whether incoming batches apply immediately or land
// in the PendingBuffer for explicit confirmation.
type SyncMode int

const (
	Auto SyncMode = iota
	Manual
)

// String renders the mode the way proto.SyncModeStatus/SetSyncMode
// carry it on the wire.
func (m SyncMode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// ParseSyncMode parses the wire string produced by String, defaulting
// to Auto for anything unrecognized.
func ParseSyncMode(s string) SyncMode {
	if s == "manual" {
		return Manual
	}
	return Auto
}

// Note on "seq" in this package: a LedgerEntry's own identity is the
// triple (doc_id, peer_id, seq) where seq is dense per (peer_id,
// doc_id). The version vector and every wire SyncRange/SyncEnvelope.Seq
// in this package instead track the *repo-scoped* sequence, the
// primary-log storage key, of the peer's own database file,
// since that is what get_ops_for_sync's "read ... in range" operates
// over (pkg/repodb.OpsInSeqRange) and what makes a flat peer→seq vector
// well-defined across every doc that peer has touched. The per-doc
// dense seq is preserved inside the encrypted payload so a shadow DB's
// own Reconstruct still orders each doc's ops correctly.
type wireOp struct {
	Seq         uint64
	Op          ledger.Op
	TimestampMs int64
}

type wireSnapshot struct {
	Content string
	Seq     uint64
}

// pendingBatch is one undecrypted incoming push, held verbatim until a
// Manual-mode session confirms or discards it. The buffer is local to
// one engine instance and never shared.
type pendingBatch struct {
	repoName string
	ops      []proto.SyncEnvelope
}

// Engine is one sync-engine instance, scoped to a single local peer
// identity and Repo Manager.
type Engine struct {
	localPeer ids.PeerID
	mgr       *reposvc.Manager
	vv        *vv.VersionVector
	logger    zerolog.Logger

	mu      sync.Mutex
	mode    SyncMode
	pending []pendingBatch
}

// New returns an Engine for localPeer, backed by mgr, starting with an
// empty version vector and Auto mode.
func New(localPeer ids.PeerID, mgr *reposvc.Manager) *Engine {
	return &Engine{
		localPeer: localPeer,
		mgr:       mgr,
		vv:        vv.New(),
		logger:    log.WithPeer(log.WithComponent("syncengine"), string(localPeer)),
		mode:      Auto,
	}
}

// SetMode changes the Auto/Manual policy (proto.SetSyncMode).
func (e *Engine) SetMode(mode SyncMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// Mode returns the current Auto/Manual policy.
func (e *Engine) Mode() SyncMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// VersionVector exposes the engine's vector, e.g. for a status command
// to print it or for SyncHello to advertise it.
func (e *Engine) VersionVector() *vv.VersionVector { return e.vv }

// Handshake starts a sync exchange: verify the caller's signed
// challenge, diff version vectors, and decide whether the caller should
// auto-apply what it sends.
func (e *Engine) Handshake(remotePeer ids.PeerID, pub ed25519.PublicKey, sig []byte, remoteVV map[ids.PeerID]uint64) (toSend, toRequest []vv.Range, autoApply bool, err error) {
	if !crypto.VerifyHandshake(pub, remotePeer, remoteVV, sig) {
		return nil, nil, false, errkind.Wrap(errkind.Denied, "handshake: signature verification failed", nil)
	}
	toSend, toRequest = e.vv.Diff(remoteVV)
	autoApply = e.Mode() == Auto
	return toSend, toRequest, autoApply, nil
}

// withLog runs fn against the physical database backing peer's log
// within repoName: the local repo's own primary log when peer is the
// local identity, otherwise the cached shadow DB for that peer.
func (e *Engine) withLog(repoName string, peer ids.PeerID, fn func(db *repodb.RepoDB) error) error {
	if peer == e.localPeer {
		return e.mgr.RunOnLocalRepo(repoName, fn)
	}
	handle, err := e.mgr.OpenDatabase(&peer, repoName)
	if err != nil {
		return err
	}
	return fn(handle.DB)
}

// withShadowWrite resolves the database a remote peer's incoming ops
// land in, creating the shadow on first interaction with that peer
// rather than failing repo-not-found like the read-side withLog.
func (e *Engine) withShadowWrite(repoName string, peer ids.PeerID, fn func(db *repodb.RepoDB) error) error {
	if peer == e.localPeer {
		return e.mgr.RunOnLocalRepo(repoName, fn)
	}
	handle, err := e.mgr.EnsureShadow(peer, repoName)
	if err != nil {
		return err
	}
	return fn(handle.DB)
}

func (e *Engine) repoKey() (crypto.RepoKey, error) {
	key, ok := e.mgr.RepoKey()
	if !ok {
		return crypto.RepoKey{}, errkind.Wrap(errkind.Denied, "sync: no repo key configured", nil)
	}
	return key, nil
}

// GetOpsForSync reads req.Peer's
// log in the half-open range [req.Lo, req.Hi), sealing each entry into
// a wire envelope under the current RepoKey.
func (e *Engine) GetOpsForSync(repoName string, req proto.SyncRange) ([]proto.SyncEnvelope, error) {
	if req.Hi <= req.Lo {
		return nil, nil
	}
	key, err := e.repoKey()
	if err != nil {
		return nil, err
	}

	var entries []ledger.Entry
	err = e.withLog(repoName, req.Peer, func(db *repodb.RepoDB) error {
		es, err := db.OpsInSeqRange(req.Lo, req.Hi-1)
		entries = es
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]proto.SyncEnvelope, 0, len(entries))
	for _, entry := range entries {
		env, err := e.sealEntry(key, req.Peer, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (e *Engine) sealEntry(key crypto.RepoKey, peer ids.PeerID, entry ledger.Entry) (proto.SyncEnvelope, error) {
	payload, err := json.Marshal(wireOp{Seq: entry.Seq, Op: entry.Op, TimestampMs: entry.TimestampMs})
	if err != nil {
		return proto.SyncEnvelope{}, errkind.Wrap(errkind.IO, "marshal synced op", err)
	}
	env, err := crypto.Seal(key, entry.DocID, peer, entry.RepoSeq, payload)
	if err != nil {
		return proto.SyncEnvelope{}, err
	}
	return proto.SyncEnvelope{
		DocID:      entry.DocID,
		PeerID:     peer,
		Seq:        env.Seq,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
	}, nil
}

// ApplyRemoteOps decrypts each
// envelope, append it to its originator's shadow log, and advance the
// version vector to the max seq actually applied. Envelopes are grouped
// by originator and applied in ascending seq order per originator; a
// seq gap aborts that originator's remaining envelopes (the prefix
// already applied stays, each append being its own transaction) and is
// reported as errkind.VersionGap, but other originators in the same
// batch still proceed; ordering is only guaranteed within one
// originator.
func (e *Engine) ApplyRemoteOps(repoName string, envelopes []proto.SyncEnvelope) (uint64, error) {
	key, err := e.repoKey()
	if err != nil {
		return 0, err
	}

	byPeer := make(map[ids.PeerID][]proto.SyncEnvelope)
	for _, env := range envelopes {
		byPeer[env.PeerID] = append(byPeer[env.PeerID], env)
	}

	var maxApplied uint64
	var firstErr error
	for peer, group := range byPeer {
		if peer == e.localPeer {
			e.logger.Warn().Str("peer", string(peer)).Msg("sync: ignoring batch claiming to originate from local peer")
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })

		expected := e.vv.Get(peer) + 1
		for _, env := range group {
			if env.Seq != expected {
				err := errkind.Wrap(errkind.VersionGap, fmt.Sprintf("apply_remote_ops: %s gap, expected seq %d got %d", peer, expected, env.Seq), nil)
				if firstErr == nil {
					firstErr = err
				}
				break
			}

			plaintext, err := crypto.Open(key, env.DocID, env.PeerID, crypto.Envelope{Seq: env.Seq, Nonce: env.Nonce, Ciphertext: env.Ciphertext})
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			var w wireOp
			if err := json.Unmarshal(plaintext, &w); err != nil {
				if firstErr == nil {
					firstErr = errkind.Wrap(errkind.IO, "unmarshal synced op", err)
				}
				break
			}

			appendErr := e.withShadowWrite(repoName, peer, func(db *repodb.RepoDB) error {
				_, err := db.Append(ledger.Entry{
					DocID:       env.DocID,
					PeerID:      env.PeerID,
					Seq:         w.Seq,
					Op:          w.Op,
					TimestampMs: w.TimestampMs,
				})
				return err
			})
			if appendErr != nil {
				if firstErr == nil {
					firstErr = appendErr
				}
				break
			}

			e.vv.Update(peer, env.Seq)
			if env.Seq > maxApplied {
				maxApplied = env.Seq
			}
			expected++
		}
	}
	return maxApplied, firstErr
}

// GetSnapshotForSync serves a cold-bootstrap request: for
// every doc currently tracked in req.PeerID's log within repoName,
// reconstruct its text and seal one Insert{pos:0, content} envelope
// carrying that doc's latest known repo-scoped seq. Used for cold
// bootstrap instead of replaying the full op history.
func (e *Engine) GetSnapshotForSync(repoName string, req proto.SyncSnapshotRequest) ([]proto.SyncEnvelope, error) {
	key, err := e.repoKey()
	if err != nil {
		return nil, err
	}

	var out []proto.SyncEnvelope
	err = e.withLog(repoName, req.PeerID, func(db *repodb.RepoDB) error {
		all, err := db.OpsInSeqRange(0, ^uint64(0))
		if err != nil {
			return err
		}
		seen := make(map[ids.DocID]bool)
		for _, logged := range all {
			doc := logged.DocID
			if seen[doc] {
				continue
			}
			seen[doc] = true
			entries, err := db.OpsForDoc(doc)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				continue
			}
			content := ledger.Reconstruct(entries, nil)
			maxSeq := entries[len(entries)-1].RepoSeq

			payload, err := json.Marshal(wireSnapshot{Content: content, Seq: maxSeq})
			if err != nil {
				return errkind.Wrap(errkind.IO, "marshal snapshot", err)
			}
			env, err := crypto.Seal(key, doc, req.PeerID, maxSeq, payload)
			if err != nil {
				return err
			}
			out = append(out, proto.SyncEnvelope{
				DocID:      doc,
				PeerID:     req.PeerID,
				Seq:        env.Seq,
				Nonce:      env.Nonce,
				Ciphertext: env.Ciphertext,
			})
		}
		return nil
	})
	return out, err
}

// ApplyRemoteSnapshot consumes a cold-bootstrap response: for
// each envelope, wipe that doc's shadow log and replace it with a
// single fresh Insert carrying the snapshotted content, then advance
// the version vector to the highest seq seen across the batch.
func (e *Engine) ApplyRemoteSnapshot(repoName string, envelopes []proto.SyncEnvelope) error {
	key, err := e.repoKey()
	if err != nil {
		return err
	}

	for _, env := range envelopes {
		if env.PeerID == e.localPeer {
			e.logger.Warn().Str("peer", string(env.PeerID)).Msg("sync: ignoring snapshot claiming to originate from local peer")
			continue
		}
		plaintext, err := crypto.Open(key, env.DocID, env.PeerID, crypto.Envelope{Seq: env.Seq, Nonce: env.Nonce, Ciphertext: env.Ciphertext})
		if err != nil {
			return err
		}
		var w wireSnapshot
		if err := json.Unmarshal(plaintext, &w); err != nil {
			return errkind.Wrap(errkind.IO, "unmarshal snapshot", err)
		}

		err = e.withShadowWrite(repoName, env.PeerID, func(db *repodb.RepoDB) error {
			if err := db.ResetDocLog(env.DocID); err != nil {
				return err
			}
			_, err := db.Append(ledger.Entry{
				DocID:       env.DocID,
				PeerID:      env.PeerID,
				Seq:         1,
				Op:          ledger.Insert(0, w.Content),
				TimestampMs: time.Now().UnixMilli(),
			})
			return err
		})
		if err != nil {
			return err
		}
		e.vv.Update(env.PeerID, env.Seq)
	}
	return nil
}

// QueueIncoming stores an undecrypted batch for Manual mode instead of
// applying it. Callers are expected to have already checked
// Mode() == Manual.
func (e *Engine) QueueIncoming(repoName string, ops []proto.SyncEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pendingBatch{repoName: repoName, ops: ops})
}

// PendingInfo summarizes the buffer's contents without decrypting
// anything: doc-id, originating peer, and ciphertext fields are already
// plaintext on the wire envelope (only the op payload is sealed), so
// previews are cheap and never touch key material.
func (e *Engine) PendingInfo() proto.PendingOpsInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	type key struct {
		doc  ids.DocID
		peer ids.PeerID
	}
	counts := make(map[key]int)
	order := make([]key, 0)
	total := 0
	for _, batch := range e.pending {
		for _, env := range batch.ops {
			k := key{doc: env.DocID, peer: env.PeerID}
			if counts[k] == 0 {
				order = append(order, k)
			}
			counts[k]++
			total++
		}
	}
	previews := make([]proto.PendingPreview, 0, len(order))
	for _, k := range order {
		previews = append(previews, proto.PendingPreview{DocID: k.doc, Peer: k.peer, Count: counts[k]})
	}
	return proto.PendingOpsInfo{Count: total, Previews: previews}
}

// MergePending drains the Manual buffer: decrypt and apply
// every buffered batch, in arrival order, then clear the buffer. The
// first error stops the drain; undrained batches remain pending.
func (e *Engine) MergePending() (int, error) {
	e.mu.Lock()
	batches := e.pending
	e.mu.Unlock()

	merged := 0
	for i, batch := range batches {
		maxApplied, err := e.ApplyRemoteOps(batch.repoName, batch.ops)
		if err != nil {
			e.mu.Lock()
			e.pending = batches[i:]
			e.mu.Unlock()
			return merged, err
		}
		_ = maxApplied
		merged += len(batch.ops)
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	return merged, nil
}

// ClearPending discards the Manual buffer without applying it.
func (e *Engine) ClearPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}

// MergeResult is what MergePeer returns: either the two sides already
// hold identical text (Merged; nothing is written), or they differ and
// the caller gets a three-way Conflict payload plus a diff to show the
// user.
type MergeResult struct {
	Merged   bool
	Conflict *proto.Conflict
	Diff     *proto.DocDiff
}

// MergePeer compares doc's local reconstruction against peer's shadow
// reconstruction. Identical content is a no-op merge. Any divergent
// content is reported as a Conflict rather than silently picking a
// winner; its Base is the doc's last committed content, or empty if the
// doc was never committed. No 3-way text merge is attempted, even when
// a committed base exists.
func (e *Engine) MergePeer(repoName string, doc ids.DocID, peer ids.PeerID) (MergeResult, error) {
	var localText string
	err := e.withLog(repoName, e.localPeer, func(db *repodb.RepoDB) error {
		entries, err := db.OpsForDoc(doc)
		if err != nil {
			return err
		}
		localText = ledger.Reconstruct(entries, nil)
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	var remoteText string
	err = e.withLog(repoName, peer, func(db *repodb.RepoDB) error {
		entries, err := db.OpsForDoc(doc)
		if err != nil {
			return err
		}
		remoteText = ledger.Reconstruct(entries, nil)
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	if localText == remoteText {
		return MergeResult{Merged: true}, nil
	}

	var base string
	_ = e.withLog(repoName, e.localPeer, func(db *repodb.RepoDB) error {
		content, ok, err := db.GetCommittedContent(doc)
		if err != nil {
			return err
		}
		if ok {
			base = content
		}
		return nil
	})

	return MergeResult{
		Conflict: &proto.Conflict{DocID: doc, Base: base, Local: localText, Remote: remoteText},
		Diff:     &proto.DocDiff{Path: doc.String(), OldContent: localText, NewContent: remoteText},
	}, nil
}
