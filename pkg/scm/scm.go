// Package scm implements the Source-Control Layer: staging,
// commit snapshots, change detection, and per-path diff, layered on top
// of pkg/repodb's raw staged-path set and commit tables plus pkg/ledger
// reconstruction. pkg/repodb's scm.go holds the storage primitives this package
// calls; this package holds the policy (what counts as Added/Modified/
// Deleted, how a commit id is minted, how discard_file turns into a
// normal ledger append).
package scm

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/vaultsync"
)

// Change describes one path's staged or unstaged status relative to its
// last committed snapshot.
type Change struct {
	Path string
	Kind ChangeKind
}

// ChangeKind discriminates Added/Modified/Deleted.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

// Changes is the staged/unstaged pair list_changes returns.
type Changes struct {
	Staged   []Change
	Unstaged []Change
}

// SCM wraps one repo database's source-control operations.
type SCM struct {
	db *repodb.RepoDB
	vs *vaultsync.VaultSync
}

// New binds a source-control layer to db, using vs to reconstruct
// current doc text and to persist discard_file's reverse ops back to
// disk.
func New(db *repodb.RepoDB, vs *vaultsync.VaultSync) *SCM {
	return &SCM{db: db, vs: vs}
}

func (s *SCM) currentContent(path string) (ids.DocID, string, bool, error) {
	doc, err := s.db.LookupDocID(path)
	if err != nil {
		return ids.DocID{}, "", false, err
	}
	entries, err := s.db.OpsForDoc(doc)
	if err != nil {
		return ids.DocID{}, "", false, err
	}
	return doc, ledger.Reconstruct(entries, nil), true, nil
}

// ListChanges classifies every staged path and every unstaged doc whose
// current reconstruction differs from its last commit.
func (s *SCM) ListChanges() (Changes, error) {
	var out Changes

	staged, err := s.db.StagedPaths()
	if err != nil {
		return Changes{}, err
	}
	stagedSet := make(map[string]bool, len(staged))
	for _, p := range staged {
		stagedSet[p] = true
		doc, current, ok, err := s.currentContent(p)
		if err != nil {
			continue // path vanished between StagedPaths and lookup; skip (not-found)
		}
		_ = ok
		committed, hadCommit, err := s.db.GetCommittedContent(doc)
		if err != nil {
			return Changes{}, err
		}
		switch {
		case !hadCommit:
			out.Staged = append(out.Staged, Change{Path: p, Kind: ChangeAdded})
		case current == "" && committed != "":
			out.Staged = append(out.Staged, Change{Path: p, Kind: ChangeDeleted})
		case current != committed:
			out.Staged = append(out.Staged, Change{Path: p, Kind: ChangeModified})
		}
	}

	docs, err := s.db.ListDocs()
	if err != nil {
		return Changes{}, err
	}
	for _, d := range docs {
		if stagedSet[d.Path] {
			continue
		}
		entries, err := s.db.OpsForDoc(d.DocID)
		if err != nil {
			return Changes{}, err
		}
		current := ledger.Reconstruct(entries, nil)
		committed, hadCommit, err := s.db.GetCommittedContent(d.DocID)
		if err != nil {
			return Changes{}, err
		}
		switch {
		case !hadCommit && current != "":
			out.Unstaged = append(out.Unstaged, Change{Path: d.Path, Kind: ChangeAdded})
		case hadCommit && current != committed:
			out.Unstaged = append(out.Unstaged, Change{Path: d.Path, Kind: ChangeModified})
		}
	}

	return out, nil
}

// StageFile / UnstageFile add/remove path from the staged set.
// Idempotent.
func (s *SCM) StageFile(path string) error   { return s.db.StagePath(path) }
func (s *SCM) UnstageFile(path string) error { return s.db.UnstagePath(path) }

// StageFiles / UnstageFiles are the bulk wire variants
// (StageFile{paths[]} / UnstageFile{paths[]}).
func (s *SCM) StageFiles(paths []string) error {
	for _, p := range paths {
		if err := s.db.StagePath(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SCM) UnstageFiles(paths []string) error {
	for _, p := range paths {
		if err := s.db.UnstagePath(p); err != nil {
			return err
		}
	}
	return nil
}

// DiscardFile reverts path to its last committed content: it computes
// the diff from current to committed, appends those ops through the
// normal op-log path (so history records the revert rather than erasing
// it), then persists the result to disk.
func (s *SCM) DiscardFile(path string, peer ids.PeerID) error {
	doc, current, _, err := s.currentContent(path)
	if err != nil {
		return err
	}
	committed, hadCommit, err := s.db.GetCommittedContent(doc)
	if err != nil {
		return err
	}
	if !hadCommit {
		committed = ""
	}

	ops := ledger.Diff(current, committed)
	if len(ops) > 0 {
		entries, err := s.db.OpsForDoc(doc)
		if err != nil {
			return err
		}
		nextSeq := ledger.NextSeq(entries, peer)
		for _, op := range ops {
			if _, err := s.db.Append(ledger.Entry{DocID: doc, PeerID: peer, Seq: nextSeq, Op: op, TimestampMs: time.Now().UnixMilli()}); err != nil {
				return err
			}
			nextSeq++
		}
	}
	return s.vs.PersistDoc(doc)
}

// ResolveContentFunc resolves a staged path to its doc-id and the
// content the commit should record, normally "reconstruct current
// text", but left as a caller hook so the session layer can, e.g.,
// skip a path that vanished mid-commit.
type ResolveContentFunc func(path string) (ids.DocID, string, bool, error)

// Commit mints a commit id, resolves every staged path through resolve,
// writes the commit record plus per-doc snapshot payloads, clears the
// staged set, and returns the resulting CommitInfo.
func (s *SCM) Commit(message string, resolve ResolveContentFunc) (repodb.CommitInfo, error) {
	staged, err := s.db.StagedPaths()
	if err != nil {
		return repodb.CommitInfo{}, err
	}

	docs := make(map[ids.DocID]string)
	for _, path := range staged {
		doc, content, ok, err := resolve(path)
		if err != nil {
			return repodb.CommitInfo{}, err
		}
		if !ok {
			continue
		}
		docs[doc] = content
	}

	info := repodb.CommitInfo{
		ID:        newCommitID(),
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := s.db.SaveCommit(info, docs); err != nil {
		return repodb.CommitInfo{}, err
	}
	if err := s.db.ClearStaged(); err != nil {
		return repodb.CommitInfo{}, err
	}
	return info, nil
}

// DefaultResolveContent reconstructs path's current ledger text, what
// a commit records for a staged path absent any special-casing.
func (s *SCM) DefaultResolveContent(path string) (ids.DocID, string, bool, error) {
	doc, content, ok, err := s.currentContent(path)
	if err != nil {
		if errors.Is(err, errkind.NotFound) {
			return ids.DocID{}, "", false, nil
		}
		return ids.DocID{}, "", false, err
	}
	return doc, content, ok, nil
}

// ListCommits returns up to limit commits, most recent first.
func (s *SCM) ListCommits(limit int) ([]repodb.CommitInfo, error) {
	return s.db.ListCommits(limit)
}

// GetCommittedContent returns doc's content as of its most recent
// commit, and whether one exists.
func (s *SCM) GetCommittedContent(doc ids.DocID) (string, bool, error) {
	return s.db.GetCommittedContent(doc)
}

// DocDiffResult is the left/right pair DiffDocPath returns: Old is the
// last committed content (or, for a remote diff, the local repo's
// content), New is the current reconstruction.
type DocDiffResult struct {
	Old string
	New string
}

// DiffDocPath compares path's current reconstruction against its last
// committed snapshot. The remote-branch
// variant, comparing against a matching local repo instead of a
// commit, is implemented by the session layer, which holds both repo
// handles; this method only ever sees one database.
func (s *SCM) DiffDocPath(path string) (DocDiffResult, error) {
	doc, current, _, err := s.currentContent(path)
	if err != nil {
		return DocDiffResult{}, err
	}
	committed, _, err := s.db.GetCommittedContent(doc)
	if err != nil {
		return DocDiffResult{}, err
	}
	return DocDiffResult{Old: committed, New: current}, nil
}

// newCommitID mints a time-sortable commit id: a nanosecond-resolution
// UTC timestamp prefix (so byte-lexicographic order is chronological
// order, matching ListCommits' reverse-cursor scan) followed by a
// random UUID suffix to break ties within the same instant.
func newCommitID() string {
	return time.Now().UTC().Format("20060102T150405.000000000Z") + "-" + uuid.NewString()
}
