// Package vaultsync bridges the on-disk vault and the local ledger:
// scanning the vault into the path/inode index, pulling
// disk edits into the op log, and pushing ledger state back to disk.
package vaultsync

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	"github.com/develata/notevault/pkg/log"
	"github.com/develata/notevault/pkg/repodb"
)

const markdownExt = ".md"

// VaultSync is the scan/reconcile/persist bridge for one repo
// database.
type VaultSync struct {
	db            *repodb.RepoDB
	vaultRoot     string
	localPeer     ids.PeerID
	snapshotDepth int
	logger        zerolog.Logger
}

// New returns a VaultSync bound to db, rooted at vaultRoot, writing
// entries as localPeer.
func New(db *repodb.RepoDB, vaultRoot string, localPeer ids.PeerID, snapshotDepth int) *VaultSync {
	return &VaultSync{
		db:            db,
		vaultRoot:     vaultRoot,
		localPeer:     localPeer,
		snapshotDepth: snapshotDepth,
		logger:        log.WithRepo(log.WithComponent("vaultsync"), db.RepoName),
	}
}

// DB returns the repo database this VaultSync is bound to, for callers
// (pkg/watcher) that need the lower-level path/inode index
// alongside the scan/reconcile/persist bridge.
func (v *VaultSync) DB() *repodb.RepoDB { return v.db }

// VaultRoot returns the on-disk vault root this VaultSync is rooted at.
func (v *VaultSync) VaultRoot() string { return v.vaultRoot }

// LocalPeer returns the peer-id this VaultSync attributes disk-originated
// ops to.
func (v *VaultSync) LocalPeer() ids.PeerID { return v.localPeer }

// InodeOf extracts the dev/inode pair backing a stat result, exported so
// pkg/watcher can resolve the current inode of a changed path without
// re-implementing the syscall.Stat_t cast; the event handler needs it
// on every event, Scan only once per file.
func InodeOf(info fs.FileInfo) (ids.InodeID, bool) { return inodeOf(info) }

// Scan walks the vault recursively, skipping dot-directories, ensuring
// every markdown file has a doc-id and a current inode binding, then
// removes ledger doc-ids whose path is absent on disk (ghost cleanup).
// Best-effort: unreadable files are skipped with a warning and
// non-markdown files are skipped silently; neither aborts the walk.
func (v *VaultSync) Scan() error {
	seen := make(map[string]bool)

	err := filepath.WalkDir(v.vaultRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			v.logger.Warn().Err(err).Str("path", path).Msg("scan: walk error, skipping")
			return nil
		}
		if d.IsDir() {
			if path != v.vaultRoot && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.ToLower(filepath.Ext(d.Name())) != markdownExt {
			return nil
		}

		rel, err := filepath.Rel(v.vaultRoot, path)
		if err != nil {
			v.logger.Warn().Err(err).Str("path", path).Msg("scan: relative path failed, skipping")
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		if err := v.ensureTracked(rel, path); err != nil {
			v.logger.Warn().Err(err).Str("path", rel).Msg("scan: failed to track file")
		}
		return nil
	})
	if err != nil {
		return errkind.Wrap(errkind.IO, "scan vault", err)
	}

	return v.ghostCleanup(seen)
}

// ensureTracked binds a doc-id to rel if one doesn't exist yet, and
// keeps the inode hint current.
func (v *VaultSync) ensureTracked(rel, absPath string) error {
	doc, err := v.db.LookupDocID(rel)
	if err != nil {
		doc, err = v.db.CreateDocID(rel)
		if err != nil {
			return err
		}
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return errkind.Wrap(errkind.IO, "stat file", err)
	}
	if inode, ok := inodeOf(info); ok {
		if err := v.db.BindInode(inode, doc); err != nil {
			return err
		}
	}
	return nil
}

// ghostCleanup removes every tracked doc whose path was not observed
// during the walk.
func (v *VaultSync) ghostCleanup(seen map[string]bool) error {
	docs, err := v.db.ListDocs()
	if err != nil {
		return err
	}
	for _, d := range docs {
		if seen[d.Path] {
			continue
		}
		if err := v.db.Delete(d.Path); err != nil {
			v.logger.Warn().Err(err).Str("path", d.Path).Msg("ghost cleanup: delete failed")
		}
	}
	return nil
}

// NormalizeNewlines converts CRLF to LF, the normalization applied
// before every disk-text comparison. Exported so pkg/watcher can apply the same
// normalization when seeding a brand new file's first Insert op.
func NormalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// ReconcileDoc reconstructs doc's ledger text, compares it against the
// on-disk text (CRLF-normalized), and if they differ, appends the
// ops needed to bring the ledger up to date with disk. Returns true
// iff ops were appended.
func (v *VaultSync) ReconcileDoc(doc ids.DocID) (bool, error) {
	path, err := v.db.PathOf(doc)
	if err != nil {
		return false, err
	}

	entries, err := v.db.OpsForDoc(doc)
	if err != nil {
		return false, err
	}
	ledgerText := ledger.Reconstruct(entries, v.logClamp(doc))

	raw, err := os.ReadFile(filepath.Join(v.vaultRoot, filepath.FromSlash(path)))
	if err != nil {
		return false, errkind.Wrap(errkind.IO, "read disk file", err)
	}
	diskText := NormalizeNewlines(string(raw))

	if diskText == ledgerText {
		return false, nil
	}

	ops := ledger.Diff(ledgerText, diskText)
	if len(ops) == 0 {
		return false, nil
	}

	nextSeq := ledger.NextSeq(entries, v.localPeer)
	var lastRepoSeq uint64
	for _, op := range ops {
		repoSeq, err := v.db.Append(ledger.Entry{
			DocID:       doc,
			PeerID:      v.localPeer,
			Seq:         nextSeq,
			Op:          op,
			TimestampMs: time.Now().UnixMilli(),
		})
		if err != nil {
			return false, err
		}
		lastRepoSeq = repoSeq
		nextSeq++
	}

	if err := v.db.SaveSnapshot(doc, lastRepoSeq, diskText, v.snapshotDepth); err != nil {
		v.logger.Warn().Err(err).Str("doc_id", doc.String()).Msg("save snapshot after reconcile failed")
	}
	return true, nil
}

// PersistDoc reconstructs doc's ledger text and writes it to disk,
// the only path that mutates files from ledger state.
func (v *VaultSync) PersistDoc(doc ids.DocID) error {
	path, err := v.db.PathOf(doc)
	if err != nil {
		return err
	}
	entries, err := v.db.OpsForDoc(doc)
	if err != nil {
		return err
	}
	text := ledger.Reconstruct(entries, v.logClamp(doc))

	fullPath := filepath.Join(v.vaultRoot, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return errkind.Wrap(errkind.IO, "create parent dir", err)
	}
	if err := os.WriteFile(fullPath, []byte(text), 0o644); err != nil {
		return errkind.Wrap(errkind.IO, "write disk file", err)
	}
	return nil
}

func (v *VaultSync) logClamp(doc ids.DocID) ledger.ClampFunc {
	logger := log.WithDoc(v.logger, doc.String())
	return func(op ledger.Op, reason string) {
		logger.Warn().
			Str("reason", reason).
			Msg("reconstruction clamped an out-of-range op")
	}
}
