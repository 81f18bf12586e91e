/*
Package repodb implements the single-file, per-repo schema on top of
go.etcd.io/bbolt, an embedded, transactional, single-writer/many-reader
KV store. Every named table becomes one bucket; the two multimap tables
(docid→{seq} and commit_id→{docid}) are buckets of sub-buckets keyed by
the outer id, so membership and range-scan both stay native bbolt
operations instead of JSON-encoded sets.

	┌─────────────────────── RepoDB (one .redb file) ───────────────────────┐
	│                                                                         │
	│  Path/Inode Index              Op Log                                  │
	│  ├─ docIDByPath                ├─ ledgerBySeq   (seq → Entry)         │
	│  ├─ pathByDocID                ├─ seqsByDoc     (docID → {seq})       │
	│  └─ docIDByInode               ├─ snapshotsBySeq (seq → blob)         │
	│                                 └─ snapshotSeqsByDoc (docID → {seq})   │
	│  Node Tree                     Source Control                          │
	│  ├─ nodeMetaByNodeID            ├─ stagedPaths  (path → {})           │
	│  └─ nodeIDByPath                ├─ commits      (commitID → Info)     │
	│                                 ├─ commitDocs    (commitID → docID→blob)│
	│  Repo metadata                  └─ lastCommitByDoc (docID → commitID) │
	│  └─ repoInfo                                                          │
	└────────────────────────────────────────────────────────────────────────┘

Each writing method runs inside one bbolt.Update transaction, so the
tables it touches change together. Operations that span several methods
are not atomic as a whole: a rename updates the path index (Rename) and
the node tree (DeleteNodeMeta/PutNodeMeta) in separate transactions.
*/
package repodb

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocIDByPath        = []byte("docid_by_path")
	bucketPathByDocID        = []byte("path_by_docid")
	bucketDocIDByInode       = []byte("docid_by_inode")
	bucketLedgerBySeq        = []byte("ledger_by_seq")
	bucketSeqsByDoc          = []byte("seqs_by_doc")
	bucketSnapshotsBySeq     = []byte("snapshots_by_seq")
	bucketSnapshotSeqsByDoc  = []byte("snapshot_seqs_by_doc")
	bucketNodeMetaByNodeID   = []byte("node_meta_by_nodeid")
	bucketNodeIDByPath       = []byte("nodeid_by_path")
	bucketRepoInfo           = []byte("repo_info")
	bucketStagedPaths        = []byte("staged_paths")
	bucketCommits            = []byte("commits")
	bucketCommitDocs         = []byte("commit_docs")
	bucketLastCommitByDoc    = []byte("last_commit_by_doc")

	repoInfoKey = []byte("repo_info")
)

var topLevelBuckets = [][]byte{
	bucketDocIDByPath,
	bucketPathByDocID,
	bucketDocIDByInode,
	bucketLedgerBySeq,
	bucketSeqsByDoc,
	bucketSnapshotsBySeq,
	bucketSnapshotSeqsByDoc,
	bucketNodeMetaByNodeID,
	bucketNodeIDByPath,
	bucketRepoInfo,
	bucketStagedPaths,
	bucketCommits,
	bucketCommitDocs,
	bucketLastCommitByDoc,
}

// RepoDB is one open repo database file: either the main local repo or
// one peer's shadow. Readonly is a policy flag the session router
// enforces; bbolt itself always opens the file read-write
// so the sync engine can append to a shadow DB regardless of which
// session's view currently treats it as readonly.
type RepoDB struct {
	db       *bolt.DB
	Path     string
	RepoName string
	Readonly bool
}

// Open opens (creating if absent) the repo database at path and ensures
// every bucket in the schema exists.
func Open(path, repoName string, readonly bool) (*RepoDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open repo db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &RepoDB{db: db, Path: path, RepoName: repoName, Readonly: readonly}, nil
}

// Close closes the underlying bbolt file.
func (r *RepoDB) Close() error {
	return r.db.Close()
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
