package repodb

import (
	"encoding/json"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	bolt "go.etcd.io/bbolt"
)

// StagePath marks path for inclusion in the next commit. Idempotent.
func (r *RepoDB) StagePath(path string) error {
	path = normalizePath(path)
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketStagedPaths).Put([]byte(path), nil); err != nil {
			return errkind.Wrap(errkind.IO, "stage path", err)
		}
		return nil
	})
}

// UnstagePath removes path from the staged set. Idempotent.
func (r *RepoDB) UnstagePath(path string) error {
	path = normalizePath(path)
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketStagedPaths).Delete([]byte(path)); err != nil {
			return errkind.Wrap(errkind.IO, "unstage path", err)
		}
		return nil
	})
}

// IsStaged reports whether path is currently in the staged set.
func (r *RepoDB) IsStaged(path string) (bool, error) {
	path = normalizePath(path)
	var staged bool
	err := r.db.View(func(tx *bolt.Tx) error {
		staged = tx.Bucket(bucketStagedPaths).Get([]byte(path)) != nil
		return nil
	})
	return staged, err
}

// StagedPaths returns every currently staged path.
func (r *RepoDB) StagedPaths() ([]string, error) {
	var out []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStagedPaths).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// ClearStaged empties the staged set, called after a successful commit.
func (r *RepoDB) ClearStaged() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketStagedPaths); err != nil {
			return errkind.Wrap(errkind.IO, "clear staged paths", err)
		}
		_, err := tx.CreateBucket(bucketStagedPaths)
		if err != nil {
			return errkind.Wrap(errkind.IO, "recreate staged paths bucket", err)
		}
		return nil
	})
}

// SaveCommit writes a commit record, the per-doc snapshot payloads it
// carries, and advances each doc's "latest commit" pointer, all in one
// transaction.
func (r *RepoDB) SaveCommit(info CommitInfo, docs map[ids.DocID]string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		payload, err := marshalCommitInfo(info)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCommits).Put([]byte(info.ID), payload); err != nil {
			return errkind.Wrap(errkind.IO, "put commit info", err)
		}

		docsBucket, err := tx.Bucket(bucketCommitDocs).CreateBucketIfNotExists([]byte(info.ID))
		if err != nil {
			return errkind.Wrap(errkind.IO, "create commit docs bucket", err)
		}
		lastCommit := tx.Bucket(bucketLastCommitByDoc)
		for doc, content := range docs {
			if err := docsBucket.Put(doc[:], []byte(content)); err != nil {
				return errkind.Wrap(errkind.IO, "put committed doc content", err)
			}
			if err := lastCommit.Put(doc[:], []byte(info.ID)); err != nil {
				return errkind.Wrap(errkind.IO, "advance last commit pointer", err)
			}
		}
		return nil
	})
}

// ListCommits returns up to limit commits, most recent first. Commit
// ids are time-sortable strings (see pkg/scm), so a byte-lexicographic
// reverse scan is a chronological reverse scan.
func (r *RepoDB) ListCommits(limit int) ([]CommitInfo, error) {
	var out []CommitInfo
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommits).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			info, err := unmarshalCommitInfo(v)
			if err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// GetCommittedContent returns the content doc carried in its most
// recent commit, and whether one exists at all.
func (r *RepoDB) GetCommittedContent(doc ids.DocID) (string, bool, error) {
	var content string
	var ok bool
	err := r.db.View(func(tx *bolt.Tx) error {
		commitID := tx.Bucket(bucketLastCommitByDoc).Get(doc[:])
		if commitID == nil {
			return nil
		}
		docsBucket := tx.Bucket(bucketCommitDocs).Bucket(commitID)
		if docsBucket == nil {
			return nil
		}
		v := docsBucket.Get(doc[:])
		if v == nil {
			return nil
		}
		content, ok = string(v), true
		return nil
	})
	return content, ok, err
}

func marshalCommitInfo(info CommitInfo) ([]byte, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "marshal commit info", err)
	}
	return payload, nil
}

func unmarshalCommitInfo(v []byte) (CommitInfo, error) {
	var info CommitInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return CommitInfo{}, errkind.Wrap(errkind.IO, "unmarshal commit info", err)
	}
	return info, nil
}
