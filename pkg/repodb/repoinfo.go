package repodb

import (
	"encoding/json"

	"github.com/develata/notevault/pkg/errkind"
	bolt "go.etcd.io/bbolt"
)

// SaveRepoInfo persists the repo's identity record.
func (r *RepoDB) SaveRepoInfo(info RepoInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return errkind.Wrap(errkind.IO, "marshal repo info", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRepoInfo).Put(repoInfoKey, payload); err != nil {
			return errkind.Wrap(errkind.IO, "put repo info", err)
		}
		return nil
	})
}

// GetRepoInfo returns the repo's identity record, or errkind.NotFound if
// none has been saved yet.
func (r *RepoDB) GetRepoInfo() (RepoInfo, error) {
	var info RepoInfo
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRepoInfo).Get(repoInfoKey)
		if v == nil {
			return errkind.Wrap(errkind.NotFound, "repo info not set", nil)
		}
		return json.Unmarshal(v, &info)
	})
	return info, err
}
