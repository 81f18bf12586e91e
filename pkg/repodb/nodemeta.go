package repodb

import (
	"encoding/json"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	bolt "go.etcd.io/bbolt"
)

// PutNodeMeta persists meta, keeping nodeIDByPath in sync in the same
// transaction (a dir node's DocID is absent, a file node's is
// set; callers, not this layer, enforce that invariant).
func (r *RepoDB) PutNodeMeta(meta NodeMeta) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(meta)
		if err != nil {
			return errkind.Wrap(errkind.IO, "marshal node meta", err)
		}
		if err := tx.Bucket(bucketNodeMetaByNodeID).Put(meta.NodeID[:], payload); err != nil {
			return errkind.Wrap(errkind.IO, "put node meta", err)
		}
		if err := tx.Bucket(bucketNodeIDByPath).Put([]byte(meta.Path), meta.NodeID[:]); err != nil {
			return errkind.Wrap(errkind.IO, "put nodeid_by_path", err)
		}
		return nil
	})
}

// GetNodeMeta returns the persisted metadata for id, or errkind.NotFound.
func (r *RepoDB) GetNodeMeta(id ids.NodeID) (NodeMeta, error) {
	var meta NodeMeta
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodeMetaByNodeID).Get(id[:])
		if v == nil {
			return errkind.Wrap(errkind.NotFound, "node meta not found", nil)
		}
		return json.Unmarshal(v, &meta)
	})
	return meta, err
}

// DeleteNodeMeta removes a node's persisted metadata.
func (r *RepoDB) DeleteNodeMeta(id ids.NodeID, path string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNodeMetaByNodeID).Delete(id[:]); err != nil {
			return errkind.Wrap(errkind.IO, "delete node meta", err)
		}
		if err := tx.Bucket(bucketNodeIDByPath).Delete([]byte(path)); err != nil {
			return errkind.Wrap(errkind.IO, "delete nodeid_by_path", err)
		}
		return nil
	})
}

// NodeIDByPath returns the node-id bound to path, and whether one
// exists. Used to find or create ancestor directory nodes as files are
// discovered.
func (r *RepoDB) NodeIDByPath(path string) (ids.NodeID, bool, error) {
	var id ids.NodeID
	var ok bool
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNodeIDByPath).Get([]byte(path))
		if v == nil {
			return nil
		}
		copy(id[:], v)
		ok = true
		return nil
	})
	return id, ok, err
}

// ListNodeMeta returns every persisted node, used to rebuild the
// in-memory node tree (pkg/nodetree) on cold start.
func (r *RepoDB) ListNodeMeta() ([]NodeMeta, error) {
	var out []NodeMeta
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeMetaByNodeID).ForEach(func(_, v []byte) error {
			var meta NodeMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return errkind.Wrap(errkind.IO, "unmarshal node meta", err)
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}
