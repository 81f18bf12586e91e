package repodb

import (
	"fmt"
	"strings"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	bolt "go.etcd.io/bbolt"
)

// normalizePath forces forward slashes and strips a leading slash;
// every index key is stored in this form.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	return strings.TrimPrefix(path, "/")
}

// PathDoc pairs a path with its doc-id, returned by ListDocs.
type PathDoc struct {
	Path  string
	DocID ids.DocID
}

// LookupDocID returns the doc-id bound to path, or errkind.NotFound.
func (r *RepoDB) LookupDocID(path string) (ids.DocID, error) {
	path = normalizePath(path)
	var doc ids.DocID
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocIDByPath).Get([]byte(path))
		if v == nil {
			return errkind.Wrap(errkind.NotFound, fmt.Sprintf("lookup_docid(%s)", path), nil)
		}
		parsed, err := ids.ParseDocID(string(v))
		if err != nil {
			return errkind.Wrap(errkind.IO, "decode docid", err)
		}
		doc = parsed
		return nil
	})
	return doc, err
}

// CreateDocID allocates a fresh doc-id and binds it to path. Returns
// errkind.InvalidArgument if path is already bound.
func (r *RepoDB) CreateDocID(path string) (ids.DocID, error) {
	path = normalizePath(path)
	doc := ids.NewDocID()
	err := r.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketDocIDByPath)
		if byPath.Get([]byte(path)) != nil {
			return errkind.Wrap(errkind.InvalidArgument, fmt.Sprintf("create_docid(%s): already exists", path), nil)
		}
		if err := byPath.Put([]byte(path), []byte(doc.String())); err != nil {
			return errkind.Wrap(errkind.IO, "put docid_by_path", err)
		}
		if err := tx.Bucket(bucketPathByDocID).Put([]byte(doc.String()), []byte(path)); err != nil {
			return errkind.Wrap(errkind.IO, "put path_by_docid", err)
		}
		return nil
	})
	if err != nil {
		return ids.DocID{}, err
	}
	return doc, nil
}

// BindDocID binds an explicit, caller-chosen doc-id to path. Used when
// resurrecting a doc-id recovered from a frontmatter uuid (the watcher's
// case 4) rather than allocating a fresh one.
func (r *RepoDB) BindDocID(path string, doc ids.DocID) error {
	path = normalizePath(path)
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocIDByPath).Put([]byte(path), []byte(doc.String())); err != nil {
			return errkind.Wrap(errkind.IO, "put docid_by_path", err)
		}
		if err := tx.Bucket(bucketPathByDocID).Put([]byte(doc.String()), []byte(path)); err != nil {
			return errkind.Wrap(errkind.IO, "put path_by_docid", err)
		}
		return nil
	})
}

// PathOf returns the current path bound to doc, or errkind.NotFound.
func (r *RepoDB) PathOf(doc ids.DocID) (string, error) {
	var path string
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPathByDocID).Get([]byte(doc.String()))
		if v == nil {
			return errkind.Wrap(errkind.NotFound, fmt.Sprintf("path_of(%s)", doc), nil)
		}
		path = string(v)
		return nil
	})
	return path, err
}

// DocIDByInode returns the doc-id bound to inode, and whether one exists.
// inode→docid is a hint, not a source of truth.
func (r *RepoDB) DocIDByInode(inode ids.InodeID) (ids.DocID, bool, error) {
	var doc ids.DocID
	var ok bool
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocIDByInode).Get(inode[:])
		if v == nil {
			return nil
		}
		parsed, err := ids.ParseDocID(string(v))
		if err != nil {
			return errkind.Wrap(errkind.IO, "decode docid", err)
		}
		doc, ok = parsed, true
		return nil
	})
	return doc, ok, err
}

// BindInode always overwrites the inode→docid hint.
func (r *RepoDB) BindInode(inode ids.InodeID, doc ids.DocID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocIDByInode).Put(inode[:], []byte(doc.String())); err != nil {
			return errkind.Wrap(errkind.IO, "put docid_by_inode", err)
		}
		return nil
	})
}

// Rename moves path's mapping from oldPath to newPath. Returns
// errkind.NotFound if oldPath is unbound.
func (r *RepoDB) Rename(oldPath, newPath string) error {
	oldPath = normalizePath(oldPath)
	newPath = normalizePath(newPath)
	return r.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketDocIDByPath)
		docBytes := byPath.Get([]byte(oldPath))
		if docBytes == nil {
			return errkind.Wrap(errkind.NotFound, fmt.Sprintf("rename(%s): not found", oldPath), nil)
		}
		docBytes = append([]byte(nil), docBytes...)

		if err := byPath.Delete([]byte(oldPath)); err != nil {
			return errkind.Wrap(errkind.IO, "delete old path", err)
		}
		if err := byPath.Put([]byte(newPath), docBytes); err != nil {
			return errkind.Wrap(errkind.IO, "put new path", err)
		}
		if err := tx.Bucket(bucketPathByDocID).Put(docBytes, []byte(newPath)); err != nil {
			return errkind.Wrap(errkind.IO, "put path_by_docid", err)
		}
		return nil
	})
}

// RenameFolder atomically updates every path mapping whose stored path
// equals prefixOld or begins with prefixOld+"/". All-or-
// nothing: a single bbolt transaction backs the whole rewrite.
func (r *RepoDB) RenameFolder(prefixOld, prefixNew string) error {
	prefixOld = normalizePath(prefixOld)
	prefixNew = normalizePath(prefixNew)
	return r.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketDocIDByPath)
		byDoc := tx.Bucket(bucketPathByDocID)

		type rewrite struct {
			oldPath, newPath string
			doc              []byte
		}
		var rewrites []rewrite

		c := byPath.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			p := string(k)
			if p != prefixOld && !strings.HasPrefix(p, prefixOld+"/") {
				continue
			}
			newPath := prefixNew + strings.TrimPrefix(p, prefixOld)
			rewrites = append(rewrites, rewrite{oldPath: p, newPath: newPath, doc: append([]byte(nil), v...)})
		}

		for _, rw := range rewrites {
			if err := byPath.Delete([]byte(rw.oldPath)); err != nil {
				return errkind.Wrap(errkind.IO, "delete old path", err)
			}
			if err := byPath.Put([]byte(rw.newPath), rw.doc); err != nil {
				return errkind.Wrap(errkind.IO, "put new path", err)
			}
			if err := byDoc.Put(rw.doc, []byte(rw.newPath)); err != nil {
				return errkind.Wrap(errkind.IO, "put path_by_docid", err)
			}
		}
		return nil
	})
}

// Delete removes path's mapping (soft delete: the op log is untouched).
func (r *RepoDB) Delete(path string) error {
	path = normalizePath(path)
	return r.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketDocIDByPath)
		docBytes := byPath.Get([]byte(path))
		if docBytes == nil {
			return errkind.Wrap(errkind.NotFound, fmt.Sprintf("delete(%s): not found", path), nil)
		}
		docBytes = append([]byte(nil), docBytes...)
		if err := byPath.Delete([]byte(path)); err != nil {
			return errkind.Wrap(errkind.IO, "delete docid_by_path", err)
		}
		if err := tx.Bucket(bucketPathByDocID).Delete(docBytes); err != nil {
			return errkind.Wrap(errkind.IO, "delete path_by_docid", err)
		}
		return nil
	})
}

// DeleteFolder removes every mapping under prefix, atomically.
func (r *RepoDB) DeleteFolder(prefix string) error {
	prefix = normalizePath(prefix)
	return r.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketDocIDByPath)
		byDoc := tx.Bucket(bucketPathByDocID)

		var toDelete []string
		c := byPath.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			p := string(k)
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				toDelete = append(toDelete, p)
			}
		}
		for _, p := range toDelete {
			docBytes := byPath.Get([]byte(p))
			if err := byPath.Delete([]byte(p)); err != nil {
				return errkind.Wrap(errkind.IO, "delete docid_by_path", err)
			}
			if err := byDoc.Delete(docBytes); err != nil {
				return errkind.Wrap(errkind.IO, "delete path_by_docid", err)
			}
		}
		return nil
	})
}

// ListDocs returns every path→doc-id mapping currently in the index.
func (r *RepoDB) ListDocs() ([]PathDoc, error) {
	var out []PathDoc
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocIDByPath)
		return b.ForEach(func(k, v []byte) error {
			doc, err := ids.ParseDocID(string(v))
			if err != nil {
				return errkind.Wrap(errkind.IO, "decode docid", err)
			}
			out = append(out, PathDoc{Path: string(k), DocID: doc})
			return nil
		})
	})
	return out, err
}
