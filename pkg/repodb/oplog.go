package repodb

import (
	"encoding/json"
	"sort"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/ledger"
	bolt "go.etcd.io/bbolt"
)

// jsonEntry is the stored shape of a ledger.Entry, with its Op's fields
// flattened into the record; it exists only so the wire/storage shape
// doesn't have to track every
// exported field of ledger.Entry 1:1 (RepoSeq, for instance, is
// reconstructed from the bucket key, not persisted twice).
type jsonEntry struct {
	DocID       ids.DocID
	PeerID      ids.PeerID
	Seq         uint64
	Kind        ledger.OpKind
	Pos         uint64
	Content     string
	Len         uint64
	TimestampMs int64
}

func toJSONEntry(e ledger.Entry) jsonEntry {
	return jsonEntry{
		DocID:       e.DocID,
		PeerID:      e.PeerID,
		Seq:         e.Seq,
		Kind:        e.Op.Kind,
		Pos:         e.Op.Pos,
		Content:     e.Op.Content,
		Len:         e.Op.Len,
		TimestampMs: e.TimestampMs,
	}
}

func (j jsonEntry) toEntry(repoSeq uint64) ledger.Entry {
	return ledger.Entry{
		DocID:  j.DocID,
		PeerID: j.PeerID,
		Seq:    j.Seq,
		Op: ledger.Op{
			Kind:    j.Kind,
			Pos:     j.Pos,
			Content: j.Content,
			Len:     j.Len,
		},
		TimestampMs: j.TimestampMs,
		RepoSeq:     repoSeq,
	}
}

// Append allocates the next repo-scoped sequence, writes the entry to
// the primary log, and records it in the doc's multimap index, all in
// one write transaction.
func (r *RepoDB) Append(entry ledger.Entry) (uint64, error) {
	var repoSeq uint64
	err := r.db.Update(func(tx *bolt.Tx) error {
		primary := tx.Bucket(bucketLedgerBySeq)

		next, err := primary.NextSequence()
		if err != nil {
			return errkind.Wrap(errkind.IO, "allocate repo seq", err)
		}
		repoSeq = next

		payload, err := json.Marshal(toJSONEntry(entry))
		if err != nil {
			return errkind.Wrap(errkind.IO, "marshal entry", err)
		}
		if err := primary.Put(encodeSeq(repoSeq), payload); err != nil {
			return errkind.Wrap(errkind.IO, "put ledger entry", err)
		}

		docBucket, err := tx.Bucket(bucketSeqsByDoc).CreateBucketIfNotExists(entry.DocID[:])
		if err != nil {
			return errkind.Wrap(errkind.IO, "create per-doc seq bucket", err)
		}
		if err := docBucket.Put(encodeSeq(repoSeq), nil); err != nil {
			return errkind.Wrap(errkind.IO, "index entry by doc", err)
		}
		return nil
	})
	return repoSeq, err
}

// OpsForDoc returns every entry for doc_id, ordered by repo seq
// ascending.
func (r *RepoDB) OpsForDoc(doc ids.DocID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		docBucket := tx.Bucket(bucketSeqsByDoc).Bucket(doc[:])
		if docBucket == nil {
			return nil
		}
		primary := tx.Bucket(bucketLedgerBySeq)
		c := docBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			repoSeq := decodeSeq(k)
			entry, err := readEntry(primary, repoSeq)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoSeq < out[j].RepoSeq })
	return out, nil
}

// OpsInSeqRange returns every entry with repo seq in [lo, hi] inclusive,
// strictly ascending with no gaps.
func (r *RepoDB) OpsInSeqRange(lo, hi uint64) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLedgerBySeq).Cursor()
		for k, v := c.Seek(encodeSeq(lo)); k != nil && decodeSeq(k) <= hi; k, v = c.Next() {
			var j jsonEntry
			if err := json.Unmarshal(v, &j); err != nil {
				return errkind.Wrap(errkind.IO, "unmarshal entry", err)
			}
			out = append(out, j.toEntry(decodeSeq(k)))
		}
		return nil
	})
	return out, err
}

func readEntry(primary *bolt.Bucket, repoSeq uint64) (ledger.Entry, error) {
	v := primary.Get(encodeSeq(repoSeq))
	if v == nil {
		return ledger.Entry{}, errkind.Wrap(errkind.IO, "dangling doc index entry", nil)
	}
	var j jsonEntry
	if err := json.Unmarshal(v, &j); err != nil {
		return ledger.Entry{}, errkind.Wrap(errkind.IO, "unmarshal entry", err)
	}
	return j.toEntry(repoSeq), nil
}

// SaveSnapshot records a reconstructed-text snapshot for doc at seq,
// then prunes older snapshots beyond depth.
func (r *RepoDB) SaveSnapshot(doc ids.DocID, seq uint64, content string, depth int) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshotsBySeq).Put(encodeSeq(seq), []byte(content)); err != nil {
			return errkind.Wrap(errkind.IO, "put snapshot blob", err)
		}
		idx, err := tx.Bucket(bucketSnapshotSeqsByDoc).CreateBucketIfNotExists(doc[:])
		if err != nil {
			return errkind.Wrap(errkind.IO, "create snapshot index bucket", err)
		}
		if err := idx.Put(encodeSeq(seq), nil); err != nil {
			return errkind.Wrap(errkind.IO, "index snapshot by doc", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.Prune(doc, depth)
}

// Prune keeps exactly the newest depth snapshots for doc, removing the
// oldest count-depth ones (both the blob and the index entry) if the
// count exceeds depth.
func (r *RepoDB) Prune(doc ids.DocID, depth int) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSnapshotSeqsByDoc).Bucket(doc[:])
		if idx == nil {
			return nil
		}
		var seqs []uint64
		c := idx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seqs = append(seqs, decodeSeq(k))
		}
		if len(seqs) <= depth {
			return nil
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		toRemove := seqs[:len(seqs)-depth]

		blobs := tx.Bucket(bucketSnapshotsBySeq)
		for _, seq := range toRemove {
			if err := idx.Delete(encodeSeq(seq)); err != nil {
				return errkind.Wrap(errkind.IO, "delete snapshot index entry", err)
			}
			if err := blobs.Delete(encodeSeq(seq)); err != nil {
				return errkind.Wrap(errkind.IO, "delete snapshot blob", err)
			}
		}
		return nil
	})
}

// SnapshotSeqsForDoc returns the repo seqs currently retained for doc's
// snapshots, ascending. Used by tests and by the sync engine's cold
// bootstrap path to find the latest one.
func (r *RepoDB) SnapshotSeqsForDoc(doc ids.DocID) ([]uint64, error) {
	var seqs []uint64
	err := r.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSnapshotSeqsByDoc).Bucket(doc[:])
		if idx == nil {
			return nil
		}
		c := idx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seqs = append(seqs, decodeSeq(k))
		}
		return nil
	})
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, err
}

// ResetDocLog drops doc's entry from the per-doc multimap index,
// orphaning its existing primary-log entries (left in place; they are
// never read except through the per-doc index, so this is equivalent to
// deletion for every read path). Used by the sync engine's cold
// bootstrap, which wipes a doc's shadow log and then applies a received
// snapshot as ops, starting the doc's history over instead of replaying
// its entire prior history.
func (r *RepoDB) ResetDocLog(doc ids.DocID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSeqsByDoc).DeleteBucket(doc[:]); err != nil && err != bolt.ErrBucketNotFound {
			return errkind.Wrap(errkind.IO, "reset doc log", err)
		}
		return nil
	})
}
