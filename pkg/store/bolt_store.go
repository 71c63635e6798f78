package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/filecenter/pkg/xerrors"
)

var (
	bucketMeta    = []byte("meta")
	bucketRecords = []byte("records")
	bucketHashes  = []byte("hashes")
	bucketChunks  = []byte("chunks")

	metaNextIDKey = []byte("next-id")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
	Now     func() time.Time
}

// BoltStore persists file records in BoltDB. Bolt's single-writer
// transactions provide the atomic check-and-consume and find-or-insert
// the record contract requires.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a Bolt-backed record store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: open", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	store := &BoltStore{cfg: cfg, db: db, now: now}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketRecords, bucketHashes, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaNextIDKey) == nil {
			return meta.Put(metaNextIDKey, encodeUint64(1))
		}
		return nil
	})
	return xerrors.Wrap(xerrors.KindUnavailable, "boltdb: init", err)
}

func (b *BoltStore) AllocateID(ctx context.Context) (ID, error) {
	var id ID
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		cur := decodeUint64(meta.Get(metaNextIDKey))
		if err := meta.Put(metaNextIDKey, encodeUint64(cur+1)); err != nil {
			return err
		}
		id = ID(cur)
		return nil
	})
	return id, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: allocate id", err)
}

func (b *BoltStore) FindByHash(ctx context.Context, hash []byte) (ID, bool, error) {
	var id ID
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHashes).Get(hash); v != nil {
			id = ID(decodeUint64(v))
			found = true
		}
		return nil
	})
	return id, found, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: find by hash", err)
}

func (b *BoltStore) Insert(ctx context.Context, rec Record) (ID, bool, error) {
	if rec.ID == 0 {
		return 0, false, xerrors.E(xerrors.KindInvalid, "boltdb: insert without allocated id")
	}
	var id ID
	var existing bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		if len(rec.Hash) > 0 {
			if v := tx.Bucket(bucketHashes).Get(rec.Hash); v != nil {
				id = ID(decodeUint64(v))
				existing = true
				return nil
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Put(idKey(rec.ID), data); err != nil {
			return err
		}
		if len(rec.Hash) > 0 {
			if err := tx.Bucket(bucketHashes).Put(rec.Hash, encodeUint64(uint64(rec.ID))); err != nil {
				return err
			}
		}
		id = rec.ID
		return nil
	})
	return id, existing, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: insert", err)
}

func (b *BoltStore) Load(ctx context.Context, id ID) (Record, error) {
	var rec Record
	var missing bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(idKey(id))
		if data == nil {
			missing = true
			return nil
		}
		decoded, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if !decoded.Temporary {
			rec = decoded
			return nil
		}
		// One transaction covers the lookup, the expiry decision, and the
		// removal, so a second concurrent reader can never observe the
		// record as still readable.
		if err := tx.Bucket(bucketRecords).Delete(idKey(id)); err != nil {
			return err
		}
		if decoded.Expired(b.now()) {
			missing = true
			return deleteChunksTx(tx, id)
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: load", err)
	}
	if missing {
		return Record{}, xerrors.E(xerrors.KindNotFound, "boltdb: load")
	}
	return rec, nil
}

func (b *BoltStore) Delete(ctx context.Context, id ID) error {
	var missing bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get(idKey(id))
		if data == nil {
			missing = true
			return nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if len(rec.Hash) > 0 {
			hashes := tx.Bucket(bucketHashes)
			if v := hashes.Get(rec.Hash); v != nil && ID(decodeUint64(v)) == id {
				if err := hashes.Delete(rec.Hash); err != nil {
					return err
				}
			}
		}
		if err := records.Delete(idKey(id)); err != nil {
			return err
		}
		return deleteChunksTx(tx, id)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindUnavailable, "boltdb: delete", err)
	}
	if missing {
		return xerrors.E(xerrors.KindNotFound, "boltdb: delete")
	}
	return nil
}

func (b *BoltStore) PutChunk(ctx context.Context, id ID, seq int, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put(chunkKey(id, seq), data)
	})
	return xerrors.Wrap(xerrors.KindUnavailable, "boltdb: put chunk", err)
}

func (b *BoltStore) GetChunk(ctx context.Context, id ID, seq int) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketChunks).Get(chunkKey(id, seq)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: get chunk", err)
	}
	if out == nil {
		return nil, xerrors.E(xerrors.KindNotFound, "boltdb: get chunk")
	}
	return out, nil
}

func (b *BoltStore) DeleteChunks(ctx context.Context, id ID) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return deleteChunksTx(tx, id)
	})
	return xerrors.Wrap(xerrors.KindUnavailable, "boltdb: delete chunks", err)
}

func (b *BoltStore) ReapExpired(ctx context.Context, limit int) (int, error) {
	now := b.now()
	var reaped int
	err := b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		var doomed []ID
		cursor := records.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if rec.Expired(now) {
				doomed = append(doomed, rec.ID)
				if limit > 0 && len(doomed) >= limit {
					break
				}
			}
		}
		for _, id := range doomed {
			if err := records.Delete(idKey(id)); err != nil {
				return err
			}
			if err := deleteChunksTx(tx, id); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	return reaped, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: reap expired", err)
}

func (b *BoltStore) OrphanChunkParents(ctx context.Context, limit int) ([]ID, error) {
	var out []ID
	err := b.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		cursor := tx.Bucket(bucketChunks).Cursor()
		var last ID
		var seen bool
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			parent := ID(decodeUint64(k[:8]))
			if seen && parent == last {
				continue
			}
			last, seen = parent, true
			if records.Get(idKey(parent)) == nil {
				out = append(out, parent)
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: orphan chunks", err)
}

func (b *BoltStore) CountRecords(ctx context.Context) (int, error) {
	var count int
	err := b.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return count, xerrors.Wrap(xerrors.KindUnavailable, "boltdb: count", err)
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func deleteChunksTx(tx *bolt.Tx, id ID) error {
	chunks := tx.Bucket(bucketChunks)
	prefix := encodeUint64(uint64(id))
	cursor := chunks.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		if err := cursor.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func idKey(id ID) []byte {
	return encodeUint64(uint64(id))
}

// chunkKey orders chunks by parent id then sequence index, so a cursor scan
// over an id prefix yields chunks in ascending order.
func chunkKey(id ID, seq int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	binary.BigEndian.PutUint32(buf[8:], uint32(seq))
	return buf
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
