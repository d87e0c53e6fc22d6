package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps each collection in its own bucket of an embedded bbolt
// file. The file is locked by one process at a time, so it suits the
// manager registry but not workers sharing data with each other.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Collection(name string) Collection {
	return &boltCollection{db: s.db, name: name}
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltCollection struct {
	db   *bolt.DB
	name string
}

func (c *boltCollection) Name() string {
	return c.name
}

func (c *boltCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := validCollection(c.name); err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(c.name))
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", c.name, err)
		}
		for _, d := range docs {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *boltCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	var out []Document
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			doc, err := decodeBytes(v)
			if err != nil {
				return err
			}
			if Match(doc, f) {
				out = append(out, doc)
			}
			return nil
		})
	})
	return out, err
}

func (c *boltCollection) DeleteOne(ctx context.Context, f Filter) (Document, error) {
	var removed Document
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return ErrNotFound
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			doc, err := decodeBytes(v)
			if err != nil {
				return err
			}
			if Match(doc, f) {
				removed = doc
				return cur.Delete()
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *boltCollection) Count(ctx context.Context, f Filter) (int, error) {
	docs, err := c.Find(ctx, f)
	return len(docs), err
}

// seqKey renders a sequence as a big-endian key so ForEach yields
// insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
