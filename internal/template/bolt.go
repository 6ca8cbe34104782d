package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pii-engine/internal/logger"
)

const boltBucket = "templates"

// boltStore keeps one JSON record per template id in an embedded bbolt
// database. The file is created at the given path if it does not exist.
type boltStore struct {
	db    *bolt.DB
	locks Locks
}

// OpenBolt opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func OpenBolt(path string, log *logger.Logger) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	log.Infof("store_open", "bbolt template store opened at %s", path)
	return &boltStore{db: db}, nil
}

func (s *boltStore) Load(_ context.Context, ref Ref) (Template, error) {
	var (
		out   Template
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if ref.ID != "" {
			v := b.Get([]byte(ref.ID))
			if v == nil {
				return nil
			}
			found = true
			return json.Unmarshal(v, &out)
		}
		if ref.Name == "" {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var t Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Name == ref.Name && (!found || newer(t, out)) {
				out, found = t, true
			}
			return nil
		})
	})
	if err != nil {
		return Template{}, fmt.Errorf("load template %s: %w", ref, err)
	}
	if !found {
		return Template{}, notFound(ref)
	}
	return out, nil
}

// Save reads, checks and writes inside one bbolt write transaction.
func (s *boltStore) Save(_ context.Context, t Template) (Template, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	unlock := s.locks.Lock(t.ID)
	defer unlock()

	var saved Template
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var cur *Template
		if v := b.Get([]byte(t.ID)); v != nil {
			cur = &Template{}
			if err := json.Unmarshal(v, cur); err != nil {
				return fmt.Errorf("decode stored template: %w", err)
			}
		}
		var err error
		saved, err = next(cur, t, time.Now().UTC())
		if err != nil {
			return err
		}
		data, err := json.Marshal(saved)
		if err != nil {
			return err
		}
		return b.Put([]byte(saved.ID), data)
	})
	if err != nil {
		return Template{}, fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return saved, nil
}

func (s *boltStore) List(_ context.Context) ([]Template, error) {
	var out []Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(_, v []byte) error {
			var t Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	sortByCreation(out)
	return out, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
