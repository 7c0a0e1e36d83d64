package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"
	"go.uber.org/atomic"
)

const boltFileMode os.FileMode = 0o600

var defaultBoltOptions = &bbolt.Options{Timeout: 5 * time.Second, NoGrowSync: true}

// Bolt is a durable Store backed by a bbolt file with one bucket per
// namespace. It keeps applied state across restarts so a controller can
// report what it already holds instead of pulling everything again.
type Bolt struct {
	db     *bbolt.DB
	path   string
	closed *atomic.Bool
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory for %s: %w", path, err)
	}
	opts := *defaultBoltOptions
	db, err := bbolt.Open(path, boltFileMode, &opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening boltdb: %w", err)
	}
	return &Bolt{db: db, path: path, closed: atomic.NewBool(false)}, nil
}

func (s *Bolt) Path() string { return s.path }

func (s *Bolt) Put(ctx context.Context, ns, key, hash string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return fmt.Errorf("store: bucket %q: %w", ns, err)
		}
		return bucket.Put([]byte(key), encodeValue(hash, data))
	})
}

func (s *Bolt) Get(ctx context.Context, ns, key string) (Object, error) {
	if err := s.check(ctx); err != nil {
		return Object{}, err
	}
	obj := Object{Namespace: ns, Key: key}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		obj.Hash, obj.Data, err = decodeValue(raw)
		return err
	})
	if err != nil {
		return Object{}, err
	}
	return obj, nil
}

func (s *Bolt) Delete(ctx context.Context, ns, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *Bolt) HashState(ctx context.Context, ns string) (map[string]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ns))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			hash, _, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("store: %s/%s: %w", ns, k, err)
			}
			out[string(k)] = hash
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close is idempotent. The file is kept.
func (s *Bolt) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Bolt) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return contextErr(ctx)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
