// Package boltkv is a bbolt-backed key-value store for tether snapshots and queues.
package boltkv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// ErrClosed is returned when operating on a closed database.
var ErrClosed = errors.New("boltkv: database is closed")

// DB wraps a bbolt database with a single key-value bucket.
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltkv: create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltkv: create bucket: %w", err)
	}

	return &DB{db: db}, nil
}

// Read returns the value stored under key. The returned slice is a copy
// and stays valid after the transaction ends.
func (d *DB) Read(key string) ([]byte, bool, error) {
	if d.db == nil {
		return nil, false, ErrClosed
	}

	var out []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("boltkv: read %s: %w", key, err)
	}
	return out, out != nil, nil
}

// Write stores value under key in its own transaction.
func (d *DB) Write(key string, value []byte) error {
	if d.db == nil {
		return ErrClosed
	}

	err := d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("boltkv: write %s: %w", key, err)
	}
	return nil
}

// Keys lists keys with the given prefix in byte order.
func (d *DB) Keys(prefix string) ([]string, error) {
	if d.db == nil {
		return nil, ErrClosed
	}

	var keys []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltkv: list keys: %w", err)
	}
	return keys, nil
}

// Ping verifies the database is open and its bucket readable.
func (d *DB) Ping() error {
	if d.db == nil {
		return ErrClosed
	}
	return d.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketKV) == nil {
			return fmt.Errorf("boltkv: bucket %s missing", bucketKV)
		}
		return nil
	})
}

// Close closes the database. Safe to call more than once.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
