// Package store implements the on-disk persistence layer for result stores.
//
// Each store is a directory:
//
//	<dir>/
//	  data.db       bbolt file with the "configs" and "data" buckets
//	  blobs/
//	    ab/cd123...  (large objects, named by content digest)
//	  access.lock   cross-process lock, held while the store is open
//
// A DB holds the lock for its whole lifetime. Opening blocks until the lock
// is free unless Options.LockTimeout is set.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	DataFile = "data.db"
	BlobDir  = "blobs"
	LockFile = "access.lock"
)

// Collection names. Both are keyed by content key.
const (
	Configs = "configs"
	Data    = "data"
)

var collections = []string{Configs, Data}

var (
	ErrNotFound     = errors.New("resultcache: store not found")
	ErrLockTimeout  = errors.New("resultcache: timed out waiting for store lock")
	ErrBlobNotFound = errors.New("resultcache: blob not found")
	ErrClosed       = errors.New("resultcache: store is closed")
)

const (
	defaultCacheSize = 64
	boltLockTimeout  = 5 * time.Second
)

// Options configures Open.
type Options struct {
	// Create allows Open to initialize a store that does not exist yet.
	Create bool
	// LockTimeout bounds the wait for the store lock. Zero waits forever.
	LockTimeout time.Duration
	// Compression enables zstd for large objects.
	Compression      bool
	CompressionLevel int
	// CacheSize is the number of decoded blobs kept in memory per open store.
	CacheSize int
}

// DB is an open, locked store.
type DB struct {
	dir   string
	bdb   *bolt.DB
	blobs *BlobStore
	lock  *Lock
	opts  Options

	// set by Close; bdb alone can be nil earlier if Pack failed to reopen
	closed bool
}

// Exists reports whether dir holds a store.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, DataFile))
	return err == nil && info.Mode().IsRegular()
}

// Open locks the store at dir and attaches to it.
func Open(ctx context.Context, dir string, opts Options) (*DB, error) {
	dir = filepath.Clean(dir)

	if !Exists(dir) && !opts.Create {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	lock, err := AcquireLock(ctx, filepath.Join(dir, LockFile), opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	db, err := attach(dir, lock, opts)
	if err != nil {
		if rerr := lock.Release(); rerr != nil {
			log.Debugf("release %s after failed open: %v", lock.Path(), rerr)
		}
		return nil, err
	}

	log.Debugf("opened store %s", dir)
	return db, nil
}

func attach(dir string, lock *Lock, opts Options) (*DB, error) {
	bdb, err := openBolt(filepath.Join(dir, DataFile))
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	blobs, err := NewBlobStore(filepath.Join(dir, BlobDir), cacheSize, opts.CompressionLevel, opts.Compression)
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{
		dir:   dir,
		bdb:   bdb,
		blobs: blobs,
		lock:  lock,
		opts:  opts,
	}, nil
}

var boltOpen = bolt.Open

func openBolt(path string) (*bolt.DB, error) {
	// bbolt flocks data.db too; access.lock is always taken first.
	bdb, err := boltOpen(path, 0644, &bolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return bdb, nil
}

// Dir returns the store directory.
func (db *DB) Dir() string { return db.dir }

// Blobs returns the large-object store.
func (db *DB) Blobs() *BlobStore { return db.blobs }

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	if db.bdb == nil {
		return ErrClosed
	}
	return db.bdb.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Update runs fn in a read-write transaction and commits it if fn returns nil.
func (db *DB) Update(fn func(*Tx) error) error {
	if db.bdb == nil {
		return ErrClosed
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Close detaches from the store, releases the lock and returns freed memory
// to the OS.
func (db *DB) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var errs []error
	if db.bdb != nil {
		if err := db.bdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", DataFile, err))
		}
		db.bdb = nil
	}
	if err := db.blobs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close blobs: %w", err))
	}
	if err := db.lock.Release(); err != nil {
		errs = append(errs, err)
	}

	debug.FreeOSMemory()
	log.Debugf("closed store %s", db.dir)
	return errors.Join(errs...)
}
