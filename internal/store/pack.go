package store

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// compactTxMaxSize caps each copy transaction during compaction.
const compactTxMaxSize = 64 << 20

// PackStats describes what Pack reclaimed.
type PackStats struct {
	BytesBefore  int64
	BytesAfter   int64
	BlobsRemoved int
	BlobBytes    int64
}

// Pack rewrites data.db without free pages and deletes blobs that no data
// entry references. The store stays locked throughout.
func (db *DB) Pack() (PackStats, error) {
	var stats PackStats
	if db.bdb == nil {
		return stats, ErrClosed
	}

	dataPath := filepath.Join(db.dir, DataFile)
	before, err := os.Stat(dataPath)
	if err != nil {
		return stats, err
	}
	stats.BytesBefore = before.Size()

	if err := db.compact(dataPath); err != nil {
		return stats, err
	}

	removed, removedBytes, err := db.sweepBlobs()
	if err != nil {
		return stats, err
	}
	stats.BlobsRemoved = removed
	stats.BlobBytes = removedBytes

	after, err := os.Stat(dataPath)
	if err != nil {
		return stats, err
	}
	stats.BytesAfter = after.Size()

	log.Debugf("packed %s: %d -> %d bytes, %d blobs removed", db.dir, stats.BytesBefore, stats.BytesAfter, stats.BlobsRemoved)
	return stats, nil
}

func (db *DB) compact(dataPath string) error {
	tmpPath := dataPath + ".pack"
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale %s: %w", tmpPath, err)
	}

	dst, err := bolt.Open(tmpPath, 0644, &bolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return fmt.Errorf("open %s: %w", tmpPath, err)
	}
	if err := bolt.Compact(dst, db.bdb, compactTxMaxSize); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := db.bdb.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", DataFile, err)
	}
	db.bdb = nil

	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		if bdb, rerr := openBolt(dataPath); rerr == nil {
			db.bdb = bdb
		}
		return fmt.Errorf("replace %s: %w", DataFile, err)
	}

	bdb, err := openBolt(dataPath)
	if err != nil {
		return err
	}
	db.bdb = bdb
	return nil
}

func (db *DB) sweepBlobs() (removed int, removedBytes int64, err error) {
	live := make(map[string]struct{})
	unreadable := 0
	err = db.View(func(tx *Tx) error {
		return tx.ForEach(Data, func(key string, value []byte) error {
			e, err := DecodeEntry(value)
			if err != nil {
				log.Debugf("pack: unreadable entry %s: %v", key, err)
				unreadable++
				return nil
			}
			if e.Kind == KindBlob {
				live[e.Digest] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	// an unreadable entry may still point at any blob
	if unreadable > 0 {
		log.Debugf("pack: %d unreadable entries in %s, blobs left in place", unreadable, db.dir)
		return 0, 0, nil
	}

	var dead []string
	var deadBytes int64
	err = db.blobs.Walk(func(digest string, size int64) error {
		if _, ok := live[digest]; !ok {
			dead = append(dead, digest)
			deadBytes += size
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("walk blobs: %w", err)
	}

	for _, digest := range dead {
		if err := db.blobs.Remove(digest); err != nil {
			return removed, removedBytes, fmt.Errorf("remove blob %s: %w", digest, err)
		}
		removed++
	}
	return removed, deadBytes, nil
}
