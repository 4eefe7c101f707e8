package resultcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/aweris/resultcache/internal/store"
)

// Cache saves and loads experiment results keyed by their configs.
//
// Every call opens the target store, holds its lock for the duration of the
// call and closes it again, unless a Session on that store is active in this
// process, in which case the session's connection is used instead.
type Cache struct {
	opts   *Options
	opens  atomic.Int64
	closes atomic.Int64
}

// Stats counts store connections made by a Cache.
type Stats struct {
	Opens  int64
	Closes int64
}

// PackStats describes what Pack reclaimed.
type PackStats = store.PackStats

// New creates a Cache.
func New(opts ...Option) *Cache {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Cache{opts: options}
}

// Options returns a copy of the cache configuration.
func (c *Cache) Options() Options {
	o := *c.opts
	o.RoutingKeys = append([]string(nil), c.opts.RoutingKeys...)
	return o
}

// Stats reports how many stores this Cache has opened and closed.
func (c *Cache) Stats() Stats {
	return Stats{Opens: c.opens.Load(), Closes: c.closes.Load()}
}

// Address returns the store path and content key for cfg.
func (c *Cache) Address(cfg Config) (path, key string, err error) {
	return c.addressIn(cfg, "")
}

func (c *Cache) addressIn(cfg Config, subfolder string) (path, key string, err error) {
	if subfolder == "" {
		subfolder = c.opts.Subfolder
	}
	root, err := c.opts.root()
	if err != nil {
		return "", "", fmt.Errorf("resolve root: %w", err)
	}
	return FolderAndKey(cfg, root, subfolder, c.opts.RoutingKeys)
}

// StoreExists reports whether a store has been created at path.
func (c *Cache) StoreExists(path string) bool {
	return store.Exists(path)
}

// Save stores cfg and payload under cfg's content key, creating the store if
// needed. Both collections are written in one transaction.
func (c *Cache) Save(ctx context.Context, cfg Config, payload any) error {
	path, key, err := c.Address(cfg)
	if err != nil {
		return err
	}
	return c.withStore(ctx, path, true, func(db *store.DB) error {
		return saveTo(db, cfg, key, payload, c.opts.UseBlob)
	})
}

// Load decodes the payload saved for cfg into v.
func (c *Cache) Load(ctx context.Context, cfg Config, v any) error {
	path, key, err := c.Address(cfg)
	if err != nil {
		return err
	}
	return c.LoadByKey(ctx, path, key, v)
}

// LoadByKey decodes the payload stored under key in the store at path into
// v. Keys stay loadable even if the hashing scheme changes later.
func (c *Cache) LoadByKey(ctx context.Context, path, key string, v any) error {
	return c.withStore(ctx, path, false, func(db *store.DB) error {
		return loadFrom(db, key, v)
	})
}

// LoadConfigByKey returns the config stored under key in the store at path.
func (c *Cache) LoadConfigByKey(ctx context.Context, path, key string) (Config, error) {
	var cfg Config
	err := c.withStore(ctx, path, false, func(db *store.DB) (err error) {
		cfg, err = loadConfigFrom(db, key)
		return err
	})
	return cfg, err
}

// Exists reports whether a result for cfg has been saved. Only the configs
// collection is consulted unless WithStrictExists is set. A missing store
// means false; Exists never creates one.
func (c *Cache) Exists(ctx context.Context, cfg Config) (bool, error) {
	path, key, err := c.Address(cfg)
	if err != nil {
		return false, err
	}
	if activeSessionFor(path) == nil && !store.Exists(path) {
		return false, nil
	}
	var ok bool
	err = c.withStore(ctx, path, false, func(db *store.DB) (err error) {
		ok, err = existsIn(db, key, c.opts.StrictExists)
		return err
	})
	return ok, err
}

// ListAll returns every config stored at path, ordered by content key.
func (c *Cache) ListAll(ctx context.Context, path string) ([]IDLinkedConfig, error) {
	var out []IDLinkedConfig
	err := c.withStore(ctx, path, false, func(db *store.DB) (err error) {
		out, err = listFrom(db)
		return err
	})
	return out, err
}

// Pack compacts the store at path and removes large objects no record
// references any more.
func (c *Cache) Pack(ctx context.Context, path string) (PackStats, error) {
	var stats PackStats
	err := c.withStore(ctx, path, false, func(db *store.DB) (err error) {
		stats, err = db.Pack()
		return err
	})
	return stats, err
}

// withStore runs fn against the store at path, reusing this process's active
// session when it targets the same store.
func (c *Cache) withStore(ctx context.Context, path string, create bool, fn func(*store.DB) error) (err error) {
	if s := activeSessionFor(path); s != nil {
		return fn(s.db)
	}

	db, err := c.open(ctx, path, create)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.close(db); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

func (c *Cache) open(ctx context.Context, path string, create bool) (*store.DB, error) {
	db, err := store.Open(ctx, path, c.opts.storeOptions(create))
	if err != nil {
		return nil, err
	}
	c.opens.Add(1)
	return db, nil
}

func (c *Cache) close(db *store.DB) error {
	c.closes.Add(1)
	return db.Close()
}

func saveTo(db *store.DB, cfg Config, key string, payload any, useBlob bool) error {
	rec, err := EncodeRecord(payload, useBlob)
	if err != nil {
		return err
	}
	cfgJSON, err := canonicalJSON(map[string]any(cfg))
	if err != nil {
		return err
	}

	err = db.Update(func(tx *store.Tx) error {
		if err := tx.Put(store.Configs, key, cfgJSON); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		if err := putRecord(db, tx, key, rec); err != nil {
			return fmt.Errorf("write data: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	log.Debugf("saved %s (%s, %d bytes) in %s", key, rec.Kind, len(rec.Bytes), db.Dir())
	return nil
}

func loadFrom(db *store.DB, key string, v any) error {
	return db.View(func(tx *store.Tx) error {
		ok, err := tx.Has(store.Configs, key)
		if err != nil {
			return err
		}
		if !ok {
			return &KeyNotFoundError{Collection: store.Configs, Key: key}
		}
		rec, err := getRecord(db, tx, key)
		if err != nil {
			return err
		}
		return rec.Decode(v)
	})
}

func loadConfigFrom(db *store.DB, key string) (Config, error) {
	var cfg Config
	err := db.View(func(tx *store.Tx) error {
		raw, err := tx.Get(store.Configs, key)
		if err != nil {
			return err
		}
		if raw == nil {
			return &KeyNotFoundError{Collection: store.Configs, Key: key}
		}
		cfg, err = decodeConfig(raw)
		return err
	})
	return cfg, err
}

func existsIn(db *store.DB, key string, strict bool) (bool, error) {
	var ok bool
	err := db.View(func(tx *store.Tx) (err error) {
		ok, err = tx.Has(store.Configs, key)
		if err != nil || !ok || !strict {
			return err
		}
		ok, err = tx.Has(store.Data, key)
		return err
	})
	return ok, err
}

func listFrom(db *store.DB) ([]IDLinkedConfig, error) {
	var out []IDLinkedConfig
	err := db.View(func(tx *store.Tx) error {
		return tx.ForEach(store.Configs, func(key string, value []byte) error {
			cfg, err := decodeConfig(value)
			if err != nil {
				return fmt.Errorf("config %s: %w", key, err)
			}
			out = append(out, IDLinkedConfig{ID: key, Config: cfg})
			return nil
		})
	})
	return out, err
}

// decodeConfig keeps numbers as json.Number so a listed config hashes to the
// same key it was stored under.
func decodeConfig(raw []byte) (Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cfg, nil
}

// samePath compares store paths after resolving them against the working
// directory.
func samePath(a, b string) bool {
	absA, err := absPath(a)
	if err != nil {
		return false
	}
	absB, err := absPath(b)
	if err != nil {
		return false
	}
	return absA == absB
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}
