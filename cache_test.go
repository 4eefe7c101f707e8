package resultcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aweris/resultcache/internal/store"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	return New(append([]Option{WithRoot(t.TempDir())}, opts...)...)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	want := result{Name: "a", Loss: 1.5, Steps: []int{4, 5}}

	for _, useBlob := range []bool{true, false} {
		c := newTestCache(t, WithLargeObjects(useBlob))
		cfg := Config{"db_folder": "x", "lr": 0.1, "seed": 7}

		require.NoError(t, c.Save(ctx, cfg, want))

		var got result
		require.NoError(t, c.Load(ctx, cfg, &got))
		require.Equal(t, want, got)
	}
}

func TestSaveLargePayload(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "big", "n": 1}

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	require.NoError(t, c.Save(ctx, cfg, payload))

	var got []byte
	require.NoError(t, c.Load(ctx, cfg, &got))
	require.Equal(t, payload, got)

	path, _, err := c.Address(cfg)
	require.NoError(t, err)
	db, err := store.Open(ctx, path, store.Options{})
	require.NoError(t, err)
	defer db.Close()

	var blobs int
	require.NoError(t, db.Blobs().Walk(func(digest string, size int64) error {
		blobs++
		require.Less(t, size, int64(len(payload)))
		return nil
	}))
	require.Equal(t, 1, blobs)
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "x", "n": 1}

	require.NoError(t, c.Save(ctx, cfg, []int{1}))
	require.NoError(t, c.Save(ctx, cfg, []int{2}))

	path, _, err := c.Address(cfg)
	require.NoError(t, err)
	entries, err := c.ListAll(ctx, path)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got []int
	require.NoError(t, c.Load(ctx, cfg, &got))
	require.Equal(t, []int{2}, got)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	ok, err := c.Exists(ctx, Config{"db_folder": "x", "n": 1})
	require.NoError(t, err)
	require.False(t, ok)

	path, _, err := c.Address(Config{"db_folder": "x"})
	require.NoError(t, err)
	require.NoDirExists(t, path)
	require.False(t, c.StoreExists(path))
	require.Zero(t, c.Stats().Opens)

	require.NoError(t, c.Save(ctx, Config{"db_folder": "x", "n": 1}, "done"))
	require.True(t, c.StoreExists(path))

	ok, err = c.Exists(ctx, Config{"db_folder": "x", "n": 1})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Exists(ctx, Config{"db_folder": "x", "n": 2})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Exists(ctx, Config{"n": 1})
	require.ErrorIs(t, err, ErrMissingRoutingKey)
}

// writeConfigOnly leaves a store with a config but no data record.
func writeConfigOnly(t *testing.T, c *Cache, cfg Config) (path, key string) {
	t.Helper()
	path, key, err := c.Address(cfg)
	require.NoError(t, err)

	raw, err := canonicalJSON(cfg)
	require.NoError(t, err)

	db, err := store.Open(context.Background(), path, store.Options{Create: true})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *store.Tx) error {
		return tx.Put(store.Configs, key, raw)
	}))
	require.NoError(t, db.Close())
	return path, key
}

func TestPartialWrite(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "x", "n": 1}
	_, key := writeConfigOnly(t, c, cfg)

	var v string
	err := c.Load(ctx, cfg, &v)
	require.ErrorIs(t, err, ErrKeyNotFound)

	var knf *KeyNotFoundError
	require.True(t, errors.As(err, &knf))
	require.Equal(t, store.Data, knf.Collection)
	require.Equal(t, key, knf.Key)

	ok, err := c.Exists(ctx, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	strict := New(WithRoot(c.Options().Root), WithStrictExists(true))
	ok, err = strict.Exists(ctx, cfg)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var v string
	err := c.Load(ctx, Config{"db_folder": "x", "n": 1}, &v)
	require.ErrorIs(t, err, ErrStoreNotFound)

	require.NoError(t, c.Save(ctx, Config{"db_folder": "x", "n": 1}, "a"))

	err = c.Load(ctx, Config{"db_folder": "x", "n": 2}, &v)
	require.ErrorIs(t, err, ErrKeyNotFound)
	var knf *KeyNotFoundError
	require.True(t, errors.As(err, &knf))
	require.Equal(t, store.Configs, knf.Collection)
}

func TestLoadByKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "x", "n": 1, "tags": []string{"a", "b"}}
	require.NoError(t, c.Save(ctx, cfg, map[string]string{"k": "v"}))

	path, key, err := c.Address(cfg)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, c.LoadByKey(ctx, path, key, &got))
	require.Equal(t, map[string]string{"k": "v"}, got)

	stored, err := c.LoadConfigByKey(ctx, path, key)
	require.NoError(t, err)
	require.Equal(t, "x", stored["db_folder"])
	require.Equal(t, json.Number("1"), stored["n"])
	require.Equal(t, []any{"a", "b"}, stored["tags"])

	_, err = c.LoadConfigByKey(ctx, path, "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestListAllKeysMatchConfigs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	for _, cfg := range []Config{
		{"db_folder": "x", "n": 1, "lr": 0.5},
		{"db_folder": "x", "n": 2, "lr": 0.25, "opt": map[string]any{"name": "adam"}},
		{"db_folder": "x", "n": 3, "flag": true, "none": nil},
	} {
		require.NoError(t, c.Save(ctx, cfg, "ok"))
	}

	path, _, err := c.Address(Config{"db_folder": "x"})
	require.NoError(t, err)

	entries, err := c.ListAll(ctx, path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, e := range entries {
		if i > 0 {
			require.Less(t, entries[i-1].ID, e.ID)
		}
		key, err := ContentKey(e.Config, c.Options().RoutingKeys)
		require.NoError(t, err)
		require.Equal(t, e.ID, key)
	}
}

func TestPackRemovesOverwrittenBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "x", "n": 1}

	require.NoError(t, c.Save(ctx, cfg, bytes.Repeat([]byte("a"), 4096)))
	require.NoError(t, c.Save(ctx, cfg, bytes.Repeat([]byte("b"), 4096)))

	path, _, err := c.Address(cfg)
	require.NoError(t, err)

	stats, err := c.Pack(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlobsRemoved)
	require.LessOrEqual(t, stats.BytesAfter, stats.BytesBefore)

	var got []byte
	require.NoError(t, c.Load(ctx, cfg, &got))
	require.Equal(t, bytes.Repeat([]byte("b"), 4096), got)

	_, err = c.Pack(ctx, filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrStoreNotFound)
}

func TestOpenCloseCounts(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	cfg := Config{"db_folder": "x", "n": 1}

	require.NoError(t, c.Save(ctx, cfg, 1))
	var v int
	require.NoError(t, c.Load(ctx, cfg, &v))
	_, err := c.Exists(ctx, cfg)
	require.NoError(t, err)

	require.Equal(t, Stats{Opens: 3, Closes: 3}, c.Stats())
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, WithLockTimeout(100*time.Millisecond))
	cfg := Config{"db_folder": "x", "n": 1}
	require.NoError(t, c.Save(ctx, cfg, 1))

	path, _, err := c.Address(cfg)
	require.NoError(t, err)
	holder, err := store.Open(ctx, path, store.Options{})
	require.NoError(t, err)

	err = c.Save(ctx, cfg, 2)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, holder.Close())
	require.NoError(t, c.Save(ctx, cfg, 2))
}

const helperStoreEnv = "RESULTCACHE_TEST_HOLD_STORE"

// TestHelperHoldLock runs only as a child of TestCrossProcessLock. It holds
// the store until the release file appears.
func TestHelperHoldLock(t *testing.T) {
	dir := os.Getenv(helperStoreEnv)
	if dir == "" {
		t.Skip("helper process")
	}

	db, err := store.Open(context.Background(), dir, store.Options{Create: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir+".held", nil, 0o644))

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dir + ".release"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, db.Close())
}

func TestCrossProcessLock(t *testing.T) {
	if os.Getenv(helperStoreEnv) != "" {
		t.Skip("inside helper")
	}
	ctx := context.Background()
	c := newTestCache(t, WithLockTimeout(200*time.Millisecond))
	cfg := Config{"db_folder": "shared", "n": 1}
	path, _, err := c.Address(cfg)
	require.NoError(t, err)

	child := exec.Command(os.Args[0], "-test.run=^TestHelperHoldLock$")
	child.Env = append(os.Environ(), helperStoreEnv+"="+path)
	require.NoError(t, child.Start())
	t.Cleanup(func() {
		os.WriteFile(path+".release", nil, 0o644)
		child.Wait()
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path + ".held")
		return err == nil
	}, 30*time.Second, 10*time.Millisecond)

	err = c.Save(ctx, cfg, "blocked")
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, os.WriteFile(path+".release", nil, 0o644))
	require.NoError(t, child.Wait())

	require.NoError(t, c.Save(ctx, cfg, "after"))
	var got string
	require.NoError(t, c.Load(ctx, cfg, &got))
	require.Equal(t, "after", got)
}
