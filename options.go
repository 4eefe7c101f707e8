package resultcache

import (
	"os"
	"time"

	"github.com/aweris/resultcache/internal/store"
)

// Options configures a Cache.
type Options struct {
	// Root is the directory stores are addressed under. Empty means the
	// working directory at the time of each call.
	Root        string
	Subfolder   string
	RoutingKeys []string

	UseBlob      bool
	StrictExists bool

	LockTimeout      time.Duration
	Compression      bool
	CompressionLevel int
	CacheSize        int
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Subfolder:        DefaultSubfolder,
		RoutingKeys:      []string{DefaultRoutingKey},
		UseBlob:          true,
		Compression:      true,
		CompressionLevel: 2,
	}
}

// WithRoot sets the directory stores are addressed under.
func WithRoot(dir string) Option {
	return func(o *Options) { o.Root = dir }
}

// WithSubfolder sets the folder between the root and the routing-key path.
func WithSubfolder(name string) Option {
	return func(o *Options) { o.Subfolder = name }
}

// WithRoutingKeys sets which config keys pick the store path. They are
// removed before hashing.
func WithRoutingKeys(keys ...string) Option {
	return func(o *Options) { o.RoutingKeys = append([]string(nil), keys...) }
}

// WithLargeObjects selects the large-object representation for payloads
// (the default) or inline storage when false.
func WithLargeObjects(enabled bool) Option {
	return func(o *Options) { o.UseBlob = enabled }
}

// WithStrictExists makes Exists require the data record too, not only the
// config.
func WithStrictExists(enabled bool) Option {
	return func(o *Options) { o.StrictExists = enabled }
}

// WithLockTimeout bounds how long opening a store waits for its lock.
// Zero, the default, waits indefinitely.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.LockTimeout = d }
}

// WithCompression sets zstd compression of large objects. Level 1 is
// fastest, 4 compresses best.
func WithCompression(enabled bool, level int) Option {
	return func(o *Options) {
		o.Compression = enabled
		o.CompressionLevel = level
	}
}

// WithCacheSize sets how many decoded large objects an open store keeps in
// memory.
func WithCacheSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.CacheSize = n
		}
	}
}

func (o *Options) root() (string, error) {
	if o.Root != "" {
		return o.Root, nil
	}
	return os.Getwd()
}

func (o *Options) storeOptions(create bool) store.Options {
	return store.Options{
		Create:           create,
		LockTimeout:      o.LockTimeout,
		Compression:      o.Compression,
		CompressionLevel: o.CompressionLevel,
		CacheSize:        o.CacheSize,
	}
}
