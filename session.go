package resultcache

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aweris/resultcache/internal/store"
)

// A process holds at most one batch session. reserved is set from the
// start of Begin, active only once the store is open.
var (
	sessionMu sync.Mutex
	reserved  bool
	active    *Session
)

func activeSessionFor(path string) *Session {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if active == nil || !samePath(active.path, path) {
		return nil
	}
	return active
}

func reserveSession() bool {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if reserved {
		return false
	}
	reserved = true
	return true
}

func setActive(s *Session) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	active = s
	reserved = s != nil
}

// Session keeps one store open across many operations. Only one Session can
// be open per process; Begin fails with ErrSessionActive while another is
// open. While a Session is open, Cache calls that address its store reuse
// its connection.
//
// A Session is not safe for concurrent use.
type Session struct {
	cache  *Cache
	path   string
	db     *store.DB
	closed bool
}

type sessionOptions struct {
	create bool
}

// SessionOption configures Begin.
type SessionOption func(*sessionOptions)

// CreateIfMissing lets Begin initialize a store that does not exist yet.
func CreateIfMissing() SessionOption {
	return func(o *sessionOptions) { o.create = true }
}

// Begin opens the store at path and holds it until Close.
func (c *Cache) Begin(ctx context.Context, path string, opts ...SessionOption) (*Session, error) {
	var so sessionOptions
	for _, opt := range opts {
		opt(&so)
	}

	if !reserveSession() {
		return nil, ErrSessionActive
	}

	abs, err := absPath(path)
	if err != nil {
		setActive(nil)
		return nil, err
	}
	s := &Session{cache: c, path: abs}
	db, err := c.open(ctx, s.path, so.create)
	if err != nil {
		setActive(nil)
		return nil, err
	}
	s.db = db
	setActive(s)

	log.Debugf("batch session started on %s", s.path)
	return s, nil
}

// Batch runs fn inside a Session on path. The session is closed however fn
// returns, including by panic.
func (c *Cache) Batch(ctx context.Context, path string, fn func(*Session) error, opts ...SessionOption) (err error) {
	s, err := c.Begin(ctx, path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Path returns the absolute path of the store the session holds.
func (s *Session) Path() string { return s.path }

// Close releases the store and its lock.
func (s *Session) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	defer setActive(nil)

	log.Debugf("batch session on %s closed", s.path)
	return s.cache.close(s.db)
}

func (s *Session) check() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) key(cfg Config) (string, error) {
	path, key, err := s.cache.Address(cfg)
	if err != nil {
		return "", err
	}
	if !samePath(path, s.path) {
		return "", fmt.Errorf("%w: %s is not %s", ErrWrongStore, path, s.path)
	}
	return key, nil
}

// Save stores cfg and payload in the session's store.
func (s *Session) Save(cfg Config, payload any) error {
	if err := s.check(); err != nil {
		return err
	}
	key, err := s.key(cfg)
	if err != nil {
		return err
	}
	return saveTo(s.db, cfg, key, payload, s.cache.opts.UseBlob)
}

// Load decodes the payload saved for cfg into v.
func (s *Session) Load(cfg Config, v any) error {
	if err := s.check(); err != nil {
		return err
	}
	key, err := s.key(cfg)
	if err != nil {
		return err
	}
	return loadFrom(s.db, key, v)
}

// LoadByKey decodes the payload stored under key into v.
func (s *Session) LoadByKey(key string, v any) error {
	if err := s.check(); err != nil {
		return err
	}
	return loadFrom(s.db, key, v)
}

// LoadConfigByKey returns the config stored under key.
func (s *Session) LoadConfigByKey(key string) (Config, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return loadConfigFrom(s.db, key)
}

// Exists reports whether a result for cfg has been saved.
func (s *Session) Exists(cfg Config) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	key, err := s.key(cfg)
	if err != nil {
		return false, err
	}
	return existsIn(s.db, key, s.cache.opts.StrictExists)
}

// ExistsKey is Exists for a known content key.
func (s *Session) ExistsKey(key string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return existsIn(s.db, key, s.cache.opts.StrictExists)
}

// ListAll returns every config in the session's store.
func (s *Session) ListAll() ([]IDLinkedConfig, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return listFrom(s.db)
}
