package resultcache

import (
	"errors"
	"fmt"

	"github.com/aweris/resultcache/internal/store"
)

var (
	ErrMissingRoutingKey   = errors.New("resultcache: config is missing routing key")
	ErrInvalidRoutingValue = errors.New("resultcache: routing value is not a single path segment")
	ErrStoreNotFound       = store.ErrNotFound
	ErrKeyNotFound         = errors.New("resultcache: key not found")
	ErrDecode              = errors.New("resultcache: cannot decode record")
	ErrLockTimeout         = store.ErrLockTimeout
	ErrSessionActive       = errors.New("resultcache: a batch session is already active")
	ErrSessionClosed       = errors.New("resultcache: batch session is closed")
	ErrWrongStore          = errors.New("resultcache: config belongs to a different store")
)

// KeyNotFoundError reports which collection lacked a content key.
type KeyNotFoundError struct {
	Collection string
	Key        string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("resultcache: key %s not found in %s", e.Key, e.Collection)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}
