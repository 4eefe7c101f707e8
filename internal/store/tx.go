package store

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack"
	bolt "go.etcd.io/bbolt"
)

// Kind tags how an Entry holds its value.
type Kind uint8

const (
	KindInline Kind = 1
	KindBlob   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindBlob:
		return "blob"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is the bucket representation of a data record. Inline entries carry
// their bytes; blob entries carry the digest of a file in the BlobStore.
type Entry struct {
	Kind   Kind   `msgpack:"k"`
	Inline []byte `msgpack:"v,omitempty"`
	Digest string `msgpack:"d,omitempty"`
	Size   int    `msgpack:"n,omitempty"`
}

// Tx is a transaction over the store's collections.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(collection string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return b, nil
}

// Get returns a copy of the value under key, or nil if absent.
func (t *Tx) Get(collection, key string) ([]byte, error) {
	b, err := t.bucket(collection)
	if err != nil {
		return nil, err
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	return bytes.Clone(v), nil
}

// Has reports whether key is present in collection.
func (t *Tx) Has(collection, key string) (bool, error) {
	b, err := t.bucket(collection)
	if err != nil {
		return false, err
	}
	return b.Get([]byte(key)) != nil, nil
}

// Put adds or replaces a value.
func (t *Tx) Put(collection, key string, value []byte) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

// Delete removes key. Deleting a missing key is a no-op.
func (t *Tx) Delete(collection, key string) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	return b.Delete([]byte(key))
}

// ForEach visits every key in collection in byte order. Values are copies.
func (t *Tx) ForEach(collection string, fn func(key string, value []byte) error) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	return b.ForEach(func(k, v []byte) error {
		return fn(string(k), bytes.Clone(v))
	})
}

// GetEntry decodes the entry under key. ok is false if key is absent.
func (t *Tx) GetEntry(collection, key string) (e Entry, ok bool, err error) {
	raw, err := t.Get(collection, key)
	if err != nil || raw == nil {
		return Entry{}, false, err
	}
	e, err = DecodeEntry(raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%s/%s: %w", collection, key, err)
	}
	return e, true, nil
}

// PutEntry encodes and stores e under key.
func (t *Tx) PutEntry(collection, key string, e Entry) error {
	raw, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return t.Put(collection, key, raw)
}

// DecodeEntry parses a raw bucket value.
func DecodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	switch e.Kind {
	case KindInline, KindBlob:
		return e, nil
	default:
		return Entry{}, fmt.Errorf("decode entry: unknown %s", e.Kind)
	}
}
