package resultcache

import (
	"fmt"

	"github.com/vmihailenco/msgpack"

	"github.com/aweris/resultcache/internal/store"
)

// RecordKind tells how a Record is represented in the store.
type RecordKind int

const (
	// Inline records live directly in the data collection.
	Inline RecordKind = iota + 1
	// LargeObject records live in the blob directory; the collection holds
	// only their digest.
	LargeObject
)

func (k RecordKind) String() string {
	switch k {
	case Inline:
		return "inline"
	case LargeObject:
		return "large-object"
	default:
		return fmt.Sprintf("RecordKind(%d)", int(k))
	}
}

// Record is an encoded payload.
type Record struct {
	Kind RecordKind
	// Bytes is the msgpack serialization of the payload, for both kinds.
	Bytes []byte
}

// EncodeRecord serializes payload. useBlob selects LargeObject over Inline.
func EncodeRecord(payload any, useBlob bool) (Record, error) {
	buf, err := msgpack.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload: %w", err)
	}
	kind := Inline
	if useBlob {
		kind = LargeObject
	}
	return Record{Kind: kind, Bytes: buf}, nil
}

// Decode deserializes the payload into v, which must be a pointer.
func (r Record) Decode(v any) error {
	switch r.Kind {
	case Inline, LargeObject:
	default:
		return fmt.Errorf("%w: unknown representation %s", ErrDecode, r.Kind)
	}
	if err := msgpack.Unmarshal(r.Bytes, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// DecodeRecord is shorthand for r.Decode(v).
func DecodeRecord(r Record, v any) error {
	return r.Decode(v)
}

// putRecord writes r under key in the data collection. Large objects are
// written to the blob store first so the entry never points at a missing
// blob.
func putRecord(db *store.DB, tx *store.Tx, key string, r Record) error {
	var e store.Entry
	switch r.Kind {
	case Inline:
		e = store.Entry{Kind: store.KindInline, Inline: r.Bytes}
	case LargeObject:
		digest, err := db.Blobs().Put(r.Bytes)
		if err != nil {
			return err
		}
		e = store.Entry{Kind: store.KindBlob, Digest: digest, Size: len(r.Bytes)}
	default:
		return fmt.Errorf("put record: unknown representation %s", r.Kind)
	}
	return tx.PutEntry(store.Data, key, e)
}

// getRecord reads the data record under key.
func getRecord(db *store.DB, tx *store.Tx, key string) (Record, error) {
	e, ok, err := tx.GetEntry(store.Data, key)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !ok {
		return Record{}, &KeyNotFoundError{Collection: store.Data, Key: key}
	}

	switch e.Kind {
	case store.KindInline:
		return Record{Kind: Inline, Bytes: e.Inline}, nil
	case store.KindBlob:
		buf, err := db.Blobs().Get(e.Digest)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return Record{Kind: LargeObject, Bytes: buf}, nil
	default:
		return Record{}, fmt.Errorf("%w: entry kind %s", ErrDecode, e.Kind)
	}
}
