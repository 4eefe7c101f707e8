package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strings"
)

// Config is an experiment configuration.
type Config map[string]any

// IDLinkedConfig pairs a stored config with its content key.
type IDLinkedConfig struct {
	ID     string
	Config Config
}

const (
	// DefaultRoutingKey is the config key whose value names the store folder.
	DefaultRoutingKey = "db_folder"
	// DefaultSubfolder sits between the root and the routing-key folders.
	DefaultSubfolder = "results_dbs"
)

// FolderAndKey returns the store path and content key for cfg. The path is
// root/subfolder/<value of each routing key, in order>. Each routing value
// must be a single path segment.
func FolderAndKey(cfg Config, root, subfolder string, routingKeys []string) (path, key string, err error) {
	path, err = Folder(cfg, root, subfolder, routingKeys)
	if err != nil {
		return "", "", err
	}
	key, err = ContentKey(cfg, routingKeys)
	if err != nil {
		return "", "", err
	}
	return path, key, nil
}

// Folder returns only the store path for cfg.
func Folder(cfg Config, root, subfolder string, routingKeys []string) (string, error) {
	parts := make([]string, 0, len(routingKeys)+2)
	parts = append(parts, root, subfolder)
	for _, k := range routingKeys {
		v, ok := cfg[k]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrMissingRoutingKey, k)
		}
		seg := stringify(v)
		if !validSegment(seg) {
			return "", fmt.Errorf("%w: %s=%q", ErrInvalidRoutingValue, k, seg)
		}
		parts = append(parts, seg)
	}
	return filepath.Join(parts...), nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsRune(s, '/') && !strings.ContainsRune(s, filepath.Separator)
}

// ContentKey is the hex SHA-256 of cfg's canonical JSON with the routing keys
// removed. It fails if a routing key is missing.
func ContentKey(cfg Config, routingKeys []string) (string, error) {
	clean := make(map[string]any, len(cfg))
	for k, v := range cfg {
		clean[k] = v
	}
	for _, k := range routingKeys {
		if _, ok := clean[k]; !ok {
			return "", fmt.Errorf("%w: %q", ErrMissingRoutingKey, k)
		}
		delete(clean, k)
	}

	buf, err := canonicalJSON(clean)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:]), nil
}

// canonicalJSON serializes v with sorted keys. encoding/json already sorts
// map keys; canonicalize replaces everything JSON has no native form for.
func canonicalJSON(v map[string]any) ([]byte, error) {
	buf, err := json.Marshal(canonicalize(v))
	if err != nil {
		return nil, fmt.Errorf("canonicalize config: %w", err)
	}
	return buf, nil
}

func canonicalize(v any) any {
	switch v := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return canonicalFloat(float64(v), v)
	case float64:
		return canonicalFloat(v, v)
	case Config:
		return canonicalize(map[string]any(v))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = canonicalize(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = canonicalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = canonicalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = canonicalize(iter.Value().Interface())
		}
		return out
	}
	return stringify(v)
}

// canonicalFloat keeps finite floats and stringifies NaN and infinities,
// which JSON cannot represent.
func canonicalFloat(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return stringify(v)
	}
	return v
}

func stringify(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
