package store

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// CanonicalURI is the canonical textual form `scheme://path` of a source
// or item URI: query and fragment are removed. An authority segment is not
// removed; it stays as the start of the path, so "ex://root" and
// "ex:///root" are distinct URIs.
type CanonicalURI struct {
	Scheme string
	Path   string
}

func (u CanonicalURI) String() string {
	return u.Scheme + "://" + u.Path
}

// CanonicalizeURI parses s and returns its canonical form: the scheme is
// the text before the first ":", and the path is the rest with one leading
// "//" removed and anything from the first "?" or "#" on dropped. Any
// string lacking a `scheme:` split, with an empty scheme, or with a scheme
// character outside a-z, 0-9, '-' and '_', is rejected with ErrInvalidURI.
// The authority is not split from the path.
func CanonicalizeURI(s string) (CanonicalURI, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return CanonicalURI{}, ErrInvalidURI
	}
	scheme := s[:idx]
	rest := s[idx+1:]
	rest = strings.TrimPrefix(rest, "//")

	// Only query and fragment are cut off here; an authority segment
	// after "//" is left in place as part of the path.
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	for _, c := range scheme {
		if c < 'a' || c > 'z' {
			if !(c >= '0' && c <= '9') && c != '-' && c != '_' {
				return CanonicalURI{}, ErrInvalidURI
			}
		}
	}
	if scheme == "" {
		return CanonicalURI{}, ErrInvalidURI
	}
	return CanonicalURI{Scheme: scheme, Path: rest}, nil
}

// SourceItemMeta is one entry of a SourceVersion's ordered item list.
type SourceItemMeta struct {
	Path    string         `msgpack:"path"`
	Virtual bool           `msgpack:"virtual"`
	Tags    map[string]any `msgpack:"tags"`
}

// marshalSorted encodes v with map keys sorted. map[string]any is built
// from JSON/script data and Go's range order is randomized per-iteration,
// so plain msgpack.Marshal would make every encoding of a 2+ key map
// non-deterministic across calls — fatal for both content hashing and
// stored blobs, which must compare equal byte-for-byte for equal content.
func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hashTuple feeds an ordered sequence of msgpack-encoded values into
// SHA-512 and returns the hex digest. The order and encoding must never
// change once data exists, or existing hashes stop being reproducible —
// reproducibility across serialization-format versions is explicitly a
// non-goal, so this is allowed to change between aof releases, just not
// within a single running instance's data.
func hashTuple(values ...any) (string, error) {
	h := sha512.New()
	for _, v := range values {
		b, err := marshalSorted(v)
		if err != nil {
			return "", fmt.Errorf("encode hash component: %w", err)
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SourceVersionHash computes the content hash of a source version over
// its metadata map, ordered item list, and optional last-updated string.
func SourceVersionHash(metadata map[string]any, items []SourceItemMeta, lastUpdated *string) (string, error) {
	return hashTuple(metadata, items, lastUpdated)
}

// ItemVersionHash computes the content hash of an item version over its
// tag map and optional last-updated string.
func ItemVersionHash(tags map[string]any, lastUpdated *string) (string, error) {
	return hashTuple(tags, lastUpdated)
}
