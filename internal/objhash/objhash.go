package objhash

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/mitchellh/hashstructure/v2"
)

// Hash returns a stable hexadecimal digest of v. Struct fields, map entries
// and nested values contribute regardless of declaration or iteration order.
func Hash(v any) (string, error) {
	sum, err := hashstructure.Hash(v, hashstructure.FormatV2, &hashstructure.HashOptions{
		Hasher:          xxhash.New(),
		ZeroNil:         true,
		IgnoreZeroValue: false,
	})
	if err != nil {
		return "", fmt.Errorf("objhash: %w", err)
	}
	return strconv.FormatUint(sum, 16), nil
}

// MustHash is Hash for values known to be hashable (plain data structs).
// It panics only on programmer error, never on data.
func MustHash(v any) string {
	digest, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return digest
}

// HashJSON hashes arbitrary JSON by decoding into generic values first, so
// two JSON documents with different key order hash identically.
func HashJSON(raw []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("objhash: decode json: %w", err)
	}
	return Hash(decoded)
}
