package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalJSON renders v as JSON with lexicographically sorted object keys
// and no insignificant whitespace, per spec.md §6's envelope canonicalization
// rule. v must already be JSON-marshalable (maps, slices, primitives).
func CanonicalJSON(v any) ([]byte, error) {
	normalized := normalize(v)
	return json.Marshal(normalized)
}

// normalize walks a decoded JSON value (as produced by json.Unmarshal into
// any, or plain Go maps/slices) and returns an equivalent value whose map
// keys will serialize in sorted order. encoding/json already sorts map keys
// on Marshal, so normalize only rebuilds map[string]any values and recurses
// into []any; values of any other type (including other map types) are
// passed through unchanged.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return t
	}
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash canonicalizes v to JSON and returns its SHA-256 hex digest,
// used for EventEnvelope.schemaHash and EventSchema.schemaHash.
func CanonicalHash(v any) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
