// Package fingerprint produces the two summaries the engine keeps for a
// record: a cheap numeric profile of its normalized value used to window
// candidate queries, and a collision-resistant digest of its raw data used
// to detect identical resubmissions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Profile sums the code points of a normalized string. It is not a hash:
// nearby strings usually land within a small delta of each other, which is
// what makes it useful for culling a large table down to a candidate window
// before running edit-distance comparisons. Collisions are expected and are
// always disambiguated downstream.
func Profile(normalized string) int {
	sum := 0
	for _, r := range normalized {
		sum += int(r)
	}
	return sum
}

// WithinThreshold reports whether two profile values are within the given
// band of each other.
func WithinThreshold(a, b, threshold int) bool {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	return delta <= threshold
}

// DataDigest creates a deterministic SHA-256 digest of a raw field map.
// Key order never affects the result.
func DataDigest(data map[string]any) string {
	canonical := canonicalize(data)
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}

// DataDigestFromJSON creates a digest from raw JSON
func DataDigestFromJSON(data json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return DataDigest(m), nil
}

// canonicalize creates a deterministic string representation of a value by
// sorting map keys and recursing into nested structures
func canonicalize(data any) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		result := "{"
		for i, k := range keys {
			if i > 0 {
				result += ","
			}
			keyJSON, _ := json.Marshal(k)
			result += string(keyJSON) + ":" + canonicalize(v[k])
		}
		return result + "}"
	case []any:
		result := "["
		for i, item := range v {
			if i > 0 {
				result += ","
			}
			result += canonicalize(item)
		}
		return result + "]"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
