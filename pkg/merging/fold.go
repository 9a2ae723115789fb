package merging

import (
	"sort"
)

// Fold fills gaps in the master document with values from the duplicate.
// Master values always win; a duplicate value only crosses over when the
// master's is absent or empty. Nested objects fold recursively. Returns
// the folded document and the sorted list of top-level fields that crossed
// over.
func Fold(master, duplicate map[string]any) (map[string]any, []string) {
	result := make(map[string]any, len(master))
	for k, v := range master {
		result[k] = v
	}

	var folded []string
	for key, dupVal := range duplicate {
		if isEmpty(dupVal) {
			continue
		}

		masterVal, exists := result[key]
		if !exists || isEmpty(masterVal) {
			result[key] = dupVal
			folded = append(folded, key)
			continue
		}

		masterMap, masterIsMap := masterVal.(map[string]any)
		dupMap, dupIsMap := dupVal.(map[string]any)
		if masterIsMap && dupIsMap {
			nested, nestedFolded := Fold(masterMap, dupMap)
			result[key] = nested
			if len(nestedFolded) > 0 {
				folded = append(folded, key)
			}
		}
	}

	sort.Strings(folded)
	return result, folded
}

// isEmpty reports whether a value contributes nothing worth folding
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
