// Package docmodel defines the document value representation shared by the
// schema validator, index manager, query engine, and collection controller:
// a document is a tree of JSON-native values (string, float64, bool,
// time.Time, []interface{}, map[string]interface{}, nil) addressed by
// dot-notation field paths.
package docmodel

import (
	"sort"
	"strings"
	"time"
)

// Document is a top-level field map. Values are JSON-native types, plus
// time.Time for fields the schema validator has reconstructed as dates.
type Document = map[string]interface{}

// Clone deep-copies a document value tree so defaults, cached reads, and
// mutation targets never share backing storage with a caller's value.
func Clone(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	default:
		return val
	}
}

// GetPath resolves a dot-notation path against a document, descending only
// through nested maps (arrays are not implicitly traversed). ok is false if
// any segment is absent or an intermediate value is not a map.
func GetPath(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur interface{} = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns value at a dot-notation path, creating intermediate maps
// where a segment is missing or its current value is not a map.
func SetPath(doc map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

// UnsetPath removes the value at a dot-notation path. It is silent if any
// intermediate segment is absent or not a map.
func UnsetPath(doc map[string]interface{}, path string) {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}

// DeepEqual reports structural equality between two document values,
// comparing time.Time values by millisecond epoch and maps without regard
// to key order.
func DeepEqual(a, b interface{}) bool {
	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		if aIsTime && bIsTime {
			return at.UnixMilli() == bt.UnixMilli()
		}
		return false
	}

	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !DeepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := numericValue(b)
		return ok && av == bv
	case int:
		bv, ok := numericValue(b)
		return ok && float64(av) == bv
	default:
		return a == b
	}
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SortedKeys returns a document's top-level keys in lexicographic order, for
// callers that need a deterministic traversal order.
func SortedKeys(doc map[string]interface{}) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
