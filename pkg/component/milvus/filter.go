package milvus

import (
	"fmt"
	"sort"
	"strings"
)

// FilterExpr builds a Milvus boolean expression from equality constraints on metadata
// fields. Only fields listed in MetaFields are accepted; the result is deterministic
// (fields sorted) and an empty map yields an empty expression.
func FilterExpr(filter map[string]string) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !isMetaField(k) {
			return "", fmt.Errorf("unsupported filter field %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s == %s", k, quote(filter[k])))
	}
	return strings.Join(parts, " && "), nil
}

func isMetaField(name string) bool {
	for _, f := range MetaFields {
		if f == name {
			return true
		}
	}
	return false
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
