// Package strings provides string-list helpers for actor ids and shoulders.
package strings

import (
	"slices"
	"strings"
)

// DedupeAndTrim trims each element and drops blanks and repeats, keeping the
// first occurrence's position.
//
//	DedupeAndTrim([]string{"  nstr1 ", "grp0:public", "nstr1", ""})
//	// []string{"nstr1", "grp0:public"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// AppendUnique appends the values not already present in list, in order.
// It reports whether anything was added.
func AppendUnique(list []string, values ...string) ([]string, bool) {
	added := false
	for _, v := range values {
		if v == "" || slices.Contains(list, v) {
			continue
		}
		list = append(list, v)
		added = true
	}
	return list, added
}

// Remove deletes every occurrence of each value, keeping the order of what
// remains. It reports whether anything was removed.
func Remove(list []string, values ...string) ([]string, bool) {
	out := list[:0:0]
	removed := false
	for _, v := range list {
		if slices.Contains(values, v) {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}
