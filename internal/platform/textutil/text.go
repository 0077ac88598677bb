// Package textutil normalises free text supplied by diners and staff.
package textutil

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Truncate cuts s to at most limit runes. A non-positive limit disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

// NormalizeMetadata trims keys and values, drops empty keys, truncates values to maxValue runes and
// keeps at most maxEntries keys in lexical order. Returns nil when nothing survives.
func NormalizeMetadata(values map[string]string, maxEntries, maxValue int) map[string]string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	trimmed := make(map[string]string, len(values))
	for key, value := range values {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if _, dup := trimmed[k]; !dup {
			keys = append(keys, k)
		}
		trimmed[k] = Truncate(strings.TrimSpace(value), maxValue)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	if maxEntries > 0 && len(keys) > maxEntries {
		keys = keys[:maxEntries]
	}
	result := make(map[string]string, len(keys))
	for _, k := range keys {
		result[k] = trimmed[k]
	}
	return result
}
