// Package textutil normalises free-form strings received from the checkout app.
package textutil

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// MapLimits bounds a client-supplied string map. Zero fields disable the matching limit.
type MapLimits struct {
	MaxEntries     int
	MaxKeyLength   int
	MaxValueLength int
}

// NormalizeStringMap trims keys and values, removing entries with empty keys. Keys longer than
// MaxKeyLength are dropped, values are truncated to MaxValueLength runes, and when more than
// MaxEntries remain the lexically smallest keys are kept.
func NormalizeStringMap(values map[string]string, limits MapLimits) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if limits.MaxKeyLength > 0 && utf8.RuneCountInString(trimmedKey) > limits.MaxKeyLength {
			continue
		}
		result[trimmedKey] = truncateRunes(strings.TrimSpace(value), limits.MaxValueLength)
	}
	if limits.MaxEntries > 0 && len(result) > limits.MaxEntries {
		keys := make([]string, 0, len(result))
		for key := range result {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys[limits.MaxEntries:] {
			delete(result, key)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
