package textutil

import "strings"

// NormalizeStringMap returns a copy of values with surrounding whitespace
// stripped from keys and values. Entries whose key trims to "" are dropped;
// when nothing survives the result is nil rather than an empty map.
func NormalizeStringMap(values map[string]string) map[string]string {
	var result map[string]string
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if result == nil {
			result = make(map[string]string, len(values))
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}
