package textutil

import "strings"

// TrimKeys trims map keys and drops entries whose key is empty. Values are kept verbatim.
// When two keys collide after trimming, the lexically smaller original key wins so the
// result does not depend on map iteration order.
func TrimKeys(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	origin := make(map[string]string, len(values))
	for key, value := range values {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		if prev, ok := origin[trimmed]; ok && prev < key {
			continue
		}
		origin[trimmed] = key
		result[trimmed] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
