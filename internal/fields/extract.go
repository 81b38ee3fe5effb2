package fields

import (
	"regexp"
	"sort"
)

// FieldPrefix marks element ids and placeholders that name dyno fields.
const FieldPrefix = "dyno."

var extractPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bid\s*=\s*["'](dyno\.[^"']+)["']`),
	regexp.MustCompile(`\{\{\s*(dyno\.[A-Za-z0-9_.\-]+)\s*\}\}`),
	regexp.MustCompile(`\{(dyno\.[A-Za-z0-9_.\-]+)\}`),
}

// PlaceholderPattern matches {{dyno.x}} and {dyno.x} markers in text.
var PlaceholderPattern = regexp.MustCompile(`\{\{\s*(dyno\.[A-Za-z0-9_.\-]+)\s*\}\}|\{(dyno\.[A-Za-z0-9_.\-]+)\}`)

// Extract returns the dyno field names declared by a template in order of
// first appearance, without duplicates.
func Extract(raw string) []string {
	type hit struct {
		pos  int
		name string
	}
	var hits []hit
	for _, re := range extractPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(raw, -1) {
			hits = append(hits, hit{pos: m[0], name: raw[m[2]:m[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]struct{}, len(hits))
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		if _, ok := seen[h.name]; ok {
			continue
		}
		seen[h.name] = struct{}{}
		names = append(names, h.name)
	}
	return names
}
