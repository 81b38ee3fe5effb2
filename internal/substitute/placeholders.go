package substitute

import (
	"strings"

	"github.com/dynofield/api/internal/fields"
	"github.com/dynofield/api/internal/markup"
)

// ReplacePlaceholders writes value into every {{field}} or {field} marker found
// in the document's text nodes and returns the number of markers replaced.
func (s *Substitutor) ReplacePlaceholders(doc *markup.Document, field, value string) int {
	if doc == nil || field == "" {
		return 0
	}
	text := s.PrepareText(value)
	replaced := 0
	markup.WalkText(doc.Root(), func(n *markup.Node) {
		if !strings.Contains(n.Data, field) {
			return
		}
		n.Data = fields.PlaceholderPattern.ReplaceAllStringFunc(n.Data, func(marker string) string {
			m := fields.PlaceholderPattern.FindStringSubmatch(marker)
			name := m[1]
			if name == "" {
				name = m[2]
			}
			if name != field {
				return marker
			}
			replaced++
			return text
		})
	})
	return replaced
}
