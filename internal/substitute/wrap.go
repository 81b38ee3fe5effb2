package substitute

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dynofield/api/internal/markup"
)

// continuationAttr marks the tspan that carries the second address line.
const continuationAttr = "data-dyno-continuation"

// minCommaLine is the shortest first line accepted when breaking at a comma.
const minCommaLine = 15

// minWordLine is the shortest first line accepted when breaking at a space.
const minWordLine = 20

var addressKeywords = []string{"address", "location", "addr", "street"}

func isAddressField(field string) bool {
	lower := strings.ToLower(field)
	for _, keyword := range addressKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// WrapAddress splits text into two lines of at most width characters. A break
// after a comma is preferred; otherwise the first word boundary giving a line of
// reasonable length is used, and the midpoint as a last resort. When the text
// fits, or no break keeps the second line within width, the second line is
// empty.
func WrapAddress(text string, width int) (string, string) {
	if width <= 0 || utf8.RuneCountInString(text) <= width {
		return text, ""
	}
	words := strings.Fields(text)
	if len(words) <= 1 {
		return text, ""
	}

	split := len(words) / 2
	found := false
	for i := 1; i < len(words)-1; i++ {
		if strings.Contains(words[i], ",") && runeLen(words[:i+1]) >= minCommaLine {
			split, found = i+1, true
			break
		}
	}
	if !found {
		for i := 1; i < len(words)-1; i++ {
			n := runeLen(words[:i+1])
			if n >= minWordLine && n <= width {
				split = i + 1
				break
			}
		}
	}

	first := strings.Join(words[:split], " ")
	second := strings.Join(words[split:], " ")
	if utf8.RuneCountInString(second) > width {
		return text, ""
	}
	return first, second
}

func runeLen(words []string) int {
	return utf8.RuneCountInString(strings.Join(words, " "))
}

// setContinuation keeps the continuation tspan after run in sync with second.
// It reports false when run cannot carry a continuation, in which case any
// stale continuation is removed and the caller writes the whole value.
func (s *Substitutor) setContinuation(field string, run *markup.Node, second string) bool {
	existing := continuationOf(field, run)
	y, ok := parseLength(markup.Attr(run, "y"))
	if second == "" || !markup.IsElement(run, "tspan") || !ok {
		if existing != nil {
			markup.Remove(existing)
		}
		return second == ""
	}

	next := existing
	if next == nil {
		next = markup.NewElement("tspan", run)
		markup.InsertAfter(run, next)
	}
	if x := markup.Attr(run, "x"); x != "" {
		markup.SetAttr(next, "x", x)
	}
	markup.SetAttr(next, "y", formatNumber(y+s.lineHeight))
	markup.SetAttr(next, continuationAttr, field)
	markup.SetText(next, second)
	return true
}

// StripBookkeeping removes the attributes that let a field be applied again to
// the same document. Call it once substitution is complete; later applications
// to the stripped document start from scratch.
func (s *Substitutor) StripBookkeeping(doc *markup.Document) int {
	removed := 0
	doc.Walk(func(n *markup.Node) bool {
		for _, attr := range []string{continuationAttr, centeredAttr} {
			if markup.RemoveAttr(n, attr) {
				removed++
			}
		}
		return true
	})
	return removed
}

func continuationOf(field string, run *markup.Node) *markup.Node {
	for sib := run.NextSibling; sib != nil; sib = sib.NextSibling {
		if markup.IsElement(sib, "") {
			if markup.Attr(sib, continuationAttr) == field {
				return sib
			}
			return nil
		}
	}
	return nil
}

func parseLength(raw string) (float64, bool) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "px")
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
