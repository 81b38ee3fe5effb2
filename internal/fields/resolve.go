// Package fields locates the markup a dyno field refers to and classifies
// field names.
package fields

import (
	"strconv"
	"strings"

	"github.com/dynofield/api/internal/markup"
)

// Kind tags the variant of a resolved target.
type Kind int

const (
	// KindUnresolved means no element matched the field.
	KindUnresolved Kind = iota
	// KindText targets the first text run of a text element.
	KindText
	// KindDirectImage targets an element carrying an image reference.
	KindDirectImage
	// KindChainedImage targets an image reached through a pattern fill or a
	// use reference.
	KindChainedImage
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDirectImage:
		return "direct_image"
	case KindChainedImage:
		return "chained_image"
	default:
		return "unresolved"
	}
}

// Target is the result of resolving a field name against a document. Only the
// fields relevant to Kind are populated.
type Target struct {
	Kind  Kind
	Field string

	// ElementID is the text element, the direct image element or the chain
	// container, depending on Kind.
	ElementID      string
	PatternID      string
	ImageElementID string
	// ViaUse is set when the image was reached through a use element. Pattern
	// is nil when the use element itself carried the field id.
	ViaUse bool

	Element *markup.Node
	TextRun *markup.Node
	Pattern *markup.Node
	Image   *markup.Node
}

// Resolved reports whether the target points at an element.
func (t Target) Resolved() bool {
	return t.Kind != KindUnresolved
}

// IsImage reports whether the target expects an image value.
func (t Target) IsImage() bool {
	return t.Kind == KindDirectImage || t.Kind == KindChainedImage
}

// ImageNode returns the element whose reference is rewritten for image targets.
func (t Target) ImageNode() *markup.Node {
	switch t.Kind {
	case KindDirectImage:
		return t.Element
	case KindChainedImage:
		return t.Image
	}
	return nil
}

// Resolve maps a field name to its target. Rules are tried in order and the
// first match wins:
//
//  1. an element whose id equals the field and that carries href or xlink:href;
//     a fragment reference such as a use pointing at "#img" resolves to the
//     referenced image instead, and a fragment to anything else is skipped;
//  2. a text element (or tspan) whose id equals the field;
//  3. an element whose id equals the field, or contains it as a whole segment
//     run, filled with a pattern that holds an image directly or through use.
//
// Anything else is unresolved. Resolve does not mutate the document.
func Resolve(doc *markup.Document, field string) Target {
	unresolved := Target{Kind: KindUnresolved, Field: field}
	if doc == nil || strings.TrimSpace(field) == "" {
		return unresolved
	}

	exact := doc.ElementByID(field)
	if exact != nil {
		if markup.HasHref(exact) {
			ref := strings.TrimSpace(markup.Href(exact))
			if !strings.HasPrefix(ref, "#") {
				return Target{Kind: KindDirectImage, Field: field, ElementID: field, Element: exact}
			}
			if image := doc.ElementByID(ref[1:]); markup.IsElement(image, "image") {
				return Target{
					Kind:           KindChainedImage,
					Field:          field,
					ElementID:      field,
					ImageElementID: ref[1:],
					ViaUse:         true,
					Element:        exact,
					Image:          image,
				}
			}
		}
		if markup.IsElement(exact, "text") || markup.IsElement(exact, "tspan") {
			return textTarget(field, exact)
		}
	}

	for _, candidate := range candidates(doc, field, exact) {
		container := candidate
		patternID := patternRef(container)
		if patternID == "" && markup.IsElement(container, "g") {
			container = firstPatternFilled(container)
			if container == nil {
				continue
			}
			patternID = patternRef(container)
		}
		if patternID == "" {
			continue
		}
		return chainTarget(doc, field, container, patternID)
	}
	return unresolved
}

func textTarget(field string, el *markup.Node) Target {
	target := Target{Kind: KindText, Field: field, ElementID: field, Element: el, TextRun: el}
	if markup.IsElement(el, "tspan") {
		return target
	}
	var first, firstWithText *markup.Node
	markup.WalkElements(el, func(n *markup.Node) bool {
		if n == el || !markup.IsElement(n, "tspan") {
			return true
		}
		if first == nil {
			first = n
		}
		if markup.HasText(n) {
			firstWithText = n
			return false
		}
		return true
	})
	switch {
	case firstWithText != nil:
		target.TextRun = firstWithText
	case first != nil:
		target.TextRun = first
	}
	return target
}

func chainTarget(doc *markup.Document, field string, container *markup.Node, patternID string) Target {
	unresolved := Target{Kind: KindUnresolved, Field: field}
	pattern := doc.ElementByID(patternID)
	if !markup.IsElement(pattern, "pattern") {
		return unresolved
	}
	target := Target{
		Kind:      KindChainedImage,
		Field:     field,
		ElementID: markup.Attr(container, "id"),
		PatternID: patternID,
		Element:   container,
		Pattern:   pattern,
	}
	if image := markup.FirstChildElement(pattern, "image"); image != nil {
		target.Image = image
		target.ImageElementID = markup.Attr(image, "id")
		if target.ImageElementID == "" {
			target.ImageElementID = SynthesizedImageID(doc, patternID)
		}
		return target
	}
	for _, use := range markup.ChildElements(pattern) {
		if !markup.IsElement(use, "use") {
			continue
		}
		ref := strings.TrimSpace(markup.Href(use))
		if !strings.HasPrefix(ref, "#") {
			continue
		}
		image := doc.ElementByID(ref[1:])
		if !markup.IsElement(image, "image") {
			continue
		}
		target.Image = image
		target.ImageElementID = ref[1:]
		target.ViaUse = true
		return target
	}
	return unresolved
}

// SynthesizedImageID returns the id given to an anonymous image inside the
// pattern. It is derived from the pattern id and made unique in the document.
func SynthesizedImageID(doc *markup.Document, patternID string) string {
	base := patternID + "-image"
	id := base
	for i := 2; doc.ElementByID(id) != nil; i++ {
		id = base + "-" + strconv.Itoa(i)
	}
	return id
}

// candidates returns the exact id match followed by elements whose compound id
// contains the field as a segment run, in document order.
func candidates(doc *markup.Document, field string, exact *markup.Node) []*markup.Node {
	var out []*markup.Node
	if exact != nil {
		out = append(out, exact)
	}
	fieldSegments := segments(field)
	if len(fieldSegments) == 0 {
		return out
	}
	doc.Walk(func(n *markup.Node) bool {
		id := markup.Attr(n, "id")
		if id == "" || id == field || n == exact {
			return true
		}
		if containsRun(segments(id), fieldSegments) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func segments(id string) []string {
	return strings.FieldsFunc(id, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
}

func containsRun(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if !strings.EqualFold(haystack[i+j], needle[j]) {
				continue outer
			}
		}
		return true
	}
	return false
}

// patternRef returns the pattern id referenced by the element's fill, from the
// fill attribute or its style declaration.
func patternRef(n *markup.Node) string {
	fill := markup.Presentation(n, "fill")
	return parseURLRef(fill)
}

func parseURLRef(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(strings.ToLower(value), "url(") {
		return ""
	}
	end := strings.IndexByte(value, ')')
	if end < 0 {
		return ""
	}
	inner := strings.TrimSpace(value[4:end])
	inner = strings.Trim(inner, `"'`)
	if !strings.HasPrefix(inner, "#") || len(inner) == 1 {
		return ""
	}
	return inner[1:]
}

func firstPatternFilled(group *markup.Node) *markup.Node {
	var found *markup.Node
	markup.WalkElements(group, func(n *markup.Node) bool {
		if n == group {
			return true
		}
		if patternRef(n) != "" {
			found = n
			return false
		}
		return true
	})
	return found
}
