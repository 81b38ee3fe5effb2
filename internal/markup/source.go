package markup

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

// elementSource is the start tag of an element as it appeared in the input,
// without its closing "/>" or ">".
type elementSource struct {
	open        string
	selfClosing bool
	attrs       []xmlquery.Attr
}

// textSource is a text or CDATA run as it appeared in the input.
type textSource struct {
	raw  string
	data string
}

// sourceMap remembers the input bytes behind each node of the root subtree so
// untouched nodes serialize byte for byte.
type sourceMap struct {
	elements map[*Node]elementSource
	texts    map[*Node]textSource
}

type rawToken struct {
	element bool
	raw     string
}

// captureSource pairs the tokens of raw with the parsed tree. It returns nil
// when the two disagree, which leaves serialization to the escaping path.
func captureSource(raw string, root *Node) *sourceMap {
	tokens, ok := scanRoot(raw)
	if !ok {
		return nil
	}
	var nodes []*Node
	collectSourceNodes(root, &nodes)
	if len(nodes) != len(tokens) {
		return nil
	}
	src := &sourceMap{
		elements: make(map[*Node]elementSource),
		texts:    make(map[*Node]textSource),
	}
	for i, n := range nodes {
		tok := tokens[i]
		if (n.Type == xmlquery.ElementNode) != tok.element {
			return nil
		}
		if !tok.element {
			src.texts[n] = textSource{raw: tok.raw, data: n.Data}
			continue
		}
		open := strings.TrimSuffix(tok.raw, ">")
		selfClosing := strings.HasSuffix(open, "/")
		open = strings.TrimSuffix(open, "/")
		src.elements[n] = elementSource{
			open:        open,
			selfClosing: selfClosing,
			attrs:       append([]xmlquery.Attr(nil), n.Attr...),
		}
	}
	return src
}

// scanRoot returns the start tags and character data of the root element in
// document order. Inputs in a non UTF-8 encoding are not scanned because the
// decoder offsets would not line up with raw.
func scanRoot(raw string) ([]rawToken, bool) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	decoder.Strict = true
	decoder.Entity = map[string]string{}
	var tokens []rawToken
	depth := 0
	offset := int64(0)
	for {
		tok, err := decoder.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false
		}
		end := decoder.InputOffset()
		segment := raw[offset:end]
		offset = end
		switch tok.(type) {
		case xml.StartElement:
			depth++
			tokens = append(tokens, rawToken{element: true, raw: segment})
		case xml.EndElement:
			depth--
			if depth == 0 {
				return tokens, true
			}
		case xml.CharData:
			if depth > 0 {
				tokens = append(tokens, rawToken{raw: segment})
			}
		}
	}
	return tokens, depth == 0 && len(tokens) > 0
}

func collectSourceNodes(n *Node, out *[]*Node) {
	switch n.Type {
	case xmlquery.ElementNode:
		*out = append(*out, n)
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collectSourceNodes(child, out)
		}
	case xmlquery.TextNode, xmlquery.CharDataNode:
		*out = append(*out, n)
	}
}

// element returns the recorded start tag of n and whether its attributes are
// still the ones parsed.
func (s *sourceMap) element(n *Node) (elementSource, bool, bool) {
	if s == nil {
		return elementSource{}, false, false
	}
	src, ok := s.elements[n]
	if !ok {
		return elementSource{}, false, false
	}
	return src, true, sameAttrs(src.attrs, n.Attr)
}

func (s *sourceMap) text(n *Node) (string, bool) {
	if s == nil {
		return "", false
	}
	src, ok := s.texts[n]
	if !ok || src.data != n.Data {
		return "", false
	}
	return src.raw, true
}

func sameAttrs(a, b []xmlquery.Attr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}
