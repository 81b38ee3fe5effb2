// Package markup wraps a parsed SVG document tree. Elements keep their
// identity and position across attribute and text mutation, and the tree can
// be serialized back into well-formed markup.
package markup

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html/charset"
)

// ErrEmptyDocument is returned when the input carries no root element.
var ErrEmptyDocument = errors.New("markup: document has no root element")

// Node is an element, text, comment or other node of the tree.
type Node = xmlquery.Node

// Document is a parsed SVG document.
type Document struct {
	doc    *xmlquery.Node
	prolog string
	source *sourceMap
}

// Parse builds a document tree from raw markup. The input must already be
// well-formed; callers sanitize first.
func Parse(raw string) (*Document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyDocument
	}
	opts := xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict:        true,
			Entity:        map[string]string{},
			CharsetReader: charset.NewReaderLabel,
		},
	}
	doc, err := xmlquery.ParseWithOptions(strings.NewReader(raw), opts)
	if err != nil {
		return nil, fmt.Errorf("markup: parse: %w", err)
	}
	d := &Document{doc: doc, prolog: prolog(raw)}
	root := d.Root()
	if root == nil {
		return nil, ErrEmptyDocument
	}
	d.source = captureSource(raw, root)
	return d, nil
}

// Validate reports whether raw is well-formed using a plain token pass.
func Validate(raw string) error {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	decoder.Strict = true
	decoder.Entity = map[string]string{}
	decoder.CharsetReader = charset.NewReaderLabel
	depth := 0
	roots := 0
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("markup: not well-formed: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if roots == 0 {
		return ErrEmptyDocument
	}
	if roots > 1 {
		return fmt.Errorf("markup: not well-formed: %d root elements", roots)
	}
	return nil
}

// Root returns the outermost element.
func (d *Document) Root() *Node {
	if d == nil || d.doc == nil {
		return nil
	}
	for n := d.doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// ElementByID returns the first element in document order whose id attribute
// equals id, or nil.
func (d *Document) ElementByID(id string) *Node {
	if id == "" {
		return nil
	}
	expr, err := xpath.Compile("//*[@id=" + xpathLiteral(id) + "]")
	if err != nil {
		return d.findFirst(func(n *Node) bool { return n.SelectAttr("id") == id })
	}
	return xmlquery.QuerySelector(d.doc, expr)
}

// Query evaluates an XPath expression against the document.
func (d *Document) Query(expr string) ([]*Node, error) {
	nodes, err := xmlquery.QueryAll(d.doc, expr)
	if err != nil {
		return nil, fmt.Errorf("markup: query %q: %w", expr, err)
	}
	return nodes, nil
}

// ElementsByTag returns elements with the given local name in document order.
func (d *Document) ElementsByTag(tag string) []*Node {
	var out []*Node
	d.Walk(func(n *Node) bool {
		if n.Data == tag {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Walk visits every element in document order. Returning false from fn stops
// the walk.
func (d *Document) Walk(fn func(*Node) bool) {
	root := d.Root()
	if root == nil {
		return
	}
	WalkElements(root, fn)
}

// WalkElements visits n and its element descendants in document order.
// Returning false from fn stops the walk.
func WalkElements(n *Node, fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if n.Type == xmlquery.ElementNode {
		if !fn(n) {
			return false
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		if !WalkElements(child, fn) {
			return false
		}
	}
	return true
}

func (d *Document) findFirst(match func(*Node) bool) *Node {
	var found *Node
	d.Walk(func(n *Node) bool {
		if match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// Count returns the number of elements in the tree.
func (d *Document) Count() int {
	total := 0
	d.Walk(func(*Node) bool {
		total++
		return true
	})
	return total
}

func xpathLiteral(value string) string {
	if !strings.Contains(value, "'") {
		return "'" + value + "'"
	}
	if !strings.Contains(value, `"`) {
		return `"` + value + `"`
	}
	parts := strings.Split(value, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+part+"'")
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}

// prolog returns the text preceding the root start tag so serialization keeps
// declarations, doctypes and leading comments byte for byte.
func prolog(raw string) string {
	i := 0
	for i < len(raw) {
		switch {
		case raw[i] == ' ' || raw[i] == '\t' || raw[i] == '\n' || raw[i] == '\r':
			i++
		case strings.HasPrefix(raw[i:], "<?"):
			end := strings.Index(raw[i:], "?>")
			if end < 0 {
				return ""
			}
			i += end + 2
		case strings.HasPrefix(raw[i:], "<!--"):
			end := strings.Index(raw[i+4:], "-->")
			if end < 0 {
				return ""
			}
			i += 4 + end + 3
		case strings.HasPrefix(raw[i:], "<!"):
			end := declarationEnd(raw[i:])
			if end < 0 {
				return ""
			}
			i += end
		case raw[i] == '<':
			return raw[:i]
		default:
			// BOM or stray text; let the parser decide.
			i++
		}
	}
	return ""
}

func declarationEnd(s string) int {
	depth := 0
	var quote byte
	for i := 2; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == '>' && depth <= 0:
			return i + 1
		}
	}
	return -1
}
