package markup

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

// Attr returns the value of the named attribute, or "" when absent. Prefixed
// names such as "xlink:href" are matched on their prefix.
func Attr(n *Node, name string) string {
	if n == nil {
		return ""
	}
	return n.SelectAttr(name)
}

// HasAttr reports whether the named attribute is present.
func HasAttr(n *Node, name string) bool {
	return n != nil && n.HasAttr(name)
}

// SetAttr sets or adds the named attribute in place.
func SetAttr(n *Node, name, value string) {
	if n == nil {
		return
	}
	n.SetAttr(name, value)
}

// RemoveAttr deletes the named attribute when present.
func RemoveAttr(n *Node, name string) bool {
	if n == nil {
		return false
	}
	return n.RemoveAttr(name)
}

// Href returns the element's image or reference target, preferring the plain
// href attribute over xlink:href.
func Href(n *Node) string {
	if v := Attr(n, "href"); v != "" {
		return v
	}
	return Attr(n, "xlink:href")
}

// HasHref reports whether the element carries href or xlink:href.
func HasHref(n *Node) bool {
	return HasAttr(n, "href") || HasAttr(n, "xlink:href")
}

// Style returns the value of a declaration in the element's style attribute.
func Style(n *Node, property string) string {
	raw := Attr(n, "style")
	if raw == "" {
		return ""
	}
	for _, decl := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), property) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// Presentation returns a presentation attribute, falling back to the style
// declaration of the same name.
func Presentation(n *Node, property string) string {
	if v := strings.TrimSpace(Attr(n, property)); v != "" {
		return v
	}
	return Style(n, property)
}

// IsElement reports whether n is an element with the given local name. An
// empty tag matches any element.
func IsElement(n *Node, tag string) bool {
	if n == nil || n.Type != xmlquery.ElementNode {
		return false
	}
	return tag == "" || n.Data == tag
}

// ChildElements returns direct element children in order.
func ChildElements(n *Node) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			out = append(out, child)
		}
	}
	return out
}

// FirstChildElement returns the first direct child with the given local name.
func FirstChildElement(n *Node, tag string) *Node {
	for _, child := range ChildElements(n) {
		if tag == "" || child.Data == tag {
			return child
		}
	}
	return nil
}

// Text returns the concatenated direct text content of n.
func Text(n *Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.TextNode || child.Type == xmlquery.CharDataNode {
			b.WriteString(child.Data)
		}
	}
	return b.String()
}

// HasText reports whether n has non-whitespace direct text.
func HasText(n *Node) bool {
	return strings.TrimSpace(Text(n)) != ""
}

// SetText replaces the direct text content of n with value. Element children
// are kept; the first text node is rewritten and any further text nodes are
// removed. When n has no text node one is added.
func SetText(n *Node, value string) {
	if n == nil {
		return
	}
	var first *Node
	var extra []*Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.TextNode && child.Type != xmlquery.CharDataNode {
			continue
		}
		if first == nil {
			first = child
			continue
		}
		extra = append(extra, child)
	}
	for _, node := range extra {
		xmlquery.RemoveFromTree(node)
	}
	if first != nil {
		first.Type = xmlquery.TextNode
		first.Data = value
		return
	}
	text := &xmlquery.Node{Type: xmlquery.TextNode, Data: value}
	if n.FirstChild == nil {
		xmlquery.AddChild(n, text)
		return
	}
	insertBefore(n.FirstChild, text)
}

// NewElement creates a detached element in the same namespace as like.
func NewElement(tag string, like *Node) *Node {
	n := &xmlquery.Node{Type: xmlquery.ElementNode, Data: tag}
	if like != nil {
		n.NamespaceURI = like.NamespaceURI
		n.Prefix = like.Prefix
	}
	return n
}

// InsertAfter places n directly after sibling.
func InsertAfter(sibling, n *Node) {
	xmlquery.AddImmediateSibling(sibling, n)
}

// AppendChild appends n as the last child of parent.
func AppendChild(parent, n *Node) {
	xmlquery.AddChild(parent, n)
}

// PrependChild inserts n as the first child of parent.
func PrependChild(parent, n *Node) {
	if parent.FirstChild == nil {
		xmlquery.AddChild(parent, n)
		return
	}
	insertBefore(parent.FirstChild, n)
}

// Remove detaches n and its subtree.
func Remove(n *Node) {
	xmlquery.RemoveFromTree(n)
}

func insertBefore(sibling, n *Node) {
	n.Parent = sibling.Parent
	n.PrevSibling = sibling.PrevSibling
	n.NextSibling = sibling
	if sibling.PrevSibling != nil {
		sibling.PrevSibling.NextSibling = n
	} else if sibling.Parent != nil {
		sibling.Parent.FirstChild = n
	}
	sibling.PrevSibling = n
}

// Ancestor returns the nearest ancestor element with the given local name.
func Ancestor(n *Node, tag string) *Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if IsElement(p, tag) {
			return p
		}
	}
	return nil
}

// WalkText calls fn for every text node below n in document order.
func WalkText(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.TextNode {
			fn(child)
			continue
		}
		WalkText(child, fn)
	}
}
