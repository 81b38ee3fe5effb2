package markup

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// EscapeText escapes the characters that are unsafe in text content.
func EscapeText(s string) string { return textEscaper.Replace(s) }

// EscapeAttr escapes the characters that are unsafe in a double quoted
// attribute value.
func EscapeAttr(s string) string { return attrEscaper.Replace(s) }

// String serializes the document. The prolog captured at parse time is
// written verbatim. Start tags and text runs left untouched since parsing keep
// their original bytes; everything else is written with double quoted
// attributes and escaped text.
func (d *Document) String() string {
	if d == nil || d.doc == nil {
		return ""
	}
	w := writer{source: d.source}
	w.b.WriteString(d.prolog)
	seenRoot := false
	for n := d.doc.FirstChild; n != nil; n = n.NextSibling {
		if !seenRoot {
			if n.Type != xmlquery.ElementNode {
				continue
			}
			seenRoot = true
		}
		w.node(n)
	}
	return w.b.String()
}

// OuterXML serializes a single node and its subtree.
func OuterXML(n *Node) string {
	var w writer
	w.node(n)
	return w.b.String()
}

type writer struct {
	b      strings.Builder
	source *sourceMap
}

func (w *writer) node(n *Node) {
	b := &w.b
	switch n.Type {
	case xmlquery.ElementNode:
		name := qualifiedName(n.Prefix, n.Data)
		src, known, kept := w.source.element(n)
		if kept {
			b.WriteString(src.open)
		} else {
			b.WriteByte('<')
			b.WriteString(name)
			for _, attr := range n.Attr {
				b.WriteByte(' ')
				b.WriteString(qualifiedName(attr.Name.Space, attr.Name.Local))
				b.WriteString(`="`)
				b.WriteString(EscapeAttr(attr.Value))
				b.WriteByte('"')
			}
		}
		if n.FirstChild == nil && (!known || src.selfClosing) {
			b.WriteString("/>")
			return
		}
		b.WriteByte('>')
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			w.node(child)
		}
		b.WriteString("</")
		b.WriteString(name)
		b.WriteByte('>')
	case xmlquery.TextNode:
		if raw, ok := w.source.text(n); ok {
			b.WriteString(raw)
			return
		}
		b.WriteString(EscapeText(n.Data))
	case xmlquery.CharDataNode:
		if raw, ok := w.source.text(n); ok {
			b.WriteString(raw)
			return
		}
		b.WriteString("<![CDATA[")
		b.WriteString(strings.ReplaceAll(n.Data, "]]>", "]]]]><![CDATA[>"))
		b.WriteString("]]>")
	case xmlquery.CommentNode:
		b.WriteString("<!--")
		b.WriteString(n.Data)
		b.WriteString("-->")
	case xmlquery.ProcessingInstruction:
		b.WriteString("<?")
		if n.ProcInst != nil {
			b.WriteString(n.ProcInst.Target)
			if n.ProcInst.Inst != "" {
				b.WriteByte(' ')
				b.WriteString(n.ProcInst.Inst)
			}
		} else {
			b.WriteString(n.Data)
		}
		b.WriteString("?>")
	case xmlquery.NotationNode:
		b.WriteString("<!")
		b.WriteString(n.Data)
		b.WriteByte('>')
	}
}

func qualifiedName(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}
