package sanitize

import (
	"strings"
)

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenStart
	tokenEnd
	tokenComment
	tokenCDATA
	tokenProcInst
	tokenDirective
)

type attribute struct {
	name  string
	value string
	quote byte
}

type token struct {
	kind        tokenKind
	name        string
	attrs       []attribute
	selfClosing bool
	forced      bool
	dropped     bool
	text        string
}

func (t token) attr(name string) string {
	for _, a := range t.attrs {
		if a.name == name {
			return a.value
		}
	}
	return ""
}

// describe names an element for removal reports.
func (t token) describe() string {
	if t.kind == tokenEnd {
		return "</" + t.name + ">"
	}
	if id := t.attr("id"); id != "" {
		return t.name + "#" + id
	}
	return t.name
}

// tokenize splits markup into a flat token stream. It never fails: stray '<'
// characters become escaped text and unterminated constructs run to the end
// of input.
func tokenize(s string) []token {
	var toks []token
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			toks = append(toks, token{kind: tokenText, text: text.String()})
			text.Reset()
		}
	}

	i := 0
	for i < len(s) {
		if s[i] != '<' {
			j := strings.IndexByte(s[i:], '<')
			if j < 0 {
				j = len(s) - i
			}
			text.WriteString(s[i : i+j])
			i += j
			continue
		}
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "<!--"):
			flush()
			body, n := until(rest, 4, "-->")
			toks = append(toks, token{kind: tokenComment, text: body})
			i += n
		case strings.HasPrefix(rest, "<![CDATA["):
			flush()
			body, n := until(rest, 9, "]]>")
			toks = append(toks, token{kind: tokenCDATA, text: body})
			i += n
		case strings.HasPrefix(rest, "<?"):
			flush()
			body, n := until(rest, 2, "?>")
			toks = append(toks, token{kind: tokenProcInst, text: body})
			i += n
		case strings.HasPrefix(rest, "<!"):
			end := declarationEnd(rest)
			if end < 0 {
				text.WriteString("&lt;")
				i++
				continue
			}
			flush()
			toks = append(toks, token{kind: tokenDirective, text: rest[2 : end-1]})
			i += end
		case strings.HasPrefix(rest, "</"):
			name := readName(rest[2:])
			if name == "" {
				text.WriteString("&lt;")
				i++
				continue
			}
			flush()
			toks = append(toks, token{kind: tokenEnd, name: name})
			end := strings.IndexAny(rest[2:], "<>")
			switch {
			case end < 0:
				i = len(s)
			case rest[2+end] == '>':
				i += 2 + end + 1
			default:
				i += 2 + end
			}
		default:
			name := readName(rest[1:])
			if name == "" {
				text.WriteString("&lt;")
				i++
				continue
			}
			flush()
			tok, n := parseStartTag(rest, name)
			toks = append(toks, tok)
			i += n
		}
	}
	flush()
	return toks
}

func until(s string, skip int, terminator string) (string, int) {
	end := strings.Index(s[skip:], terminator)
	if end < 0 {
		return s[skip:], len(s)
	}
	return s[skip : skip+end], skip + end + len(terminator)
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
		case c == '<' && depth <= 0:
			return -1
		case c == '>' && depth <= 0:
			return i + 1
		}
	}
	return -1
}

func isNameStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == ':' || c >= 0x80
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9' || c == '-' || c == '.'
}

func readName(s string) string {
	if s == "" || !isNameStart(s[0]) {
		return ""
	}
	i := 1
	for i < len(s) && isNameChar(s[i]) {
		i++
	}
	return s[:i]
}

// parseStartTag reads a start tag beginning at s[0] == '<'. It returns the
// token and the number of bytes consumed.
func parseStartTag(s, name string) (token, int) {
	tok := token{kind: tokenStart, name: name}
	seen := map[string]bool{}
	pos := 1 + len(name)
	for {
		for pos < len(s) && isSpace(s[pos]) {
			pos++
		}
		if pos >= len(s) {
			return tok, pos
		}
		switch s[pos] {
		case '>':
			return tok, pos + 1
		case '<':
			// Tag was never closed; leave the next tag for the tokenizer.
			return tok, pos
		case '/':
			if pos+1 < len(s) && s[pos+1] == '>' {
				tok.selfClosing = true
				return tok, pos + 2
			}
			pos++
			continue
		}

		attrName := readName(s[pos:])
		if attrName == "" {
			pos++
			continue
		}
		pos += len(attrName)
		for pos < len(s) && isSpace(s[pos]) {
			pos++
		}
		attr := attribute{name: attrName, quote: '"'}
		if pos < len(s) && s[pos] == '=' {
			pos++
			for pos < len(s) && isSpace(s[pos]) {
				pos++
			}
			if pos < len(s) && (s[pos] == '"' || s[pos] == '\'') {
				quote := s[pos]
				end := strings.IndexByte(s[pos+1:], quote)
				if end < 0 {
					stop := strings.IndexAny(s[pos+1:], "<>")
					if stop < 0 {
						stop = len(s) - pos - 1
					}
					attr.value = s[pos+1 : pos+1+stop]
					pos += 1 + stop
				} else {
					attr.quote = quote
					attr.value = s[pos+1 : pos+1+end]
					pos += end + 2
				}
			} else {
				start := pos
				for pos < len(s) && !isSpace(s[pos]) && s[pos] != '>' && s[pos] != '<' {
					if s[pos] == '/' && pos+1 < len(s) && s[pos+1] == '>' {
						break
					}
					pos++
				}
				attr.value = s[start:pos]
			}
		}
		if seen[attrName] {
			continue
		}
		seen[attrName] = true
		tok.attrs = append(tok.attrs, attr)
	}
}

func localName(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}

var voidCapable = map[string]bool{
	"image":    true,
	"use":      true,
	"rect":     true,
	"circle":   true,
	"ellipse":  true,
	"line":     true,
	"polyline": true,
	"polygon":  true,
	"path":     true,
	"stop":     true,
}

// IsVoidCapable reports whether an element is commonly written without
// children and may be force-closed.
func IsVoidCapable(name string) bool {
	local := localName(name)
	return voidCapable[local] || strings.HasPrefix(local, "fe")
}

func isImageOrUse(name string) bool {
	local := localName(name)
	return local == "image" || local == "use"
}

var textContentElements = map[string]bool{
	"text":     true,
	"tspan":    true,
	"textPath": true,
	"style":    true,
	"script":   true,
	"title":    true,
	"desc":     true,
}

// forceVoids self-closes void-capable start tags that have no matching close
// tag within their parent's scope. Tags are decided from last to first so
// nested decisions are already settled when an outer tag is examined.
func forceVoids(toks []token) int {
	forced := 0
	for i := len(toks) - 1; i >= 0; i-- {
		t := &toks[i]
		if t.kind != tokenStart || t.selfClosing || !IsVoidCapable(t.name) {
			continue
		}
		if hasMatchingClose(toks, i) {
			continue
		}
		t.selfClosing = true
		t.forced = true
		forced++
	}
	return forced
}

func hasMatchingClose(toks []token, i int) bool {
	depth := 0
	for j := i + 1; j < len(toks); j++ {
		t := toks[j]
		switch t.kind {
		case tokenStart:
			if !t.selfClosing {
				depth++
			}
		case tokenEnd:
			if depth == 0 {
				return t.name == toks[i].name
			}
			depth--
		}
	}
	return false
}

// balance drops tokens of targeted elements that take part in structural
// errors: stray close tags, start tags that are never closed, and tags that
// had to be force-closed. When closeOpen is set, remaining unclosed elements
// get synthesized close tags and any stray close tag is dropped.
func balance(toks []token, target func(string) bool, closeOpen bool, rep *Report) []token {
	work := make([]token, len(toks))
	copy(work, toks)

	type open struct {
		idx  int
		name string
	}
	var stack []open
	inserts := map[int][]token{}
	drop := func(i int) {
		if work[i].dropped {
			return
		}
		work[i].dropped = true
		rep.ElementsRemoved = append(rep.ElementsRemoved, work[i].describe())
	}

	for i := range work {
		t := &work[i]
		switch t.kind {
		case tokenStart:
			if t.selfClosing {
				if t.forced && target(t.name) {
					drop(i)
				}
				continue
			}
			stack = append(stack, open{idx: i, name: t.name})
		case tokenEnd:
			pos := -1
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == t.name {
					pos = k
					break
				}
			}
			if pos < 0 {
				if closeOpen || target(t.name) {
					drop(i)
				}
				continue
			}
			for k := len(stack) - 1; k > pos; k-- {
				o := stack[k]
				switch {
				case target(o.name):
					drop(o.idx)
				case closeOpen:
					inserts[i] = append(inserts[i], token{kind: tokenEnd, name: o.name})
				}
			}
			stack = stack[:pos]
		}
	}

	var tail []token
	for k := len(stack) - 1; k >= 0; k-- {
		o := stack[k]
		switch {
		case target(o.name):
			drop(o.idx)
		case closeOpen:
			tail = append(tail, token{kind: tokenEnd, name: o.name})
		}
	}

	out := make([]token, 0, len(work)+len(tail))
	for i, t := range work {
		out = append(out, inserts[i]...)
		if !t.dropped {
			out = append(out, t)
		}
	}
	return append(out, tail...)
}

// render writes the token stream back as markup, collapsing whitespace-only
// runs between tags outside text content.
func render(toks []token, rep *Report) string {
	var b strings.Builder
	type frame struct {
		name     string
		preserve bool
	}
	var stack []frame
	preserving := func() bool {
		return len(stack) > 0 && stack[len(stack)-1].preserve
	}

	var pending strings.Builder
	flushText := func() {
		if pending.Len() == 0 {
			return
		}
		text := pending.String()
		pending.Reset()
		if !preserving() && isBlank(text) {
			collapsed := " "
			if strings.ContainsAny(text, "\n\r") {
				collapsed = "\n"
			}
			if collapsed != text {
				rep.WhitespaceCollapsed++
			}
			text = collapsed
		}
		b.WriteString(text)
	}

	for _, t := range toks {
		if t.kind == tokenText {
			pending.WriteString(t.text)
			continue
		}
		flushText()
		switch t.kind {
		case tokenStart:
			b.WriteByte('<')
			b.WriteString(t.name)
			for _, a := range t.attrs {
				b.WriteByte(' ')
				b.WriteString(a.name)
				b.WriteByte('=')
				b.WriteByte(a.quote)
				value := a.value
				if a.quote == '"' {
					value = strings.ReplaceAll(value, `"`, "&quot;")
				}
				b.WriteString(escapeLessThan(value))
				b.WriteByte(a.quote)
			}
			if t.selfClosing {
				b.WriteString("/>")
				continue
			}
			b.WriteByte('>')
			preserve := preserving() || textContentElements[localName(t.name)] || t.attr("xml:space") == "preserve"
			stack = append(stack, frame{name: t.name, preserve: preserve})
		case tokenEnd:
			b.WriteString("</")
			b.WriteString(t.name)
			b.WriteByte('>')
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == t.name {
					stack = stack[:k]
					break
				}
			}
		case tokenComment:
			b.WriteString("<!--")
			b.WriteString(commentBody(t.text))
			b.WriteString("-->")
		case tokenCDATA:
			b.WriteString("<![CDATA[")
			b.WriteString(t.text)
			b.WriteString("]]>")
		case tokenProcInst:
			b.WriteString("<?")
			b.WriteString(t.text)
			b.WriteString("?>")
		case tokenDirective:
			b.WriteString("<!")
			b.WriteString(t.text)
			b.WriteByte('>')
		}
	}
	flushText()
	return b.String()
}

func commentBody(body string) string {
	for strings.Contains(body, "--") {
		body = strings.ReplaceAll(body, "--", "- -")
	}
	if strings.HasSuffix(body, "-") {
		body += " "
	}
	return body
}
