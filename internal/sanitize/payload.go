package sanitize

import (
	"strings"
)

// DefaultMaxPayload caps the length of an embedded base64 payload.
const DefaultMaxPayload = 1_300_000

// NormalizeBase64 drops characters outside the base64 alphabet and repairs the
// padding. Payloads longer than max are truncated to a multiple of four.
func NormalizeBase64(payload string, max int) (string, bool) {
	var b strings.Builder
	b.Grow(len(payload) + 2)
	for i := 0; i < len(payload); i++ {
		if isBase64Char(payload[i]) {
			b.WriteByte(payload[i])
		}
	}
	clean := b.String()
	truncated := false
	if max > 0 && len(clean) > max {
		clean = clean[:max-max%4]
		truncated = true
	}
	switch len(clean) % 4 {
	case 1:
		clean = clean[:len(clean)-1]
	case 2:
		clean += "=="
	case 3:
		clean += "="
	}
	return clean, truncated
}

// NormalizeDataURI repairs the base64 payload of a data URI. Non-base64 URIs
// are returned unchanged.
func NormalizeDataURI(uri string, max int) (string, bool) {
	start, ok := payloadStart(uri, 0)
	if !ok {
		return uri, false
	}
	payload, truncated := NormalizeBase64(uri[start:], max)
	return uri[:start] + payload, truncated
}

func isBase64Char(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/':
		return true
	}
	return false
}

// payloadStart finds the next "data:<mime>;base64," marker at or after from
// and returns the offset of the first payload byte.
func payloadStart(s string, from int) (int, bool) {
	for from < len(s) {
		idx := indexFold(s[from:], "data:")
		if idx < 0 {
			return 0, false
		}
		pos := from + idx + len("data:")
		for pos < len(s) && isMimeChar(s[pos]) {
			pos++
		}
		base64 := false
		for pos < len(s) && s[pos] == ';' {
			pos++
			paramStart := pos
			for pos < len(s) && isParamChar(s[pos]) {
				pos++
			}
			if strings.EqualFold(s[paramStart:pos], "base64") {
				base64 = true
			}
		}
		if base64 && pos < len(s) && s[pos] == ',' {
			return pos + 1, true
		}
		from = from + idx + len("data:")
	}
	return 0, false
}

// payloadEnd returns the offset just past the payload starting at start. In
// attribute values the payload runs to a quote or closing parenthesis and
// embedded whitespace belongs to it; in text content whitespace ends it too.
func payloadEnd(s string, start int, attrValue bool) int {
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '"', '\'', ')', '<', '>':
			return i
		case ' ', '\t', '\n', '\r':
			if !attrValue {
				return i
			}
		}
	}
	return len(s)
}

func isMimeChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '/' || c == '+' || c == '-' || c == '.':
		return true
	}
	return false
}

func isParamChar(c byte) bool {
	return isMimeChar(c) || c == '=' || c == '_'
}

func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// repairContent applies ampersand escaping outside embedded payloads and
// normalizes the payloads themselves.
func (s *Sanitizer) repairContent(v string, attrValue bool, rep *Report) string {
	if !strings.Contains(v, "&") && indexFold(v, "data:") < 0 {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	pos := 0
	for pos < len(v) {
		start, ok := payloadStart(v, pos)
		if !ok {
			break
		}
		escaped, n := escapeAmpersands(v[pos:start])
		rep.AmpersandsEscaped += n
		b.WriteString(escaped)
		end := payloadEnd(v, start, attrValue)
		raw := v[start:end]
		payload, truncated := NormalizeBase64(raw, s.maxPayload)
		if payload != raw {
			rep.PayloadsRepaired++
		}
		if truncated {
			rep.PayloadsTruncated++
		}
		b.WriteString(payload)
		pos = end
	}
	escaped, n := escapeAmpersands(v[pos:])
	rep.AmpersandsEscaped += n
	b.WriteString(escaped)
	return b.String()
}
