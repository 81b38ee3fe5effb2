package sanitize

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// StripControl removes characters that may not appear in an XML document,
// keeping tab, newline and carriage return. It returns the cleaned text and the
// number of characters removed.
func StripControl(s string) (string, int) {
	removed := 0
	if !utf8.ValidString(s) {
		before := len(s)
		s = strings.ToValidUTF8(s, "")
		removed += before - len(s)
	}
	cleaned := strings.Map(func(r rune) rune {
		if allowedRune(r) {
			return r
		}
		removed++
		return -1
	}, s)
	return cleaned, removed
}

func allowedRune(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return true
	case r < 0x20 || r == 0x7f:
		return false
	case r >= 0xd800 && r <= 0xdfff:
		return false
	case r == 0xfffe || r == 0xffff:
		return false
	}
	return r <= utf8.MaxRune
}

var namedEntities = []string{"amp;", "lt;", "gt;", "quot;", "apos;"}

// escapeAmpersands rewrites every '&' that does not begin a predefined entity
// or a valid numeric character reference.
func escapeAmpersands(s string) (string, int) {
	if !strings.Contains(s, "&") {
		return s, 0
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	escaped := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '&' {
			b.WriteByte(c)
			continue
		}
		if isReference(s[i+1:]) {
			b.WriteByte(c)
			continue
		}
		b.WriteString("&amp;")
		escaped++
	}
	return b.String(), escaped
}

func isReference(rest string) bool {
	for _, name := range namedEntities {
		if strings.HasPrefix(rest, name) {
			return true
		}
	}
	if !strings.HasPrefix(rest, "#") {
		return false
	}
	end := strings.IndexByte(rest, ';')
	if end < 2 || end > 10 {
		return false
	}
	digits := rest[1:end]
	base := 10
	if digits[0] == 'x' {
		digits = digits[1:]
		base = 16
	}
	if digits == "" {
		return false
	}
	code, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return false
	}
	r := rune(code)
	return r != 0x7f && allowedRune(r)
}

// escapeLessThan escapes '<' inside attribute values.
func escapeLessThan(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	return strings.ReplaceAll(s, "<", "&lt;")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isBlank(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isSpace(s[i]) {
			return false
		}
	}
	return true
}
