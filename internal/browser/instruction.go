package browser

import (
	"strings"
	"unicode"
)

var actionVerbs = []string{"click on", "click", "press", "tap", "select", "open", "choose", "hit"}

var roleNouns = []string{"button", "link", "tab", "icon", "menu item", "item", "option"}

// ParseInstruction extracts the visible label a natural-language click
// instruction refers to. "Click the 'Add to cart' button" yields "add to cart".
func ParseInstruction(instruction string) string {
	s := strings.ToLower(strings.TrimSpace(instruction))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(".!?;:", r)
	})

	// A quoted label wins over everything else.
	for _, q := range []string{`"`, `'`, "`", "“", "‘"} {
		closer := q
		switch q {
		case "“":
			closer = "”"
		case "‘":
			closer = "’"
		}
		if start := strings.Index(s, q); start >= 0 {
			rest := s[start+len(q):]
			if end := strings.Index(rest, closer); end > 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}

	for _, v := range actionVerbs {
		if strings.HasPrefix(s, v+" ") {
			s = strings.TrimSpace(s[len(v):])
			break
		}
	}
	for _, a := range []string{"the ", "a ", "an ", "on "} {
		s = strings.TrimPrefix(s, a)
	}
	for _, n := range roleNouns {
		if strings.HasSuffix(s, " "+n) {
			s = strings.TrimSpace(strings.TrimSuffix(s, n))
			break
		}
	}
	return s
}
