package patterns

import (
	"encoding/hex"
	"html"
	"regexp"
	"strings"
)

const maxDecodeRounds = 3

var percentEscape = regexp.MustCompile(`%[0-9a-fA-F]{2}`)

// percentDecode decodes every well formed %XX escape and leaves stray '%'
// characters in place, so one malformed escape cannot hide the rest.
func percentDecode(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	return percentEscape.ReplaceAllStringFunc(s, func(esc string) string {
		b, err := hex.DecodeString(esc[1:])
		if err != nil {
			return esc
		}
		return string(b)
	})
}

// Normalize undoes common encodings used to smuggle payloads past pattern checks:
// repeated percent-encoding, HTML entities, NUL bytes, backslash separators, and
// whitespace or case variations.
func Normalize(input string) string {
	s := input
	for i := 0; i < maxDecodeRounds; i++ {
		decoded := percentDecode(s)
		if decoded == s {
			break
		}
		s = decoded
	}
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\\", "/")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}
