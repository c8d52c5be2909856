package anthropic

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoJSON is returned when a response carries no JSON object.
var ErrNoJSON = eris.New("anthropic: no JSON object in response")

// ExtractJSON returns the outermost JSON object in text. Markdown code fences
// and surrounding prose are ignored.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", eris.Wrap(ErrNoJSON, "unterminated object")
}
