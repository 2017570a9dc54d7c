package prompt

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Assembly is the final prompt plus the file keys whose text was cut.
type Assembly struct {
	Prompt    string
	Truncated []string
}

// Assemble substitutes every {{KEY}} in body in a single left-to-right
// pass. File keys present in documentText take the extracted text, cut to
// maxChars runes when maxChars > 0; other keys take their bound value.
// Unbound placeholders become empty. Malformed or nested openings are
// copied through as literal text.
func Assemble(body string, values, documentText map[string]string, maxChars int) Assembly {
	var b strings.Builder
	b.Grow(len(body))
	truncated := map[string]bool{}

	scan(body, func(lit string) { b.WriteString(lit) }, func(key string) {
		if text, ok := documentText[key]; ok {
			if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
				text = truncateRunes(text, maxChars)
				truncated[key] = true
			}
			b.WriteString(text)
			return
		}
		b.WriteString(values[key])
	})

	a := Assembly{Prompt: b.String()}
	for k := range truncated {
		a.Truncated = append(a.Truncated, k)
	}
	sort.Strings(a.Truncated)
	return a
}

// Placeholders returns the distinct placeholder keys of body in order of
// first appearance.
func Placeholders(body string) []string {
	var keys []string
	seen := map[string]bool{}
	scan(body, func(string) {}, func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	})
	return keys
}

// scan walks body once. A placeholder is "{{" followed by one or more key
// characters and immediately closed by "}}". Anything else is literal.
func scan(body string, literal func(string), placeholder func(string)) {
	start := 0
	i := 0
	for i < len(body) {
		if body[i] != '{' || i+1 >= len(body) || body[i+1] != '{' {
			i++
			continue
		}
		j := i + 2
		for j < len(body) && isKeyByte(body[j]) {
			j++
		}
		if j == i+2 || j+1 >= len(body) || body[j] != '}' || body[j+1] != '}' {
			// not a placeholder; the next brace may still open one
			i++
			continue
		}
		if start < i {
			literal(body[start:i])
		}
		placeholder(body[i+2 : j])
		i = j + 2
		start = i
	}
	if start < len(body) {
		literal(body[start:])
	}
}

func isKeyByte(c byte) bool {
	return c == '_' || ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
