// Package template implements the {{name}} variable renderer used for
// subjects, bodies, call scripts and network messages.
//
// Tokens are {{name}} where name is one or more ASCII letters, digits or
// underscores with no surrounding whitespace. Anything else that looks like
// a token is emitted verbatim. An opening {{ with no closing }} on the same
// line is a syntax error.
package template

import (
	"fmt"
	"strings"
)

// SyntaxError reports an unclosed {{ and the 1-based line it sits on.
type SyntaxError struct {
	Line int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("unclosed {{ on line %d", e.Line)
}

// Render substitutes {{name}} tokens from vars. Unknown names render as the
// empty string. Rendering never consults anything outside vars.
func Render(text string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	line := 1

	for i := 0; i < len(text); {
		c := text[i]
		if c == '\n' {
			line++
			b.WriteByte(c)
			i++
			continue
		}
		if c != '{' || i+1 >= len(text) || text[i+1] != '{' {
			b.WriteByte(c)
			i++
			continue
		}

		// Opening {{ found. The closing }} must appear before the next newline.
		rest := text[i+2:]
		lineEnd := strings.IndexByte(rest, '\n')
		if lineEnd == -1 {
			lineEnd = len(rest)
		}
		close := strings.Index(rest[:lineEnd], "}}")
		if close == -1 {
			return "", &SyntaxError{Line: line}
		}

		name := rest[:close]
		if validName(name) {
			b.WriteString(vars[name])
			i += 2 + close + 2
			continue
		}

		// Malformed token: emit the braces verbatim and keep scanning after
		// them, so nested forms like {{{{name}} still find the inner token.
		b.WriteString("{{")
		i += 2
	}

	return b.String(), nil
}

// Names returns the distinct well-formed token names in text, in order of
// first appearance. Malformed tokens are ignored; unclosed {{ is an error.
func Names(text string) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	line := 1

	for i := 0; i < len(text); {
		c := text[i]
		if c == '\n' {
			line++
			i++
			continue
		}
		if c != '{' || i+1 >= len(text) || text[i+1] != '{' {
			i++
			continue
		}
		rest := text[i+2:]
		lineEnd := strings.IndexByte(rest, '\n')
		if lineEnd == -1 {
			lineEnd = len(rest)
		}
		close := strings.Index(rest[:lineEnd], "}}")
		if close == -1 {
			return nil, &SyntaxError{Line: line}
		}
		name := rest[:close]
		if validName(name) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			i += 2 + close + 2
			continue
		}
		i += 2
	}

	return names, nil
}

// Unknown returns the token names in text that vars does not define.
func Unknown(text string, vars map[string]string) ([]string, error) {
	names, err := Names(text)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range names {
		if _, ok := vars[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}

// Merge overlays maps left to right; later maps win on key collisions.
func Merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}
