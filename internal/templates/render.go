// Package templates turns message bodies with named placeholders into the
// text that is actually delivered.
//
// Bodies use {name} placeholders. Providers that only accept pre-approved
// templates need positional markers instead ({{1}}, {{2}}, ...), numbered in
// the order the placeholders appear; Render produces that form.
package templates

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrUnknownPlaceholder is returned by Format for a {name} without a value.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")

	// ErrMalformedTemplate is returned by Format for an unbalanced brace.
	ErrMalformedTemplate = errors.New("malformed template")
)

var (
	namedPattern      = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
	positionalPattern = regexp.MustCompile(`\{\{([0-9]+)\}\}`)
)

// Occurrence is one placeholder found in a body.
type Occurrence struct {
	Position int // 1-based, left to right
	Name     string
	Start    int // byte offsets of the whole {name} token
	End      int
}

// Occurrences lists the placeholders of text whose name is in known, in the
// order they appear. Every occurrence counts, repeated names included.
func Occurrences(text string, known map[string]string) []Occurrence {
	var out []Occurrence
	for _, loc := range namedPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		if _, ok := known[name]; !ok {
			continue
		}
		out = append(out, Occurrence{
			Position: len(out) + 1,
			Name:     name,
			Start:    loc[0],
			End:      loc[1],
		})
	}
	return out
}

// Render rewrites every known {name} of text into a positional {{n}} marker
// and returns the rewritten text with the value for each position. Unknown
// placeholders are left as they are.
func Render(text string, variables map[string]string) (string, map[string]string) {
	occ := Occurrences(text, variables)
	positional := make(map[string]string, len(occ))
	if len(occ) == 0 {
		return text, positional
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, o := range occ {
		key := strconv.Itoa(o.Position)
		b.WriteString(text[last:o.Start])
		b.WriteString("{{" + key + "}}")
		positional[key] = variables[o.Name]
		last = o.End
	}
	b.WriteString(text[last:])

	return b.String(), positional
}

// Substitute fills positional {{n}} markers from vars. Markers without a
// value are kept.
func Substitute(positional string, vars map[string]string) string {
	return positionalPattern.ReplaceAllStringFunc(positional, func(m string) string {
		key := m[2 : len(m)-2]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// Format replaces each {name} in text by its value. Doubled braces produce a
// literal brace. A placeholder without a value is an error.
func Format(text string, variables map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unclosed '{' at offset %d", ErrMalformedTemplate, i)
			}
			name := text[i+1 : i+1+end]
			v, ok := variables[name]
			if !ok {
				return "", fmt.Errorf("%w: %q", ErrUnknownPlaceholder, name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("%w: single '}' at offset %d", ErrMalformedTemplate, i)
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}
