// Package frontmatter reads and patches the `---` fenced key/value block at the
// top of vault documents. Values are kept verbatim: they are free text such as
// "insufficient evidence|ops" that a YAML round trip would re-quote.
package frontmatter

import (
	"errors"
	"strings"
)

// ErrUnterminated indicates a document opens a fence that never closes.
var ErrUnterminated = errors.New("frontmatter: unterminated block")

const fence = "---"

// Field is one key/value update.
type Field struct {
	Key   string
	Value string
}

// F is shorthand for building a Field.
func F(key, value string) Field {
	return Field{Key: key, Value: value}
}

type line struct {
	key string // empty for lines that are not key: value pairs
	raw string
}

// Map is an ordered frontmatter block. Lines that are not key/value pairs,
// such as comments or list items, are preserved in place.
type Map struct {
	lines []line
}

// NewMap builds a map from fields in order.
func NewMap(fields ...Field) *Map {
	m := &Map{}
	for _, f := range fields {
		m.Set(f.Key, f.Value)
	}
	return m
}

// Get returns the value of key.
func (m *Map) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, l := range m.lines {
		if l.key == key {
			return valueOf(l.raw), true
		}
	}
	return "", false
}

// Set replaces the first line for key, or appends one.
func (m *Map) Set(key, value string) {
	for i, l := range m.lines {
		if l.key == key {
			m.lines[i].raw = key + ": " + value
			return
		}
	}
	m.lines = append(m.lines, line{key: key, raw: key + ": " + value})
}

// Keys returns keys in document order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		if l.key != "" {
			out = append(out, l.key)
		}
	}
	return out
}

// Len is the number of keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

func (m *Map) clone() *Map {
	c := &Map{lines: make([]line, len(m.lines))}
	copy(c.lines, m.lines)
	return c
}

func (m *Map) text() string {
	raws := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		raws = append(raws, l.raw)
	}
	return strings.Join(raws, "\n")
}

// Document is a parsed vault document.
type Document struct {
	Fields         *Map
	Body           string
	HasFrontmatter bool
}

// Parse splits content into frontmatter and body. Content without a leading
// fence has an empty map and the whole content as body.
func Parse(content string) (Document, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, fence+"\n") {
		return Document{Fields: &Map{}, Body: content}, nil
	}
	rest := content[len(fence)+1:]
	var block, body string
	switch {
	case strings.HasPrefix(rest, fence+"\n"):
		body = rest[len(fence)+1:]
	case rest == fence:
	default:
		idx := strings.Index(rest, "\n"+fence+"\n")
		if idx == -1 {
			if !strings.HasSuffix(rest, "\n"+fence) {
				return Document{}, ErrUnterminated
			}
			idx = len(rest) - len(fence) - 1
			block = rest[:idx]
		} else {
			block = rest[:idx]
			body = rest[idx+len(fence)+2:]
		}
	}
	m := &Map{}
	if block != "" {
		for _, raw := range strings.Split(block, "\n") {
			m.lines = append(m.lines, line{key: keyOf(raw), raw: raw})
		}
	}
	return Document{Fields: m, Body: body, HasFrontmatter: true}, nil
}

// Upsert returns content with updates applied to its frontmatter. Existing
// keys are replaced in place and new keys are appended. Content with no
// frontmatter gets a new block prepended. content itself is never modified.
func Upsert(content string, updates ...Field) (string, error) {
	doc, err := Parse(content)
	if err != nil {
		return "", err
	}
	m := doc.Fields.clone()
	for _, u := range updates {
		m.Set(u.Key, u.Value)
	}
	if !doc.HasFrontmatter {
		return Render(m, "\n"+doc.Body), nil
	}
	return Render(m, doc.Body), nil
}

// Render writes fields and body as a fenced document.
func Render(fields *Map, body string) string {
	var b strings.Builder
	b.WriteString(fence + "\n")
	if fields != nil && len(fields.lines) > 0 {
		b.WriteString(fields.text())
		b.WriteString("\n")
	}
	b.WriteString(fence + "\n")
	b.WriteString(body)
	return b.String()
}

// Value reads a single key from content. Unparseable content yields false.
func Value(content, key string) (string, bool) {
	doc, err := Parse(content)
	if err != nil {
		return "", false
	}
	return doc.Fields.Get(key)
}

func keyOf(raw string) string {
	if raw == "" || raw[0] == ' ' || raw[0] == '\t' || raw[0] == '#' || raw[0] == '-' {
		return ""
	}
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(raw[:idx])
}

func valueOf(raw string) string {
	idx := strings.Index(raw, ":")
	if idx == -1 {
		return ""
	}
	return strings.TrimSpace(raw[idx+1:])
}
