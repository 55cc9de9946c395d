// Package render turns PMOS records into vault Markdown. The engine treats
// the output as opaque text and only touches its frontmatter.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"pmos/internal/domain"
)

//go:embed templates/*.md.tmpl
var templatesFS embed.FS

type Kind string

const (
	KindSignal       Kind = "signal"
	KindDecision     Kind = "decision"
	KindCase         Kind = "case"
	KindInsight      Kind = "insight"
	KindProposal     Kind = "proposal"
	KindEvidence     Kind = "evidence"
	KindWeekly       Kind = "weekly"
	KindRevalidation Kind = "revalidation"
)

// Renderer produces document text for a record.
type Renderer interface {
	Render(kind Kind, data any) (string, error)
}

// Views passed to the templates.

type DecisionView struct {
	Decision domain.GateDecision
	Signal   domain.Signal
}

type CaseView struct {
	Case   domain.RejectionCase
	Signal domain.Signal
}

// InsightView renders an insight draft. Action is set for drafts staged by
// an action writeback instead of a gate decision.
type InsightView struct {
	Draft    domain.InsightDraft
	Decision domain.GateDecision
	Action   *domain.Task
}

type ProposalView struct {
	Proposal domain.ProposalDraft
}

type EvidenceView struct {
	FetchedAt   string
	FetchStatus string
	SourceURL   string
	Hash        string
	FetchError  string
	Excerpt     string
}

type WeeklyView struct {
	Year        int
	Week        int
	GeneratedAt string
	Signals     []domain.Signal
}

type RevalidationRow struct {
	ID           string
	Path         string
	RevalidateBy string
	Status       string
}

type RevalidationView struct {
	GeneratedAt string
	Rows        []RevalidationRow
}

// Markdown renders the embedded templates.
type Markdown struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"quote": quote,
	"score": score,
	"inc":   func(i int) int { return i + 1 },
}

func NewMarkdown() (*Markdown, error) {
	tmpl, err := template.New("pmos").Funcs(funcs).ParseFS(templatesFS, "templates/*.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Markdown{tmpl: tmpl}, nil
}

// MustMarkdown panics if the embedded templates fail to parse.
func MustMarkdown() *Markdown {
	m, err := NewMarkdown()
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Markdown) Render(kind Kind, data any) (string, error) {
	name := string(kind) + ".md.tmpl"
	if m.tmpl.Lookup(name) == nil {
		return "", fmt.Errorf("no template for %s", kind)
	}
	var buf bytes.Buffer
	if err := m.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.String(), nil
}

func quote(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ">"
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = ">"
			continue
		}
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func score(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}
