// Package fetch retrieves evidence text for deepening. arXiv links go through
// the export API for the abstract; everything else is scraped as HTML and
// converted to Markdown.
package fetch

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"pmos/internal/config"
	"pmos/internal/metrics"
)

// ErrNoContent is returned when a page yields no usable text.
var ErrNoContent = errors.New("fetch: no content")

const (
	SourceHTML  = "html"
	SourceArxiv = "arxiv"
)

type Evidence struct {
	SourceURL string
	Source    string
	Title     string
	Text      string
}

// Fetcher retrieves evidence for one URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Evidence, error)
}

// Router dispatches to the arXiv or HTML fetcher by URL.
type Router struct {
	HTML  Fetcher
	Arxiv Fetcher
}

// New builds the default router from deepening config.
func New(cfg config.Deepening) Router {
	client := NewClient(Options{
		Timeout:     cfg.Timeout,
		UserAgent:   cfg.UserAgent,
		MaxBytes:    cfg.MaxBytes,
		MinInterval: cfg.MinInterval,
	})
	return Router{
		HTML:  HTMLFetcher{Client: client, Converter: NewConverter()},
		Arxiv: ArxivFetcher{Client: client, APIURL: cfg.ArxivAPI},
	}
}

func (r Router) Fetch(ctx context.Context, rawURL string) (Evidence, error) {
	start := time.Now()
	source := SourceHTML
	f := r.HTML
	if _, ok := ArxivID(rawURL); ok && r.Arxiv != nil {
		source = SourceArxiv
		f = r.Arxiv
	}
	ev, err := f.Fetch(ctx, rawURL)
	metrics.ObserveFetch(source, start, err)
	if err != nil {
		return Evidence{}, err
	}
	if ev.Source == "" {
		ev.Source = source
	}
	if ev.SourceURL == "" {
		ev.SourceURL = rawURL
	}
	return ev, nil
}

// Excerpt trims text to at most max runes, cutting at a word boundary when
// one is close.
func Excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:max])
	if idx := strings.LastIndexAny(cut, " \n"); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}
