package fetch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Converter turns HTML pages into Markdown, keeping the main content area.
type Converter struct {
	converter *md.Converter
}

func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert returns the page title and Markdown body.
func (c *Converter) Convert(page []byte) (string, string, error) {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title := pageTitle(doc)
	markdown, err := c.converter.ConvertString(mainContent(doc))
	if err != nil {
		return "", "", fmt.Errorf("convert html: %w", err)
	}
	markdown = excessiveLinesRe.ReplaceAllString(strings.TrimSpace(markdown), "\n\n")
	return title, markdown, nil
}

func pageTitle(doc *html.Node) string {
	if n := findElement(doc, "title"); n != nil && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	return ""
}

func mainContent(doc *html.Node) string {
	for _, tag := range []string{"main", "article"} {
		if n := findElement(doc, tag); n != nil {
			return renderNode(n)
		}
	}
	removeElements(doc, map[string]bool{
		"nav": true, "header": true, "footer": true, "aside": true,
		"script": true, "style": true, "noscript": true, "iframe": true,
		"form": true, "button": true,
	})
	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}
	return renderNode(doc)
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func removeElements(n *html.Node, tags map[string]bool) {
	var drop []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && tags[node.Data] {
			drop = append(drop, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	for _, node := range drop {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

// HTMLFetcher scrapes a page and converts it to Markdown.
type HTMLFetcher struct {
	Client    *Client
	Converter *Converter
}

func (f HTMLFetcher) Fetch(ctx context.Context, rawURL string) (Evidence, error) {
	resp, err := f.Client.Get(ctx, rawURL, "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8,*/*;q=0.5")
	if err != nil {
		return Evidence{}, err
	}
	ev := Evidence{SourceURL: rawURL, Source: SourceHTML}
	ct := strings.ToLower(resp.ContentType)
	switch {
	case strings.HasPrefix(ct, "text/plain"), strings.HasPrefix(ct, "text/markdown"):
		ev.Text = strings.TrimSpace(string(resp.Body))
	default:
		title, text, err := f.Converter.Convert(resp.Body)
		if err != nil {
			return Evidence{}, err
		}
		ev.Title, ev.Text = title, text
	}
	if ev.Text == "" {
		return Evidence{}, fmt.Errorf("%s: %w", rawURL, ErrNoContent)
	}
	return ev, nil
}
