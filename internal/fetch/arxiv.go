package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const defaultArxivAPI = "https://export.arxiv.org/api/query"

var arxivURLRe = regexp.MustCompile(`arxiv\.org/(?:abs|pdf)/([a-z\-]+(?:\.[A-Z]{2})?/[0-9]{7}|[0-9]{4}\.[0-9]{4,5})(v[0-9]+)?`)

// ArxivID extracts the paper id from an arxiv.org abs or pdf link.
func ArxivID(rawURL string) (string, bool) {
	m := arxivURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1] + m[2], true
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID      string `xml:"http://www.w3.org/2005/Atom id"`
	Title   string `xml:"http://www.w3.org/2005/Atom title"`
	Summary string `xml:"http://www.w3.org/2005/Atom summary"`
}

// ArxivFetcher looks up the abstract through the Atom export API.
type ArxivFetcher struct {
	Client *Client
	APIURL string
}

func (f ArxivFetcher) Fetch(ctx context.Context, rawURL string) (Evidence, error) {
	id, ok := ArxivID(rawURL)
	if !ok {
		return Evidence{}, fmt.Errorf("not an arxiv url: %s", rawURL)
	}
	api := f.APIURL
	if api == "" {
		api = defaultArxivAPI
	}
	query := api + "?" + url.Values{"id_list": {id}}.Encode()
	resp, err := f.Client.Get(ctx, query, "application/atom+xml")
	if err != nil {
		return Evidence{}, err
	}
	var feed atomFeed
	if err := xml.Unmarshal(resp.Body, &feed); err != nil {
		return Evidence{}, fmt.Errorf("decode arxiv feed: %w", err)
	}
	for _, e := range feed.Entries {
		summary := collapse(e.Summary)
		if summary == "" {
			continue
		}
		return Evidence{
			SourceURL: rawURL,
			Source:    SourceArxiv,
			Title:     collapse(e.Title),
			Text:      summary,
		}, nil
	}
	return Evidence{}, fmt.Errorf("arxiv %s: %w", id, ErrNoContent)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
