package sentinel

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlLister extracts document links from an HTML listing or table page.
// Relative links are resolved against the endpoint URL; navigation noise
// (anchors, javascript:, mailto:) is skipped.
type htmlLister struct{}

func (htmlLister) List(_ context.Context, ep *DiscoveryEndpoint, page []byte) ([]Candidate, error) {
	return extractLinks(ep.URL, page)
}

func extractLinks(baseURL string, page []byte) ([]Candidate, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("sentinel: base URL: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("sentinel: parse html: %w", err)
	}

	var out []Candidate
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if c, ok := linkCandidate(base, n); ok {
				out = append(out, c)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return out, nil
}

func linkCandidate(base *url.URL, a *html.Node) (Candidate, bool) {
	var href string
	for _, attr := range a.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return Candidate{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return Candidate{}, false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return Candidate{}, false
	}
	resolved.Fragment = ""
	return Candidate{
		URL:   resolved.String(),
		Title: nodeText(a),
	}, true
}

// nodeText collects the visible text of a node, collapsed to single spaces.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
