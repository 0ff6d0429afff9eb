package sentinel

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
)

// sitemapLister parses sitemap.org <urlset> documents. Sitemap index files
// (<sitemapindex>) yield the child sitemap URLs as candidates; the caller's
// shallow-crawl endpoint configuration covers following them when needed.
type sitemapLister struct{}

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapURL `xml:"sitemap"`
}

func (sitemapLister) List(_ context.Context, _ *DiscoveryEndpoint, page []byte) ([]Candidate, error) {
	trimmed := bytes.TrimSpace(page)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("sentinel: empty sitemap")
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(page, &set); err == nil && len(set.URLs) > 0 {
		return sitemapCandidates(set.URLs), nil
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(page, &idx); err == nil && len(idx.Sitemaps) > 0 {
		return sitemapCandidates(idx.Sitemaps), nil
	}

	return nil, fmt.Errorf("sentinel: not a sitemap (expected <urlset> or <sitemapindex>)")
}

func sitemapCandidates(urls []sitemapURL) []Candidate {
	out := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		out = append(out, Candidate{
			URL:  loc,
			Date: isoDay(strings.TrimSpace(u.LastMod)),
		})
	}
	return out
}

// isoDay truncates lastmod values like "2026-03-15T10:00:00+01:00" to the
// calendar day.
func isoDay(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
