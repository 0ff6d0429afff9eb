package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Lister turns an endpoint's listing document into a deduplicated list of
// candidates. The first page body is supplied by the caller; multi-page
// strategies fetch follow-up pages themselves.
type Lister interface {
	List(ctx context.Context, ep *DiscoveryEndpoint, page []byte) ([]Candidate, error)
}

// listers builds the strategy table used by the Service.
func listers(f *Fetcher) map[Strategy]Lister {
	return map[Strategy]Lister{
		StrategySitemap:    sitemapLister{},
		StrategyFeed:       feedLister{},
		StrategyHTMLList:   htmlLister{},
		StrategyPagination: &paginationLister{fetcher: f},
		StrategyCrawl:      &crawlLister{fetcher: f},
	}
}

// parseFilter decodes an endpoint's FilterJSON, tolerating the empty form.
func parseFilter(filterJSON string) (*Filter, error) {
	f := &Filter{}
	if filterJSON == "" || filterJSON == "{}" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(filterJSON), f); err != nil {
		return nil, fmt.Errorf("sentinel: filter: %w", err)
	}
	return f, nil
}

// applyFilter drops candidates outside the endpoint's filter and removes
// duplicate URLs, preserving first-seen order.
func applyFilter(cands []Candidate, f *Filter) []Candidate {
	var pattern *regexp.Regexp
	if f.URLPattern != "" {
		pattern, _ = regexp.Compile(f.URLPattern)
	}

	seen := make(map[string]bool, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.URL == "" || seen[c.URL] {
			continue
		}
		if f.URLPattern != "" {
			if pattern != nil {
				if !pattern.MatchString(c.URL) {
					continue
				}
			} else if !strings.Contains(c.URL, f.URLPattern) {
				continue
			}
		}
		// Candidates without a listed date pass a date filter; the filter
		// only excludes what is provably too old.
		if f.After != "" && c.Date != "" && c.Date < f.After {
			continue
		}
		seen[c.URL] = true
		out = append(out, c)
	}
	return out
}
