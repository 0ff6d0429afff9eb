package sentinel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

const defaultMaxPages = 5

// paginationLister walks numbered listing pages (?page=2, ?page=3, ...)
// starting from the already-fetched first page, collecting links from each.
// It stops at the filter's page bound or at the first page yielding nothing
// new.
type paginationLister struct {
	fetcher *Fetcher
}

func (l *paginationLister) List(ctx context.Context, ep *DiscoveryEndpoint, page []byte) ([]Candidate, error) {
	filter, err := parseFilter(ep.FilterJSON)
	if err != nil {
		return nil, err
	}
	maxPages := filter.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	param := filter.PageParam
	if param == "" {
		param = "page"
	}

	out, err := extractLinks(ep.URL, page)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.URL] = true
	}

	for n := 2; n <= maxPages; n++ {
		pageURL, err := withPageParam(ep.URL, param, n)
		if err != nil {
			return nil, err
		}
		res, err := l.fetcher.Fetch(ctx, pageURL, "", "", "")
		if err != nil {
			// Past the last page many sites 404; what was gathered so far
			// is still a valid listing.
			break
		}
		links, err := extractLinks(pageURL, res.Body)
		if err != nil {
			break
		}
		added := 0
		for _, c := range links {
			if !seen[c.URL] {
				seen[c.URL] = true
				out = append(out, c)
				added++
			}
		}
		if added == 0 {
			break
		}
	}
	return out, nil
}

func withPageParam(raw, param string, n int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("sentinel: page URL: %w", err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// crawlLister does a shallow same-host crawl: links on the first page are
// followed one level deep and their links collected too. Depth is fixed at
// one; the page bound caps how many child pages are visited.
type crawlLister struct {
	fetcher *Fetcher
}

func (l *crawlLister) List(ctx context.Context, ep *DiscoveryEndpoint, page []byte) ([]Candidate, error) {
	filter, err := parseFilter(ep.FilterJSON)
	if err != nil {
		return nil, err
	}
	maxChildren := filter.MaxPages
	if maxChildren <= 0 {
		maxChildren = defaultMaxPages
	}

	base, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("sentinel: base URL: %w", err)
	}

	first, err := extractLinks(ep.URL, page)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(first))
	out := make([]Candidate, 0, len(first))
	for _, c := range first {
		if !seen[c.URL] {
			seen[c.URL] = true
			out = append(out, c)
		}
	}

	visited := 0
	for _, c := range first {
		if visited >= maxChildren {
			break
		}
		child, err := url.Parse(c.URL)
		if err != nil || child.Host != base.Host {
			continue
		}
		visited++
		res, err := l.fetcher.Fetch(ctx, c.URL, "", "", "")
		if err != nil {
			continue
		}
		links, err := extractLinks(c.URL, res.Body)
		if err != nil {
			continue
		}
		for _, lc := range links {
			cu, err := url.Parse(lc.URL)
			if err != nil || cu.Host != base.Host {
				continue
			}
			if !seen[lc.URL] {
				seen[lc.URL] = true
				out = append(out, lc)
			}
		}
	}
	return out, nil
}
