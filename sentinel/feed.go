package sentinel

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// feedLister parses RSS 2.0 and Atom 1.0 listings, auto-detecting the format
// from the XML root element.
type feedLister struct{}

func (feedLister) List(_ context.Context, _ *DiscoveryEndpoint, page []byte) ([]Candidate, error) {
	trimmed := bytes.TrimSpace(page)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("sentinel: empty feed")
	}
	switch detectFeedFormat(trimmed) {
	case "rss":
		return parseRSS(page)
	case "atom":
		return parseAtom(page)
	default:
		return nil, fmt.Errorf("sentinel: unknown feed format (expected <rss> or <feed>)")
	}
}

func detectFeedFormat(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch strings.ToLower(se.Name.Local) {
			case "rss", "rdf":
				return "rss"
			case "feed":
				return "atom"
			}
			return ""
		}
	}
}

type rssRoot struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
}

func parseRSS(data []byte) ([]Candidate, error) {
	var root rssRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("sentinel: parse rss: %w", err)
	}
	out := make([]Candidate, 0, len(root.Channel.Items))
	for _, item := range root.Channel.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			link = strings.TrimSpace(item.GUID)
		}
		if link == "" {
			continue
		}
		out = append(out, Candidate{
			URL:   link,
			Title: strings.TrimSpace(item.Title),
			Date:  feedDay(item.PubDate),
		})
	}
	return out, nil
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	ID        string     `xml:"id"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

func parseAtom(data []byte) ([]Candidate, error) {
	var root atomFeed
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("sentinel: parse atom: %w", err)
	}
	out := make([]Candidate, 0, len(root.Entries))
	for _, entry := range root.Entries {
		link := atomEntryLink(entry.Links)
		if link == "" {
			link = strings.TrimSpace(entry.ID)
		}
		if link == "" {
			continue
		}
		published := strings.TrimSpace(entry.Published)
		if published == "" {
			published = strings.TrimSpace(entry.Updated)
		}
		out = append(out, Candidate{
			URL:   link,
			Title: strings.TrimSpace(entry.Title),
			Date:  feedDay(published),
		})
	}
	return out, nil
}

func atomEntryLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// feedDay normalizes a feed timestamp (RFC 1123, RFC 3339, or a bare day)
// to an ISO calendar day; unparseable values pass through for display.
func feedDay(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{
		time.RFC1123Z, time.RFC1123, time.RFC3339, "2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
