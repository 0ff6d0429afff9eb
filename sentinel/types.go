package sentinel

// Strategy selects how an endpoint's listing is interpreted.
type Strategy string

const (
	StrategySitemap    Strategy = "sitemap"
	StrategyFeed       Strategy = "feed" // RSS 2.0 or Atom 1.0
	StrategyHTMLList   Strategy = "html_list"
	StrategyPagination Strategy = "pagination"
	StrategyCrawl      Strategy = "crawl"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySitemap, StrategyFeed, StrategyHTMLList, StrategyPagination, StrategyCrawl:
		return true
	}
	return false
}

// Priority orders endpoints within one due-check sweep.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityHigh:   3,
	PriorityNormal: 2,
	PriorityLow:    1,
}

// Rank returns the sweep ordering weight, 0 for unknown.
func (p Priority) Rank() int { return priorityRank[p] }

// DiscoveryEndpoint is a pollable source of regulatory documents.
type DiscoveryEndpoint struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Strategy Strategy `json:"strategy"`
	Priority Priority `json:"priority"`
	// FrequencyMs is the minimum interval between listing checks.
	FrequencyMs int64 `json:"frequency_ms"`
	// FilterJSON carries strategy-specific filters (URL pattern, date range,
	// CSS-ish selector hints, pagination bounds).
	FilterJSON        string `json:"filter_json,omitempty"`
	Active            bool   `json:"active"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastCheckedAt     int64  `json:"last_checked_at,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	// ETag, LastModified, and LastHash support conditional GET of the
	// listing itself.
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	LastHash     string `json:"last_hash,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Filter is the decoded form of DiscoveryEndpoint.FilterJSON.
type Filter struct {
	// URLPattern keeps only candidate URLs containing the substring (or
	// matching the regex when it compiles).
	URLPattern string `json:"url_pattern,omitempty"`
	// After drops candidates published strictly before the ISO date.
	After string `json:"after,omitempty"`
	// MaxPages bounds pagination and crawl depth.
	MaxPages int `json:"max_pages,omitempty"`
	// PageParam is the query parameter incremented by the pagination
	// strategy. Default "page".
	PageParam string `json:"page_param,omitempty"`
}

// ItemStatus is the lifecycle position of a discovered item.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemFetched ItemStatus = "fetched"
	ItemFailed  ItemStatus = "failed"
)

// DiscoveredItem is a candidate document found at an endpoint. Terminal once
// fetched into the evidence store.
type DiscoveredItem struct {
	ID          string     `json:"id"`
	EndpointID  string     `json:"endpoint_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	PublishedAt string     `json:"published_at,omitempty"` // as listed, best effort
	Status      ItemStatus `json:"status"`
	EvidenceID  string     `json:"evidence_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Candidate is one listing entry before persistence.
type Candidate struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Date  string `json:"date,omitempty"`
}
