package sentinel

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// FetchResult contains the outcome of one HTTP fetch.
type FetchResult struct {
	Body        []byte
	StatusCode  int
	Hash        string // sha256 of body, hex
	ContentType string // declared Content-Type, media type only
	ETag        string
	LastMod     string
	Changed     bool // false on 304 or unchanged content hash
}

// FetchConfig configures the fetcher.
type FetchConfig struct {
	Timeout   time.Duration // per request. Default: 30s.
	MaxBytes  int64         // response body cap. Default: 20MB.
	UserAgent string
	// URLValidator validates URLs before fetch and on each redirect.
	// Default: ValidateURL.
	URLValidator func(string) error
}

func (c *FetchConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 20 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "regtruth-sentinel/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
}

// ValidateURL rejects non-HTTP schemes and loopback/private hosts. Endpoint
// listings come from public regulators; anything else is a misconfiguration
// or an SSRF attempt via a crafted listing.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: private address %s", ErrBlockedURL, host)
		}
	}
	if host == "localhost" {
		return fmt.Errorf("%w: localhost", ErrBlockedURL)
	}
	return nil
}

// Fetcher performs HTTP requests with conditional GET support.
type Fetcher struct {
	client *http.Client
	config FetchConfig
}

// NewFetcher creates a Fetcher that re-validates URLs on redirect.
func NewFetcher(cfg FetchConfig) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves a URL. Non-empty etag/lastMod are sent as conditional
// headers; a 304 comes back with Changed=false and no body. A non-empty
// prevHash also yields Changed=false when the body hash matches.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastMod, prevHash string) (*FetchResult, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastMod != "" {
		req.Header.Set("If-Modified-Since", lastMod)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{
			StatusCode: http.StatusNotModified,
			ETag:       resp.Header.Get("ETag"),
			LastMod:    resp.Header.Get("Last-Modified"),
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &FetchResult{StatusCode: resp.StatusCode},
			fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(body)
	hash := fmt.Sprintf("%x", sum)

	return &FetchResult{
		Body:        body,
		StatusCode:  resp.StatusCode,
		Hash:        hash,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		ETag:        resp.Header.Get("ETag"),
		LastMod:     resp.Header.Get("Last-Modified"),
		Changed:     prevHash == "" || hash != prevHash,
	}, nil
}

func mediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}
