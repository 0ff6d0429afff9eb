// Package sentinel discovers candidate regulatory documents at registered
// endpoints and captures them into the evidence store.
//
// Each endpoint carries a listing strategy (sitemap, feed, HTML list,
// pagination, shallow crawl); a due check parses the listing into candidate
// URLs, records new ones as pending items, then fetches items one by one
// under a shared rate limit. Fetched content is committed to the evidence
// store; its dedup rule makes repeated runs over unchanged remote content
// produce nothing new.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/taxway/regtruth/evidence"
)

// Config configures the Service.
type Config struct {
	Fetch FetchConfig
	// MaxErrors deactivates an endpoint after that many consecutive failed
	// checks. Default: 5.
	MaxErrors int
	// MaxItemAttempts marks an item terminally failed after that many fetch
	// attempts. Default: 3.
	MaxItemAttempts int
	// RatePerSecond bounds item fetches across all endpoints. Default: 1.
	RatePerSecond float64
	// CheckInterval is the scheduler poll period. Default: 1 minute.
	CheckInterval time.Duration
	// ItemBatch bounds how many pending items one sweep fetches per
	// endpoint. Default: 50.
	ItemBatch int
}

func (c *Config) defaults() {
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
	if c.MaxItemAttempts <= 0 {
		c.MaxItemAttempts = 3
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.ItemBatch <= 0 {
		c.ItemBatch = 50
	}
}

// Service runs discovery over the endpoint registry.
type Service struct {
	store    *Store
	evidence *evidence.Store
	fetcher  *Fetcher
	listers  map[Strategy]Lister
	limiter  *rate.Limiter
	logger   *slog.Logger
	config   Config

	// onEvidence, when set, is called once per newly captured evidence
	// record, typically to enqueue extraction work.
	onEvidence func(ctx context.Context, evidenceID string) error
}

// Option configures a Service during creation.
type Option func(*Service)

// WithOnEvidence registers a callback invoked for each new evidence record.
func WithOnEvidence(fn func(ctx context.Context, evidenceID string) error) Option {
	return func(s *Service) { s.onEvidence = fn }
}

// WithURLValidator overrides URL validation on the fetcher. Use in tests
// with httptest servers on loopback addresses.
func WithURLValidator(fn func(string) error) Option {
	return func(s *Service) {
		s.config.Fetch.URLValidator = fn
		s.fetcher = NewFetcher(s.config.Fetch)
	}
}

// New creates a sentinel Service over the given stores.
func New(store *Store, ev *evidence.Store, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	f := NewFetcher(cfg.Fetch)
	svc := &Service{
		store:    store,
		evidence: ev,
		fetcher:  f,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.listers = listers(svc.fetcher)
	return svc
}

// Store exposes the endpoint registry for the admin surface.
func (s *Service) Store() *Store { return s.store }

// Run polls for due endpoints on a ticker. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep checks every due endpoint once and fetches its pending items.
// Returns the number of evidence records created.
func (s *Service) Sweep(ctx context.Context) int {
	due, err := s.store.DueEndpoints(ctx)
	if err != nil {
		s.logger.Error("sentinel: due endpoints", "error", err)
		return 0
	}
	captured := 0
	for _, ep := range due {
		n, err := s.CheckEndpoint(ctx, ep.ID)
		if err != nil {
			s.logger.Warn("sentinel: check failed",
				"endpoint_id", ep.ID, "url", ep.URL, "error", err)
			continue
		}
		captured += n
	}
	return captured
}

// CheckEndpoint runs one full discovery pass over an endpoint: fetch the
// listing, record new candidates, then fetch pending items into evidence.
// Returns the number of evidence records created.
func (s *Service) CheckEndpoint(ctx context.Context, endpointID string) (int, error) {
	ep, err := s.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return 0, err
	}
	if ep == nil {
		return 0, ErrEndpointNotFound
	}

	newItems, err := s.checkListing(ctx, ep)
	if err != nil {
		deactivated, recErr := s.store.RecordCheckError(ctx, ep.ID, err.Error(), s.config.MaxErrors)
		if recErr != nil {
			s.logger.Error("sentinel: record check error", "endpoint_id", ep.ID, "error", recErr)
		}
		if deactivated {
			s.logger.Warn("sentinel: endpoint deactivated",
				"endpoint_id", ep.ID, "url", ep.URL, "errors", ep.ConsecutiveErrors+1)
		}
		return 0, err
	}
	if newItems > 0 {
		s.logger.Info("sentinel: discovered",
			"endpoint_id", ep.ID, "new_items", newItems)
	}

	return s.FetchPending(ctx, ep.ID)
}

// checkListing fetches and parses the endpoint's listing, inserting new
// candidates. Returns how many were new.
func (s *Service) checkListing(ctx context.Context, ep *DiscoveryEndpoint) (int, error) {
	lister, ok := s.listers[ep.Strategy]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, ep.Strategy)
	}

	start := time.Now()
	res, err := s.fetcher.Fetch(ctx, ep.URL, ep.ETag, ep.LastModified, ep.LastHash)
	if err != nil {
		code := 0
		if res != nil {
			code = res.StatusCode
		}
		s.store.LogFetch(ctx, ep.ID, ep.URL, code, 0, false, err.Error(), time.Since(start))
		return 0, err
	}
	s.store.LogFetch(ctx, ep.ID, ep.URL, res.StatusCode, len(res.Body), res.Changed, "", time.Since(start))

	if !res.Changed || res.StatusCode == 304 {
		// Listing unchanged since last check; conditional GET state may
		// still have rotated.
		etag, lastMod, hash := ep.ETag, ep.LastModified, ep.LastHash
		if res.ETag != "" {
			etag = res.ETag
		}
		if res.LastMod != "" {
			lastMod = res.LastMod
		}
		if res.Hash != "" {
			hash = res.Hash
		}
		return 0, s.store.RecordCheckSuccess(ctx, ep.ID, etag, lastMod, hash)
	}

	cands, err := lister.List(ctx, ep, res.Body)
	if err != nil {
		return 0, err
	}
	filter, err := parseFilter(ep.FilterJSON)
	if err != nil {
		return 0, err
	}
	cands = applyFilter(cands, filter)

	inserted := 0
	for _, c := range cands {
		created, err := s.store.InsertItem(ctx, &DiscoveredItem{
			EndpointID:  ep.ID,
			URL:         c.URL,
			Title:       c.Title,
			PublishedAt: c.Date,
		})
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	if err := s.store.RecordCheckSuccess(ctx, ep.ID, res.ETag, res.LastMod, res.Hash); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// FetchPending fetches pending items for an endpoint under the shared rate
// limit, committing each to the evidence store. Returns how many evidence
// records were created.
func (s *Service) FetchPending(ctx context.Context, endpointID string) (int, error) {
	items, err := s.store.PendingItems(ctx, endpointID, s.config.ItemBatch)
	if err != nil {
		return 0, err
	}
	captured := 0
	for _, it := range items {
		if err := s.limiter.Wait(ctx); err != nil {
			return captured, err
		}
		created, err := s.fetchItem(ctx, it)
		if err != nil {
			s.logger.Warn("sentinel: item fetch failed",
				"item_id", it.ID, "url", it.URL, "error", err)
			if markErr := s.store.MarkItemFailed(ctx, it.ID, err.Error(), s.config.MaxItemAttempts); markErr != nil {
				s.logger.Error("sentinel: mark failed", "item_id", it.ID, "error", markErr)
			}
			continue
		}
		if created {
			captured++
		}
	}
	return captured, nil
}

// fetchItem fetches one candidate and commits it as evidence. The bool
// reports whether a new evidence record was created (false on dedup).
// Transient fetch errors are retried with exponential backoff before the
// item is marked failed.
func (s *Service) fetchItem(ctx context.Context, it *DiscoveredItem) (bool, error) {
	var res *FetchResult
	op := func() error {
		var err error
		start := time.Now()
		res, err = s.fetcher.Fetch(ctx, it.URL, "", "", "")
		code, bytes := 0, 0
		if res != nil {
			code, bytes = res.StatusCode, len(res.Body)
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		s.store.LogFetch(ctx, it.EndpointID, it.URL, code, bytes, err == nil, msg, time.Since(start))
		if err != nil && res != nil && res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != 429 {
			// Client errors will not heal on retry.
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return false, err
	}

	ev, err := s.evidence.Put(ctx, it.URL, res.Body, res.ContentType)
	duplicate := errors.Is(err, evidence.ErrDuplicateEvidence)
	if err != nil && !duplicate {
		return false, err
	}
	if err := s.store.MarkItemFetched(ctx, it.ID, ev.ID); err != nil {
		return false, err
	}
	if duplicate {
		return false, nil
	}
	s.logger.Info("sentinel: captured",
		"item_id", it.ID, "evidence_id", ev.ID, "bytes", len(res.Body))
	if s.onEvidence != nil {
		if err := s.onEvidence(ctx, ev.ID); err != nil {
			return true, fmt.Errorf("notify evidence %s: %w", ev.ID, err)
		}
	}
	return true, nil
}
