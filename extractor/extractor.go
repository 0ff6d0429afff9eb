// Package extractor turns one evidence record into zero or more source
// pointers by asking a language model for candidate facts and keeping only
// those whose quote is verifiably grounded in the evidence content.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/taxway/regtruth/evidence"
	"github.com/taxway/regtruth/llm"
	"github.com/taxway/regtruth/regstore"
	"github.com/taxway/regtruth/textify"
)

// Stage is the agent-run stage name recorded for extraction work.
const Stage = "extract"

// ErrEvidenceNotFound is returned when the evidence ID does not exist.
var ErrEvidenceNotFound = errors.New("extractor: evidence not found")

// Config configures the Extractor.
type Config struct {
	// Model overrides the provider default per call, "provider:model" style
	// model names belong in the provider; this is just the model field.
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxChars bounds the document text sent to the model. Default from
	// textify (60000).
	MaxChars int
	// CallsPerMinute paces model calls from the batch runner. Default: 6.
	CallsPerMinute float64
	// MaxRetries bounds retries on transient model errors. Default: 3.
	MaxRetries uint64
	// RateLimitBase is the starting backoff delay after a throttling
	// response, deliberately longer than the general transient base.
	// Default: 30s.
	RateLimitBase time.Duration
}

func (c *Config) defaults() {
	if c.CallsPerMinute <= 0 {
		c.CallsPerMinute = 6
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RateLimitBase <= 0 {
		c.RateLimitBase = 30 * time.Second
	}
}

// Extractor processes evidence records into source pointers.
type Extractor struct {
	provider llm.Provider
	evidence *evidence.Store
	store    *regstore.Store
	limiter  *rate.Limiter
	logger   *slog.Logger
	config   Config
}

// New creates an Extractor.
func New(provider llm.Provider, ev *evidence.Store, store *regstore.Store, cfg Config, logger *slog.Logger) *Extractor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		provider: provider,
		evidence: ev,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CallsPerMinute/60.0), 1),
		logger:   logger,
		config:   cfg,
	}
}

// ProcessEvidence runs one extraction over one evidence record, returning
// how many source pointers were persisted. The agent run record is written
// regardless of outcome.
func (x *Extractor) ProcessEvidence(ctx context.Context, evidenceID string, attempt int) (int, error) {
	runID, err := x.store.StartRun(ctx, Stage, evidenceID, attempt)
	if err != nil {
		return 0, err
	}
	n, err := x.processEvidence(ctx, evidenceID)
	if err != nil {
		if failErr := x.store.FailRun(ctx, runID, err); failErr != nil {
			x.logger.Error("extractor: record failure", "run_id", runID, "error", failErr)
		}
		return 0, err
	}
	if err := x.store.FinishRun(ctx, runID); err != nil {
		x.logger.Error("extractor: record finish", "run_id", runID, "error", err)
	}
	return n, nil
}

func (x *Extractor) processEvidence(ctx context.Context, evidenceID string) (int, error) {
	ev, err := x.evidence.Get(ctx, evidenceID)
	if err != nil {
		return 0, err
	}
	if ev == nil {
		return 0, fmt.Errorf("%w: %s", ErrEvidenceNotFound, evidenceID)
	}

	doc, err := textify.Textify(ev.RawContent, ev.ContentType, textify.Options{
		MaxChars: x.config.MaxChars,
	})
	if err != nil {
		return 0, fmt.Errorf("textify %s: %w", evidenceID, err)
	}

	raw, err := x.complete(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(ev.URL, doc.Title, doc.Text),
		Temperature:  x.config.Temperature,
		MaxTokens:    x.config.MaxTokens,
		Model:        x.config.Model,
	})
	if err != nil {
		return 0, err
	}

	extractions, err := parseOutput(raw)
	if err != nil {
		return 0, err
	}

	kept := 0
	for _, e := range extractions {
		if !evidence.Grounded(string(ev.RawContent), e.Quote) {
			x.logger.Warn("extractor: dropped ungrounded quote",
				"evidence_id", evidenceID, "domain", e.Domain,
				"quote", truncateForLog(e.Quote))
			continue
		}
		if !evidence.ValueInQuote(e.Value, e.Quote) {
			x.logger.Warn("extractor: dropped value absent from quote",
				"evidence_id", evidenceID, "domain", e.Domain, "value", e.Value)
			continue
		}
		p := &regstore.SourcePointer{
			EvidenceID: evidenceID,
			Quote:      e.Quote,
			Value:      e.Value,
			ValueType:  e.ValueType,
			Domain:     domainTag(e),
			Confidence: e.Confidence,
		}
		if err := x.store.InsertPointer(ctx, p); err != nil {
			return kept, fmt.Errorf("insert pointer: %w", err)
		}
		kept++
	}
	x.logger.Info("extractor: done",
		"evidence_id", evidenceID, "candidates", len(extractions), "kept", kept)
	return kept, nil
}

// complete calls the model under the shared pacing limit, retrying transient
// failures. Throttling responses restart the backoff at a longer base delay.
func (x *Extractor) complete(ctx context.Context, req *llm.Request) (string, error) {
	if err := x.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var content string
	op := func() error {
		resp, err := x.provider.Complete(ctx, req)
		if err != nil {
			if errors.Is(err, llm.ErrRateLimited) {
				// Throttling gets a dedicated cooldown on top of the
				// regular backoff schedule.
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(x.config.RateLimitBase):
				}
			}
			return err
		}
		content = resp.Content
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), x.config.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	return content, nil
}

// domainTag folds the optional topic into the domain tag so the composer can
// group on one field.
func domainTag(e Extraction) string {
	if e.Topic == "" {
		return e.Domain
	}
	return e.Domain + "/" + e.Topic
}

func truncateForLog(s string) string {
	r := []rune(s)
	if len(r) <= 80 {
		return s
	}
	return string(r[:80]) + "..."
}
